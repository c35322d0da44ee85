package domain

import "time"

// Role identifies the author of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the persisted roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Conversation is owned by the employee who created it.
type Conversation struct {
	ID           string    `json:"conversationId"`
	CorpID       string    `json:"corpId"`
	EmployeeID   string    `json:"employeeId"`
	UserName     string    `json:"userName"`
	Department   string    `json:"department"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is one persisted turn half. ID is assigned by the store and is
// monotonic within a conversation.
type Message struct {
	ID             int64            `json:"messageId"`
	ConversationID string           `json:"conversationId"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// MessageMetadata is the structured block attached to assistant messages.
type MessageMetadata struct {
	Sources      []Source `json:"sources,omitempty"`
	TotalTokens  int      `json:"totalTokens,omitempty"`
	Model        string   `json:"model,omitempty"`
	DurationMs   int64    `json:"durationMs,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

// Source is a citation derived from an allowed retrieval hit.
type Source struct {
	Title      string   `json:"title"`
	Page       *int     `json:"page,omitempty"`
	Relevance  *float64 `json:"relevance,omitempty"`
	DocumentID string   `json:"documentId"`
	DomainCode string   `json:"domainCode,omitempty"`
}
