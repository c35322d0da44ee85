package domain

// ChatMessage is the provider-agnostic chat message shape produced by the
// prompt builder and consumed by the generation integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	ChatRoleSystem = "system"
	ChatRoleUser   = "user"
)
