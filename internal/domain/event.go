package domain

// EventType names one event of the chat stream.
type EventType string

const (
	EventStart    EventType = "start"
	EventToken    EventType = "token"
	EventMetadata EventType = "metadata"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Terminal reports whether no further events may follow t.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Event is one server to client message. Data is one of the payload types
// below and is encoded as the event body.
type Event struct {
	Type EventType
	Data any
}

type StartPayload struct {
	ConversationID string `json:"conversationId"`
	Timestamp      string `json:"timestamp"`
}

type TokenPayload struct {
	Content string `json:"content"`
}

type MetadataPayload struct {
	Sources []Source `json:"sources"`
}

type DonePayload struct {
	TotalTokens  int    `json:"totalTokens"`
	FinishReason string `json:"finishReason"`
	DurationMs   int64  `json:"durationMs"`
}

type ErrorPayload struct {
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
