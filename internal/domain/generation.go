package domain

// GenerationRequest is the provider-agnostic input to a generation oracle.
type GenerationRequest struct {
	Messages  []ChatMessage
	MaxTokens int
}

// Usage carries token accounting reported by the generation oracle at the
// end of a stream.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// GenerationChunk is one frame of a generation stream: a text delta, a stop
// reason, a usage record, or a combination.
type GenerationChunk struct {
	Text         string
	Usage        *Usage
	FinishReason string
}

// GenerationStream yields chunks until Recv returns io.EOF or an error.
// Close releases the underlying connection and is safe to call at any time.
type GenerationStream interface {
	Recv() (GenerationChunk, error)
	Close() error
}
