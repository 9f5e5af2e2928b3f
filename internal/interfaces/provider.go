package interfaces

import (
	"context"
)

// Message represents a single message in a chat conversation
type Message struct {
	// Role identifies the message sender: "user", "assistant", or "system"
	Role string

	// Content contains the text content of the message
	Content string
}

// GenerateOptions carries per-call generation parameters. Zero values mean
// "use the provider's configured default".
type GenerateOptions struct {
	Model             string
	Temperature       float32
	MaxTokens         int
	SystemInstruction string
}

// StreamChunk is a single increment of streamed output. Err is set on the
// final chunk when the stream terminated abnormally.
type StreamChunk struct {
	Text string
	Err  error
}

// AIProvider is the pluggable provider capability this layer orchestrates.
// Implementations are supplied by external provider adapters; this core
// wraps them with queuing, retry, pooling, measurement, and error
// enrichment but never implements a vendor SDK itself.
type AIProvider interface {
	// Name returns the provider identity used for pooling and budgets
	// (e.g. "claude", "gemini").
	Name() string

	// GenerateText produces a completion for the prompt.
	GenerateText(ctx context.Context, prompt string, opts *GenerateOptions) (string, error)

	// GenerateStream produces a completion as a sequence of chunks. The
	// returned channel is closed when the stream ends. Once partial output
	// has been delivered the call must not be transparently restarted.
	GenerateStream(ctx context.Context, prompt string, opts *GenerateOptions) (<-chan StreamChunk, error)
}

// ContextManager bounds a conversation to a model's token budget, trimming
// the oldest conversational turns first when the budget is exceeded.
type ContextManager interface {
	Manage(ctx context.Context, messages []Message, model string) ([]Message, error)
}
