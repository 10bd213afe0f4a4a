// Package llm is the text-generation capability behind the delegator
// and responders: a provider-neutral [Client], Anthropic and Ollama
// implementations, a [MultiClient] that picks the provider per model,
// and schema-checked structured output.
package llm

import "context"

// Client generates one assistant turn.
type Client interface {
	// Chat returns the complete turn.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream returns the complete turn, delivering text to callback
	// as it arrives when callback is non-nil.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping reports whether the provider can serve requests.
	Ping(ctx context.Context) error
}
