// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, Anthropic, Gemini,
// a local Ollama or llama.cpp server) and exposes a single blocking completion
// call. The bot only needs one-shot completions for summarising transcripts, so
// streaming and tool calling are deliberately absent.
//
// Implementors must be safe for concurrent use and must honour context
// cancellation.
package llm

import "context"

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically from
	// the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before the
	// messages. Providers without a dedicated system field prepend it as a
	// "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means "provider default".
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int
}

// CompletionResponse is the result of a completion.
type CompletionResponse struct {
	// Content is the generated text.
	Content string

	// FinishReason reports why generation stopped ("stop", "length", ...).
	FinishReason string

	// Usage reports token consumption for this call.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and blocks until the full response is
	// available or ctx is done.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
