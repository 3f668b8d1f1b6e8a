// Package llm defines the Provider interface for Large Language Model
// backends used to generate coaching feedback.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o, an
// Anthropic model behind any-llm, or a local Ollama instance) and exposes a
// uniform interface so the coaching engine never couples to a specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
	"net/http"
)

// Terminal upstream conditions. Callers must not retry a request that fails
// with one of these; retrying cannot succeed and burns quota.
var (
	// ErrQuotaExceeded means the account hit its rate or spend limit.
	ErrQuotaExceeded = errors.New("llm: quota exceeded")

	// ErrBlockedBySafety means the model refused the content outright.
	ErrBlockedBySafety = errors.New("llm: blocked by safety filter")

	// ErrInvalidRequest means the request itself is malformed for this model.
	ErrInvalidRequest = errors.New("llm: invalid request")
)

// ClassifyStatus maps an upstream HTTP status to one of the terminal
// sentinels, or nil for statuses that are transient and retryable.
func ClassifyStatus(status int) error {
	switch status {
	case http.StatusTooManyRequests, http.StatusPaymentRequired:
		return ErrQuotaExceeded
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return ErrInvalidRequest
	default:
		return nil
	}
}

// Terminal reports whether err is one of the no-retry sentinels.
func Terminal(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrBlockedBySafety) ||
		errors.Is(err, ErrInvalidRequest)
}

// Message is one turn of a model conversation.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string

	// Content is the plain-text body of the turn.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
// Counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// A zero-value request is invalid; at minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0].
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or "error".
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelCapabilities describes static metadata about a provider's model.
type ModelCapabilities struct {
	SupportsStreaming bool
	ContextWindow     int
	MaxOutputTokens   int
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly. Failures should be classified: terminal conditions
// wrap [ErrQuotaExceeded], [ErrBlockedBySafety], or [ErrInvalidRequest] so
// callers can gate their retry policy with [Terminal].
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion sends req and returns a channel emitting chunks as
	// they arrive. The channel is closed when generation finishes or ctx is
	// cancelled; callers must drain it. Errors after the stream opens are
	// surfaced as a Chunk with FinishReason "error".
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. The result need not be exact but should not
	// undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model,
	// assumed constant for the Provider's lifetime.
	Capabilities() ModelCapabilities
}
