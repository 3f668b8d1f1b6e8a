package resilience

import (
	"context"

	"github.com/prestance-ai/prestance/internal/observe"
	"github.com/prestance-ai/prestance/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] backed by a [FallbackGroup] of real
// backends. The coaching engine talks to it like any single provider; a
// dead or tripped primary is bypassed per call. Requests and errors are
// counted under the chain's primary name so dashboards show one series
// per configured chain.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback starts a chain headed by primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend to the end of the chain.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete runs the completion against the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	res, err := ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})

	m := observe.DefaultMetrics()
	if err != nil {
		m.RecordProviderError(ctx, f.group.Primary(), "llm")
		m.RecordProviderRequest(ctx, f.group.Primary(), "llm", "error")
		return nil, err
	}
	m.RecordProviderRequest(ctx, f.group.Primary(), "llm", "ok")
	return res, nil
}

// StreamCompletion opens a stream on the first healthy backend. Failover
// covers the connection attempt only; once chunks flow, mid-stream errors
// surface on the channel as usual.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens asks the first healthy backend for its token estimate.
// Estimates differ between tokenizers, so after a failover the count
// reflects the backend that answered, not the primary.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary's static metadata. Fallback backends may
// differ, but callers size prompts for the chain's preferred model.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.entries[0].value.Capabilities()
}
