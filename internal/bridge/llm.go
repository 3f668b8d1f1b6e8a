package bridge

import (
	"time"

	"github.com/prestance-ai/prestance/internal/resilience"
	"github.com/prestance-ai/prestance/pkg/provider/llm"
)

// LLMEntry names one configured LLM backend.
type LLMEntry struct {
	Name     string
	Provider llm.Provider
}

// AssembleLLM builds the coaching provider chain from the configured backends.
// A single backend is used directly; multiple backends are wrapped in a
// failover group where each backend carries its own circuit breaker. Returns
// nil when no backend is configured, which disables AI coaching.
func AssembleLLM(entries []LLMEntry) llm.Provider {
	live := entries[:0:0]
	for _, e := range entries {
		if e.Provider != nil {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		return nil
	}
	if len(live) == 1 {
		return live[0].Provider
	}

	chain := resilience.NewLLMFallback(live[0].Provider, live[0].Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  4,
			ResetTimeout: 45 * time.Second,
		},
	})
	for _, e := range live[1:] {
		chain.AddFallback(e.Name, e.Provider)
	}
	return chain
}
