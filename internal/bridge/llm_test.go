package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/prestance-ai/prestance/pkg/provider/llm"
	llmmock "github.com/prestance-ai/prestance/pkg/provider/llm/mock"
)

func TestAssembleLLMNoBackends(t *testing.T) {
	t.Parallel()

	if p := AssembleLLM(nil); p != nil {
		t.Errorf("AssembleLLM(nil) = %v, want nil", p)
	}
	if p := AssembleLLM([]LLMEntry{{Name: "primary"}}); p != nil {
		t.Errorf("nil providers should be skipped, got %v", p)
	}
}

func TestAssembleLLMSingleBackend(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{}
	got := AssembleLLM([]LLMEntry{{Name: "primary", Provider: primary}})
	if got != llm.Provider(primary) {
		t.Error("single backend should be used directly, without a failover wrapper")
	}
}

func TestAssembleLLMFailover(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("overloaded")}
	fallback := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from fallback"}}
	chain := AssembleLLM([]LLMEntry{
		{Name: "primary", Provider: primary},
		{Name: "secondary", Provider: fallback},
	})

	resp, err := chain.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from fallback" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 || len(fallback.CompleteCalls) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.CompleteCalls), len(fallback.CompleteCalls))
	}
}
