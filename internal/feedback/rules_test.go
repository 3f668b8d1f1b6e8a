package feedback

import (
	"testing"

	"github.com/prestance-ai/prestance/internal/language"
	"github.com/prestance-ai/prestance/pkg/types"
)

func testProfile(t *testing.T) *language.Profile {
	t.Helper()
	p, err := language.Get(types.LangEnglish)
	if err != nil {
		t.Fatalf("language.Get: %v", err)
	}
	return p
}

func goodMetrics() *types.VoiceMetrics {
	return &types.VoiceMetrics{
		PaceWPM:           160,
		VolumeConsistency: 0.85,
		ClarityScore:      0.8,
	}
}

func TestEvaluateCleanChunkProducesNothing(t *testing.T) {
	t.Parallel()

	e := NewRuleEngine(testProfile(t))
	if items := e.Evaluate(goodMetrics()); len(items) != 0 {
		t.Errorf("clean chunk produced %d items: %+v", len(items), items)
	}
}

func TestEvaluateFastPace(t *testing.T) {
	t.Parallel()

	e := NewRuleEngine(testProfile(t))
	m := goodMetrics()
	m.PaceWPM = 230
	items := e.Evaluate(m)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Type != types.FeedbackPace {
		t.Errorf("type = %s, want pace", items[0].Type)
	}
	if items[0].Severity != types.SeverityWarning {
		t.Errorf("severity = %s, want warning", items[0].Severity)
	}
	if items[0].Source != types.SourceRule {
		t.Errorf("source = %s, want rule", items[0].Source)
	}
	if items[0].ID == "" {
		t.Error("item ID must not be empty")
	}
}

func TestEvaluateSlowPaceIsInfo(t *testing.T) {
	t.Parallel()

	e := NewRuleEngine(testProfile(t))
	m := goodMetrics()
	m.PaceWPM = 80
	items := e.Evaluate(m)
	if len(items) != 1 || items[0].Severity != types.SeverityInfo {
		t.Fatalf("got %+v, want one info item", items)
	}
}

func TestEvaluateCapsAtThreeBySeverity(t *testing.T) {
	t.Parallel()

	e := NewRuleEngine(testProfile(t))
	m := &types.VoiceMetrics{
		PaceWPM:           80,   // info
		VolumeConsistency: 0.4,  // warning
		ClarityScore:      0.3,  // warning
		Advanced:          &types.AdvancedMetrics{ConfidenceIndicator: 0.9}, // positive
	}
	items := e.Evaluate(m)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	// Two warnings and the positive should survive; the info pace item loses.
	for _, item := range items {
		if item.Type == types.FeedbackPace {
			t.Errorf("lowest-severity item survived the cap: %+v", items)
		}
	}
	if items[0].Severity.Rank() < items[len(items)-1].Severity.Rank() {
		t.Error("items not ordered by severity rank")
	}
}

func TestEvaluateDeduplicatesAcrossChunks(t *testing.T) {
	t.Parallel()

	e := NewRuleEngine(testProfile(t))
	m := goodMetrics()
	m.PaceWPM = 230

	if items := e.Evaluate(m); len(items) != 1 {
		t.Fatalf("first chunk: got %d items, want 1", len(items))
	}
	for i := 0; i < dedupeChunks-1; i++ {
		if items := e.Evaluate(m); len(items) != 0 {
			t.Fatalf("chunk %d: duplicate pace item not suppressed", i+2)
		}
	}
	// Window slid past the original emission; the rule may fire again.
	if items := e.Evaluate(m); len(items) != 1 {
		t.Fatalf("after window: got %d items, want 1", len(items))
	}
}

func TestEvaluateLocalizedMessages(t *testing.T) {
	t.Parallel()

	fr, err := language.Get(types.LangFrench)
	if err != nil {
		t.Fatalf("language.Get: %v", err)
	}
	e := NewRuleEngine(fr)
	m := goodMetrics()
	m.PaceWPM = 230
	items := e.Evaluate(m)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Message == "Slow down a little." {
		t.Error("french profile returned the english fallback message")
	}
}
