// Package feedback turns voice metrics into coaching output: a deterministic
// real-time rule engine for per-chunk suggestions and an LLM-backed coach for
// periodic structured feedback, with a rule-based fallback when the LLM path
// is unavailable.
package feedback

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/prestance-ai/prestance/internal/language"
	"github.com/prestance-ai/prestance/pkg/types"
)

// Rule-engine thresholds.
const (
	paceSlowDownWPM     = 200
	paceSpeedUpWPM      = 100
	volumeConsistencyLo = 0.6
	clarityLo           = 0.6
	confidenceHi        = 0.8

	// maxPerChunk caps suggestions per chunk; higher severity wins the cut.
	maxPerChunk = 3

	// dedupeChunks suppresses a feedback type repeated within this many
	// recent chunks.
	dedupeChunks = 3
)

// RuleEngine produces deterministic per-chunk suggestions. It keeps a short
// memory of recently emitted feedback types for deduplication. Not safe for
// concurrent use; one per session pipeline.
type RuleEngine struct {
	profile *language.Profile

	// recent holds the feedback types emitted for the last dedupeChunks
	// chunks, newest last.
	recent [][]types.FeedbackType
}

// NewRuleEngine creates a rule engine adapted to the session language.
func NewRuleEngine(profile *language.Profile) *RuleEngine {
	return &RuleEngine{profile: profile}
}

// Evaluate applies the threshold rules to one chunk's metrics and returns at
// most maxPerChunk items, highest severity first, with types repeated within
// the last dedupeChunks chunks suppressed.
func (e *RuleEngine) Evaluate(m *types.VoiceMetrics) []types.FeedbackItem {
	var candidates []types.FeedbackItem

	add := func(ft types.FeedbackType, sev types.Severity, msgKey, fallbackMsg, suggestion string, confidence float64) {
		candidates = append(candidates, types.FeedbackItem{
			ID:         uuid.NewString(),
			Type:       ft,
			Severity:   sev,
			Message:    e.profile.Message(msgKey, fallbackMsg),
			Suggestion: suggestion,
			Confidence: confidence,
			Source:     types.SourceRule,
			ProducedAt: time.Now().UTC(),
		})
	}

	if m.PaceWPM > paceSlowDownWPM {
		add(types.FeedbackPace, types.SeverityWarning,
			"pace.slow_down", "Slow down a little.",
			"Pause briefly at the end of each sentence.", 0.9)
	} else if m.PaceWPM > 0 && m.PaceWPM < paceSpeedUpWPM {
		add(types.FeedbackPace, types.SeverityInfo,
			"pace.speed_up", "You may speed up a little.",
			"Shorten the gaps between your ideas.", 0.7)
	}

	if m.VolumeConsistency > 0 && m.VolumeConsistency < volumeConsistencyLo {
		add(types.FeedbackVolume, types.SeverityWarning,
			"volume.inconsistent", "Keep your volume steadier.",
			"Project from the diaphragm to hold a stable level.", 0.8)
	}

	if m.ClarityScore > 0 && m.ClarityScore < clarityLo {
		add(types.FeedbackClarity, types.SeverityWarning,
			"clarity.low", "Articulate more clearly.",
			"Emphasize consonants and finish your words.", 0.8)
	}

	if m.Advanced != nil && m.Advanced.ConfidenceIndicator > confidenceHi {
		add(types.FeedbackConfidence, types.SeverityPositive,
			"confidence.positive", "Great vocal confidence.",
			"Keep this steady, assured delivery.", 0.85)
	}

	selected := e.selectAndDedupe(candidates)

	emitted := make([]types.FeedbackType, 0, len(selected))
	for _, item := range selected {
		emitted = append(emitted, item.Type)
	}
	e.recent = append(e.recent, emitted)
	if len(e.recent) > dedupeChunks {
		e.recent = e.recent[len(e.recent)-dedupeChunks:]
	}

	return selected
}

// selectAndDedupe drops types seen in the recent window, then keeps the top
// maxPerChunk by severity rank (stable within equal rank).
func (e *RuleEngine) selectAndDedupe(candidates []types.FeedbackItem) []types.FeedbackItem {
	seen := make(map[types.FeedbackType]bool)
	for _, chunkTypes := range e.recent {
		for _, ft := range chunkTypes {
			seen[ft] = true
		}
	}

	fresh := candidates[:0]
	for _, item := range candidates {
		if !seen[item.Type] {
			fresh = append(fresh, item)
		}
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Severity.Rank() > fresh[j].Severity.Rank()
	})

	if len(fresh) > maxPerChunk {
		fresh = fresh[:maxPerChunk]
	}
	return fresh
}
