package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prestance-ai/prestance/internal/language"
	"github.com/prestance-ai/prestance/internal/resilience"
	"github.com/prestance-ai/prestance/pkg/provider/llm"
	"github.com/prestance-ai/prestance/pkg/types"
)

const (
	// historyLimit bounds the per-session metric history kept for prompts.
	historyLimit = 15

	// promptMetricsWindow is how many recent chunks go into the LLM prompt.
	promptMetricsWindow = 5

	coachTemperature = 0.7
	coachMaxTokens   = 800
)

// Coach produces periodic structured coaching through an LLM, throttled to
// every FeedbackFrequency chunks, with a deterministic fallback when the
// model is unavailable or returns an unusable payload.
//
// A Coach accumulates session state (observed strengths, recurring weak
// areas, recent metrics) so consecutive coaching rounds build on each other.
// Not safe for concurrent use; one per session pipeline.
type Coach struct {
	profile  *language.Profile
	provider llm.Provider
	logger   *slog.Logger

	freqMu    sync.Mutex
	frequency int
	retry     resilience.RetryConfig

	history      []*types.VoiceMetrics
	strengths    map[string]struct{}
	improvements map[string]struct{}
	themes       map[string]int
}

// NewCoach creates a coach for one session. frequency is the chunk interval
// between LLM rounds; values below 1 are clamped to 1.
func NewCoach(profile *language.Profile, provider llm.Provider, frequency int, logger *slog.Logger) *Coach {
	if frequency < 1 {
		frequency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coach{
		profile:      profile,
		provider:     provider,
		logger:       logger,
		frequency:    frequency,
		retry: resilience.RetryConfig{
			Name:    "llm_coaching",
			RetryIf: func(err error) bool { return !llm.Terminal(err) },
		},
		strengths:    make(map[string]struct{}),
		improvements: make(map[string]struct{}),
		themes:       make(map[string]int),
	}
}

// Observe records one chunk's metrics into the session history and updates
// the strength/improvement sets from its sub-scores.
func (c *Coach) Observe(m *types.VoiceMetrics) {
	c.history = append(c.history, m)
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}

	note := func(area string, score float64) {
		if score >= 0.8 {
			c.strengths[area] = struct{}{}
		} else if score > 0 && score < 0.6 {
			c.improvements[area] = struct{}{}
			c.themes[area]++
		}
	}
	note("pace", m.Pace.Score)
	note("volume", m.Volume.Score)
	note("pitch", m.Pitch.Score)
	note("clarity", m.Clarity.Score)
}

// SetFrequency changes the coaching cadence, typically from a live
// config_update. Values below 1 are clamped to 1.
func (c *Coach) SetFrequency(frequency int) {
	if frequency < 1 {
		frequency = 1
	}
	c.freqMu.Lock()
	c.frequency = frequency
	c.freqMu.Unlock()
}

// ShouldCoach reports whether the given chunk number is due for an LLM round.
// The first chunk always coaches so short sessions still get feedback, then
// every frequency chunks after it.
func (c *Coach) ShouldCoach(chunkNumber int) bool {
	c.freqMu.Lock()
	freq := c.frequency
	c.freqMu.Unlock()
	return chunkNumber > 0 && (chunkNumber-1)%freq == 0
}

// Generate runs one coaching round: prompt from accumulated state, retried
// LLM call, strict payload validation. Any failure degrades to the rule-based
// fallback so the caller always gets usable feedback.
func (c *Coach) Generate(ctx context.Context) *types.CoachingFeedback {
	if c.provider == nil {
		return c.fallback()
	}

	req := llm.CompletionRequest{
		SystemPrompt: c.systemPrompt(),
		Messages: []llm.Message{
			{Role: "user", Content: c.userPrompt()},
		},
		Temperature: coachTemperature,
		MaxTokens:   coachMaxTokens,
	}

	resp, err := resilience.RetryWithResult(ctx, c.retry, func() (*llm.CompletionResponse, error) {
		return c.provider.Complete(ctx, req)
	})
	if err != nil {
		c.logger.Warn("coaching round failed, using fallback", "error", err)
		return c.fallback()
	}

	fb, err := parseCoachingPayload(resp.Content)
	if err != nil {
		c.logger.Warn("coaching payload rejected, using fallback", "error", err)
		return c.fallback()
	}
	fb.Source = types.SourceLLM
	return fb
}

// systemPrompt frames the model as a coach in the session language's style.
func (c *Coach) systemPrompt() string {
	var b strings.Builder
	if c.profile.Language == types.LangFrench {
		b.WriteString("Tu es un coach expert en prise de parole en public. ")
		b.WriteString("Ton style est ")
		b.WriteString(c.profile.CoachingStyle)
		b.WriteString(". Tu analyses des métriques vocales et donnes un retour concret en français.\n")
	} else {
		b.WriteString("You are an expert public-speaking coach. ")
		b.WriteString("Your style is ")
		b.WriteString(c.profile.CoachingStyle)
		b.WriteString(". You analyse voice metrics and give concrete feedback in English.\n")
	}
	b.WriteString("Respond with ONLY a JSON object with these exact keys: ")
	b.WriteString(`"feedback_summary" (string), "strengths" (array of strings), `)
	b.WriteString(`"improvements" (array of objects with "area", "current_issue", "actionable_tip", "why_important"), `)
	b.WriteString(`"encouragement" (string), "next_focus" (string).`)
	return b.String()
}

// userPrompt serialises the recent metric window plus accumulated session
// observations.
func (c *Coach) userPrompt() string {
	var b strings.Builder

	window := c.history
	if len(window) > promptMetricsWindow {
		window = window[len(window)-promptMetricsWindow:]
	}
	b.WriteString("Recent voice metrics, oldest first:\n")
	for i, m := range window {
		fmt.Fprintf(&b,
			"- chunk %d: pace=%.0f wpm (score %.2f), volume consistency=%.2f (score %.2f), pitch variation=%.2f (score %.2f, monotone=%t), clarity=%.2f, overall=%.2f\n",
			i+1, m.PaceWPM, m.Pace.Score,
			m.VolumeConsistency, m.Volume.Score,
			m.Pitch.VariationRatio, m.Pitch.Score, m.Pitch.IsMonotone,
			m.ClarityScore, m.LanguageScore)
	}

	if len(c.strengths) > 0 {
		fmt.Fprintf(&b, "Observed strengths so far: %s\n", strings.Join(sortedKeys(c.strengths), ", "))
	}
	if len(c.improvements) > 0 {
		fmt.Fprintf(&b, "Recurring improvement areas: %s\n", strings.Join(sortedKeys(c.improvements), ", "))
	}
	if top, n := c.topTheme(); n >= 2 {
		fmt.Fprintf(&b, "Most frequent weak area: %s (%d chunks)\n", top, n)
	}

	fmt.Fprintf(&b, "Target pace for this language: %.0f wpm (natural range %.0f-%.0f).\n",
		c.profile.OptimalPaceWPM, c.profile.NaturalPaceMinWPM, c.profile.NaturalPaceMaxWPM)
	b.WriteString("Give one round of coaching feedback as the JSON object described.")
	return b.String()
}

func (c *Coach) topTheme() (string, int) {
	var best string
	var n int
	for theme, count := range c.themes {
		if count > n || (count == n && theme < best) {
			best, n = theme, count
		}
	}
	return best, n
}

// fallback builds deterministic coaching from the accumulated session state,
// marked with SourceFallback.
func (c *Coach) fallback() *types.CoachingFeedback {
	fb := &types.CoachingFeedback{
		Summary: c.profile.Message("feedback.fallback",
			"Keep practising; detailed AI coaching is temporarily unavailable."),
		Strengths:     sortedKeys(c.strengths),
		Encouragement: c.profile.Message("confidence.positive", "You are making progress."),
		Source:        types.SourceFallback,
	}

	for _, area := range sortedKeys(c.improvements) {
		fb.Improvements = append(fb.Improvements, types.Improvement{
			Area:         area,
			CurrentIssue: fmt.Sprintf("Recent %s scores fell below the comfortable range.", area),
			ActionableTip: c.profile.Message(area+".fallback_tip",
				fmt.Sprintf("Focus on your %s during the next segment.", area)),
			WhyImportant: "Consistent delivery in this area keeps the audience engaged.",
		})
	}

	if top, n := c.topTheme(); n > 0 {
		fb.NextFocus = top
	} else {
		fb.NextFocus = "pace"
	}
	return fb
}

// coachingPayload mirrors the JSON contract the system prompt demands.
type coachingPayload struct {
	FeedbackSummary string   `json:"feedback_summary"`
	Strengths       []string `json:"strengths"`
	Improvements    []struct {
		Area          string `json:"area"`
		CurrentIssue  string `json:"current_issue"`
		ActionableTip string `json:"actionable_tip"`
		WhyImportant  string `json:"why_important"`
	} `json:"improvements"`
	Encouragement string `json:"encouragement"`
	NextFocus     string `json:"next_focus"`
}

// parseCoachingPayload validates an LLM response against the coaching
// contract. It tolerates surrounding prose or markdown fences around the
// JSON object but rejects payloads missing required fields.
func parseCoachingPayload(content string) (*types.CoachingFeedback, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("feedback: no JSON object in response")
	}

	var p coachingPayload
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("feedback: decode coaching payload: %w", err)
	}
	if strings.TrimSpace(p.FeedbackSummary) == "" {
		return nil, fmt.Errorf("feedback: coaching payload missing feedback_summary")
	}

	fb := &types.CoachingFeedback{
		Summary:       p.FeedbackSummary,
		Strengths:     p.Strengths,
		Encouragement: p.Encouragement,
		NextFocus:     p.NextFocus,
	}
	for _, imp := range p.Improvements {
		if strings.TrimSpace(imp.Area) == "" || strings.TrimSpace(imp.ActionableTip) == "" {
			return nil, fmt.Errorf("feedback: improvement entry missing area or actionable_tip")
		}
		fb.Improvements = append(fb.Improvements, types.Improvement{
			Area:          imp.Area,
			CurrentIssue:  imp.CurrentIssue,
			ActionableTip: imp.ActionableTip,
			WhyImportant:  imp.WhyImportant,
		})
	}
	return fb, nil
}

// extractJSONObject returns the first balanced top-level {...} span in s,
// or "" when none exists.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// sortedKeys returns the keys of a string set in ascending order.
func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
