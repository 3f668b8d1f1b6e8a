// Package progress aggregates per-chunk voice metrics into session-level
// performance statistics: rolling category deques, stability and improvement
// rates, benchmark comparisons against the language profile, and one-shot
// milestone detection.
package progress

import (
	"math"
	"sort"
	"time"

	"github.com/prestance-ai/prestance/internal/language"
	"github.com/prestance-ai/prestance/pkg/types"
)

const (
	// categoryWindow bounds each per-category rolling deque.
	categoryWindow = 100

	// historyWindow bounds the overall-quality history.
	historyWindow = 200

	// reportEvery emits a performance report on this chunk cadence; a chunk
	// whose overall quality exceeds reportQualityGate emits one regardless.
	reportEvery       = 3
	reportQualityGate = 0.8

	// Milestone thresholds.
	qualityMilestone     = 0.9
	consistencyMilestone = 0.85
	improvementMilestone = 0.10

	// outlierSigmas is how far from the mean, in standard deviations, a
	// value must fall to be excluded from the stability score.
	outlierSigmas = 2.0
)

// chunkCountMilestones are the session lengths celebrated once each.
var chunkCountMilestones = []int{10, 25, 50, 100}

// Tracker accumulates one session's metric history. Not safe for concurrent
// use; the pipeline driver owns it.
type Tracker struct {
	profile *language.Profile

	categories map[string][]float64
	overall    []float64
	chunks     int

	// fired marks one-shot milestones already awarded. Improvement uses a
	// resetting baseline instead.
	fired               map[types.MilestoneKind]bool
	firedCounts         map[int]bool
	improvementBaseline float64
	baselineSet         bool
}

// NewTracker creates a tracker bound to the session language's benchmarks.
func NewTracker(profile *language.Profile) *Tracker {
	return &Tracker{
		profile:     profile,
		categories:  make(map[string][]float64),
		fired:       make(map[types.MilestoneKind]bool),
		firedCounts: make(map[int]bool),
	}
}

// Record ingests one chunk's metrics and returns any milestones crossed plus
// whether a performance report is due for this chunk.
func (t *Tracker) Record(m *types.VoiceMetrics) (milestones []types.Milestone, reportDue bool) {
	t.chunks++

	// Pace is tracked in WPM because the language benchmarks for it are
	// expressed in WPM; the other categories are 0..1 scores.
	t.push("pace", m.PaceWPM)
	t.push("volume", m.Volume.Score)
	t.push("clarity", m.Clarity.Score)
	t.push("engagement", engagementScore(m, t.profile))
	t.push("pause_frequency", pauseFrequency(m))

	t.overall = append(t.overall, m.LanguageScore)
	if len(t.overall) > historyWindow {
		t.overall = t.overall[len(t.overall)-historyWindow:]
	}

	milestones = t.checkMilestones(m)
	reportDue = t.chunks%reportEvery == 0 || m.LanguageScore > reportQualityGate
	return milestones, reportDue
}

// Chunks returns the number of chunks recorded so far.
func (t *Tracker) Chunks() int {
	return t.chunks
}

// AverageQuality returns the mean overall quality across the history window.
func (t *Tracker) AverageQuality() float64 {
	return mean(t.overall)
}

// Report builds the current performance report. Callers normally gate on the
// reportDue result from Record.
func (t *Tracker) Report() *types.PerformanceReport {
	r := &types.PerformanceReport{
		OverallQuality:  mean(t.overall),
		Consistency:     stability(t.overall),
		ImprovementRate: improvementRate(t.overall),
		LearningSlope:   regressionSlope(t.overall),
		Volatility:      stdev(t.overall),
		Momentum:        momentum(t.overall),
		Categories:      make(map[string]types.CategoryStats, len(t.categories)),
	}
	r.TrendDirection = trendFromSlope(r.LearningSlope, len(t.overall))

	for name, values := range t.categories {
		r.Categories[name] = t.categoryStats(name, values)
	}

	r.QuickWins, r.LongTermGoals = t.recommend(r.Categories)
	return r
}

func (t *Tracker) push(category string, value float64) {
	values := append(t.categories[category], value)
	if len(values) > categoryWindow {
		values = values[len(values)-categoryWindow:]
	}
	t.categories[category] = values
}

// categoryStats compares a category's recent values against the language
// benchmark where one exists.
func (t *Tracker) categoryStats(name string, values []float64) types.CategoryStats {
	stats := types.CategoryStats{
		Mean:      mean(values),
		Stability: stability(values),
	}
	if len(values) > 0 {
		stats.Current = values[len(values)-1]
	}

	bench, ok := t.profile.BenchmarkFor(name)
	if !ok || bench.Stdev == 0 {
		stats.Percentile = 50
		stats.Level = types.LevelAverage
		return stats
	}

	stats.ZScore = (stats.Current - bench.Mean) / bench.Stdev
	stats.Percentile = percentile(stats.Current, bench)
	stats.Level = level(stats.Percentile)
	return stats
}

// recommend splits weak categories into quick wins (unstable but near the
// benchmark) and long-term goals (persistently below it).
func (t *Tracker) recommend(categories map[string]types.CategoryStats) (quickWins, longTerm []string) {
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stats := categories[name]
		switch {
		case stats.Level == types.LevelAverage && stats.Stability < 0.7:
			quickWins = append(quickWins, name)
		case stats.Level == types.LevelBelowAverage || stats.Level == types.LevelNeedsImprovement:
			longTerm = append(longTerm, name)
		}
	}
	return quickWins, longTerm
}

func (t *Tracker) checkMilestones(m *types.VoiceMetrics) []types.Milestone {
	var out []types.Milestone
	now := time.Now().UTC()

	award := func(kind types.MilestoneKind, label string, value float64) {
		out = append(out, types.Milestone{Kind: kind, Label: label, Value: value, AchievedAt: now})
	}

	if !t.fired[types.MilestoneQuality] && m.LanguageScore > qualityMilestone {
		t.fired[types.MilestoneQuality] = true
		award(types.MilestoneQuality,
			t.profile.Message("milestone.quality", "Excellent delivery quality reached."),
			m.LanguageScore)
	}

	if cons := stability(t.overall); !t.fired[types.MilestoneConsistency] &&
		len(t.overall) >= reportEvery && cons > consistencyMilestone {
		t.fired[types.MilestoneConsistency] = true
		award(types.MilestoneConsistency,
			t.profile.Message("milestone.consistency", "Remarkably consistent delivery."),
			cons)
	}

	for _, n := range chunkCountMilestones {
		if t.chunks == n && !t.firedCounts[n] {
			t.firedCounts[n] = true
			award(types.MilestoneChunkCount,
				t.profile.Message("milestone.chunks", "Session length milestone."),
				float64(n))
		}
	}

	// Improvement fires whenever the rolling average beats the baseline by
	// 10%, then resets the baseline to the new level.
	avg := mean(t.overall)
	if !t.baselineSet {
		if len(t.overall) >= reportEvery {
			t.improvementBaseline = avg
			t.baselineSet = true
		}
	} else if t.improvementBaseline > 0 && avg >= t.improvementBaseline*(1+improvementMilestone) {
		award(types.MilestoneImprovement,
			t.profile.Message("milestone.improvement", "Clear improvement over this session."),
			avg)
		t.improvementBaseline = avg
	}

	return out
}

// ─── Derived per-chunk inputs ─────────────────────────────────────────────

// engagementScore blends voice activity with pitch liveliness relative to the
// language's expected variation.
func engagementScore(m *types.VoiceMetrics, p *language.Profile) float64 {
	activity := m.VoiceActivityRatio / 0.7
	if activity > 1 {
		activity = 1
	}
	liveliness := 0.0
	if p.PitchVarianceExpected > 0 {
		liveliness = m.Pitch.VariationRatio / p.PitchVarianceExpected
		if liveliness > 1 {
			liveliness = 1
		}
	}
	return 0.5*activity + 0.5*liveliness
}

// pauseFrequency is the number of inter-segment gaps per second of audio.
func pauseFrequency(m *types.VoiceMetrics) float64 {
	if m.Duration <= 0 || len(m.SpeechSegments) < 2 {
		return 0
	}
	return float64(len(m.SpeechSegments)-1) / m.Duration
}

// ─── Statistics ───────────────────────────────────────────────────────────

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// stability is 1/(1+CV) with outliers excluded first, so a single bad chunk
// does not tank the score.
func stability(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	kept := removeOutliers(values)
	m := mean(kept)
	if m == 0 {
		return 0
	}
	return 1 / (1 + stdev(kept)/m)
}

// removeOutliers drops values farther than outlierSigmas standard deviations
// from the mean. When the spread is zero or filtering would leave fewer than
// two values, the input is returned unchanged.
func removeOutliers(values []float64) []float64 {
	m := mean(values)
	sd := stdev(values)
	if sd == 0 {
		return values
	}
	kept := make([]float64, 0, len(values))
	for _, v := range values {
		if math.Abs(v-m) <= outlierSigmas*sd {
			kept = append(kept, v)
		}
	}
	if len(kept) < 2 {
		return values
	}
	return kept
}

// improvementRate compares the mean of the last three readings against the
// three before them, as a relative delta.
func improvementRate(values []float64) float64 {
	if len(values) < 6 {
		return 0
	}
	recent := mean(values[len(values)-3:])
	prior := mean(values[len(values)-6 : len(values)-3])
	if prior == 0 {
		return 0
	}
	return (recent - prior) / prior
}

// regressionSlope is the least-squares slope of values over chunk index.
func regressionSlope(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// momentum is the slope over only the most recent quarter of the history,
// signalling where the session is heading right now.
func momentum(values []float64) float64 {
	quarter := len(values) / 4
	if quarter < 3 {
		quarter = len(values)
	}
	return regressionSlope(values[len(values)-quarter:])
}

func trendFromSlope(slope float64, n int) types.Trend {
	if n < 4 {
		return types.TrendInsufficientData
	}
	switch {
	case slope > 0.005:
		return types.TrendImproving
	case slope < -0.005:
		return types.TrendDeclining
	default:
		return types.TrendStable
	}
}

// percentile buckets a value against benchmark quintile cut points, returning
// the bucket midpoint (10, 30, 50, 70, 90).
func percentile(value float64, b language.Benchmark) float64 {
	below := 0
	for _, cut := range b.Quintiles {
		if value >= cut {
			below++
		}
	}
	return float64(below)*20 + 10
}

func level(percentile float64) types.PerformanceLevel {
	switch {
	case percentile >= 80:
		return types.LevelExcellent
	case percentile >= 60:
		return types.LevelGood
	case percentile >= 40:
		return types.LevelAverage
	case percentile >= 20:
		return types.LevelBelowAverage
	default:
		return types.LevelNeedsImprovement
	}
}
