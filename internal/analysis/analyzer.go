// Package analysis implements the per-session voice analyzer: frame-level
// DSP over PCM chunks, voice activity detection, language-adapted scoring,
// and sliding-window trend tracking.
package analysis

import (
	"math"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/internal/language"
	"github.com/prestance-ai/prestance/pkg/types"
)

const (
	// minChunkSeconds is the shortest chunk worth analyzing.
	minChunkSeconds = 0.1

	// trendWindow is how many readings each metric trend looks back over.
	trendWindow = 10

	// trendRecent is how many of the latest readings are compared against
	// the rest of the window.
	trendRecent = 3

	// vadRelative scales mean frame RMS into the voicing threshold.
	vadRelative = 0.1

	// lowActivityRatio below this over a long-enough chunk means the audio
	// is effectively silent or corrupted.
	lowActivityRatio    = 0.02
	lowActivityDuration = 0.5
)

// Analyzer computes VoiceMetrics for successive chunks of one session. It is
// stateful (trend windows) and not safe for concurrent use; each session
// pipeline owns exactly one.
type Analyzer struct {
	profile *language.Profile

	paceWindow    []float64
	volumeWindow  []float64
	clarityWindow []float64
}

// NewAnalyzer creates an analyzer adapted to the session language.
func NewAnalyzer(profile *language.Profile) *Analyzer {
	return &Analyzer{profile: profile}
}

// Analyze computes the full metrics block for one chunk. detailed controls
// whether the advanced metrics block is populated.
func (a *Analyzer) Analyze(chunk *types.AudioChunk, detailed bool) (*types.VoiceMetrics, error) {
	duration := chunk.Duration()
	if duration < minChunkSeconds {
		return nil, fault.Newf(fault.ValidationError,
			"chunk too short for analysis: %.0f ms", duration*1000)
	}

	frames := extractFrames(chunk.Samples, chunk.SampleRate)
	if len(frames.rms) == 0 {
		return nil, fault.New(fault.AudioFormatError, "chunk yields no analysis frames")
	}

	// Voice activity detection relative to the chunk's own energy floor.
	threshold := mean(frames.rms) * vadRelative
	voiced := make([]bool, len(frames.rms))
	voicedCount := 0
	for i, r := range frames.rms {
		if r > threshold {
			voiced[i] = true
			voicedCount++
		}
	}
	activityRatio := float64(voicedCount) / float64(len(frames.rms))

	if activityRatio < lowActivityRatio && duration > lowActivityDuration {
		return nil, fault.New(fault.AudioQualityError,
			"audio is effectively silent").
			WithDetail("activity_ratio", activityRatio).
			WithDetail("duration_seconds", duration)
	}

	segments := voicedSegments(voiced)

	m := &types.VoiceMetrics{
		Duration:           duration,
		AvgVolume:          mean(frames.rms),
		AvgPitch:           mean(voicedPitches(frames.pitch)),
		PitchVariance:      stdev(voicedPitches(frames.pitch)),
		SpectralCentroid:   mean(frames.centroid),
		SpectralRolloff:    mean(frames.rolloff),
		ZeroCrossingRate:   mean(frames.zcr),
		Tempo:              tempoEstimate(frames.rms, threshold, duration),
		VoiceActivityRatio: activityRatio,
		SpeechSegments:     segments,
		EstimatedWords:     int(activityRatio * duration * a.profile.WordsPerSecond),
	}
	if m.AvgVolume > 0 {
		m.VolumeConsistency = clamp01(1 - stdev(frames.rms)/m.AvgVolume)
	}

	a.scorePace(m, activityRatio)
	a.scoreVolume(m, frames.rms)
	a.scorePitch(m)
	a.scoreClarity(m)
	a.combineLanguageScore(m)

	if detailed {
		m.Advanced = advancedMetrics(frames, voiced, segments, chunk.SampleRate)
	}
	return m, nil
}

// ─── Language-adapted scoring ───

func (a *Analyzer) scorePace(m *types.VoiceMetrics, activityRatio float64) {
	p := a.profile
	// WPM from the words-per-second prior scaled by how much of the chunk
	// was actually voiced.
	wpm := activityRatio * p.WordsPerSecond * 60

	score := 1.0
	switch {
	case wpm < p.NaturalPaceMinWPM:
		score = clamp01(1 - (p.NaturalPaceMinWPM-wpm)/p.OptimalPaceWPM)
	case wpm > p.NaturalPaceMaxWPM:
		score = clamp01(1 - (wpm-p.NaturalPaceMaxWPM)/p.OptimalPaceWPM)
	}

	m.PaceWPM = wpm
	m.Pace = types.PaceReport{
		WPM:       wpm,
		Score:     score,
		IsOptimal: wpm >= p.NaturalPaceMinWPM && wpm <= p.NaturalPaceMaxWPM,
		Trend:     pushTrend(&a.paceWindow, wpm),
	}
}

func (a *Analyzer) scoreVolume(m *types.VoiceMetrics, rms []float64) {
	p := a.profile

	// Level plausibility: speech RMS in normalized units typically sits in
	// [0.02, 0.5]; score degrades toward whisper or clipping territory.
	level := m.AvgVolume
	plausibility := 1.0
	switch {
	case level < 0.02:
		plausibility = clamp01(level / 0.02)
	case level > 0.5:
		plausibility = clamp01(1 - (level-0.5)/0.5)
	}

	// Dynamic range fit against the profile optimum.
	rangeDB := dynamicRangeDB(rms)
	rangeFit := clamp01(1 - math.Abs(rangeDB-p.DynamicRangeOptimal)/p.DynamicRangeOptimal)

	consistencyScore := clamp01(m.VolumeConsistency / p.VolumeConsistencyThreshold)

	score := 0.5*consistencyScore + 0.25*plausibility + 0.25*rangeFit
	m.Volume = types.VolumeReport{
		Level:       level,
		Consistency: m.VolumeConsistency,
		Score:       clamp01(score),
		Trend:       pushTrend(&a.volumeWindow, m.VolumeConsistency),
	}
}

func (a *Analyzer) scorePitch(m *types.VoiceMetrics) {
	p := a.profile

	var variation float64
	if m.AvgPitch > 0 {
		variation = m.PitchVariance / m.AvgPitch
	}
	monotone := variation < p.MonotoneThreshold

	score := 1.0
	switch {
	case monotone:
		score = clamp01(variation / p.MonotoneThreshold)
	case variation > 1.3*p.PitchVarianceExpected:
		score = clamp01(1 - (variation-1.3*p.PitchVarianceExpected)/p.PitchVarianceExpected)
	}

	m.Pitch = types.PitchReport{
		Mean:           m.AvgPitch,
		VariationRatio: variation,
		IsMonotone:     monotone,
		Score:          score,
	}
}

func (a *Analyzer) scoreClarity(m *types.VoiceMetrics) {
	p := a.profile

	// Normalized contributions: articulation energy concentrates the
	// centroid in the 1-3 kHz band; excessive ZCR indicates noise; healthy
	// volume supports intelligibility.
	centroidNorm := clamp01(m.SpectralCentroid / 3000)
	zcrNorm := clamp01(m.ZeroCrossingRate / 0.5)
	volumeNorm := clamp01(m.AvgVolume / 0.3)

	raw := 0.5*centroidNorm - 0.2*zcrNorm + 0.3*volumeNorm
	score := clamp01(raw) * p.ClarityWeight

	m.ClarityScore = score
	m.Clarity = types.ClarityReport{
		Score: score,
		Trend: pushTrend(&a.clarityWindow, score),
	}
}

func (a *Analyzer) combineLanguageScore(m *types.VoiceMetrics) {
	m.LanguageScore = clamp01(
		0.30*m.Pace.Score +
			0.25*m.Volume.Score +
			0.20*m.Pitch.Score +
			0.25*m.Clarity.Score)
}

// ─── Trend windows ───

// pushTrend appends a reading to a sliding window (bounded at trendWindow)
// and labels the direction by comparing the latest trendRecent readings to
// the earlier part of the window.
func pushTrend(window *[]float64, v float64) types.Trend {
	*window = append(*window, v)
	if len(*window) > trendWindow {
		*window = (*window)[len(*window)-trendWindow:]
	}
	w := *window
	if len(w) < trendRecent+1 {
		return types.TrendInsufficientData
	}

	recent := mean(w[len(w)-trendRecent:])
	prior := mean(w[:len(w)-trendRecent])
	if prior == 0 {
		return types.TrendStable
	}
	delta := (recent - prior) / math.Abs(prior)
	switch {
	case delta > 0.05:
		return types.TrendImproving
	case delta < -0.05:
		return types.TrendDeclining
	default:
		return types.TrendStable
	}
}

// ─── Derived helpers ───

func voicedPitches(pitch []float64) []float64 {
	out := make([]float64, 0, len(pitch))
	for _, p := range pitch {
		if p > 0 {
			out = append(out, p)
		}
	}
	return out
}

func voicedSegments(voiced []bool) []types.SpeechSegment {
	var segments []types.SpeechSegment
	start := -1
	for i, v := range voiced {
		switch {
		case v && start < 0:
			start = i
		case !v && start >= 0:
			segments = append(segments, types.SpeechSegment{StartFrame: start, EndFrame: i - 1})
			start = -1
		}
	}
	if start >= 0 {
		segments = append(segments, types.SpeechSegment{StartFrame: start, EndFrame: len(voiced) - 1})
	}
	return segments
}

// tempoEstimate counts syllable-like energy peaks and scales to events per
// minute.
func tempoEstimate(rms []float64, threshold float64, duration float64) float64 {
	if duration <= 0 {
		return 0
	}
	peaks := 0
	for i := 1; i < len(rms)-1; i++ {
		if rms[i] > threshold && rms[i] > rms[i-1] && rms[i] >= rms[i+1] {
			peaks++
		}
	}
	return float64(peaks) / duration * 60
}

func dynamicRangeDB(rms []float64) float64 {
	var lo, hi float64
	lo = math.Inf(1)
	for _, r := range rms {
		if r <= 0 {
			continue
		}
		if r < lo {
			lo = r
		}
		if r > hi {
			hi = r
		}
	}
	if hi == 0 || math.IsInf(lo, 1) || lo == 0 {
		return 0
	}
	return 20 * math.Log10(hi/lo)
}

func advancedMetrics(frames frameFeatures, voiced []bool, segments []types.SpeechSegment, rate int) *types.AdvancedMetrics {
	framesPerSec := 1000.0 / hopMs

	// Segment length distribution drives rhythm regularity.
	lengths := make([]float64, 0, len(segments))
	longest := 0.0
	totalVoiced := 0.0
	for _, s := range segments {
		l := float64(s.EndFrame - s.StartFrame + 1)
		lengths = append(lengths, l)
		totalVoiced += l
		if l > longest {
			longest = l
		}
	}

	rhythm := 0.0
	if len(lengths) > 1 && mean(lengths) > 0 {
		rhythm = clamp01(1 - stdev(lengths)/mean(lengths))
	} else if len(lengths) == 1 {
		rhythm = 1
	}

	// Pauses between 0.2 s and 1.0 s read as deliberate; shorter ones are
	// hesitations and longer ones break flow.
	effective, totalPauses := 0, 0
	for i := 1; i < len(segments); i++ {
		gap := float64(segments[i].StartFrame-segments[i-1].EndFrame-1) / framesPerSec
		if gap <= 0 {
			continue
		}
		totalPauses++
		if gap >= 0.2 && gap <= 1.0 {
			effective++
		}
	}
	pauseEffectiveness := 0.0
	if totalPauses > 0 {
		pauseEffectiveness = float64(effective) / float64(totalPauses)
	}

	continuity := 0.0
	if totalVoiced > 0 {
		continuity = clamp01(longest / totalVoiced)
	}

	// Confidence reads from steady volume and pitch; nervousness from
	// fragmented speech and noisy spectra.
	volCV := 0.0
	if m := mean(frames.rms); m > 0 {
		volCV = stdev(frames.rms) / m
	}
	pitchCV := 0.0
	vp := voicedPitches(frames.pitch)
	if m := mean(vp); m > 0 {
		pitchCV = stdev(vp) / m
	}
	confidence := clamp01(0.4*(1-clamp01(volCV)) + 0.3*(1-clamp01(pitchCV)) + 0.3*continuity)
	nervousness := clamp01(0.4*clamp01(pitchCV) + 0.3*clamp01(mean(frames.zcr)/0.5) + 0.3*(1-rhythm))

	return &types.AdvancedMetrics{
		RhythmRegularity:    rhythm,
		PauseEffectiveness:  pauseEffectiveness,
		SpeechContinuity:    continuity,
		ConfidenceIndicator: confidence,
		NervousnessIndex:    nervousness,
	}
}
