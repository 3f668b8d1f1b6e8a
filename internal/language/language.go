// Package language holds the process-wide immutable registry of per-language
// coaching profiles: audio expectations, benchmark tables, coaching style, and
// localized message catalogs.
//
// Profiles are constructed once at init and never mutated afterwards; all
// accessors return copies or read-only views so they are safe for concurrent
// use without locking.
package language

import (
	"fmt"

	"github.com/prestance-ai/prestance/pkg/types"
)

// Profile bundles everything the analyzer, feedback generator, and metrics
// aggregator need to adapt to one spoken language.
type Profile struct {
	Language types.Language

	// Audio expectations.
	OptimalPaceSylPerSec       float64 // syllables per second
	NaturalPaceMinWPM          float64
	NaturalPaceMaxWPM          float64
	OptimalPaceWPM             float64
	PitchVarianceExpected      float64 // expected stdev/mean pitch ratio
	MonotoneThreshold          float64 // variation ratio below this flags monotone
	VolumeConsistencyThreshold float64
	DynamicRangeOptimal        float64 // dB
	ClarityWeight              float64
	AccentTolerance            float64
	WordsPerSecond             float64 // speech-rate prior used for word estimation

	// Benchmarks maps a metric category to its population statistics.
	Benchmarks map[string]Benchmark

	// CoachingStyle is a short descriptor injected into LLM prompts.
	CoachingStyle string

	messages map[string]string
}

// Benchmark holds population statistics for one metric category, used for
// percentile and z-score comparisons.
type Benchmark struct {
	Mean  float64
	Stdev float64
	// Quintiles are the 20/40/60/80th percentile cut points, ascending.
	Quintiles [4]float64
}

// Message returns the localized string for key, or fallback when the catalog
// has no entry for it.
func (p *Profile) Message(key, fallback string) string {
	if msg, ok := p.messages[key]; ok {
		return msg
	}
	return fallback
}

// BenchmarkFor returns the benchmark for the given category and whether one
// exists.
func (p *Profile) BenchmarkFor(category string) (Benchmark, bool) {
	b, ok := p.Benchmarks[category]
	return b, ok
}

var registry = map[types.Language]*Profile{
	types.LangFrench:  french,
	types.LangEnglish: english,
}

// Get returns the profile for lang. Unknown languages are an error; callers
// validate language codes at the session boundary, so this indicates a bug or
// a stale session record.
func Get(lang types.Language) (*Profile, error) {
	p, ok := registry[lang]
	if !ok {
		return nil, fmt.Errorf("language: no profile for %q", lang)
	}
	return p, nil
}

// MustGet is Get for call sites that have already validated the language.
func MustGet(lang types.Language) *Profile {
	p, err := Get(lang)
	if err != nil {
		panic(err)
	}
	return p
}

// Supported lists the registered language codes.
func Supported() []types.Language {
	out := make([]types.Language, 0, len(registry))
	for lang := range registry {
		out = append(out, lang)
	}
	return out
}

// French is spoken faster in syllables but carries less lexical density per
// syllable than English, hence the higher syllable rate and lower
// words-per-second prior.
var french = &Profile{
	Language:                   types.LangFrench,
	OptimalPaceSylPerSec:       4.7,
	NaturalPaceMinWPM:          120,
	NaturalPaceMaxWPM:          180,
	OptimalPaceWPM:             150,
	PitchVarianceExpected:      0.18,
	MonotoneThreshold:          0.06,
	VolumeConsistencyThreshold: 0.65,
	DynamicRangeOptimal:        12.0,
	ClarityWeight:              0.85,
	AccentTolerance:            0.30,
	WordsPerSecond:             2.5,
	Benchmarks: map[string]Benchmark{
		"pace":       {Mean: 150, Stdev: 25, Quintiles: [4]float64{128, 143, 158, 172}},
		"volume":     {Mean: 0.70, Stdev: 0.12, Quintiles: [4]float64{0.60, 0.67, 0.73, 0.80}},
		"clarity":    {Mean: 0.68, Stdev: 0.14, Quintiles: [4]float64{0.56, 0.64, 0.72, 0.80}},
		"engagement": {Mean: 0.62, Stdev: 0.15, Quintiles: [4]float64{0.49, 0.58, 0.66, 0.75}},
		"overall":    {Mean: 0.66, Stdev: 0.12, Quintiles: [4]float64{0.56, 0.63, 0.69, 0.76}},
	},
	CoachingStyle: "structuré, formel et nuancé, attentif à la rhétorique",
	messages: map[string]string{
		"pace.slow_down":        "Ralentissez légèrement votre débit pour laisser respirer votre auditoire.",
		"pace.speed_up":         "Vous pouvez accélérer un peu : votre débit est en dessous du rythme naturel.",
		"volume.inconsistent":   "Votre volume varie beaucoup ; cherchez une projection plus régulière.",
		"clarity.low":           "Articulez davantage les fins de phrases pour gagner en clarté.",
		"confidence.positive":   "Belle assurance dans la voix, continuez ainsi.",
		"feedback.fallback":     "Continuez sur cette lancée ; concentrez-vous sur la régularité du débit.",
		"milestone.quality":     "Excellente prestation sur ce passage !",
		"milestone.consistency": "Votre régularité s'installe, bravo.",
		"milestone.improvement": "Progression nette depuis le début de la session.",
	},
}

var english = &Profile{
	Language:                   types.LangEnglish,
	OptimalPaceSylPerSec:       4.1,
	NaturalPaceMinWPM:          130,
	NaturalPaceMaxWPM:          190,
	OptimalPaceWPM:             160,
	PitchVarianceExpected:      0.22,
	MonotoneThreshold:          0.08,
	VolumeConsistencyThreshold: 0.60,
	DynamicRangeOptimal:        14.0,
	ClarityWeight:              0.80,
	AccentTolerance:            0.40,
	WordsPerSecond:             2.7,
	Benchmarks: map[string]Benchmark{
		"pace":       {Mean: 160, Stdev: 28, Quintiles: [4]float64{136, 152, 168, 184}},
		"volume":     {Mean: 0.72, Stdev: 0.13, Quintiles: [4]float64{0.61, 0.68, 0.76, 0.83}},
		"clarity":    {Mean: 0.70, Stdev: 0.13, Quintiles: [4]float64{0.59, 0.66, 0.74, 0.81}},
		"engagement": {Mean: 0.65, Stdev: 0.14, Quintiles: [4]float64{0.53, 0.61, 0.69, 0.77}},
		"overall":    {Mean: 0.68, Stdev: 0.12, Quintiles: [4]float64{0.58, 0.65, 0.71, 0.78}},
	},
	CoachingStyle: "direct, storytelling-driven and engaging",
	messages: map[string]string{
		"pace.slow_down":        "Slow down a touch so your audience can keep up.",
		"pace.speed_up":         "You have room to pick up the pace a little.",
		"volume.inconsistent":   "Your volume swings quite a bit; aim for steadier projection.",
		"clarity.low":           "Punch the ends of your sentences for better clarity.",
		"confidence.positive":   "Great vocal confidence, keep it up.",
		"feedback.fallback":     "Keep the momentum going; focus on a steady pace.",
		"milestone.quality":     "Outstanding delivery on that stretch!",
		"milestone.consistency": "Your consistency is locking in, well done.",
		"milestone.improvement": "Clear improvement since the start of the session.",
	},
}
