package pipeline

import (
	"sync"
	"time"

	"github.com/prestance-ai/prestance/pkg/types"
)

// Stats collects per-stage processing time and chunk outcome counters for one
// session pipeline. Cumulative stage times feed the session summary; a
// bounded ring of total-chunk latencies backs the rolling average.
//
// Thread-safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	analysis time.Duration
	feedback time.Duration
	metrics  time.Duration

	chunkTimes chunkRing

	processed int
	errors    int
}

// NewStats creates a Stats with the given latency window size.
func NewStats(windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &Stats{chunkTimes: newChunkRing(windowSize)}
}

// RecordAnalysis adds an analysis-stage duration.
func (s *Stats) RecordAnalysis(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysis += d
}

// RecordFeedback adds a feedback-stage duration.
func (s *Stats) RecordFeedback(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback += d
}

// RecordMetrics adds a metrics-stage duration.
func (s *Stats) RecordMetrics(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics += d
}

// RecordChunk records one completed chunk's total wall time.
func (s *Stats) RecordChunk(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.chunkTimes.add(d)
}

// IncrErrors counts one failed chunk.
func (s *Stats) IncrErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// Snapshot returns a point-in-time view of the counters.
func (s *Stats) Snapshot() types.PipelineStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := types.PipelineStats{
		ChunksProcessed: s.processed,
		Errors:          s.errors,
		Stages:          s.stageTimesLocked(),
		AverageChunkMS:  float64(s.chunkTimes.average()) / float64(time.Millisecond),
	}
	if total := s.processed + s.errors; total > 0 {
		ps.SuccessRate = float64(s.processed) / float64(total)
	}
	return ps
}

func (s *Stats) stageTimesLocked() types.StageTimes {
	return types.StageTimes{
		AnalysisMS: float64(s.analysis) / float64(time.Millisecond),
		FeedbackMS: float64(s.feedback) / float64(time.Millisecond),
		MetricsMS:  float64(s.metrics) / float64(time.Millisecond),
	}
}

// chunkRing is a bounded ring buffer of duration samples.
type chunkRing struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newChunkRing(size int) chunkRing {
	return chunkRing{
		data: make([]time.Duration, size),
		size: size,
	}
}

func (r *chunkRing) add(d time.Duration) {
	r.data[r.pos] = d
	r.pos++
	if r.pos >= r.size {
		r.pos = 0
		r.full = true
	}
}

func (r *chunkRing) average() time.Duration {
	n := r.pos
	if r.full {
		n = r.size
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range r.data[:n] {
		sum += d
	}
	return sum / time.Duration(n)
}
