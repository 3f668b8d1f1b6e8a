// Package pipeline drives per-session audio processing: a driver goroutine
// drains the session's ring buffer into fixed chunks, runs voice analysis,
// then fans out to the feedback and metrics stages, and emits typed envelopes
// to the session's subscriber in chunk order.
//
// Chunk failures are converted into error envelopes; they never tear down the
// session.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/prestance-ai/prestance/internal/analysis"
	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/internal/feedback"
	"github.com/prestance-ai/prestance/internal/language"
	"github.com/prestance-ai/prestance/internal/observe"
	"github.com/prestance-ai/prestance/internal/progress"
	"github.com/prestance-ai/prestance/pkg/audio"
	"github.com/prestance-ai/prestance/pkg/provider/llm"
	"github.com/prestance-ai/prestance/pkg/types"
)

const (
	// chunkSeconds is the nominal chunk length drained from the ring buffer.
	chunkSeconds = 5.0

	// minFlushSeconds is the shortest remainder worth processing on flush.
	minFlushSeconds = 0.5

	// chunkDeadline bounds end-to-end processing of one chunk, including any
	// LLM coaching round inside it.
	chunkDeadline = 5 * time.Second

	// pollInterval is the driver's buffer polling cadence.
	pollInterval = 250 * time.Millisecond

	// bufferSeconds is the ring buffer's capacity.
	bufferSeconds = 60

	// Priority cut points on the chunk's voice-activity ratio.
	lowPriorityActivity  = 0.3
	highPriorityActivity = 0.8

	// outQueue bounds the envelope channel; the connection manager applies
	// its own backpressure policy downstream.
	outQueue = 64
)

// Config carries the live-updatable pipeline knobs. The session config
// whitelist maps onto these fields.
type Config struct {
	// Parallel runs the feedback and metrics stages concurrently; when
	// false they run sequentially in that order.
	Parallel bool

	// FeedbackFrequency is the chunk interval between LLM coaching rounds.
	FeedbackFrequency int

	// MetricsInterval overrides the report cadence check: a performance
	// update is emitted at most once per this many chunks. Zero keeps the
	// tracker's native cadence.
	MetricsInterval int

	// ChunkTimeout bounds end-to-end processing of one chunk. Zero uses
	// chunkDeadline.
	ChunkTimeout time.Duration
}

// SessionPipeline owns processing for one session from first audio to final
// summary.
type SessionPipeline struct {
	session types.Session
	logger  *slog.Logger

	buffer   *audio.Buffer
	analyzer *analysis.Analyzer
	rules    *feedback.RuleEngine
	coach    *feedback.Coach
	tracker  *progress.Tracker
	stats    *Stats
	metrics  *observe.Metrics

	out chan types.Envelope

	mu          sync.Mutex
	cfg         Config
	chunkNum    int
	lastReport  int
	startedAt   time.Time
	lastChunkAt time.Time
	flushed     bool
}

// New creates a pipeline for the given session. provider may be nil, which
// disables LLM coaching regardless of the session config.
func New(session types.Session, provider llm.Provider, logger *slog.Logger) (*SessionPipeline, error) {
	profile, err := language.Get(session.Config.Language)
	if err != nil {
		return nil, fault.Wrap(fault.ValidationError, "unsupported session language", err)
	}
	buf, err := audio.NewBuffer(audio.CanonicalRate, bufferSeconds)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", session.ID)

	freq := session.Config.FeedbackFrequency
	var coach *feedback.Coach
	if session.Config.AICoaching && provider != nil {
		coach = feedback.NewCoach(profile, provider, freq, logger)
	}

	return &SessionPipeline{
		session:  session,
		logger:   logger,
		buffer:   buf,
		analyzer: analysis.NewAnalyzer(profile),
		rules:    feedback.NewRuleEngine(profile),
		coach:    coach,
		tracker:  progress.NewTracker(profile),
		stats:    NewStats(100),
		metrics:  observe.DefaultMetrics(),
		out:      make(chan types.Envelope, outQueue),
		cfg: Config{
			Parallel:          true,
			FeedbackFrequency: freq,
		},
		startedAt: time.Now(),
	}, nil
}

// Envelopes returns the ordered output stream. It is closed when Run returns.
func (p *SessionPipeline) Envelopes() <-chan types.Envelope {
	return p.out
}

// Ingest appends canonical-rate samples to the session buffer. Overflow
// evicts the oldest audio; the driver reports eviction counts in envelopes.
func (p *SessionPipeline) Ingest(samples []int16) {
	p.buffer.Append(samples)
}

// UpdateConfig applies a whitelisted live config change.
func (p *SessionPipeline) UpdateConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	if p.coach != nil && cfg.FeedbackFrequency > 0 {
		p.coach.SetFrequency(cfg.FeedbackFrequency)
	}
}

// CurrentConfig returns the live pipeline configuration.
func (p *SessionPipeline) CurrentConfig() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Report builds a performance report from the tracker's current state.
func (p *SessionPipeline) Report() *types.PerformanceReport {
	return p.tracker.Report()
}

// CoachNow runs one on-demand coaching round against the live history.
// Returns nil when LLM coaching is disabled for this session.
func (p *SessionPipeline) CoachNow(ctx context.Context) *types.CoachingFeedback {
	if p.coach == nil {
		return nil
	}
	return p.coach.Generate(ctx)
}

// Stats returns a snapshot of the running counters.
func (p *SessionPipeline) Stats() types.PipelineStats {
	return p.stats.Snapshot()
}

// Run drains the buffer until ctx is cancelled, then flushes the remainder
// and closes the envelope channel. It always returns nil; chunk errors are
// reported in-band.
func (p *SessionPipeline) Run(ctx context.Context) error {
	defer close(p.out)

	chunkSamples := int(chunkSeconds * float64(p.buffer.SampleRate()))
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil
		case <-ticker.C:
			for p.buffer.Available() >= chunkSamples {
				p.processChunk(p.buffer.ReadChunk(chunkSamples))
			}
		}
	}
}

// flush processes whatever remains in the buffer, if it is long enough to
// analyse. Uses a background context; the session context is already gone.
func (p *SessionPipeline) flush() {
	p.mu.Lock()
	if p.flushed {
		p.mu.Unlock()
		return
	}
	p.flushed = true
	p.mu.Unlock()

	minSamples := int(minFlushSeconds * float64(p.buffer.SampleRate()))
	if n := p.buffer.Available(); n >= minSamples {
		p.processChunk(p.buffer.ReadChunk(n))
	}
}

func (p *SessionPipeline) processChunk(samples []int16) {
	p.mu.Lock()
	p.chunkNum++
	num := p.chunkNum
	cfg := p.cfg
	p.mu.Unlock()

	chunk := &types.AudioChunk{
		SessionID:  p.session.ID,
		ChunkID:    uuid.NewString(),
		Number:     num,
		Priority:   types.PriorityNormal,
		Timestamp:  time.Now().UTC(),
		Samples:    samples,
		SampleRate: p.buffer.SampleRate(),
	}

	deadline := chunkDeadline
	if cfg.ChunkTimeout > 0 {
		deadline = cfg.ChunkTimeout
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	metrics, err := p.analyzeStage(ctx, chunk)
	if err != nil {
		p.emitChunkError(chunk, err)
		return
	}
	chunk.Priority = priorityFor(metrics.VoiceActivityRatio)

	result := &types.CoachingResult{
		SessionID:     chunk.SessionID,
		ChunkID:       chunk.ChunkID,
		ChunkNumber:   chunk.Number,
		Timestamp:     chunk.Timestamp,
		VoiceAnalysis: metrics,
	}

	var milestones []types.Milestone

	feedbackStage := func() error {
		defer func(t time.Time) {
			d := time.Since(t)
			p.stats.RecordFeedback(d)
			p.metrics.FeedbackDuration.Record(ctx, d.Seconds())
		}(time.Now())
		p.runFeedback(ctx, chunk, metrics, result)
		return nil
	}
	metricsStage := func() error {
		defer func(t time.Time) {
			d := time.Since(t)
			p.stats.RecordMetrics(d)
			p.metrics.AggregationDuration.Record(ctx, d.Seconds())
		}(time.Now())
		milestones = p.runMetrics(metrics, cfg, result)
		return nil
	}

	mode := "sequential"
	if cfg.Parallel {
		mode = "parallel"
		g, _ := errgroup.WithContext(ctx)
		g.Go(feedbackStage)
		g.Go(metricsStage)
		_ = g.Wait()
	} else {
		_ = feedbackStage()
		_ = metricsStage()
	}

	elapsed := time.Since(start)
	p.stats.RecordChunk(elapsed)
	p.metrics.RecordChunk(ctx, "channel", elapsed.Seconds())
	p.mu.Lock()
	p.lastChunkAt = time.Now()
	p.mu.Unlock()

	// The deadline context cancelled any stage still running; report the
	// overrun in-band so the client knows this chunk's output is degraded.
	if elapsed > deadline {
		p.emitChunkError(chunk, fault.Newf(fault.PipelineTimeout,
			"chunk %d processing took %.2fs, deadline %.2fs",
			chunk.Number, elapsed.Seconds(), deadline.Seconds()))
	}

	result.SessionProgress = types.SessionProgress{
		ChunksProcessed: p.tracker.Chunks(),
		ElapsedSeconds:  time.Since(p.startedAt).Seconds(),
		AverageQuality:  p.tracker.AverageQuality(),
	}
	result.PipelineInfo = types.PipelineInfo{
		Mode:             mode,
		ProcessingTimeMS: float64(elapsed) / float64(time.Millisecond),
		LLMInvoked:       result.CoachingFeedback != nil && result.CoachingFeedback.Source != types.SourceFallback,
	}

	// Envelope order per chunk: result, then realtime suggestions, then
	// performance, then milestones.
	p.emit(types.Envelope{
		Type:        types.EnvCoachingResult,
		SessionID:   chunk.SessionID,
		ChunkID:     chunk.ChunkID,
		ChunkNumber: chunk.Number,
		Timestamp:   time.Now().UTC(),
		Result:      result,
	})
	if len(result.RealTimeInsights) > 0 {
		p.emit(types.Envelope{
			Type:        types.EnvRealtimeSuggestion,
			SessionID:   chunk.SessionID,
			ChunkID:     chunk.ChunkID,
			ChunkNumber: chunk.Number,
			Timestamp:   time.Now().UTC(),
			Suggestions: result.RealTimeInsights,
		})
	}
	if result.PerformanceMetrics != nil {
		p.emit(types.Envelope{
			Type:        types.EnvPerformanceUpdate,
			SessionID:   chunk.SessionID,
			ChunkNumber: chunk.Number,
			Timestamp:   time.Now().UTC(),
			Performance: result.PerformanceMetrics,
		})
	}
	for i := range milestones {
		p.emit(types.Envelope{
			Type:      types.EnvMilestone,
			SessionID: chunk.SessionID,
			Timestamp: time.Now().UTC(),
			Milestone: &milestones[i],
		})
	}
}

func (p *SessionPipeline) analyzeStage(ctx context.Context, chunk *types.AudioChunk) (*types.VoiceMetrics, error) {
	defer func(t time.Time) {
		d := time.Since(t)
		p.stats.RecordAnalysis(d)
		p.metrics.AnalysisDuration.Record(ctx, d.Seconds())
	}(time.Now())
	return p.analyzer.Analyze(chunk, p.session.Config.DetailedAnalysis)
}

// runFeedback fills result's insight and coaching fields. Low-priority
// chunks skip the LLM round even when due.
func (p *SessionPipeline) runFeedback(ctx context.Context, chunk *types.AudioChunk, metrics *types.VoiceMetrics, result *types.CoachingResult) {
	if p.session.Config.RealTimeFeedback {
		result.RealTimeInsights = p.rules.Evaluate(metrics)
	}
	if p.coach == nil {
		return
	}
	p.coach.Observe(metrics)
	if chunk.Priority == types.PriorityLow {
		return
	}
	if !p.coach.ShouldCoach(chunk.Number) {
		return
	}
	result.CoachingFeedback = p.coach.Generate(ctx)
}

// runMetrics records the chunk with the tracker and attaches a report when
// one is due under the configured cadence.
func (p *SessionPipeline) runMetrics(metrics *types.VoiceMetrics, cfg Config, result *types.CoachingResult) []types.Milestone {
	milestones, due := p.tracker.Record(metrics)
	if !due {
		return milestones
	}
	if cfg.MetricsInterval > 0 {
		p.mu.Lock()
		since := p.tracker.Chunks() - p.lastReport
		if since < cfg.MetricsInterval {
			p.mu.Unlock()
			return milestones
		}
		p.lastReport = p.tracker.Chunks()
		p.mu.Unlock()
	}
	result.PerformanceMetrics = p.tracker.Report()
	return milestones
}

// emitChunkError converts a chunk failure into an in-band envelope.
func (p *SessionPipeline) emitChunkError(chunk *types.AudioChunk, err error) {
	p.stats.IncrErrors()
	fe := fault.As(err)
	p.logger.Warn("chunk processing failed",
		"chunk", chunk.Number, "code", string(fe.Kind), "error", err)

	envType := types.EnvProcessingError
	if fe.Kind == fault.AudioQualityError || fe.Kind == fault.AudioFormatError {
		envType = types.EnvAudioError
	}
	p.emit(types.Envelope{
		Type:         envType,
		SessionID:    chunk.SessionID,
		ChunkID:      chunk.ChunkID,
		ChunkNumber:  chunk.Number,
		Timestamp:    time.Now().UTC(),
		ErrorCode:    string(fe.Kind),
		ErrorMessage: fe.Message,
	})
}

// emit applies the backpressure policy on a full queue: a non-essential
// envelope is dropped itself, an essential one evicts the oldest queued
// envelope to make room. Coaching results and errors are never sacrificed
// to admit a suggestion or a performance update.
func (p *SessionPipeline) emit(env types.Envelope) {
	select {
	case p.out <- env:
		return
	default:
	}

	if !essential(env.Type) {
		p.metrics.EnvelopesDropped.Add(context.Background(), 1)
		p.logger.Warn("envelope queue full, dropped", "type", string(env.Type))
		return
	}
	select {
	case old := <-p.out:
		p.metrics.EnvelopesDropped.Add(context.Background(), 1)
		p.logger.Warn("envelope queue full, evicted oldest", "evicted", string(old.Type), "type", string(env.Type))
	default:
	}
	select {
	case p.out <- env:
	default:
	}
}

// essential reports whether an envelope type must survive backpressure.
// Suggestions and performance updates are refreshed every few chunks anyway;
// losing one costs nothing.
func essential(t types.EnvelopeType) bool {
	switch t {
	case types.EnvRealtimeSuggestion, types.EnvPerformanceUpdate:
		return false
	}
	return true
}

// Summary builds the end-of-session summary. Efficiency blends the success
// rate with how far the average chunk time stays under 100ms.
func (p *SessionPipeline) Summary() *types.SessionSummary {
	snap := p.stats.Snapshot()

	efficiency := 0.5 * snap.SuccessRate
	if snap.AverageChunkMS > 0 {
		ratio := 100.0 / snap.AverageChunkMS
		if ratio > 1 {
			ratio = 1
		}
		efficiency += 0.5 * ratio
	} else if snap.ChunksProcessed > 0 {
		efficiency += 0.5
	}

	var errorRate float64
	if total := snap.ChunksProcessed + snap.Errors; total > 0 {
		errorRate = float64(snap.Errors) / float64(total)
	}

	// Duration runs from start to the last processed chunk, so repeated
	// Summary calls agree with each other.
	p.mu.Lock()
	var duration time.Duration
	if !p.lastChunkAt.IsZero() {
		duration = p.lastChunkAt.Sub(p.startedAt)
	}
	p.mu.Unlock()

	return &types.SessionSummary{
		SessionID:            p.session.ID,
		TotalDurationSeconds: duration.Seconds(),
		ChunksProcessed:      snap.ChunksProcessed,
		Stages:               snap.Stages,
		ErrorRate:            errorRate,
		ProcessingEfficiency: efficiency,
	}
}

// ProcessChunkNow analyses one caller-supplied chunk synchronously, outside
// the driver loop. The HTTP analyze endpoint uses this path.
func (p *SessionPipeline) ProcessChunkNow(samples []int16) {
	p.processChunk(samples)
}

func priorityFor(activityRatio float64) types.ChunkPriority {
	switch {
	case activityRatio < lowPriorityActivity:
		return types.PriorityLow
	case activityRatio > highPriorityActivity:
		return types.PriorityHigh
	default:
		return types.PriorityNormal
	}
}
