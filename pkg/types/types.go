// Package types defines the shared types used across all Prestance packages.
//
// These types form the lingua franca between the audio layer, the analysis
// pipeline, the connection manager, and the storage layer. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Language is an ISO 639-1 language code recognised by the coaching engine.
type Language string

const (
	// LangFrench selects the French coaching profile.
	LangFrench Language = "fr"

	// LangEnglish selects the English coaching profile.
	LangEnglish Language = "en"
)

// IsValid reports whether l is a language the server ships a profile for.
func (l Language) IsValid() bool {
	return l == LangFrench || l == LangEnglish
}

// SessionKind classifies what the user is practising for.
type SessionKind string

const (
	KindPractice     SessionKind = "practice"
	KindLiveCoaching SessionKind = "live_coaching"
	KindEvaluation   SessionKind = "evaluation"
	KindTraining     SessionKind = "training"
)

// IsValid reports whether k is a recognised session kind.
func (k SessionKind) IsValid() bool {
	switch k {
	case KindPractice, KindLiveCoaching, KindEvaluation, KindTraining:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a coaching session.
//
// Valid transitions: Active → Paused ↔ Active → {Completed, Cancelled,
// Expired, Error}. Terminal states accept no further transitions.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
	StatusExpired   SessionStatus = "expired"
	StatusError     SessionStatus = "error"
)

// IsTerminal reports whether s admits no further lifecycle transitions.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusError:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusActive:
		return next == StatusPaused || next.IsTerminal()
	case StatusPaused:
		return next == StatusActive || next.IsTerminal()
	}
	return false
}

// SessionConfig holds the per-session processing configuration. It is
// immutable after session creation except for the fields whitelisted by the
// config_update control message (see the server package).
type SessionConfig struct {
	// Language selects the coaching profile (thresholds, benchmarks, prompts).
	Language Language `json:"language" yaml:"language"`

	// Kind classifies the session.
	Kind SessionKind `json:"session_kind" yaml:"session_kind"`

	// MaxDurationSeconds bounds the session lifetime. Range [60, 7200].
	MaxDurationSeconds int `json:"max_duration_seconds" yaml:"max_duration_seconds"`

	// AutoPauseSilenceSeconds is the silence span after which the session
	// auto-pauses. Zero disables auto-pause.
	AutoPauseSilenceSeconds float64 `json:"auto_pause_silence_seconds" yaml:"auto_pause_silence_seconds"`

	// FeedbackFrequency is the number of chunks between LLM coaching calls.
	// Range [1, 30].
	FeedbackFrequency int `json:"feedback_frequency" yaml:"feedback_frequency"`

	// RealTimeFeedback enables the deterministic rule engine per chunk.
	RealTimeFeedback bool `json:"real_time_feedback" yaml:"real_time_feedback"`

	// DetailedAnalysis enables the advanced-metrics block in analyzer output.
	DetailedAnalysis bool `json:"detailed_analysis" yaml:"detailed_analysis"`

	// AICoaching enables the LLM coaching path.
	AICoaching bool `json:"ai_coaching" yaml:"ai_coaching"`

	// StoreAudio persists raw audio blobs through the session store.
	StoreAudio bool `json:"store_audio" yaml:"store_audio"`
}

// DefaultSessionConfig returns the configuration applied when a create
// request omits fields.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Language:           LangFrench,
		Kind:               KindPractice,
		MaxDurationSeconds: 1800,
		FeedbackFrequency:  5,
		RealTimeFeedback:   true,
		DetailedAnalysis:   true,
		AICoaching:         true,
	}
}

// Session is the unit of work: one user practising one presentation.
type Session struct {
	// ID is a 128-bit opaque identifier (UUID string form).
	ID string `json:"id"`

	// UserID is the opaque user handle that owns this session.
	UserID string `json:"user_id"`

	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Status      SessionStatus `json:"status"`
	Config      SessionConfig `json:"config"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// DurationSeconds is EndedAt − StartedAt, set on terminal transitions.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// ProcessingErrors counts chunk-level errors; monotonically non-decreasing.
	ProcessingErrors int `json:"processing_errors"`

	// AudioPath is the blob path returned by the store when StoreAudio is on.
	AudioPath string `json:"audio_path,omitempty"`
}

// ExpiresAt returns the instant the session expires.
func (s *Session) ExpiresAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.Config.MaxDurationSeconds) * time.Second)
}

// Expired reports whether now is past the session's expiry instant.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}

// ChunkPriority orders chunks for the pipeline. Low-priority chunks skip the
// LLM coaching path even when it is due.
type ChunkPriority string

const (
	PriorityLow    ChunkPriority = "low"
	PriorityNormal ChunkPriority = "normal"
	PriorityHigh   ChunkPriority = "high"
)

// AudioChunk is one fixed-size unit of canonicalised audio fed through the
// pipeline: 16-bit mono samples at the canonical rate.
type AudioChunk struct {
	SessionID string        `json:"session_id"`
	ChunkID   string        `json:"chunk_id"`
	Number    int           `json:"chunk_number"`
	Priority  ChunkPriority `json:"priority"`
	Timestamp time.Time     `json:"timestamp"`

	// Samples is 16-bit mono PCM at SampleRate.
	Samples    []int16 `json:"-"`
	SampleRate int     `json:"sample_rate"`
}

// Duration returns the chunk length in seconds.
func (c *AudioChunk) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// SpeechSegment is a continuous voiced span, in frame indices.
type SpeechSegment struct {
	StartFrame int `json:"start_frame"`
	EndFrame   int `json:"end_frame"`
}

// Trend labels the direction of a sliding-window metric.
type Trend string

const (
	TrendImproving        Trend = "improving"
	TrendDeclining        Trend = "declining"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)

// PaceReport is the language-adapted pace sub-report.
type PaceReport struct {
	WPM       float64 `json:"wpm"`
	Score     float64 `json:"score"`
	IsOptimal bool    `json:"is_optimal"`
	Trend     Trend   `json:"trend"`
}

// VolumeReport is the language-adapted volume sub-report.
type VolumeReport struct {
	Level       float64 `json:"level"`
	Consistency float64 `json:"consistency"`
	Score       float64 `json:"score"`
	Trend       Trend   `json:"trend"`
}

// PitchReport is the language-adapted pitch sub-report.
type PitchReport struct {
	Mean           float64 `json:"mean_hz"`
	VariationRatio float64 `json:"variation_ratio"`
	IsMonotone     bool    `json:"is_monotone"`
	Score          float64 `json:"score"`
}

// ClarityReport is the language-adapted clarity sub-report.
type ClarityReport struct {
	Score float64 `json:"score"`
	Trend Trend   `json:"trend"`
}

// AdvancedMetrics holds the detailed-analysis block derived from frame
// features. Populated only when SessionConfig.DetailedAnalysis is on.
type AdvancedMetrics struct {
	RhythmRegularity    float64 `json:"rhythm_regularity"`
	PauseEffectiveness  float64 `json:"pause_effectiveness"`
	SpeechContinuity    float64 `json:"speech_continuity"`
	ConfidenceIndicator float64 `json:"confidence_indicator"`
	NervousnessIndex    float64 `json:"nervousness_index"`
}

// VoiceMetrics is the analyzer's per-chunk output.
type VoiceMetrics struct {
	Duration          float64 `json:"duration"`
	AvgVolume         float64 `json:"avg_volume"`
	VolumeConsistency float64 `json:"volume_consistency"`
	AvgPitch          float64 `json:"avg_pitch"`
	PitchVariance     float64 `json:"pitch_variance"`
	SpectralCentroid  float64 `json:"spectral_centroid"`
	Tempo             float64 `json:"tempo"`
	ZeroCrossingRate  float64 `json:"zero_crossing_rate"`
	SpectralRolloff   float64 `json:"spectral_rolloff"`

	VoiceActivityRatio float64         `json:"voice_activity_ratio"`
	SpeechSegments     []SpeechSegment `json:"speech_segments"`
	EstimatedWords     int             `json:"estimated_words"`
	ClarityScore       float64         `json:"clarity_score"`
	PaceWPM            float64         `json:"pace_wpm"`

	Pace    PaceReport    `json:"pace_analysis"`
	Volume  VolumeReport  `json:"volume_analysis"`
	Pitch   PitchReport   `json:"pitch_analysis"`
	Clarity ClarityReport `json:"clarity_analysis"`

	// LanguageScore is the weighted pace/volume/pitch/clarity combination
	// using the session language's weights.
	LanguageScore float64 `json:"language_score"`

	// Advanced is nil unless detailed analysis is enabled.
	Advanced *AdvancedMetrics `json:"advanced_metrics,omitempty"`
}

// FeedbackType classifies what aspect of delivery a feedback item targets.
type FeedbackType string

const (
	FeedbackPace       FeedbackType = "pace"
	FeedbackVolume     FeedbackType = "volume"
	FeedbackClarity    FeedbackType = "clarity"
	FeedbackStructure  FeedbackType = "structure"
	FeedbackEngagement FeedbackType = "engagement"
	FeedbackConfidence FeedbackType = "confidence"
)

// Severity orders feedback items for tie-breaking; higher wins.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityPositive Severity = "positive"
)

// Rank returns the tie-break weight of a severity. Critical outranks warning,
// warning outranks positive, positive outranks info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityPositive:
		return 1
	default:
		return 0
	}
}

// FeedbackSource records which path produced a feedback item.
type FeedbackSource string

const (
	SourceRule     FeedbackSource = "rule"
	SourceLLM      FeedbackSource = "llm"
	SourceFallback FeedbackSource = "fallback"
)

// FeedbackItem is a single actionable coaching observation.
type FeedbackItem struct {
	ID         string         `json:"id"`
	Type       FeedbackType   `json:"type"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"short_message"`
	Suggestion string         `json:"actionable_suggestion"`
	Confidence float64        `json:"confidence"`
	Source     FeedbackSource `json:"source"`
	ProducedAt time.Time      `json:"produced_at"`
}

// Improvement is one improvement area inside an LLM coaching reply.
type Improvement struct {
	Area          string `json:"area"`
	CurrentIssue  string `json:"current_issue"`
	ActionableTip string `json:"actionable_tip"`
	WhyImportant  string `json:"why_important"`
}

// CoachingFeedback is the structured coaching block produced by the LLM path
// (or its rule-based fallback).
type CoachingFeedback struct {
	Summary       string         `json:"feedback_summary"`
	Strengths     []string       `json:"strengths"`
	Improvements  []Improvement  `json:"improvements"`
	Encouragement string         `json:"encouragement"`
	NextFocus     string         `json:"next_focus"`
	Source        FeedbackSource `json:"source"`
}

// PerformanceLevel buckets a benchmark comparison.
type PerformanceLevel string

const (
	LevelExcellent        PerformanceLevel = "excellent"
	LevelGood             PerformanceLevel = "good"
	LevelAverage          PerformanceLevel = "average"
	LevelBelowAverage     PerformanceLevel = "below_average"
	LevelNeedsImprovement PerformanceLevel = "needs_improvement"
)

// CategoryStats is the per-category slice of a performance report.
type CategoryStats struct {
	Current    float64          `json:"current"`
	Mean       float64          `json:"mean"`
	Stability  float64          `json:"stability"`
	Percentile float64          `json:"percentile"`
	ZScore     float64          `json:"z_score"`
	Level      PerformanceLevel `json:"performance_level"`
}

// PerformanceReport is the aggregator's periodic output.
type PerformanceReport struct {
	OverallQuality  float64                  `json:"overall_quality"`
	Consistency     float64                  `json:"consistency"`
	ImprovementRate float64                  `json:"improvement_rate"`
	LearningSlope   float64                  `json:"learning_curve_slope"`
	TrendDirection  Trend                    `json:"trend_direction"`
	Volatility      float64                  `json:"volatility"`
	Momentum        float64                  `json:"momentum"`
	Categories      map[string]CategoryStats `json:"categories"`
	QuickWins       []string                 `json:"quick_wins"`
	LongTermGoals   []string                 `json:"long_term_goals"`
}

// MilestoneKind enumerates one-shot achievements.
type MilestoneKind string

const (
	MilestoneQuality     MilestoneKind = "quality_milestone"
	MilestoneConsistency MilestoneKind = "consistency_milestone"
	MilestoneChunkCount  MilestoneKind = "chunk_count_milestone"
	MilestoneImprovement MilestoneKind = "improvement_milestone"
)

// Milestone records a threshold crossing. Each kind fires at most once per
// session except MilestoneImprovement, whose baseline resets after firing.
type Milestone struct {
	Kind       MilestoneKind `json:"kind"`
	Label      string        `json:"label"`
	Value      float64       `json:"value"`
	AchievedAt time.Time     `json:"achieved_at"`
}

// SessionProgress is a lightweight progress snapshot attached to every
// coaching result.
type SessionProgress struct {
	ChunksProcessed int     `json:"chunks_processed"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	AverageQuality  float64 `json:"average_quality"`
}

// PipelineInfo describes how a chunk was processed.
type PipelineInfo struct {
	Mode             string  `json:"mode"` // "parallel" or "sequential"
	ProcessingTimeMS float64 `json:"processing_time_ms"`
	LLMInvoked       bool    `json:"llm_invoked"`
}

// CoachingResult is the per-chunk aggregate emitted atomically to subscribers.
type CoachingResult struct {
	SessionID   string    `json:"session_id"`
	ChunkID     string    `json:"chunk_id"`
	ChunkNumber int       `json:"chunk_number"`
	Timestamp   time.Time `json:"timestamp"`

	VoiceAnalysis      *VoiceMetrics      `json:"voice_analysis"`
	CoachingFeedback   *CoachingFeedback  `json:"coaching_feedback,omitempty"`
	PerformanceMetrics *PerformanceReport `json:"performance_metrics,omitempty"`
	RealTimeInsights   []FeedbackItem     `json:"real_time_insights,omitempty"`
	SessionProgress    SessionProgress    `json:"session_progress"`
	PipelineInfo       PipelineInfo       `json:"pipeline_info"`
}

// EnvelopeType enumerates the server-emitted envelope kinds on the
// bidirectional channel.
type EnvelopeType string

const (
	EnvSessionInitialized EnvelopeType = "session_initialized"
	EnvCoachingResult     EnvelopeType = "coaching_result"
	EnvRealtimeSuggestion EnvelopeType = "realtime_suggestion"
	EnvPerformanceUpdate  EnvelopeType = "performance_update"
	EnvMilestone          EnvelopeType = "milestone"
	EnvSessionStarted     EnvelopeType = "session_started"
	EnvSessionPaused      EnvelopeType = "session_paused"
	EnvSessionResumed     EnvelopeType = "session_resumed"
	EnvSessionEnded       EnvelopeType = "session_ended"
	EnvConfigUpdated      EnvelopeType = "config_updated"
	EnvSessionSummary     EnvelopeType = "session_summary"
	EnvHeartbeat          EnvelopeType = "heartbeat"
	EnvHeartbeatResponse  EnvelopeType = "heartbeat_response"
	EnvAudioError         EnvelopeType = "audio_processing_error"
	EnvProcessingError    EnvelopeType = "processing_error"
	EnvError              EnvelopeType = "error"
)

// Envelope is a typed output record emitted by the pipeline or the connection
// manager, carrying session and chunk identifiers. At most one payload field
// is set, matching Type.
type Envelope struct {
	Type        EnvelopeType `json:"type"`
	SessionID   string       `json:"session_id,omitempty"`
	ChunkID     string       `json:"chunk_id,omitempty"`
	ChunkNumber int          `json:"chunk_number,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`

	Result      *CoachingResult    `json:"result,omitempty"`
	Suggestions []FeedbackItem     `json:"suggestions,omitempty"`
	Performance *PerformanceReport `json:"performance,omitempty"`
	Milestone   *Milestone         `json:"milestone,omitempty"`
	Summary     *SessionSummary    `json:"summary,omitempty"`
	Stats       *SessionStats      `json:"stats,omitempty"`

	// Processors lists the active processors in a session_initialized envelope.
	Processors []string `json:"processors,omitempty"`

	// ErrorCode and ErrorMessage are set on error-carrying envelopes.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StageTimes holds cumulative per-stage processing time in milliseconds.
type StageTimes struct {
	AnalysisMS float64 `json:"analysis_ms"`
	FeedbackMS float64 `json:"feedback_ms"`
	MetricsMS  float64 `json:"metrics_ms"`
}

// PipelineStats are the pipeline's running counters.
type PipelineStats struct {
	ChunksProcessed int        `json:"chunks_processed"`
	Errors          int        `json:"errors"`
	Stages          StageTimes `json:"stage_times"`
	SuccessRate     float64    `json:"success_rate"`
	AverageChunkMS  float64    `json:"average_chunk_ms"`
}

// SessionSummary is the result of SessionPipeline.Summary.
type SessionSummary struct {
	SessionID            string     `json:"session_id"`
	TotalDurationSeconds float64    `json:"total_duration_seconds"`
	ChunksProcessed      int        `json:"chunks_processed"`
	Stages               StageTimes `json:"stage_times"`
	ErrorRate            float64    `json:"error_rate"`
	ProcessingEfficiency float64    `json:"processing_efficiency"`
}

// SessionStats is the connection manager's per-session statistics block.
type SessionStats struct {
	ConnectedAt          time.Time `json:"connected_at"`
	MessagesReceived     int64     `json:"messages_received"`
	AudioChunksProcessed int64     `json:"audio_chunks_processed"`
	FeedbackItemsSent    int64     `json:"feedback_items_sent"`
	ErrorsCount          int64     `json:"errors_count"`
}
