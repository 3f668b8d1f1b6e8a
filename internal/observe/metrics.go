// Package observe provides application-wide observability primitives for
// Prestance: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Prestance metrics.
const meterName = "github.com/prestance-ai/prestance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// AnalysisDuration tracks voice analysis latency per chunk.
	AnalysisDuration metric.Float64Histogram

	// FeedbackDuration tracks the feedback stage latency, including any LLM
	// coaching round inside it.
	FeedbackDuration metric.Float64Histogram

	// AggregationDuration tracks the metrics aggregation stage latency.
	AggregationDuration metric.Float64Histogram

	// ChunkDuration tracks end-to-end processing latency of one audio chunk.
	ChunkDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksProcessed counts processed audio chunks. Use with attribute:
	//   attribute.String("source", "channel"|"upload"|"analyze")
	ChunksProcessed metric.Int64Counter

	// EnvelopesSent counts envelopes delivered on session channels. Use with
	// attribute: attribute.String("type", ...)
	EnvelopesSent metric.Int64Counter

	// EnvelopesDropped counts envelopes evicted by the queue's drop-oldest
	// policy.
	EnvelopesDropped metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// TTSStreamedBytes counts audio bytes forwarded by the TTS streaming
	// passthrough.
	TTSStreamedBytes metric.Int64Counter

	// --- Gauges ---

	// ActiveChannels tracks the number of open session channels.
	ActiveChannels metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for chunk-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AnalysisDuration, err = m.Float64Histogram("prestance.analysis.duration",
		metric.WithDescription("Latency of voice analysis per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FeedbackDuration, err = m.Float64Histogram("prestance.feedback.duration",
		metric.WithDescription("Latency of the feedback stage, including LLM coaching."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AggregationDuration, err = m.Float64Histogram("prestance.aggregation.duration",
		metric.WithDescription("Latency of the metrics aggregation stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkDuration, err = m.Float64Histogram("prestance.chunk.duration",
		metric.WithDescription("End-to-end processing latency of one audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksProcessed, err = m.Int64Counter("prestance.chunks.processed",
		metric.WithDescription("Total processed audio chunks by source."),
	); err != nil {
		return nil, err
	}
	if met.EnvelopesSent, err = m.Int64Counter("prestance.envelopes.sent",
		metric.WithDescription("Total envelopes delivered on session channels by type."),
	); err != nil {
		return nil, err
	}
	if met.EnvelopesDropped, err = m.Int64Counter("prestance.envelopes.dropped",
		metric.WithDescription("Total envelopes evicted by the drop-oldest queue policy."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("prestance.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("prestance.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.TTSStreamedBytes, err = m.Int64Counter("prestance.tts.streamed_bytes",
		metric.WithDescription("Audio bytes forwarded by the TTS streaming passthrough."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveChannels, err = m.Int64UpDownCounter("prestance.active_channels",
		metric.WithDescription("Number of open session channels."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("prestance.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunk is a convenience method that records one processed chunk with
// its end-to-end latency.
func (m *Metrics) RecordChunk(ctx context.Context, source string, seconds float64) {
	m.ChunksProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
	m.ChunkDuration.Record(ctx, seconds)
}

// RecordEnvelope is a convenience method that records a delivered envelope by
// type.
func (m *Metrics) RecordEnvelope(ctx context.Context, envType string) {
	m.EnvelopesSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", envType)),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
