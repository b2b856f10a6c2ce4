// Package observe provides application-wide observability primitives for
// Sufler: OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// wires a Prometheus exporter so everything is scrapeable via the standard
// /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Sufler metrics.
const meterName = "github.com/mkorzh/sufler"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks speech-to-text latency per segment.
	TranscriptionDuration metric.Float64Histogram

	// GenerationDuration tracks full answer generation latency.
	GenerationDuration metric.Float64Histogram

	// FirstTokenLatency tracks time until the first answer token arrives.
	FirstTokenLatency metric.Float64Histogram

	// --- Counters ---

	// AudioChunks counts captured audio chunks after resampling.
	AudioChunks metric.Int64Counter

	// Segments counts closed speech segments. Use with attribute:
	//   attribute.String("outcome", "accepted"|"discarded")
	Segments metric.Int64Counter

	// Transcripts counts produced transcripts. Use with attribute:
	//   attribute.String("language", ...)
	Transcripts metric.Int64Counter

	// Questions counts detected questions. Use with attribute:
	//   attribute.String("language", ...)
	Questions metric.Int64Counter

	// DuplicateQuestions counts questions rejected by the deduplicator.
	DuplicateQuestions metric.Int64Counter

	// QueueDrops counts jobs dropped from a full queue. Use with attribute:
	//   attribute.String("queue", "transcription"|"generation")
	QueueDrops metric.Int64Counter

	// GeneratedTokens counts streamed answer tokens.
	GeneratedTokens metric.Int64Counter

	// PipelineErrors counts errors by stage. Use with attribute:
	//   attribute.String("stage", ...)
	PipelineErrors metric.Int64Counter

	// --- Gauges ---

	// CaptureActive tracks whether audio capture is running (0 or 1).
	CaptureActive metric.Int64UpDownCounter

	// GenerationsActive tracks in-flight generations (0 or 1; generation
	// is single-flight).
	GenerationsActive metric.Int64UpDownCounter

	// TranscriptionQueueDepth tracks the number of queued segments.
	TranscriptionQueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// local-inference latencies: sub-second transcriptions up to multi-second
// generations.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("sufler.transcription.duration",
		metric.WithDescription("Latency of speech-to-text transcription per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("sufler.generation.duration",
		metric.WithDescription("Latency of full answer generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstTokenLatency, err = m.Float64Histogram("sufler.generation.first_token",
		metric.WithDescription("Time until the first answer token arrives."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioChunks, err = m.Int64Counter("sufler.audio.chunks",
		metric.WithDescription("Captured audio chunks after resampling."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("sufler.segments",
		metric.WithDescription("Closed speech segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("sufler.transcripts",
		metric.WithDescription("Produced transcripts by language."),
	); err != nil {
		return nil, err
	}
	if met.Questions, err = m.Int64Counter("sufler.questions",
		metric.WithDescription("Detected questions by language."),
	); err != nil {
		return nil, err
	}
	if met.DuplicateQuestions, err = m.Int64Counter("sufler.questions.duplicates",
		metric.WithDescription("Questions rejected by the deduplicator."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("sufler.queue.drops",
		metric.WithDescription("Jobs dropped from a full queue, by queue name."),
	); err != nil {
		return nil, err
	}
	if met.GeneratedTokens, err = m.Int64Counter("sufler.generation.tokens",
		metric.WithDescription("Streamed answer tokens."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("sufler.pipeline.errors",
		metric.WithDescription("Pipeline errors by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.CaptureActive, err = m.Int64UpDownCounter("sufler.capture.active",
		metric.WithDescription("Whether audio capture is running."),
	); err != nil {
		return nil, err
	}
	if met.GenerationsActive, err = m.Int64UpDownCounter("sufler.generation.active",
		metric.WithDescription("In-flight answer generations."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionQueueDepth, err = m.Int64UpDownCounter("sufler.transcription.queue_depth",
		metric.WithDescription("Segments waiting in the transcription queue."),
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

// RecordSegment records a closed segment with its outcome.
func (m *Metrics) RecordSegment(ctx context.Context, outcome string) {
	m.Segments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordTranscript records a produced transcript by language.
func (m *Metrics) RecordTranscript(ctx context.Context, language string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("language", language)),
	)
}

// RecordQuestion records a detected question by language.
func (m *Metrics) RecordQuestion(ctx context.Context, language string) {
	m.Questions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("language", language)),
	)
}

// RecordQueueDrop records a dropped job by queue name.
func (m *Metrics) RecordQueueDrop(ctx context.Context, queue string) {
	m.QueueDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordPipelineError records an error by pipeline stage.
func (m *Metrics) RecordPipelineError(ctx context.Context, stage string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
