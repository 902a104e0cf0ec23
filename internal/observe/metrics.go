// Package observe provides application-wide observability primitives for
// sayless: OpenTelemetry metrics, tracing, context-aware logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported via
// the Prometheus bridge set up by [InitProvider], which also returns the
// /metrics handler. A package-level [DefaultMetrics] instance is available for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all sayless metrics.
const meterName = "github.com/MrWong99/sayless"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// ── Latency histograms per pipeline stage ──

	// DecodeDuration tracks decoding of one inbound voice message.
	DecodeDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks summarisation latency.
	LLMDuration metric.Float64Histogram

	// DeliveryDuration tracks reply delivery latency.
	DeliveryDuration metric.Float64Histogram

	// FlushDuration tracks a whole flush, snapshot to release.
	FlushDuration metric.Float64Histogram

	// AudioSeconds records the length of audio submitted per flush.
	AudioSeconds metric.Float64Histogram

	// ── Counters ──

	// Events counts inbound voice messages. Attributes: platform.
	Events metric.Int64Counter

	// Flushes counts completed flushes. Attributes: outcome.
	Flushes metric.Int64Counter

	// ProviderRequests counts provider API calls. Attributes: provider, kind,
	// status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// DeliveryErrors counts failed replies. Attributes: platform.
	DeliveryErrors metric.Int64Counter

	// ── Gauges ──

	// PendingSessions tracks users with staged audio awaiting a flush.
	PendingSessions metric.Int64UpDownCounter

	// InFlightFlushes tracks flushes currently running.
	InFlightFlushes metric.Int64UpDownCounter

	// ── HTTP middleware ──

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries (seconds) sized for remote
// transcription and summarisation calls, which routinely take seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// audioBuckets are histogram boundaries (seconds) for submitted audio length.
var audioBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	latency := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.DecodeDuration, err = latency("sayless.decode.duration", "Latency of decoding one voice message."); err != nil {
		return nil, err
	}
	if met.STTDuration, err = latency("sayless.stt.duration", "Latency of speech-to-text transcription."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = latency("sayless.llm.duration", "Latency of transcript summarisation."); err != nil {
		return nil, err
	}
	if met.DeliveryDuration, err = latency("sayless.delivery.duration", "Latency of reply delivery."); err != nil {
		return nil, err
	}
	if met.FlushDuration, err = latency("sayless.flush.duration", "Latency of a complete session flush."); err != nil {
		return nil, err
	}
	if met.AudioSeconds, err = m.Float64Histogram("sayless.flush.audio",
		metric.WithDescription("Length of audio submitted for transcription per flush."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(audioBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Events, err = m.Int64Counter("sayless.events",
		metric.WithDescription("Inbound voice messages by platform."),
	); err != nil {
		return nil, err
	}
	if met.Flushes, err = m.Int64Counter("sayless.flushes",
		metric.WithDescription("Completed flushes by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("sayless.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("sayless.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryErrors, err = m.Int64Counter("sayless.delivery.errors",
		metric.WithDescription("Replies that could not be delivered, by platform."),
	); err != nil {
		return nil, err
	}

	if met.PendingSessions, err = m.Int64UpDownCounter("sayless.sessions.pending",
		metric.WithDescription("Users with staged audio awaiting a flush."),
	); err != nil {
		return nil, err
	}
	if met.InFlightFlushes, err = m.Int64UpDownCounter("sayless.flushes.in_flight",
		metric.WithDescription("Flushes currently running."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("sayless.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Call it after [InitProvider] so the
// instruments bind to the Prometheus-backed provider.
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

// RecordProviderRequest increments the provider request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordEvent counts one inbound voice message.
func (m *Metrics) RecordEvent(ctx context.Context, platform string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
}

// RecordFlush records a finished flush: its outcome, wall time and the amount
// of audio it submitted.
func (m *Metrics) RecordFlush(ctx context.Context, outcome string, took, audio time.Duration) {
	m.Flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.FlushDuration.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	if audio > 0 {
		m.AudioSeconds.Record(ctx, audio.Seconds())
	}
}

// RecordDeliveryError counts one reply that could not be delivered.
func (m *Metrics) RecordDeliveryError(ctx context.Context, platform string) {
	m.DeliveryErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
}
