// Package observe provides application-wide observability primitives for
// MemoVoz: OpenTelemetry metrics, structured logging helpers, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all MemoVoz metrics.
const meterName = "github.com/memovoz/memovoz"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// CaptureDuration tracks a single capture activation, from mic open to
	// final transcript or error.
	CaptureDuration metric.Float64Histogram

	// DispatchDuration tracks the backend dispatch round trip.
	DispatchDuration metric.Float64Histogram

	// SynthesisDuration tracks fallback text-to-speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// PlaybackDuration tracks response playback wall time.
	PlaybackDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end latency of one voice turn, from
	// transcript to the moment the session re-arms.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed voice turns. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	Turns metric.Int64Counter

	// SavedConversations counts conversations exported to the notes backend.
	SavedConversations metric.Int64Counter

	// --- Error counters ---

	// DispatchErrors counts failed backend dispatches.
	DispatchErrors metric.Int64Counter

	// CaptureErrors counts failed capture activations.
	CaptureErrors metric.Int64Counter

	// PlaybackErrors counts audio decode and playback failures.
	PlaybackErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveClients tracks the number of currently connected gateway clients.
	ActiveClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies: sub-second playback cues up to multi-second
// captures.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CaptureDuration, err = m.Float64Histogram("memovoz.capture.duration",
		metric.WithDescription("Latency of one speech-capture activation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("memovoz.dispatch.duration",
		metric.WithDescription("Latency of one backend dispatch round trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("memovoz.synthesis.duration",
		metric.WithDescription("Latency of fallback speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("memovoz.playback.duration",
		metric.WithDescription("Wall time of one response playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("memovoz.turn.duration",
		metric.WithDescription("End-to-end latency of one voice turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("memovoz.turns",
		metric.WithDescription("Total completed voice turns by result kind and status."),
	); err != nil {
		return nil, err
	}
	if met.SavedConversations, err = m.Int64Counter("memovoz.saved_conversations",
		metric.WithDescription("Total conversations exported to the notes backend."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DispatchErrors, err = m.Int64Counter("memovoz.dispatch.errors",
		metric.WithDescription("Total failed backend dispatches."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("memovoz.capture.errors",
		metric.WithDescription("Total failed speech-capture activations."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackErrors, err = m.Int64Counter("memovoz.playback.errors",
		metric.WithDescription("Total audio decode and playback failures."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveClients, err = m.Int64UpDownCounter("memovoz.active_clients",
		metric.WithDescription("Number of currently connected gateway clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("memovoz.http.request.duration",
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

// RecordTurn is a convenience method that records a completed turn counter
// increment with the standard attribute set.
func (m *Metrics) RecordTurn(ctx context.Context, kind, status string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordDispatchError is a convenience method that records a dispatch error
// counter increment.
func (m *Metrics) RecordDispatchError(ctx context.Context) {
	m.DispatchErrors.Add(ctx, 1)
}

// RecordCaptureError is a convenience method that records a capture error
// counter increment.
func (m *Metrics) RecordCaptureError(ctx context.Context) {
	m.CaptureErrors.Add(ctx, 1)
}

// RecordPlaybackError is a convenience method that records a playback error
// counter increment.
func (m *Metrics) RecordPlaybackError(ctx context.Context) {
	m.PlaybackErrors.Add(ctx, 1)
}
