// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all voicebridge metrics.
const meterName = "github.com/cricex/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CommitLatency tracks, once per call, the time from the first appended
	// input frame to the first commit sent to the speech service.
	CommitLatency metric.Float64Histogram

	// FrameProcessDuration tracks per-frame VAD/resample processing time.
	FrameProcessDuration metric.Float64Histogram

	// CallDuration tracks end-to-end bridged call duration.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIn counts inbound telephony frames by call.
	FramesIn metric.Int64Counter

	// FramesOut counts outbound telephony frames, tagged by wire encoding.
	FramesOut metric.Int64Counter

	// CommitsSent counts commits issued to the speech service, tagged by
	// trigger reason (silence, max_buffer, no_speech_timeout, barge_in).
	CommitsSent metric.Int64Counter

	// CommitBlocks counts commit attempts suppressed by a VAD gate, tagged
	// by block reason.
	CommitBlocks metric.Int64Counter

	// BargeIns counts fired barge-in events.
	BargeIns metric.Int64Counter

	// RingDrops counts outbound-ring frames dropped on overflow.
	RingDrops metric.Int64Counter

	// --- Error counters ---

	// ServiceErrors counts error events from the speech service, tagged by code.
	ServiceErrors metric.Int64Counter

	// SendErrors counts failed telephony-leg writes.
	SendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of currently bridged calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds), spanning
// single-frame (20ms) processing up to multi-second commit round trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CommitLatency, err = m.Float64Histogram("voicebridge.commit.latency",
		metric.WithDescription("Time from the first appended input frame to the first commit of a call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameProcessDuration, err = m.Float64Histogram("voicebridge.frame.process_duration",
		metric.WithDescription("Per-frame VAD and resampling processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voicebridge.call.duration",
		metric.WithDescription("End-to-end bridged call duration."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIn, err = m.Int64Counter("voicebridge.frames.in",
		metric.WithDescription("Total inbound telephony frames processed."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("voicebridge.frames.out",
		metric.WithDescription("Total outbound telephony frames sent, by wire encoding."),
	); err != nil {
		return nil, err
	}
	if met.CommitsSent, err = m.Int64Counter("voicebridge.commits.sent",
		metric.WithDescription("Total buffer commits issued, by trigger reason."),
	); err != nil {
		return nil, err
	}
	if met.CommitBlocks, err = m.Int64Counter("voicebridge.commits.blocked",
		metric.WithDescription("Total commit attempts suppressed by a VAD gate, by reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicebridge.barge_ins",
		metric.WithDescription("Total fired barge-in events."),
	); err != nil {
		return nil, err
	}
	if met.RingDrops, err = m.Int64Counter("voicebridge.ring.drops",
		metric.WithDescription("Total outbound-ring frames dropped on overflow."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ServiceErrors, err = m.Int64Counter("voicebridge.service.errors",
		metric.WithDescription("Total speech-service error events, by code."),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("voicebridge.send.errors",
		metric.WithDescription("Total failed telephony-leg writes."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicebridge.active_calls",
		metric.WithDescription("Number of currently bridged calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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

// RecordCommitSent is a convenience method that records a commit counter
// increment with the triggering reason.
func (m *Metrics) RecordCommitSent(ctx context.Context, trigger string) {
	m.CommitsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordCommitBlock is a convenience method that records a blocked-commit
// counter increment with the gate reason.
func (m *Metrics) RecordCommitBlock(ctx context.Context, reason string) {
	m.CommitBlocks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBargeIn is a convenience method that records a barge-in counter
// increment.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordServiceError is a convenience method that records a speech-service
// error counter increment with the error code.
func (m *Metrics) RecordServiceError(ctx context.Context, code string) {
	m.ServiceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}
