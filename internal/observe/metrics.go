// Package observe provides application-wide observability primitives for
// voicechat: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all voicechat metrics.
const meterName = "github.com/MrWong99/voicechat"

// Chat job outcomes recorded by [Metrics.RecordChatJob].
const (
	ChatCompleted = "completed"
	ChatCancelled = "cancelled"
	ChatFailed    = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMTimeToFirstToken tracks the delay between dispatching a chat job and
	// the first streamed chunk.
	LLMTimeToFirstToken metric.Float64Histogram

	// LLMDuration tracks the full streaming completion time.
	LLMDuration metric.Float64Histogram

	// TTSTimeToFirstAudio tracks the delay between the first text fed to a
	// synthesis unit and its first audio chunk.
	TTSTimeToFirstAudio metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ChatJobs counts finished chat jobs by attribute.String("status", ...).
	ChatJobs metric.Int64Counter

	// BargeIns counts recognizer events that interrupted active playback.
	BargeIns metric.Int64Counter

	// FramesSent counts audio frames delivered to clients.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded because their chat was cancelled
	// or swept by a barge-in.
	FramesDropped metric.Int64Counter

	// PacerOverruns counts frames whose send took longer than their
	// playback duration.
	PacerOverruns metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running voice chat sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open client WebSockets.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.LLMTimeToFirstToken, err = m.Float64Histogram("voicechat.llm.time_to_first_token",
		metric.WithDescription("Delay until the first streamed LLM chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voicechat.llm.duration",
		metric.WithDescription("Duration of a streaming LLM completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSTimeToFirstAudio, err = m.Float64Histogram("voicechat.tts.time_to_first_audio",
		metric.WithDescription("Delay from the first synthesized text to the first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voicechat.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicechat.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ChatJobs, err = m.Int64Counter("voicechat.chat.jobs",
		metric.WithDescription("Total chat jobs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicechat.barge_ins",
		metric.WithDescription("Recognizer events that interrupted playback."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("voicechat.frames.sent",
		metric.WithDescription("Audio frames delivered to clients."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicechat.frames.dropped",
		metric.WithDescription("Audio frames discarded before delivery."),
	); err != nil {
		return nil, err
	}
	if met.PacerOverruns, err = m.Int64Counter("voicechat.pacer.overruns",
		metric.WithDescription("Frames whose delivery overran their playback duration."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicechat.active_sessions",
		metric.WithDescription("Number of running voice chat sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voicechat.active_connections",
		metric.WithDescription("Number of open client WebSocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicechat.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordChatJob records a finished chat job with one of [ChatCompleted],
// [ChatCancelled], or [ChatFailed].
func (m *Metrics) RecordChatJob(ctx context.Context, status string) {
	m.ChatJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
