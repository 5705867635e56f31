// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge so that metrics are
// scraped via the standard /metrics endpoint.
//
// Tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all argus metrics.
const meterName = "github.com/argusvoice/argus"

// Attribute keys used across instruments.
var (
	// AttrMessageType labels client message counters by wire type.
	AttrMessageType = attribute.Key("message_type")

	// AttrResult labels interjection ticks by outcome: "spoke", "suppressed",
	// "declined", "error".
	AttrResult = attribute.Key("result")

	// AttrState labels dropped audio by the session state that gated it.
	AttrState = attribute.Key("state")
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// AnalysisDuration tracks frame-analysis model call latency.
	AnalysisDuration metric.Float64Histogram

	// ResponseDuration tracks model response production time, from
	// response-started to response-done.
	ResponseDuration metric.Float64Histogram

	// ClientMessages counts inbound client messages. Use with
	// [AttrMessageType].
	ClientMessages metric.Int64Counter

	// DroppedEchoChunks counts inbound audio chunks dropped by the
	// echo-suppression gate. Use with [AttrState].
	DroppedEchoChunks metric.Int64Counter

	// ForwardedAudioChunks counts inbound audio chunks forwarded to the model.
	ForwardedAudioChunks metric.Int64Counter

	// InterjectionTicks counts scheduler evaluations. Use with [AttrResult].
	InterjectionTicks metric.Int64Counter

	// Interjections counts proactive utterances actually spoken.
	Interjections metric.Int64Counter

	// ModelErrors counts non-fatal model error events.
	ModelErrors metric.Int64Counter

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// WithAttrs adapts attribute key-values into a measurement option, so callers
// outside this package can label instruments without importing the OTel API.
func WithAttrs(attrs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(attrs...)
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime-model latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AnalysisDuration, err = m.Float64Histogram("argus.analysis.duration",
		metric.WithDescription("Latency of frame-analysis model calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseDuration, err = m.Float64Histogram("argus.response.duration",
		metric.WithDescription("Model response time from started to done."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ClientMessages, err = m.Int64Counter("argus.client.messages",
		metric.WithDescription("Inbound client messages by wire type."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEchoChunks, err = m.Int64Counter("argus.audio.dropped_echo_chunks",
		metric.WithDescription("Inbound audio chunks dropped by the echo-suppression gate."),
	); err != nil {
		return nil, err
	}
	if met.ForwardedAudioChunks, err = m.Int64Counter("argus.audio.forwarded_chunks",
		metric.WithDescription("Inbound audio chunks forwarded to the model."),
	); err != nil {
		return nil, err
	}
	if met.InterjectionTicks, err = m.Int64Counter("argus.interject.ticks",
		metric.WithDescription("Interjection scheduler evaluations by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Interjections, err = m.Int64Counter("argus.interject.spoken",
		metric.WithDescription("Proactive utterances spoken."),
	); err != nil {
		return nil, err
	}
	if met.ModelErrors, err = m.Int64Counter("argus.model.errors",
		metric.WithDescription("Non-fatal model error events."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("argus.sessions.active",
		metric.WithDescription("Live client sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}
