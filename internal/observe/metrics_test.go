package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.AnalysisDuration == nil || m.ResponseDuration == nil {
		t.Error("histogram instrument not initialised")
	}
	if m.ClientMessages == nil || m.DroppedEchoChunks == nil ||
		m.ForwardedAudioChunks == nil || m.InterjectionTicks == nil ||
		m.Interjections == nil || m.ModelErrors == nil {
		t.Error("counter instrument not initialised")
	}
	if m.ActiveSessions == nil {
		t.Error("session gauge not initialised")
	}

	// Recording against the noop provider must not panic.
	m.ClientMessages.Add(context.Background(), 1,
		WithAttrs(AttrMessageType.String("audio")))
	m.AnalysisDuration.Record(context.Background(), 0.2)
}
