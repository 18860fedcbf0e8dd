package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestPublishRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "crawl-cycles", map[string]string{"a": "b"})
	require.Error(t, err)
	require.NoError(t, New(nil).Close(context.Background()))
}

type cycleNote struct {
	Tenant string `json:"tenant"`
}

func (n cycleNote) Attributes() map[string]string {
	return map[string]string{"tenant": n.Tenant}
}

func TestMessageCarriesTraceContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	p := &Publisher{propagator: propagation.TraceContext{}}
	msg, err := p.message(ctx, cycleNote{Tenant: "alice"})
	require.NoError(t, err)
	require.JSONEq(t, `{"tenant":"alice"}`, string(msg.Data))
	require.Equal(t, "alice", msg.Attributes["tenant"])
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msg.Attributes["traceparent"])
}

func TestMessageWithoutTraceContext(t *testing.T) {
	t.Parallel()

	p := &Publisher{propagator: propagation.TraceContext{}}
	msg, err := p.message(context.Background(), map[string]int{"n": 1})
	require.NoError(t, err)
	require.Empty(t, msg.Attributes)
}
