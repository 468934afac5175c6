package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestCallSpansRecorded(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := TraceCallOperation(context.Background(), "start", "call-1")
	AddSpanAttributes(ctx, CounterpartKey.String("bob"))
	RecordError(ctx, errors.New("media denied"))
	RecordError(ctx, nil)
	span.End()

	_, relaySpan := TraceRelayTransaction(context.Background(), "attach", 42)
	relaySpan.End()

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "call.start", ended[0].Name())
	assert.Len(t, ended[0].Events(), 1, "one recorded error event")
	assert.Equal(t, "relay.attach", ended[1].Name())

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "call-1", attrs["call.id"])
	assert.Equal(t, "bob", attrs["call.counterpart"])
}
