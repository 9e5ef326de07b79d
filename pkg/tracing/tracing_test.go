package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return rec
}

func attrs(span tracesdk.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestInit_DisabledIsNoop(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))

	var zero *TracerProvider
	assert.NoError(t, zero.Shutdown(context.Background()))
}

func TestSpanHelpers_NameAndAttributes(t *testing.T) {
	rec := recordSpans(t)
	ctx := context.Background()

	_, relay := TraceRelayMessage(ctx, "offer", "conn-1", "room-1")
	relay.End()
	_, negotiate := TraceWebRTC(ctx, "answer", "room-1")
	negotiate.End()
	_, transfer := TraceFileTransfer(ctx, "send", "notes.txt", 2048)
	transfer.End()
	_, api := TraceHTTPRequest(ctx, "GET", "/api/rooms/:id")
	api.End()

	spans := rec.Ended()
	require.Len(t, spans, 4)

	assert.Equal(t, "relay offer", spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
	got := attrs(spans[0])
	assert.Equal(t, "offer", got[MessageTypeKey].AsString())
	assert.Equal(t, "conn-1", got[ConnIDKey].AsString())
	assert.Equal(t, "room-1", got[RoomIDKey].AsString())

	assert.Equal(t, "webrtc answer", spans[1].Name())
	assert.Equal(t, "answer", attrs(spans[1])[NegotiationKey].AsString())

	assert.Equal(t, "transfer send", spans[2].Name())
	got = attrs(spans[2])
	assert.Equal(t, "notes.txt", got[BatchKey].AsString())
	assert.Equal(t, int64(2048), got[BytesKey].AsInt64())

	assert.Equal(t, "GET /api/rooms/:id", spans[3].Name())
	assert.Equal(t, "/api/rooms/:id", attrs(spans[3])["http.route"].AsString())
}

func TestRecordError(t *testing.T) {
	rec := recordSpans(t)

	ctx, span := TraceFileTransfer(context.Background(), "receive", "photo.png", 10)
	RecordError(ctx, nil)
	RecordError(ctx, errors.New("data channel closed"))
	span.End()

	// no span in the context
	RecordError(context.Background(), errors.New("ignored"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "data channel closed", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}
