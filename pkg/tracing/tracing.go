package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "zombiefile"

// Span attribute keys shared by the relay, the HTTP API and the peers.
var (
	RoomIDKey      = attribute.Key("zombiefile.room_id")
	ConnIDKey      = attribute.Key("zombiefile.conn_id")
	MessageTypeKey = attribute.Key("zombiefile.message_type")
	NegotiationKey = attribute.Key("zombiefile.webrtc.step")
	DirectionKey   = attribute.Key("zombiefile.transfer.direction")
	BatchKey       = attribute.Key("zombiefile.transfer.batch")
	BytesKey       = attribute.Key("zombiefile.transfer.bytes")
)

type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "zombiefile-signal",
		Version:     "dev",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// TracerProvider owns the exporter pipeline. The zero value is a no-op, so
// callers can keep one around when tracing is off.
type TracerProvider struct {
	sdk *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed provider as the global one. With tracing
// disabled the global no-op provider stays in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracing resource: %w", err)
	}

	sdk := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{sdk: sdk}, nil
}

// Shutdown flushes buffered spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.sdk == nil {
		return nil
	}
	return tp.sdk.Shutdown(ctx)
}

func start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceHTTPRequest spans one call to the room directory API.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, method+" "+route, trace.SpanKindServer,
		semconv.HTTPRequestMethodKey.String(method),
		semconv.HTTPRoute(route),
	)
}

// TraceRelayMessage spans the handling of one client request by the relay.
func TraceRelayMessage(ctx context.Context, msgType, connID, roomID string) (context.Context, trace.Span) {
	return start(ctx, "relay "+msgType, trace.SpanKindServer,
		MessageTypeKey.String(msgType),
		ConnIDKey.String(connID),
		RoomIDKey.String(roomID),
	)
}

// TraceWebRTC spans one side of the offer/answer exchange.
func TraceWebRTC(ctx context.Context, step, roomID string) (context.Context, trace.Span) {
	return start(ctx, "webrtc "+step, trace.SpanKindClient,
		NegotiationKey.String(step),
		RoomIDKey.String(roomID),
	)
}

// TraceFileTransfer spans a whole batch going over the data channel.
func TraceFileTransfer(ctx context.Context, direction, batch string, bytes int64) (context.Context, trace.Span) {
	return start(ctx, "transfer "+direction, trace.SpanKindInternal,
		DirectionKey.String(direction),
		BatchKey.String(batch),
		BytesKey.Int64(bytes),
	)
}
