package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys carried on every dispatch span.
const (
	AttrDeliveryID   = attribute.Key("delivery.id")
	AttrQueueEntryID = attribute.Key("queue.entry_id")
	AttrDestination  = attribute.Key("delivery.destination_id")
	AttrKind         = attribute.Key("delivery.kind")
	AttrAttempt      = attribute.Key("delivery.attempt")
)

// Tracing wraps the tracer provider so main can shut it down cleanly.
type Tracing struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracing builds a tracer provider. An empty endpoint selects the stdout
// exporter (development); otherwise spans are exported over OTLP gRPC.
func NewTracing(ctx context.Context, serviceName, endpoint string) (*Tracing, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if endpoint == "" {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Tracing{
		tracer:   tp.Tracer("dispatchforge"),
		provider: tp,
	}, nil
}

// NewNoopTracing returns a Tracing that records nothing; used when the
// tracing feature flag is off.
func NewNoopTracing() *Tracing {
	return &Tracing{tracer: trace.NewNoopTracerProvider().Tracer("dispatchforge")}
}

// StartDispatchSpan opens a span for one worker attempt with the delivery
// correlation attributes attached.
func (t *Tracing) StartDispatchSpan(ctx context.Context, deliveryID, entryID, destinationID, kind string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "delivery.dispatch",
		trace.WithAttributes(
			AttrDeliveryID.String(deliveryID),
			AttrQueueEntryID.String(entryID),
			AttrDestination.String(destinationID),
			AttrKind.String(kind),
			AttrAttempt.Int(attempt),
		),
	)
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
