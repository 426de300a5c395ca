package monitoring

import (
	"context"
	"fmt"

	"github.com/medrex/dlt-keyx/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/medrex/dlt-keyx"

var noopTracer = trace.NewNoopTracerProvider().Tracer(tracerName)

// TracingManager handles distributed tracing. A nil manager, or one built
// with tracing disabled, produces no-op spans.
type TracingManager struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracingManager creates a tracing manager exporting to Jaeger when enabled
func NewTracingManager(cfg config.TracingConfig, serviceVersion string) (*TracingManager, error) {
	if !cfg.Enabled {
		return &TracingManager{tracer: noopTracer}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingManager{
		tracer:   tp.Tracer(tracerName),
		provider: tp,
	}, nil
}

// StartSpan starts a new span
func (tm *TracingManager) StartSpan(ctx context.Context, operationName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tm == nil || tm.tracer == nil {
		return noopTracer.Start(ctx, operationName, opts...)
	}
	return tm.tracer.Start(ctx, operationName, opts...)
}

// StartLedgerSpan starts a span for a ledger call
func (tm *TracingManager) StartLedgerSpan(ctx context.Context, function string) (context.Context, trace.Span) {
	return tm.StartSpan(ctx, "ledger."+function,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("ledger.function", function)),
	)
}

// StartStorageSpan starts a span for a storage call
func (tm *TracingManager) StartStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tm.StartSpan(ctx, "storage."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("storage.operation", operation)),
	)
}

// StartProtocolSpan starts a span for a key-exchange operation
func (tm *TracingManager) StartProtocolSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.StartSpan(ctx, "keyx."+operation, trace.WithAttributes(attrs...))
}

// RecordError records an error in the span
func (tm *TracingManager) RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes and stops the tracing provider
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm == nil || tm.provider == nil {
		return nil
	}
	return tm.provider.Shutdown(ctx)
}

// TraceIDFromContext extracts trace ID from context
func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
