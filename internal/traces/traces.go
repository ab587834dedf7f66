// Package traces provides OpenTelemetry distributed tracing for the escrow service.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/wagerescrow"

// Init initializes the OpenTelemetry tracer provider.
// If otlpEndpoint is empty, the global no-op provider stays in place.
// Returns a shutdown function that should be called on server stop.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("wagerescrow"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err on the span (benign idempotency signals excluded by the caller) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func MatchID(id string) attribute.KeyValue {
	return attribute.String("match.id", id)
}

func UserID(id string) attribute.KeyValue {
	return attribute.String("user.id", id)
}

func Amount(amount int64) attribute.KeyValue {
	return attribute.Int64("amount", amount)
}

func SettlementPath(path string) attribute.KeyValue {
	return attribute.String("settlement.path", path)
}
