// Package telemetry provides a tracer for spans, exported over OTLP/gRPC
// when OTEL_EXPORTER_OTLP_ENDPOINT is set and a no-op tracer otherwise.
// This wires go.opentelemetry.io/otel, a teacher dependency the original
// sand repo carried but never exercised. No other package in this module
// imports it, so lifecycle and update operations are not traced.
package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "kgsm"

// Init configures the global tracer provider. When OTEL_EXPORTER_OTLP_ENDPOINT
// is unset, the default no-op provider from the otel package is left in
// place and shutdown is a no-op.
func Init(ctx context.Context) (shutdown func(context.Context) error, err error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("kgsm"),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package-scoped tracer that StartSpan starts spans
// from.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan is a small convenience wrapper so call sites don't need to
// import both otel and otel/trace for the common case.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}
