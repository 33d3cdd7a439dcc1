package main

import (
	"context"
	"log"

	"github.com/luno/jettison/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
)

// initTelemetry wires the OTLP trace exporter and returns a shutdown
// function. Tracing is optional; without a tracing URL it is a no-op.
func initTelemetry(cfg ObservabilitySettings) (func(), error) {
	if cfg.TracingURL == "" {
		return func() {}, nil
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.TracingURL),
		otlptracehttp.WithInsecure(),
	)
	exporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return nil, errors.Wrap(err, "create trace exporter")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create telemetry resource")
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func() {
		err := tp.Shutdown(context.Background())
		if err != nil {
			log.Printf("shutting down tracer provider: %v", err)
		}
	}, nil
}
