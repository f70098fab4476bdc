// Package observability wires the controller's OpenTelemetry tracer.
//
// One span is emitted per controller tick, with a child span per
// spawn/teardown/reap call, so that a single trace shows the entire
// reconciliation pass: worker snapshot refresh, slacker reap, and the
// per-profile spawn/teardown decisions.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds tracing configuration, sourced from Config.Observability.Tracing.
type Config struct {
	Enabled     bool
	Exporter    string  // otlp-http, stdout
	Endpoint    string  // localhost:4318
	ServiceName string  // rubber-controller
	SampleRate  float64 // 0.0 to 1.0
}

// Provider wraps the OpenTelemetry TracerProvider.
type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

// globalProvider defaults to a no-op tracer so StartSpan is safe to call
// from tests and any code path that runs before Init (e.g. Init disabled,
// or never called at all).
var globalProvider = &Provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}

// Init initializes the global tracer. A disabled config installs a no-op
// tracer so call sites never need a nil check.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		globalProvider = &Provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp-http", "otlp":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("create OTLP exporter: %w", err)
		}
		exporter = exp
	case "stdout", "":
		exporter = &noopExporter{}
	default:
		return fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	globalProvider = &Provider{
		tp:      tp,
		tracer:  tp.Tracer(cfg.ServiceName),
		enabled: true,
	}

	return nil
}

// Shutdown gracefully flushes and shuts down the tracer provider.
func Shutdown(ctx context.Context) error {
	if globalProvider.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return globalProvider.tp.Shutdown(ctx)
}

// Tracer returns the global tracer.
func Tracer() trace.Tracer {
	return globalProvider.tracer
}

// Enabled reports whether tracing is active.
func Enabled() bool {
	return globalProvider.enabled
}

// noopExporter discards spans; used for the "stdout" exporter setting so
// tests and local runs don't need a collector endpoint.
type noopExporter struct{}

func (e *noopExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	return nil
}

func (e *noopExporter) Shutdown(ctx context.Context) error {
	return nil
}
