// Package tracing configures the OpenTelemetry tracer used to wrap FSA
// runs in spans, exported over OTLP/HTTP when enabled and a no-op tracer
// otherwise. Node syncs and storage-node RPCs are not traced.
package tracing

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

// Config controls whether and where spans are exported.
type Config struct {
	Enabled     bool
	Endpoint    string // host:port of an OTLP/HTTP collector
	ServiceName string
	SampleRate  float64 // 0.0 to 1.0; ignored (always-sample) when >= 1
}

type provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

var active = &provider{tracer: trace.NewNoopTracerProvider().Tracer("")}

// Init sets up the global tracer provider. Disabled configs (the
// default) leave the no-op tracer in place.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		return nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "poseidon-control-plane"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return fmt.Errorf("tracing: build resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("tracing: create otlp exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1.0 {
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

	active = &provider{tp: tp, tracer: tp.Tracer(serviceName)}
	return nil
}

// Shutdown flushes and stops the tracer provider. Safe to call even when
// tracing was never enabled.
func Shutdown(ctx context.Context) error {
	if active.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return active.tp.Shutdown(ctx)
}

// Tracer returns the active tracer (a no-op tracer if Init was never
// called or tracing is disabled).
func Tracer() trace.Tracer { return active.tracer }

// Start is a convenience wrapper around Tracer().Start.
func Start(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return active.tracer.Start(ctx, spanName)
}
