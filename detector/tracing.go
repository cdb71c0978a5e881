package detector

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"ransomguard/config"
)

const tracerName = "ransomguard/detector"

// InitTracer installs an OTLP/HTTP tracer provider and returns its shutdown
// func. With tracing disabled it returns a no-op shutdown and leaves the
// global provider untouched.
func InitTracer(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		slog.Debug("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(serviceResource(ctx, cfg.ServiceName)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)
	return tp.Shutdown, nil
}

// serviceResource names the service. If the resource cannot be built, the
// SDK default is used rather than a partial one.
func serviceResource(ctx context.Context, name string, opts ...resource.Option) *resource.Resource {
	opts = append([]resource.Option{resource.WithAttributes(semconv.ServiceName(name))}, opts...)
	res, err := resource.New(ctx, opts...)
	if err != nil {
		slog.Warn("otel resource init failed, using default", "error", err)
		return resource.Default()
	}
	return res
}
