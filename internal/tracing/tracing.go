// Package tracing sets up the OpenTelemetry tracer provider consumed by
// internal/sink's per-flush spans (spec §4.6.5). Grounded on
// bc-dunia-mcpdrill's internal/otel/tracer.go exporter-selection shape,
// trimmed to the two exporters this connector's config actually exposes:
// stdout (default, matching the teacher's console-first posture) and an
// OTLP gRPC collector.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names the trace exporter the connector uses.
type Exporter string

const (
	ExporterStdout Exporter = "stdout"
	ExporterOTLP   Exporter = "otlp"
	ExporterNone   Exporter = "none"
)

// Config holds the tracing section of connector config.
type Config struct {
	Exporter     Exporter
	OTLPEndpoint string
	OTLPInsecure bool
}

func DefaultConfig() Config {
	return Config{Exporter: ExporterStdout}
}

// Setup installs a TracerProvider as the global default and returns a
// shutdown func that flushes pending spans. Callers should defer the
// returned func during process shutdown.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Exporter == ExporterNone || cfg.Exporter == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", "otdmz-connector"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}
