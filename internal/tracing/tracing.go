// Package tracing configures the relay's OpenTelemetry tracer provider,
// feeding the exemplar-linked Prometheus histograms in internal/metrics.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Exporter selects which trace backend to ship spans to.
type Exporter string

const (
	ExporterNone   Exporter = ""
	ExporterStdout Exporter = "stdout"
	ExporterOTLP   Exporter = "otlp"
	ExporterJaeger Exporter = "jaeger"
)

// Options configures the tracer provider.
type Options struct {
	ServiceName    string
	Exporter       Exporter
	OTLPEndpoint   string // host:port, for ExporterOTLP
	JaegerEndpoint string // collector endpoint, for ExporterJaeger
	SampleRatio    float64
}

// Provider wraps the configured sdktrace.TracerProvider. Shutdown flushes
// and closes the underlying exporter.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds and registers a tracer provider per opts as the global
// otel tracer provider. With ExporterNone it registers a no-op provider
// that never samples.
func NewProvider(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Exporter == ExporterNone {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		otel.SetTracerProvider(tp)
		return &Provider{tp: tp}, nil
	}

	exp, err := newExporter(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	ratio := opts.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(opts.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

func newExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	switch opts.Exporter {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(opts.OTLPEndpoint), otlptracegrpc.WithInsecure())
	case ExporterJaeger:
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.JaegerEndpoint)))
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", opts.Exporter)
	}
}

// Shutdown flushes pending spans and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
