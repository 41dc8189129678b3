// Package tracing installs the OpenTelemetry tracer provider for the process.
package tracing

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"addrhist/internal/platform/config"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

type options struct {
	writer  io.Writer
	version string
}

type Option func(*options)

// WithWriter sets the destination of the stdout exporter. Defaults to stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

func WithVersion(version string) Option {
	return func(o *options) {
		o.version = version
	}
}

// New builds a tracer provider from cfg and registers it globally.
// It returns nil for the "none" exporter; callers keep the no-op default.
// The caller owns Shutdown, which flushes buffered spans.
func New(serviceName string, cfg config.TracingConfig, opts ...Option) (*sdktrace.TracerProvider, error) {
	o := options{writer: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	var exporter sdktrace.SpanExporter
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(o.writer))
		if err != nil {
			return nil, fmt.Errorf("create stdout span exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}

	ratio := cfg.SampleRatio
	if ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("tracing sample ratio %v is outside [0, 1]", ratio)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", serviceName)}
	if o.version != "" {
		attrs = append(attrs, attribute.String("service.version", o.version))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
