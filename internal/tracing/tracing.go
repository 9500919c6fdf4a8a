// Package tracing installs the OpenTelemetry tracer provider used by the
// detector, post-run and runner spans.
package tracing

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// ShutdownTimeout bounds the final span flush.
const ShutdownTimeout = 10 * time.Second

// Config is the tracing section of the Argus configuration.
type Config struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	// OTLPEndpoint is host:port of an OTLP HTTP collector
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// Secure switches the exporter to TLS
	Secure  bool              `yaml:"secure"`
	Headers map[string]string `yaml:"headers"`
	// SampleRatio applies to root spans; child spans follow their parent
	SampleRatio float64 `yaml:"sample_ratio"`
	// Worker names this process in span resources, defaulting to the hostname
	Worker string `yaml:"worker"`
}

// DefaultConfig returns tracing disabled, pointed at a local collector.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "127.0.0.1:4318",
		SampleRatio:    1.0,
	}
}

// Resource describes the process emitting detection spans.
func Resource(config Config) *resource.Resource {
	worker := config.Worker
	if worker == "" {
		worker, _ = os.Hostname()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	}
	if worker != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(worker))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// Sampler samples SampleRatio of new traces and keeps the parent's
// decision for spans started under a remote or local parent, so a run's
// node spans are never split from its task span.
func Sampler(config Config) sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRatio))
}

// NewProvider builds a tracer provider exporting to config.OTLPEndpoint.
// It does not install it globally.
func NewProvider(ctx context.Context, config Config) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
	if !config.Secure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(Resource(config)),
		sdktrace.WithSampler(Sampler(config)),
	), nil
}

// SetupTracing installs a global provider and trace-context propagator and
// returns the provider's shutdown. Disabled tracing returns a no-op.
func SetupTracing(ctx context.Context, config Config, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	tp, err := NewProvider(ctx, config)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("Tracing enabled",
		zap.String("otlp_endpoint", config.OTLPEndpoint),
		zap.String("environment", config.Environment),
		zap.Float64("sample_ratio", config.SampleRatio))
	return tp.Shutdown, nil
}

// Shutdown flushes pending spans, waiting at most ShutdownTimeout.
func Shutdown(shutdown func(context.Context) error, logger *zap.Logger) error {
	if shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("Failed to flush traces", zap.Error(err))
		}
		return err
	}
	return nil
}
