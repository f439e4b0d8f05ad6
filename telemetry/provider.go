// Package telemetry wires OpenTelemetry tracing for relay components.
package telemetry

import (
	"context"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/vinayprograms/relay/errors"
)

const (
	envEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envServiceName = "OTEL_SERVICE_NAME"
)

// ProviderConfig configures span export.
type ProviderConfig struct {
	ServiceName    string // falls back to OTEL_SERVICE_NAME, then "relay"
	ServiceVersion string

	// Endpoint is host:port of the collector. Empty means OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string
	Protocol string // "grpc" (default) or "http"
	Insecure bool
	Headers  map[string]string

	// Debug records prompt text on completion spans.
	Debug bool

	// SampleRatio in (0,1) samples that fraction of root traces. Zero or
	// anything >= 1 samples everything.
	SampleRatio float64

	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

// ErrNoEndpoint is returned by InitProvider when no collector is configured.
var ErrNoEndpoint = errors.New(errors.ErrCodeInvalidInput,
	"telemetry endpoint not configured (set endpoint or "+envEndpoint+")")

// Provider owns the SDK tracer provider installed as the global one.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

func (c ProviderConfig) endpoint() string {
	ep := c.Endpoint
	if ep == "" {
		ep = os.Getenv(envEndpoint)
	}
	ep = strings.TrimPrefix(ep, "http://")
	return strings.TrimPrefix(ep, "https://")
}

func (c ProviderConfig) serviceName() string {
	if c.ServiceName != "" {
		return c.ServiceName
	}
	if v := os.Getenv(envServiceName); v != "" {
		return v
	}
	return "relay"
}

func (c ProviderConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio > 0 && c.SampleRatio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
	}
	return sdktrace.AlwaysSample()
}

func newExporter(ctx context.Context, endpoint string, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown telemetry protocol %q (use grpc or http)", cfg.Protocol)
	}
}

// InitProvider installs a batching OTLP tracer provider and W3C propagators
// as the process globals. The returned Provider must be shut down.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint := cfg.endpoint()
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	name := cfg.serviceName()

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, errors.Wrap(err, "building telemetry resource")
	}

	exporter, err := newExporter(ctx, endpoint, cfg)
	if err != nil {
		if errors.Is(err, errors.ErrCodeInvalidInput) {
			return nil, err
		}
		return nil, errors.WrapWithCode(err, errors.ErrCodeConnection, "creating span exporter")
	}

	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batch = append(batch, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batch...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracer(name, cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

// Setup initializes tracing when an endpoint is configured and returns a
// shutdown function. Without an endpoint the global no-op tracer stays in
// place and shutdown does nothing.
func Setup(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	p, err := InitProvider(ctx, cfg)
	if err == ErrNoEndpoint {
		return func(context.Context) error { return nil }, nil
	}
	if err != nil {
		return nil, err
	}
	return p.Shutdown, nil
}

// Tracer returns the tracer installed by this provider.
func (p *Provider) Tracer() *Tracer { return p.tracer }

// Shutdown flushes pending spans and stops export.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// ForceFlush exports all pending spans.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}
