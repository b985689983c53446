package otel

import (
	"context"
	"errors"
	"fmt"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/pipef/runtime"
)

// DefaultServiceName is the service.name resource attribute.
const DefaultServiceName = "pipef"

// Config selects the telemetry pipeline built by Setup.
type Config struct {
	// ServiceName defaults to DefaultServiceName.
	ServiceName string

	// Endpoint is the OTLP/HTTP collector host:port. Empty disables span
	// export; spans are still created so events carry trace IDs.
	Endpoint string

	// Insecure uses plain HTTP for the collector connection.
	Insecure bool

	// SpanExporter overrides the OTLP exporter, mainly for tests.
	SpanExporter sdktrace.SpanExporter

	// MetricReaders receive the meter provider's instruments.
	MetricReaders []sdkmetric.Reader

	// Global also installs the providers as the otel globals.
	Global bool
}

// Telemetry bundles the providers and event handlers for one process.
type Telemetry struct {
	Tracing *TracingHandler
	Metrics *MetricsHandler

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Setup builds tracer and meter providers and the handlers fed from them.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	exporter := cfg.SpanExporter
	if exporter == nil && cfg.Endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otel: otlp exporter: %w", err)
		}
		exporter = exp
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range cfg.MetricReaders {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	metrics, err := NewMetricsHandler(mp.Meter("pipef/runtime"))
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	if cfg.Global {
		otelapi.SetTracerProvider(tp)
		otelapi.SetMeterProvider(mp)
	}
	return &Telemetry{
		Tracing: NewTracingHandler(tp.Tracer("pipef/runtime")),
		Metrics: metrics,
		tp:      tp,
		mp:      mp,
	}, nil
}

// Apply wires the handlers into engine options, keeping any handler and
// decorator already set.
func (t *Telemetry) Apply(opts *runtime.Options) {
	opts.EventHandler = runtime.MultiEventHandler(opts.EventHandler, t.Tracing.Handle, t.Metrics.Handle)
	prev := opts.EventEmitterDecorator
	enrich := Decorator(t.Tracing)
	opts.EventEmitterDecorator = func(next runtime.EventEmitter) runtime.EventEmitter {
		if prev != nil {
			next = prev(next)
		}
		return enrich(next)
	}
}

// ForceFlush exports every finished span.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	return t.tp.ForceFlush(ctx)
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
