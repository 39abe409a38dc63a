// Package telemetry wires OpenTelemetry for the coordinator: the resource that
// identifies this instance, the histogram layouts of hatchery's own
// instruments, and OTLP/HTTP export when an endpoint is configured.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Instrument names whose histogram layout is fixed here.
const (
	HTTPDuration       = "http.server.duration"         // milliseconds
	GenerationDuration = "hatchery.generation.duration" // seconds
)

var (
	httpBuckets       = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	generationBuckets = []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120}
)

// Config selects where telemetry goes and how this instance is described.
type Config struct {
	Endpoint    string // OTLP/HTTP host:port; empty disables export
	Insecure    bool
	ServiceName string
	Version     string
	Store       string // "postgres" or "sqlite"
	Leases      string // "redis" or "local"

	// reader replaces the OTLP metric exporter in tests.
	reader sdkmetric.Reader
}

// Shutdown flushes and stops the providers installed by Init.
type Shutdown func(ctx context.Context) error

// Init installs global tracer and meter providers. With no endpoint it leaves
// the no-op providers in place and returns a no-op Shutdown.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.Endpoint == "" && cfg.reader == nil {
		return func(context.Context) error { return nil }, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	metricOpts = append(metricOpts, views()...)

	if cfg.Endpoint != "" {
		var texpOpts []otlptracehttp.Option
		var mexpOpts []otlpmetrichttp.Option
		texpOpts = append(texpOpts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		mexpOpts = append(mexpOpts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		if cfg.Insecure {
			texpOpts = append(texpOpts, otlptracehttp.WithInsecure())
			mexpOpts = append(mexpOpts, otlpmetrichttp.WithInsecure())
		}

		traceExp, err := otlptracehttp.New(ctx, texpOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)))

		metricExp, err := otlpmetrichttp.New(ctx, mexpOpts...)
		if err != nil {
			_ = traceExp.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second)),
		))
	}
	if cfg.reader != nil {
		metricOpts = append(metricOpts, sdkmetric.WithReader(cfg.reader))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	// Trace context flows into agent, economy and workflow requests.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.Version),
		semconv.ServiceInstanceIDKey.String(uuid.NewString()),
	}
	if cfg.Store != "" {
		attrs = append(attrs, attribute.String("hatchery.store", cfg.Store))
	}
	if cfg.Leases != "" {
		attrs = append(attrs, attribute.String("hatchery.leases", cfg.Leases))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcessRuntimeVersion(),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	return res, nil
}

func views() []sdkmetric.Option {
	bucketed := func(name string, bounds []float64) sdkmetric.Option {
		return sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: name},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		))
	}
	return []sdkmetric.Option{
		bucketed(HTTPDuration, httpBuckets),
		bucketed(GenerationDuration, generationBuckets),
	}
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
