package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	mp, tp, prop := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "hatchery", Version: "test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitDescribesInstanceAndBucketsHistograms(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()

	shutdown, err := Init(ctx, Config{
		ServiceName: "hatchery",
		Version:     "1.2.3",
		Store:       "sqlite",
		Leases:      "redis",
		reader:      reader,
	})
	require.NoError(t, err)
	defer func() { assert.NoError(t, shutdown(ctx)) }()

	gen, err := Meter("hatchery/trials").Float64Histogram(GenerationDuration)
	require.NoError(t, err)
	gen.Record(ctx, 3)
	httpDur, err := Meter("hatchery/http").Float64Histogram(HTTPDuration)
	require.NoError(t, err)
	httpDur.Record(ctx, 42)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	attrs := rm.Resource.Set()
	name, ok := attrs.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "hatchery", name.AsString())
	store, ok := attrs.Value("hatchery.store")
	require.True(t, ok)
	assert.Equal(t, "sqlite", store.AsString())
	leases, ok := attrs.Value("hatchery.leases")
	require.True(t, ok)
	assert.Equal(t, "redis", leases.AsString())
	_, ok = attrs.Value(semconv.ServiceInstanceIDKey)
	assert.True(t, ok)

	bounds := map[string][]float64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			h, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok, m.Name)
			require.Len(t, h.DataPoints, 1)
			bounds[m.Name] = h.DataPoints[0].Bounds
		}
	}
	assert.Equal(t, generationBuckets, bounds[GenerationDuration])
	assert.Equal(t, httpBuckets, bounds[HTTPDuration])
}

func TestTracerAndMeterUsable(t *testing.T) {
	ctx, span := Tracer("hatchery/test").Start(context.Background(), "op")
	defer span.End()
	assert.NotNil(t, ctx)

	counter, err := Meter("hatchery/test").Int64Counter("hatchery.test.calls")
	require.NoError(t, err)
	counter.Add(ctx, 1)
}
