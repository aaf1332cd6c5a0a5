package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupRegistry(t *testing.T) (*Registry, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	r, err := NewRegistry("gateway-test")
	require.NoError(t, err)
	return r, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func metricNames(rm metricdata.ResourceMetrics) map[string]bool {
	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	return names
}

func TestObserveExecutionRecords(t *testing.T) {
	r, reader := setupRegistry(t)
	ctx := context.Background()

	r.ObserveExecution(ctx, "payment", "stripe", "processPayment", 42*time.Millisecond, true)
	r.ObserveExecution(ctx, "payment", "stripe", "processPayment", 10*time.Millisecond, false)

	names := metricNames(collect(t, reader))
	assert.True(t, names["gateway.execution.duration"])
	assert.True(t, names["gateway.execution.success_total"])
	assert.True(t, names["gateway.execution.failure_total"])
}

func TestHealthyProvidersGaugeUsesCallback(t *testing.T) {
	r, reader := setupRegistry(t)

	r.RegisterHealthyCount("payment", func() int64 { return 2 })

	names := metricNames(collect(t, reader))
	assert.True(t, names["gateway.providers.healthy"])
}

func TestCacheAndBreakerCounters(t *testing.T) {
	r, reader := setupRegistry(t)
	ctx := context.Background()

	r.ObserveCache(ctx, "payment", "getPaymentMethods", true)
	r.ObserveCache(ctx, "payment", "getPaymentMethods", false)
	r.ObserveBreakerTrip(ctx, "payment", "stripe")
	r.ObserveHealthAlert(ctx, "payment", "stripe")

	names := metricNames(collect(t, reader))
	assert.True(t, names["gateway.cache.hits_total"])
	assert.True(t, names["gateway.cache.misses_total"])
	assert.True(t, names["gateway.breaker.trips_total"])
	assert.True(t, names["gateway.health.alerts_total"])
}
