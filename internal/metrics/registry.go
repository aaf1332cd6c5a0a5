// Package metrics holds the gateway's OpenTelemetry instruments and the
// observer hooks the routing layer reports into.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HealthyCountFunc reports how many providers in a category are currently
// healthy. Registered per category for the observable gauge.
type HealthyCountFunc func() int64

// Registry holds all gateway metrics.
type Registry struct {
	meter metric.Meter

	// Execution metrics
	ExecutionDuration metric.Float64Histogram
	ExecutionSuccess  metric.Int64Counter
	ExecutionFailure  metric.Int64Counter

	// Resilience metrics
	BreakerTrips     metric.Int64Counter
	HealthyProviders metric.Int64ObservableGauge

	// Cache metrics
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// Health monitor metrics
	HealthCheckDuration metric.Float64Histogram
	HealthAlerts        metric.Int64Counter

	mu           sync.RWMutex
	healthyFuncs map[string]HealthyCountFunc
}

// NewRegistry creates the gateway metrics registry on the named meter.
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{
		meter:        otel.Meter(meterName),
		healthyFuncs: make(map[string]HealthyCountFunc),
	}

	if err := r.initExecutionMetrics(); err != nil {
		return nil, err
	}
	if err := r.initResilienceMetrics(); err != nil {
		return nil, err
	}
	if err := r.initCacheMetrics(); err != nil {
		return nil, err
	}
	if err := r.initHealthMetrics(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) initExecutionMetrics() error {
	var err error

	r.ExecutionDuration, err = r.meter.Float64Histogram(
		"gateway.execution.duration",
		metric.WithDescription("Duration of provider operation executions in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return err
	}

	r.ExecutionSuccess, err = r.meter.Int64Counter(
		"gateway.execution.success_total",
		metric.WithDescription("Total number of successful provider executions"),
	)
	if err != nil {
		return err
	}

	r.ExecutionFailure, err = r.meter.Int64Counter(
		"gateway.execution.failure_total",
		metric.WithDescription("Total number of failed provider executions"),
	)
	return err
}

func (r *Registry) initResilienceMetrics() error {
	var err error

	r.BreakerTrips, err = r.meter.Int64Counter(
		"gateway.breaker.trips_total",
		metric.WithDescription("Total number of circuit breaker open transitions"),
	)
	if err != nil {
		return err
	}

	r.HealthyProviders, err = r.meter.Int64ObservableGauge(
		"gateway.providers.healthy",
		metric.WithDescription("Number of currently healthy providers per category"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			for category, fn := range r.healthyFuncs {
				o.Observe(fn(), metric.WithAttributes(
					attribute.String("category", category),
				))
			}
			return nil
		}),
	)
	return err
}

func (r *Registry) initCacheMetrics() error {
	var err error

	r.CacheHits, err = r.meter.Int64Counter(
		"gateway.cache.hits_total",
		metric.WithDescription("Total number of result cache hits"),
	)
	if err != nil {
		return err
	}

	r.CacheMisses, err = r.meter.Int64Counter(
		"gateway.cache.misses_total",
		metric.WithDescription("Total number of result cache misses"),
	)
	return err
}

func (r *Registry) initHealthMetrics() error {
	var err error

	r.HealthCheckDuration, err = r.meter.Float64Histogram(
		"gateway.health.check_duration",
		metric.WithDescription("Duration of provider health probes in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 10, 50, 100, 500, 1000, 5000),
	)
	if err != nil {
		return err
	}

	r.HealthAlerts, err = r.meter.Int64Counter(
		"gateway.health.alerts_total",
		metric.WithDescription("Total number of health alerts raised"),
	)
	return err
}

// RegisterHealthyCount wires a category's healthy-provider count into the
// observable gauge.
func (r *Registry) RegisterHealthyCount(category string, fn HealthyCountFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthyFuncs[category] = fn
}

// ObserveExecution records one provider invocation. Satisfies the routing
// layer's execution observer hook.
func (r *Registry) ObserveExecution(ctx context.Context, category, providerID, operation string, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("provider_id", providerID),
		attribute.String("operation", operation),
	)

	r.ExecutionDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	if success {
		r.ExecutionSuccess.Add(ctx, 1, attrs)
	} else {
		r.ExecutionFailure.Add(ctx, 1, attrs)
	}
}

// ObserveBreakerTrip records a breaker opening.
func (r *Registry) ObserveBreakerTrip(ctx context.Context, category, providerID string) {
	r.BreakerTrips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("provider_id", providerID),
	))
}

// ObserveCache records a result cache lookup.
func (r *Registry) ObserveCache(ctx context.Context, category, operation string, hit bool) {
	attrs := metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("operation", operation),
	)
	if hit {
		r.CacheHits.Add(ctx, 1, attrs)
	} else {
		r.CacheMisses.Add(ctx, 1, attrs)
	}
}

// ObserveHealthCheck records one probe outcome from the monitor.
func (r *Registry) ObserveHealthCheck(ctx context.Context, category, providerID string, duration time.Duration) {
	r.HealthCheckDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("provider_id", providerID),
	))
}

// ObserveHealthAlert counts a threshold alert.
func (r *Registry) ObserveHealthAlert(ctx context.Context, category, providerID string) {
	r.HealthAlerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("provider_id", providerID),
	))
}
