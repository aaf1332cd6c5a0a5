package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRingStaysBounded(t *testing.T) {
	pt := NewPerformanceTracker()

	for i := 0; i < 1200; i++ {
		pt.End("stripe", "processPayment", time.Duration(i)*time.Millisecond, true)
	}

	pt.mu.RLock()
	n := len(pt.providers["stripe"].ops["processPayment"].samples)
	pt.mu.RUnlock()

	assert.Equal(t, maxSamples, n)
}

func TestTrackerPercentilesDominateMedian(t *testing.T) {
	pt := NewPerformanceTracker()

	for i := 1; i <= 1000; i++ {
		pt.End("stripe", "processPayment", time.Duration(i)*time.Millisecond, true)
	}

	stats := pt.Stats("stripe")
	median := percentile(lastSamples(pt, "stripe", "processPayment"), 0.5)

	assert.GreaterOrEqual(t, stats.P95Latency, median)
	assert.GreaterOrEqual(t, stats.P99Latency, stats.P95Latency)
}

func lastSamples(pt *PerformanceTracker, id, operation string) []sample {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	op := pt.providers[id].ops[operation]
	out := make([]sample, len(op.samples))
	copy(out, op.samples)
	return out
}

func TestTrackerSuccessRate(t *testing.T) {
	pt := NewPerformanceTracker()

	for i := 0; i < 8; i++ {
		pt.End("plaid", "processPayment", 10*time.Millisecond, true)
	}
	pt.End("plaid", "processPayment", 10*time.Millisecond, false)
	pt.End("plaid", "processPayment", 10*time.Millisecond, false)

	stats := pt.Stats("plaid")
	assert.Equal(t, int64(8), stats.SuccessCount)
	assert.Equal(t, int64(2), stats.FailureCount)
	assert.InDelta(t, 0.8, stats.SuccessRate, 0.001)
	assert.Equal(t, 10*time.Millisecond, stats.AvgLatency)
}

func TestTrackerUnknownProviderDefaults(t *testing.T) {
	pt := NewPerformanceTracker()

	stats := pt.Stats("ghost")
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Zero(t, stats.AvgLatency)
	assert.Zero(t, stats.TotalRequests())

	opStats := pt.OpStats("ghost", "processPayment")
	assert.Equal(t, 1.0, opStats.SuccessRate)
	assert.Zero(t, opStats.TotalRequests())
}

func TestTrackerKeepsOperationsSeparate(t *testing.T) {
	pt := NewPerformanceTracker()

	for i := 0; i < 10; i++ {
		pt.End("stripe", "calculateFees", 2*time.Second, true)
	}
	pt.End("stripe", "processPayment", 30*time.Millisecond, false)

	fees := pt.OpStats("stripe", "calculateFees")
	assert.Equal(t, 2*time.Second, fees.AvgLatency)
	assert.Equal(t, 1.0, fees.SuccessRate)

	pay := pt.OpStats("stripe", "processPayment")
	assert.Equal(t, 30*time.Millisecond, pay.AvgLatency)
	assert.Zero(t, pay.SuccessRate)

	// an operation with no history stays optimistic regardless of the others
	methods := pt.OpStats("stripe", "getPaymentMethods")
	assert.Zero(t, methods.TotalRequests())
	assert.Equal(t, 1.0, methods.SuccessRate)

	rollup := pt.Stats("stripe")
	assert.Equal(t, int64(10), rollup.SuccessCount)
	assert.Equal(t, int64(1), rollup.FailureCount)
}

func TestTrackerInFlight(t *testing.T) {
	pt := NewPerformanceTracker()

	pt.Begin("stripe")
	pt.Begin("stripe")
	assert.Equal(t, int64(2), pt.InFlight("stripe"))

	pt.End("stripe", "processPayment", time.Millisecond, true)
	assert.Equal(t, int64(1), pt.InFlight("stripe"))

	// in-flight is provider-wide, so every operation's view sees it
	assert.Equal(t, int64(1), pt.OpStats("stripe", "calculateFees").InFlight)
}

func TestTrackerTopPerformersRollup(t *testing.T) {
	pt := NewPerformanceTracker()

	// fast and reliable
	for i := 0; i < 10; i++ {
		pt.End("stripe", "processPayment", 50*time.Millisecond, true)
	}
	// reliable but slow
	for i := 0; i < 10; i++ {
		pt.End("plaid", "processPayment", 400*time.Millisecond, true)
	}
	// failing
	for i := 0; i < 10; i++ {
		pt.End("square", "processPayment", 50*time.Millisecond, i%2 == 0)
	}

	top := pt.TopPerformers("", 2)
	require.Len(t, top, 2)
	assert.Equal(t, "stripe", top[0].ProviderID)
	assert.Equal(t, "plaid", top[1].ProviderID, "success rate outweighs latency")
}

func TestTrackerTopPerformersPerOperation(t *testing.T) {
	pt := NewPerformanceTracker()

	// stripe is the better all-rounder, but plaid wins on fee quotes
	for i := 0; i < 10; i++ {
		pt.End("stripe", "processPayment", 40*time.Millisecond, true)
		pt.End("stripe", "calculateFees", 500*time.Millisecond, true)
		pt.End("plaid", "calculateFees", 60*time.Millisecond, true)
	}

	fees := pt.TopPerformers("calculateFees", 2)
	require.Len(t, fees, 2)
	assert.Equal(t, "plaid", fees[0].ProviderID)
	assert.Equal(t, "calculateFees", fees[0].Operation)

	// a provider with no history for the operation is not ranked for it
	payments := pt.TopPerformers("processPayment", 0)
	require.Len(t, payments, 1)
	assert.Equal(t, "stripe", payments[0].ProviderID)
}

func TestTrackerWindowDecay(t *testing.T) {
	pt := NewPerformanceTracker()
	clock := newFakeClock()
	pt.nowFn = clock.Now

	for i := 0; i < 100; i++ {
		pt.End("stripe", "processPayment", 20*time.Millisecond, true)
	}
	require.Equal(t, int64(100), pt.Stats("stripe").SuccessCount)

	clock.Advance(perfWindow + time.Second)
	pt.End("stripe", "processPayment", 20*time.Millisecond, true)

	stats := pt.Stats("stripe")
	assert.Equal(t, int64(11), stats.SuccessCount, "a tenth of the window carries over")
	assert.Equal(t, 20*time.Millisecond, stats.AvgLatency)
}

func TestTrackerWindowTotals(t *testing.T) {
	pt := NewPerformanceTracker()
	clock := newFakeClock()
	pt.nowFn = clock.Now

	for i := 0; i < 5; i++ {
		pt.End("stripe", "processPayment", 20*time.Millisecond, true)
	}
	clock.Advance(10 * time.Minute)
	pt.End("stripe", "processPayment", 20*time.Millisecond, true)
	pt.End("plaid", "calculateFees", 20*time.Millisecond, false)

	requests, successes := pt.WindowTotals(5 * time.Minute)
	assert.Equal(t, int64(2), requests, "only calls within the window count")
	assert.Equal(t, int64(1), successes)

	requests, _ = pt.WindowTotals(time.Hour)
	assert.Equal(t, int64(7), requests)
}

func TestTrackerForget(t *testing.T) {
	pt := NewPerformanceTracker()
	pt.End("stripe", "processPayment", time.Millisecond, true)

	pt.Forget("stripe")
	assert.Zero(t, pt.Stats("stripe").TotalRequests())
}

func TestPercentileEdgeCases(t *testing.T) {
	assert.Zero(t, percentile(nil, 0.95))

	one := []sample{{latency: 42 * time.Millisecond}}
	assert.Equal(t, 42*time.Millisecond, percentile(one, 0.95))
	assert.Equal(t, 42*time.Millisecond, percentile(one, 0.99))
}
