package registry

import (
	"sort"
	"sync"
	"time"
)

const (
	// maxSamples bounds each (provider, operation) sample ring.
	maxSamples = 500
	// perfWindow is how long counters accumulate before decaying.
	perfWindow = 5 * time.Minute
)

// sample is one completed call.
type sample struct {
	at      time.Time
	latency time.Duration
	success bool
}

// opPerf accumulates rolling statistics for one operation on one provider.
type opPerf struct {
	successCount int64
	failureCount int64
	totalLatency time.Duration
	samples      []sample
	windowStart  time.Time
	lastUsed     time.Time
}

// providerPerf groups a provider's per-operation records. In-flight calls
// are counted at the provider level since a slot is busy regardless of
// which operation holds it.
type providerPerf struct {
	inFlight int64
	ops      map[string]*opPerf
}

// PerfStats is a point-in-time view of a provider's performance, either for
// one operation or rolled up across all of them.
type PerfStats struct {
	ProviderID   string        `json:"provider_id"`
	Operation    string        `json:"operation,omitempty"`
	SuccessCount int64         `json:"success_count"`
	FailureCount int64         `json:"failure_count"`
	SuccessRate  float64       `json:"success_rate"`
	AvgLatency   time.Duration `json:"avg_latency"`
	P95Latency   time.Duration `json:"p95_latency"`
	P99Latency   time.Duration `json:"p99_latency"`
	InFlight     int64         `json:"in_flight"`
	LastUsed     time.Time     `json:"last_used,omitempty"`
}

// TotalRequests returns the number of completed calls in the window.
func (s PerfStats) TotalRequests() int64 {
	return s.SuccessCount + s.FailureCount
}

// PerformanceTracker keeps rolling success rates and latency distributions
// keyed by provider and operation, so one operation's latency never taints
// routing decisions for another. Samples live in bounded rings; counters
// decay when the window rolls over so stale history fades instead of
// vanishing.
type PerformanceTracker struct {
	mu        sync.RWMutex
	providers map[string]*providerPerf

	nowFn func() time.Time
}

// NewPerformanceTracker builds an empty tracker.
func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{
		providers: make(map[string]*providerPerf),
		nowFn:     time.Now,
	}
}

// Begin notes that a call to the provider has started.
func (pt *PerformanceTracker) Begin(providerID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p := pt.getLocked(providerID)
	p.inFlight++
}

// End records the outcome of a call started with Begin.
func (pt *PerformanceTracker) End(providerID, operation string, duration time.Duration, success bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	now := pt.nowFn()
	p := pt.getLocked(providerID)
	if p.inFlight > 0 {
		p.inFlight--
	}

	op, ok := p.ops[operation]
	if !ok {
		op = &opPerf{windowStart: now}
		p.ops[operation] = op
	}
	rolloverLocked(op, now)

	if success {
		op.successCount++
	} else {
		op.failureCount++
	}
	op.totalLatency += duration
	op.lastUsed = now

	op.samples = append(op.samples, sample{at: now, latency: duration, success: success})
	if len(op.samples) > maxSamples {
		op.samples = op.samples[len(op.samples)-maxSamples:]
	}
}

func (pt *PerformanceTracker) getLocked(providerID string) *providerPerf {
	p, ok := pt.providers[providerID]
	if !ok {
		p = &providerPerf{ops: make(map[string]*opPerf)}
		pt.providers[providerID] = p
	}
	return p
}

// rolloverLocked decays counters when the window elapses. A tenth of each
// count carries over; latency samples are kept as-is since the ring already
// bounds them.
func rolloverLocked(op *opPerf, now time.Time) {
	if now.Sub(op.windowStart) < perfWindow {
		return
	}
	total := op.successCount + op.failureCount
	if total > 0 {
		avg := op.totalLatency / time.Duration(total)
		op.successCount /= 10
		op.failureCount /= 10
		op.totalLatency = avg * time.Duration(op.successCount+op.failureCount)
	}
	op.windowStart = now
}

// Stats returns the all-operations rollup for one provider. Unknown
// providers yield a zero-valued snapshot with a perfect success rate.
func (pt *PerformanceTracker) Stats(providerID string) PerfStats {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	p, ok := pt.providers[providerID]
	if !ok {
		return PerfStats{ProviderID: providerID, SuccessRate: 1.0}
	}
	return rollupLocked(providerID, p)
}

// OpStats returns one provider's view for a single operation. A provider
// with no history for the operation yields the same optimistic default as
// an unknown provider, so new operations start on equal footing.
func (pt *PerformanceTracker) OpStats(providerID, operation string) PerfStats {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	p, ok := pt.providers[providerID]
	if !ok {
		return PerfStats{ProviderID: providerID, Operation: operation, SuccessRate: 1.0}
	}
	op, ok := p.ops[operation]
	if !ok {
		return PerfStats{ProviderID: providerID, Operation: operation, SuccessRate: 1.0, InFlight: p.inFlight}
	}
	return opStatsLocked(providerID, operation, op, p.inFlight)
}

func opStatsLocked(providerID, operation string, op *opPerf, inFlight int64) PerfStats {
	stats := PerfStats{
		ProviderID:   providerID,
		Operation:    operation,
		SuccessCount: op.successCount,
		FailureCount: op.failureCount,
		InFlight:     inFlight,
		LastUsed:     op.lastUsed,
	}

	total := op.successCount + op.failureCount
	if total > 0 {
		stats.SuccessRate = float64(op.successCount) / float64(total)
		stats.AvgLatency = op.totalLatency / time.Duration(total)
	} else {
		stats.SuccessRate = 1.0
	}

	stats.P95Latency = percentile(op.samples, 0.95)
	stats.P99Latency = percentile(op.samples, 0.99)
	return stats
}

func rollupLocked(providerID string, p *providerPerf) PerfStats {
	stats := PerfStats{ProviderID: providerID, InFlight: p.inFlight}

	var totalLatency time.Duration
	var merged []sample
	for _, op := range p.ops {
		stats.SuccessCount += op.successCount
		stats.FailureCount += op.failureCount
		totalLatency += op.totalLatency
		if op.lastUsed.After(stats.LastUsed) {
			stats.LastUsed = op.lastUsed
		}
		merged = append(merged, op.samples...)
	}

	total := stats.SuccessCount + stats.FailureCount
	if total > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(total)
		stats.AvgLatency = totalLatency / time.Duration(total)
	} else {
		stats.SuccessRate = 1.0
	}

	stats.P95Latency = percentile(merged, 0.95)
	stats.P99Latency = percentile(merged, 0.99)
	return stats
}

// AllStats returns per-provider rollups for every tracked provider.
func (pt *PerformanceTracker) AllStats() map[string]PerfStats {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make(map[string]PerfStats, len(pt.providers))
	for id, p := range pt.providers {
		out[id] = rollupLocked(id, p)
	}
	return out
}

// InFlight returns the number of calls currently executing on a provider.
func (pt *PerformanceTracker) InFlight(providerID string) int64 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	if p, ok := pt.providers[providerID]; ok {
		return p.inFlight
	}
	return 0
}

// WindowTotals counts completed calls and successes recorded within the
// trailing window, across all providers and operations. Accuracy is bounded
// by the sample rings: calls already evicted from a ring no longer count.
func (pt *PerformanceTracker) WindowTotals(window time.Duration) (requests, successes int64) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	cutoff := pt.nowFn().Add(-window)
	for _, p := range pt.providers {
		for _, op := range p.ops {
			for _, s := range op.samples {
				if s.at.Before(cutoff) {
					continue
				}
				requests++
				if s.success {
					successes++
				}
			}
		}
	}
	return requests, successes
}

// TopPerformers returns up to n providers ranked by a composite of success
// rate and average latency, best first. A non-empty operation ranks
// providers on that operation alone, considering only providers with
// history for it; an empty operation ranks the all-operations rollups.
func (pt *PerformanceTracker) TopPerformers(operation string, n int) []PerfStats {
	pt.mu.RLock()
	ranked := make([]PerfStats, 0, len(pt.providers))
	for id, p := range pt.providers {
		if operation == "" {
			ranked = append(ranked, rollupLocked(id, p))
			continue
		}
		if op, ok := p.ops[operation]; ok {
			ranked = append(ranked, opStatsLocked(id, operation, op, p.inFlight))
		}
	}
	pt.mu.RUnlock()

	sort.Slice(ranked, func(i, j int) bool {
		return perfScore(ranked[i]) > perfScore(ranked[j])
	})

	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// perfScore rewards reliability heavily and penalizes slow averages.
func perfScore(s PerfStats) float64 {
	return s.SuccessRate*1000 - float64(s.AvgLatency.Milliseconds())
}

// Forget drops all state for a provider. Called on unregistration.
func (pt *PerformanceTracker) Forget(providerID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	delete(pt.providers, providerID)
}

// percentile returns the q-th percentile of the sample latencies using the
// nearest rank at floor(n*q). Returns zero when there are no samples.
func percentile(samples []sample, q float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	for i, s := range samples {
		sorted[i] = s.latency
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
