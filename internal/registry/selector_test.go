package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidateSet() []Candidate {
	return []Candidate{
		{ID: "stripe", Weight: 1, Uptime: 100, Stats: PerfStats{SuccessRate: 1.0}},
		{ID: "plaid", Weight: 1, Uptime: 100, Stats: PerfStats{SuccessRate: 1.0}},
		{ID: "square", Weight: 2, Uptime: 100, Stats: PerfStats{SuccessRate: 1.0}},
	}
}

func TestSelectorRoundRobinRotates(t *testing.T) {
	s := NewSelector()

	seen := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		ordered := s.Order("payment:charge", candidateSet(), StrategyRoundRobin)
		seen = append(seen, ordered[0].ID)
	}

	// base order is sorted by id, rotated one step per call
	assert.Equal(t, []string{"plaid", "square", "stripe", "plaid", "square", "stripe"}, seen)
}

func TestSelectorRoundRobinKeysAreIndependent(t *testing.T) {
	s := NewSelector()

	a := s.Order("payment:charge", candidateSet(), StrategyRoundRobin)[0].ID
	b := s.Order("payment:refund", candidateSet(), StrategyRoundRobin)[0].ID

	assert.Equal(t, a, b, "fresh keys start from the same rotation")
}

func TestSelectorWeightedDistribution(t *testing.T) {
	s := NewSelector()

	counts := make(map[string]int)
	const draws = 10000
	for i := 0; i < draws; i++ {
		ordered := s.Order("payment:charge", candidateSet(), StrategyWeighted)
		counts[ordered[0].ID]++
	}

	assert.InDelta(t, 0.25, float64(counts["stripe"])/draws, 0.02)
	assert.InDelta(t, 0.25, float64(counts["plaid"])/draws, 0.02)
	assert.InDelta(t, 0.50, float64(counts["square"])/draws, 0.02)
}

func TestSelectorLeastConnections(t *testing.T) {
	s := NewSelector()

	cands := []Candidate{
		{ID: "a", Stats: PerfStats{InFlight: 5, SuccessRate: 1}},
		{ID: "b", Stats: PerfStats{InFlight: 0, SuccessRate: 1}},
		{ID: "c", Stats: PerfStats{InFlight: 2, SuccessRate: 1}},
	}

	ordered := s.Order("k", cands, StrategyLeastConnections)
	assert.Equal(t, "b", ordered[0].ID)
	assert.Equal(t, "c", ordered[1].ID)
	assert.Equal(t, "a", ordered[2].ID)
}

func TestSelectorLeastResponseTimePenalizesUnknown(t *testing.T) {
	s := NewSelector()

	cands := []Candidate{
		{ID: "unknown", Stats: PerfStats{SuccessRate: 1}},
		{ID: "measured", Stats: PerfStats{
			SuccessCount: 10,
			AvgLatency:   200 * time.Millisecond,
			SuccessRate:  1,
		}},
	}

	ordered := s.Order("k", cands, StrategyLeastResponseTime)
	assert.Equal(t, "measured", ordered[0].ID,
		"a provider with no samples gets a pessimistic default latency")
}

func TestSelectorHealthBasedHalvesNonClosed(t *testing.T) {
	s := NewSelector()

	cands := []Candidate{
		{ID: "degraded", Uptime: 99, BreakerState: CircuitHalfOpen},
		{ID: "steady", Uptime: 60, BreakerState: CircuitClosed},
	}

	ordered := s.Order("k", cands, StrategyHealthBased)
	assert.Equal(t, "steady", ordered[0].ID)
}

func TestSelectorAdaptiveExcludesOpenBreakers(t *testing.T) {
	s := NewSelector()

	cands := []Candidate{
		{ID: "broken", Weight: 10, Uptime: 100, BreakerState: CircuitOpen,
			Stats: PerfStats{SuccessRate: 1}},
		{ID: "ok", Weight: 1, Uptime: 90, BreakerState: CircuitClosed,
			Stats: PerfStats{SuccessRate: 0.9, AvgLatency: 100 * time.Millisecond}},
	}

	for i := 0; i < 50; i++ {
		ordered := s.Order("k", cands, StrategyAdaptive)
		require.Equal(t, "ok", ordered[0].ID, "an open breaker must never be preferred")
	}
}

func TestSelectorAdaptiveSpreadsAcrossTopThree(t *testing.T) {
	s := NewSelector()

	cands := []Candidate{
		{ID: "a", Weight: 1, Uptime: 100, Stats: PerfStats{SuccessRate: 1.0, AvgLatency: 50 * time.Millisecond, SuccessCount: 10}},
		{ID: "b", Weight: 1, Uptime: 98, Stats: PerfStats{SuccessRate: 0.99, AvgLatency: 60 * time.Millisecond, SuccessCount: 10}},
		{ID: "c", Weight: 1, Uptime: 97, Stats: PerfStats{SuccessRate: 0.98, AvgLatency: 70 * time.Millisecond, SuccessCount: 10}},
	}

	heads := make(map[string]bool)
	for i := 0; i < 500; i++ {
		heads[s.Order("k", cands, StrategyAdaptive)[0].ID] = true
	}

	assert.Len(t, heads, 3, "close scores should not converge on a single provider")
}

func TestSelectorPriorityKeepsFallbackOrder(t *testing.T) {
	s := NewSelector()

	cands := []Candidate{
		{ID: "first", Stats: PerfStats{SuccessRate: 1}},
		{ID: "second", Stats: PerfStats{SuccessRate: 1}},
	}

	ordered := s.Order("k", cands, StrategyPriority)
	assert.Equal(t, "first", ordered[0].ID)
	assert.Equal(t, "second", ordered[1].ID)
}

func TestSelectorEmptyInput(t *testing.T) {
	s := NewSelector()
	assert.Nil(t, s.Order("k", nil, StrategyAdaptive))
}

func TestAdaptiveScore(t *testing.T) {
	tests := []struct {
		name string
		cand Candidate
		want float64
	}{
		{
			name: "open breaker scores zero",
			cand: Candidate{Uptime: 100, BreakerState: CircuitOpen, Stats: PerfStats{SuccessRate: 1}},
			want: 0,
		},
		{
			name: "perfect provider",
			cand: Candidate{Uptime: 100, Weight: 100, Stats: PerfStats{SuccessRate: 1.0}},
			want: 0.4*100 + 0.3*100 + 0.2*100 + 0.1*100,
		},
		{
			name: "half open dampens",
			cand: Candidate{Uptime: 100, Weight: 100, BreakerState: CircuitHalfOpen,
				Stats: PerfStats{SuccessRate: 1.0}},
			want: 100 * 0.8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, adaptiveScore(tt.cand), 0.001)
		})
	}
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, StrategyWeighted, ParseStrategy("weighted"))
	assert.Equal(t, StrategyAdaptive, ParseStrategy("bogus"))
	assert.Equal(t, StrategyAdaptive, ParseStrategy(""))
}
