package registry

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Strategy names a provider selection policy.
type Strategy string

const (
	StrategyPriority          Strategy = "priority"
	StrategyRoundRobin        Strategy = "round_robin"
	StrategyWeighted          Strategy = "weighted"
	StrategyLeastConnections  Strategy = "least_connections"
	StrategyLeastResponseTime Strategy = "least_response_time"
	StrategyHealthBased       Strategy = "health_based"
	StrategyAdaptive          Strategy = "adaptive"
)

// ParseStrategy maps a config string to a Strategy, defaulting to adaptive.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyPriority, StrategyRoundRobin, StrategyWeighted,
		StrategyLeastConnections, StrategyLeastResponseTime,
		StrategyHealthBased, StrategyAdaptive:
		return Strategy(s)
	default:
		return StrategyAdaptive
	}
}

// Candidate is a selectable provider as the selector sees it: static
// registration facts plus the live breaker and performance view.
type Candidate struct {
	ID           string
	Weight       int
	Priority     int
	Retries      int
	BreakerState CircuitState
	Stats        PerfStats
	Uptime       float64 // percentage, 0-100
}

// Selector orders candidates for execution. The first element of the
// returned slice is the preferred provider; the rest is the fallback order.
type Selector struct {
	mu        sync.Mutex
	rrCounter map[string]int
	rng       *rand.Rand
}

// NewSelector builds a selector with its own random source.
func NewSelector() *Selector {
	return &Selector{
		rrCounter: make(map[string]int),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Order arranges candidates for the given strategy. The key scopes
// round-robin rotation so distinct operations rotate independently.
// Candidates with an open breaker are never placed first when any
// alternative exists.
func (s *Selector) Order(key string, candidates []Candidate, strategy Strategy) []Candidate {
	if len(candidates) == 0 {
		return nil
	}
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)

	switch strategy {
	case StrategyPriority:
		// candidates arrive in fallback order; keep it
	case StrategyRoundRobin:
		s.orderRoundRobin(key, ordered)
	case StrategyWeighted:
		s.orderWeighted(ordered)
	case StrategyLeastConnections:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Stats.InFlight < ordered[j].Stats.InFlight
		})
	case StrategyLeastResponseTime:
		sort.SliceStable(ordered, func(i, j int) bool {
			return effectiveLatency(ordered[i]) < effectiveLatency(ordered[j])
		})
	case StrategyHealthBased:
		sort.SliceStable(ordered, func(i, j int) bool {
			return healthScore(ordered[i]) > healthScore(ordered[j])
		})
	default: // adaptive
		s.orderAdaptive(ordered)
	}

	demoteOpen(ordered)
	return ordered
}

// orderRoundRobin rotates the candidate list by a per-key counter after
// fixing a stable base order by id.
func (s *Selector) orderRoundRobin(key string, cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].ID < cands[j].ID })

	s.mu.Lock()
	n := s.rrCounter[key]
	s.rrCounter[key] = n + 1
	s.mu.Unlock()

	rotate(cands, n%len(cands))
}

// orderWeighted picks the head by weighted random draw, then sorts the
// remainder by descending weight.
func (s *Selector) orderWeighted(cands []Candidate) {
	total := 0
	for _, c := range cands {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total == 0 {
		return
	}

	s.mu.Lock()
	draw := s.rng.Intn(total)
	s.mu.Unlock()

	picked := 0
	for i, c := range cands {
		if c.Weight <= 0 {
			continue
		}
		draw -= c.Weight
		if draw < 0 {
			picked = i
			break
		}
	}

	head := cands[picked]
	rest := append(cands[:picked:picked], cands[picked+1:]...)
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Weight > rest[j].Weight })
	copy(cands, append([]Candidate{head}, rest...))
}

// orderAdaptive scores each candidate on health, latency, reliability and
// weight, then picks the head by weighted random draw among the top three
// so load spreads instead of piling onto a single winner.
func (s *Selector) orderAdaptive(cands []Candidate) {
	scores := make([]float64, len(cands))
	for i, c := range cands {
		scores[i] = adaptiveScore(c)
	}

	idx := make([]int, len(cands))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	topN := 3
	if len(idx) < topN {
		topN = len(idx)
	}
	top := idx[:topN]

	var totalScore float64
	for _, i := range top {
		totalScore += scores[i]
	}

	headPos := 0
	if totalScore > 0 {
		s.mu.Lock()
		draw := s.rng.Float64() * totalScore
		s.mu.Unlock()
		for pos, i := range top {
			draw -= scores[i]
			if draw < 0 {
				headPos = pos
				break
			}
		}
	}

	ordered := make([]Candidate, 0, len(cands))
	ordered = append(ordered, cands[top[headPos]])
	for pos, i := range top {
		if pos != headPos {
			ordered = append(ordered, cands[i])
		}
	}
	for _, i := range idx[topN:] {
		ordered = append(ordered, cands[i])
	}
	copy(cands, ordered)
}

// adaptiveScore blends uptime, observed latency, success rate and the
// configured weight. An open breaker zeroes the score; half-open dampens it.
func adaptiveScore(c Candidate) float64 {
	if c.BreakerState == CircuitOpen {
		return 0
	}

	health := c.Uptime
	perf := 100 - float64(c.Stats.AvgLatency.Milliseconds())/100
	if perf < 0 {
		perf = 0
	}
	reliability := c.Stats.SuccessRate * 100
	weight := float64(c.Weight)
	if weight > 100 {
		weight = 100
	}

	score := 0.4*health + 0.3*perf + 0.2*reliability + 0.1*weight
	if c.BreakerState == CircuitHalfOpen {
		score *= 0.8
	}
	return score
}

// healthScore ranks candidates by uptime, halved whenever the breaker is
// anything but closed.
func healthScore(c Candidate) float64 {
	score := c.Uptime
	if c.BreakerState != CircuitClosed {
		score /= 2
	}
	return score
}

// effectiveLatency substitutes a pessimistic default when a provider has no
// samples yet, so unknown providers do not always win least-response-time.
func effectiveLatency(c Candidate) time.Duration {
	if c.Stats.TotalRequests() == 0 {
		return time.Second
	}
	return c.Stats.AvgLatency
}

// demoteOpen pushes open-breaker candidates to the back while preserving
// the relative order of everything else.
func demoteOpen(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].BreakerState != CircuitOpen && cands[j].BreakerState == CircuitOpen
	})
}

func rotate(cands []Candidate, n int) {
	if n == 0 {
		return
	}
	rotated := make([]Candidate, 0, len(cands))
	rotated = append(rotated, cands[n:]...)
	rotated = append(rotated, cands[:n]...)
	copy(cands, rotated)
}
