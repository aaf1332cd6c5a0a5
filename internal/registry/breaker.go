package registry

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	// CircuitClosed allows all requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all requests until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets a trial request through to probe recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes a single provider's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the minimum number of failures within the
	// monitoring window before the breaker may trip.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker waits before letting a
	// trial request through.
	RecoveryTimeout time.Duration
	// MonitoringWindow bounds the period over which failures are counted.
	MonitoringWindow time.Duration
}

// DefaultBreakerConfig returns the breaker settings used when a
// registration does not override them.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		MonitoringWindow: 60 * time.Second,
	}
}

// CircuitBreaker guards calls to a single provider. It counts failures over
// a rolling window and fails fast once the provider looks unhealthy, then
// probes recovery with trial requests after a cool-down.
//
// State transitions happen lazily on Allow: an expired open breaker moves
// to half-open when the next call arrives, not on a timer.
type CircuitBreaker struct {
	config BreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	requestCount    int
	windowStart     time.Time
	nextAttemptTime time.Time
	lastFailure     time.Time
	openCount       int64

	nowFn func() time.Time
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.MonitoringWindow <= 0 {
		config.MonitoringWindow = 60 * time.Second
	}
	cb := &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
		nowFn:  time.Now,
	}
	cb.windowStart = cb.nowFn()
	return cb
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// timeout has elapsed transitions to half-open and admits the caller as the
// trial request.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFn()
	cb.rolloverLocked(now)

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Before(cb.nextAttemptTime) {
			return false
		}
		cb.state = CircuitHalfOpen
		return true
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful call. A success while half-open closes
// the breaker and resets its counters.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFn()
	cb.rolloverLocked(now)
	cb.requestCount++

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.failureCount = 0
		cb.requestCount = 0
		cb.windowStart = now
	}
}

// RecordFailure notes a failed call. A failure while half-open re-opens the
// breaker immediately; in the closed state the breaker trips once the
// failure count reaches the threshold and failures make up at least half of
// the window's requests.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFn()
	cb.rolloverLocked(now)

	cb.requestCount++
	cb.failureCount++
	cb.lastFailure = now

	switch cb.state {
	case CircuitHalfOpen:
		cb.tripLocked(now)
	case CircuitClosed:
		if cb.failureCount >= cb.config.FailureThreshold &&
			float64(cb.failureCount) >= float64(cb.requestCount)*0.5 {
			cb.tripLocked(now)
		}
	}
}

func (cb *CircuitBreaker) tripLocked(now time.Time) {
	cb.state = CircuitOpen
	cb.nextAttemptTime = now.Add(cb.config.RecoveryTimeout)
	cb.openCount++
}

// rolloverLocked decays the window counters when the monitoring window has
// elapsed. A tenth of each counter carries over so a provider that was
// failing heavily does not look pristine the instant a window ends.
func (cb *CircuitBreaker) rolloverLocked(now time.Time) {
	if now.Sub(cb.windowStart) < cb.config.MonitoringWindow {
		return
	}
	cb.failureCount = cb.failureCount / 10
	cb.requestCount = cb.requestCount / 10
	cb.windowStart = now
}

// State returns the breaker's current state, applying any pending lazy
// open-to-half-open transition so callers see what the next Allow would.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && !cb.nowFn().Before(cb.nextAttemptTime) {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed with fresh counters. Used by the
// admin API after a provider incident is resolved.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.requestCount = 0
	cb.windowStart = cb.nowFn()
	cb.nextAttemptTime = time.Time{}
}

// BreakerSnapshot is a point-in-time view of a breaker for stats reporting.
type BreakerSnapshot struct {
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	RequestCount int       `json:"request_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	NextAttempt  time.Time `json:"next_attempt,omitempty"`
	OpenCount    int64     `json:"open_count"`
}

// Snapshot returns the breaker's current counters and state.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.state
	if state == CircuitOpen && !cb.nowFn().Before(cb.nextAttemptTime) {
		state = CircuitHalfOpen
	}

	return BreakerSnapshot{
		State:        state.String(),
		FailureCount: cb.failureCount,
		RequestCount: cb.requestCount,
		LastFailure:  cb.lastFailure,
		NextAttempt:  cb.nextAttemptTime,
		OpenCount:    cb.openCount,
	}
}
