// Package health runs background liveness probes against registered
// providers and maintains per-provider health records, independent of the
// traffic-driven circuit breakers.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probe checks one provider's liveness. A nil error means healthy.
type Probe func(ctx context.Context) error

// HealthCheckTimeoutError marks a probe that neither resolved nor failed
// within the configured timeout.
type HealthCheckTimeoutError struct {
	Category   string
	ProviderID string
	Timeout    time.Duration
}

func (e *HealthCheckTimeoutError) Error() string {
	return fmt.Sprintf("health check for %s/%s timed out after %s",
		e.Category, e.ProviderID, e.Timeout)
}

// Config tunes the monitor's schedule and alerting.
type Config struct {
	// Interval between scheduled check passes.
	Interval time.Duration
	// Timeout bounds each individual probe.
	Timeout time.Duration
	// AlertThreshold is the consecutive-failure count that raises an alert.
	AlertThreshold int
	// HistorySize bounds each provider's check history ring.
	HistorySize int
}

// DefaultConfig returns the monitor's stock settings.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		Timeout:        5 * time.Second,
		AlertThreshold: 3,
		HistorySize:    100,
	}
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
}

// CheckResult is one entry in a provider's history ring.
type CheckResult struct {
	Timestamp time.Time     `json:"timestamp"`
	Healthy   bool          `json:"healthy"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Alert fires when a provider's consecutive failures reach the threshold.
type Alert struct {
	Category            string    `json:"category"`
	ProviderID          string    `json:"provider_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error"`
	Timestamp           time.Time `json:"timestamp"`
}

// StateChange fires on each healthy/unhealthy transition. It is distinct
// from an Alert: a flapping provider transitions often but only alerts once
// its failures accumulate.
type StateChange struct {
	Category   string    `json:"category"`
	ProviderID string    `json:"provider_id"`
	Healthy    bool      `json:"healthy"`
	Timestamp  time.Time `json:"timestamp"`
}

// record holds one provider's monitored state.
type record struct {
	category            string
	id                  string
	probe               Probe
	healthy             bool
	lastCheck           time.Time
	consecutiveFailures int
	totalChecks         int64
	healthyChecks       int64
	history             []CheckResult
}

// Status is the externally visible health view of one provider.
type Status struct {
	Category            string        `json:"category"`
	ProviderID          string        `json:"provider_id"`
	Healthy             bool          `json:"healthy"`
	LastCheck           time.Time     `json:"last_check,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Uptime              float64       `json:"uptime"`
	History             []CheckResult `json:"history,omitempty"`
}

// Monitor schedules probe passes across all registered providers. Each pass
// fans out concurrently and gathers every result; one hung probe never
// delays or aborts the others.
type Monitor struct {
	config Config
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]*record

	alertFns  []func(Alert)
	changeFns []func(StateChange)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a stopped monitor.
func NewMonitor(config Config, logger *zap.Logger) *Monitor {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		config:  config,
		logger:  logger,
		records: make(map[string]*record),
	}
}

func key(category, id string) string {
	return category + "/" + id
}

// RegisterProvider stores a probe for the provider. A nil probe means the
// provider cannot be probed and is treated as always healthy.
func (m *Monitor) RegisterProvider(category, id string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[key(category, id)] = &record{
		category: category,
		id:       id,
		probe:    probe,
		healthy:  true,
	}
}

// UnregisterProvider drops a provider's record and probe.
func (m *Monitor) UnregisterProvider(category, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key(category, id))
}

// OnAlert registers a listener for threshold alerts. Not safe to call after
// Start.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.alertFns = append(m.alertFns, fn)
}

// OnStateChange registers a listener for healthy/unhealthy transitions. Not
// safe to call after Start.
func (m *Monitor) OnStateChange(fn func(StateChange)) {
	m.changeFns = append(m.changeFns, fn)
}

// Start launches the check loop: one immediate pass, then one per interval.
// It returns immediately; Stop cancels the loop and waits for it to exit.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		m.runPass(loopCtx)

		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.runPass(loopCtx)
			}
		}
	}()

	m.logger.Info("health monitor started",
		zap.Duration("interval", m.config.Interval),
		zap.Duration("timeout", m.config.Timeout))
}

// Stop cancels the loop and blocks until the in-flight pass finishes.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil

	m.logger.Info("health monitor stopped")
}

// runPass probes every registered provider concurrently and waits for all
// results.
func (m *Monitor) runPass(ctx context.Context) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			m.checkOne(ctx, k)
		}(k)
	}
	wg.Wait()
}

// checkOne runs a single probe with the configured timeout and records the
// outcome. The probe runs in its own goroutine so a hung probe is abandoned
// at the deadline instead of blocking the pass.
func (m *Monitor) checkOne(ctx context.Context, k string) {
	m.mu.RLock()
	rec, ok := m.records[k]
	m.mu.RUnlock()
	if !ok {
		return
	}

	start := time.Now()
	err := m.runProbe(ctx, rec)
	m.recordResult(k, time.Since(start), err)
}

func (m *Monitor) runProbe(ctx context.Context, rec *record) error {
	if rec.probe == nil {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- rec.probe(probeCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-probeCtx.Done():
		return &HealthCheckTimeoutError{
			Category:   rec.category,
			ProviderID: rec.id,
			Timeout:    m.config.Timeout,
		}
	}
}

// recordResult updates the record, appends to the history ring, and fires
// listeners outside the lock.
func (m *Monitor) recordResult(k string, duration time.Duration, err error) {
	now := time.Now()
	healthy := err == nil

	var alert *Alert
	var change *StateChange

	m.mu.Lock()
	rec, ok := m.records[k]
	if !ok {
		m.mu.Unlock()
		return
	}

	rec.lastCheck = now
	rec.totalChecks++
	if healthy {
		rec.healthyChecks++
		rec.consecutiveFailures = 0
	} else {
		rec.consecutiveFailures++
		if rec.consecutiveFailures == m.config.AlertThreshold {
			alert = &Alert{
				Category:            rec.category,
				ProviderID:          rec.id,
				ConsecutiveFailures: rec.consecutiveFailures,
				LastError:           err.Error(),
				Timestamp:           now,
			}
		}
	}

	if rec.healthy != healthy {
		rec.healthy = healthy
		change = &StateChange{
			Category:   rec.category,
			ProviderID: rec.id,
			Healthy:    healthy,
			Timestamp:  now,
		}
	}

	result := CheckResult{Timestamp: now, Healthy: healthy, Duration: duration}
	if err != nil {
		result.Error = err.Error()
	}
	rec.history = append(rec.history, result)
	if len(rec.history) > m.config.HistorySize {
		rec.history = rec.history[len(rec.history)-m.config.HistorySize:]
	}
	m.mu.Unlock()

	if change != nil {
		m.logger.Info("provider health changed",
			zap.String("category", change.Category),
			zap.String("provider_id", change.ProviderID),
			zap.Bool("healthy", change.Healthy))
		for _, fn := range m.changeFns {
			fn(*change)
		}
	}
	if alert != nil {
		m.logger.Warn("provider health alert",
			zap.String("category", alert.Category),
			zap.String("provider_id", alert.ProviderID),
			zap.Int("consecutive_failures", alert.ConsecutiveFailures),
			zap.String("last_error", alert.LastError))
		for _, fn := range m.alertFns {
			fn(*alert)
		}
	}
}

// ForceCheck runs one synchronous probe outside the schedule.
func (m *Monitor) ForceCheck(ctx context.Context, category, id string) (Status, error) {
	k := key(category, id)

	m.mu.RLock()
	_, ok := m.records[k]
	m.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("no health record for %s/%s", category, id)
	}

	m.checkOne(ctx, k)
	return m.StatusOf(category, id)
}

// StatusOf returns the current health view of one provider.
func (m *Monitor) StatusOf(category, id string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key(category, id)]
	if !ok {
		return Status{}, fmt.Errorf("no health record for %s/%s", category, id)
	}
	return statusFor(rec), nil
}

// AllStatuses returns the health view of every monitored provider.
func (m *Monitor) AllStatuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, statusFor(rec))
	}
	return out
}

func statusFor(rec *record) Status {
	s := Status{
		Category:            rec.category,
		ProviderID:          rec.id,
		Healthy:             rec.healthy,
		LastCheck:           rec.lastCheck,
		ConsecutiveFailures: rec.consecutiveFailures,
		Uptime:              uptimeFor(rec),
	}
	s.History = make([]CheckResult, len(rec.history))
	copy(s.History, rec.history)
	return s
}

// uptimeFor reports the healthy-check percentage; unprobed providers count
// as fully up.
func uptimeFor(rec *record) float64 {
	if rec.totalChecks == 0 {
		return 100.0
	}
	return float64(rec.healthyChecks) / float64(rec.totalChecks) * 100
}

// Scope narrows the monitor to one category so registries can consume it
// through their HealthSource and HealthSink interfaces.
func (m *Monitor) Scope(category string) *Scoped {
	return &Scoped{monitor: m, category: category}
}

// Scoped is a category-bound view of the monitor.
type Scoped struct {
	monitor  *Monitor
	category string
}

// IsHealthy reports the monitor's verdict on a provider. Unknown providers
// are healthy so an unprobed registration is never filtered out.
func (s *Scoped) IsHealthy(providerID string) bool {
	s.monitor.mu.RLock()
	defer s.monitor.mu.RUnlock()

	rec, ok := s.monitor.records[key(s.category, providerID)]
	if !ok {
		return true
	}
	return rec.healthy
}

// Uptime reports a provider's healthy-check percentage.
func (s *Scoped) Uptime(providerID string) float64 {
	s.monitor.mu.RLock()
	defer s.monitor.mu.RUnlock()

	rec, ok := s.monitor.records[key(s.category, providerID)]
	if !ok {
		return 100.0
	}
	return uptimeFor(rec)
}

// MarkDegraded feeds an in-band execution failure into the health record,
// counting it like a failed probe.
func (s *Scoped) MarkDegraded(providerID string, err error) {
	s.monitor.recordResult(key(s.category, providerID), 0, err)
}
