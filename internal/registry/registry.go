package registry

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/provider-gateway/internal/infrastructure/cache"
)

// Operation is a single callable capability of a provider.
type Operation func(ctx context.Context, data any) (any, error)

// Provider exposes a category's capability set as a method table. The table
// is validated against the registry's required operations at registration,
// so a missing method fails loudly instead of at first use.
type Provider interface {
	Name() string
	Operations() map[string]Operation
}

// HealthChecker is optionally implemented by providers that can report
// liveness independent of real traffic. Providers without it are treated as
// always healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ABTestConfig routes a slice of traffic to a provider under test.
type ABTestConfig struct {
	Enabled           bool `json:"enabled"`
	TrafficPercentage int  `json:"traffic_percentage"`
}

// RegistrationConfig holds the per-provider options recognized at
// registration time. Zero values fall back to registry defaults.
type RegistrationConfig struct {
	Enabled      bool            `json:"enabled"`
	Priority     int             `json:"priority"`
	Weight       int             `json:"weight"`
	Environments []string        `json:"environments,omitempty"`
	Features     []string        `json:"features,omitempty"`
	Timeout      time.Duration   `json:"timeout,omitempty"`
	Retries      int             `json:"retries,omitempty"`
	Breaker      BreakerConfig   `json:"breaker,omitempty"`
	RateLimit    float64         `json:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	ABTest       ABTestConfig    `json:"ab_test,omitempty"`
	FeatureFlags map[string]bool `json:"feature_flags,omitempty"` // per-operation gates
}

// DefaultRegistrationConfig enables the provider with weight 1 and the
// registry's breaker defaults.
func DefaultRegistrationConfig() RegistrationConfig {
	return RegistrationConfig{
		Enabled: true,
		Weight:  1,
		Breaker: DefaultBreakerConfig(),
	}
}

// entry ties a provider to its registration state.
type entry struct {
	id           string
	provider     Provider
	config       RegistrationConfig
	breaker      *CircuitBreaker
	limiter      *rate.Limiter
	registeredAt time.Time
}

// Config tunes a Registry instance.
type Config struct {
	// Category names the capability set, e.g. "payment" or "mfa".
	Category string
	// RequiredOperations is the capability contract every registered
	// provider must satisfy.
	RequiredOperations []string
	// Environment filters registrations scoped to specific environments.
	Environment string
	// Strategy is the default selection policy for Execute.
	Strategy Strategy
	// DefaultTimeout caps a single provider invocation when the
	// registration does not set its own.
	DefaultTimeout time.Duration
	// DefaultMaxRetries bounds distinct-provider attempts per execution.
	DefaultMaxRetries int
	// BackoffBaseDelay seeds the exponential backoff between attempts.
	BackoffBaseDelay time.Duration
	// CacheTTL is the default lifetime of memoized results.
	CacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyAdaptive
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.BackoffBaseDelay <= 0 {
		c.BackoffBaseDelay = 100 * time.Millisecond
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = cache.DefaultTTL
	}
}

// HealthSource supplies the registry with the monitor's view of a provider.
type HealthSource interface {
	IsHealthy(providerID string) bool
	Uptime(providerID string) float64
}

// HealthSink receives degradation signals observed during execution.
type HealthSink interface {
	MarkDegraded(providerID string, err error)
}

// ExecutionObserver receives execution telemetry. Implemented by the
// metrics package; a nil observer disables instrumentation.
type ExecutionObserver interface {
	ObserveExecution(ctx context.Context, category, providerID, operation string, duration time.Duration, success bool)
	ObserveBreakerTrip(ctx context.Context, category, providerID string)
	ObserveCache(ctx context.Context, category, operation string, hit bool)
}

// ExecOptions adjusts a single Execute call.
type ExecOptions struct {
	// MaxRetries bounds how many distinct providers are attempted. Zero
	// means the primary candidate's configured retries, falling back to
	// the registry default.
	MaxRetries int
	// ExcludeProviders are skipped during candidate filtering.
	ExcludeProviders []string
	// ForceProvider pins the execution to a single provider.
	ForceProvider string
	// ABTestGroup opts this call into a provider's test traffic.
	ABTestGroup string
	// Strategy overrides the registry default for this call.
	Strategy Strategy
	// CacheKey enables result memoization for idempotent operations.
	CacheKey string
	// CacheTTL overrides the registry default when CacheKey is set.
	CacheTTL time.Duration
}

// Result is the success envelope returned by Execute.
type Result struct {
	Success      bool          `json:"success"`
	ProviderID   string        `json:"provider_id"`
	Value        any           `json:"result"`
	Latency      time.Duration `json:"latency"`
	Attempt      int           `json:"attempt"`
	BreakerState string        `json:"circuit_breaker_state"`
	FromCache    bool          `json:"from_cache,omitempty"`
}

// Registry holds the competing providers of one category and routes
// operations across them with fallback, circuit breaking, rate limiting
// and adaptive selection. Collaborators are optional and injected, so a
// bare registry still works without a cache, monitor or metrics pipeline.
type Registry struct {
	config   Config
	logger   *zap.Logger
	tracker  *PerformanceTracker
	selector *Selector

	mu            sync.RWMutex
	entries       map[string]*entry
	fallbackOrder []string

	store    cache.Store
	health   HealthSource
	sink     HealthSink
	observer ExecutionObserver

	abRng *rand.Rand
	abMu  sync.Mutex

	sleepFn func(ctx context.Context, d time.Duration) error
}

// Option configures optional registry collaborators.
type Option func(*Registry)

// WithCache enables result memoization through the given store.
func WithCache(store cache.Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithHealthSource lets the selector score candidates by monitor uptime.
func WithHealthSource(src HealthSource) Option {
	return func(r *Registry) { r.health = src }
}

// WithHealthSink forwards in-band failures to the health monitor.
func WithHealthSink(sink HealthSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithObserver attaches an execution telemetry observer.
func WithObserver(obs ExecutionObserver) Option {
	return func(r *Registry) { r.observer = obs }
}

// New builds a registry for one provider category.
func New(config Config, logger *zap.Logger, opts ...Option) *Registry {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		config:   config,
		logger:   logger.With(zap.String("category", config.Category)),
		tracker:  NewPerformanceTracker(),
		selector: NewSelector(),
		entries:  make(map[string]*entry),
		abRng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleepFn:  sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Category returns the capability set this registry routes.
func (r *Registry) Category() string {
	return r.config.Category
}

// Register adds a provider under the given id. The provider's method table
// must cover the registry's required operations. The id slots into the
// fallback order at config.Priority, or at the end when Priority is zero
// or out of range.
func (r *Registry) Register(id string, provider Provider, config RegistrationConfig) error {
	ops := provider.Operations()
	var missing []string
	for _, required := range r.config.RequiredOperations {
		if _, ok := ops[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return &InvalidProviderError{ID: id, Missing: missing}
	}

	if config.Weight < 0 {
		config.Weight = 0
	}
	if config.Breaker == (BreakerConfig{}) {
		config.Breaker = DefaultBreakerConfig()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return &DuplicateProviderError{ID: id}
	}

	e := &entry{
		id:           id,
		provider:     provider,
		config:       config,
		breaker:      NewCircuitBreaker(config.Breaker),
		registeredAt: time.Now(),
	}
	if config.RateLimit > 0 {
		burst := int(config.RateLimit)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	r.entries[id] = e

	pos := len(r.fallbackOrder)
	if config.Priority > 0 && config.Priority <= len(r.fallbackOrder) {
		pos = config.Priority - 1
	}
	r.fallbackOrder = append(r.fallbackOrder, "")
	copy(r.fallbackOrder[pos+1:], r.fallbackOrder[pos:])
	r.fallbackOrder[pos] = id

	r.logger.Info("provider registered",
		zap.String("provider_id", id),
		zap.String("provider_name", provider.Name()),
		zap.Int("weight", config.Weight),
		zap.Int("position", pos),
		zap.Bool("enabled", config.Enabled))

	return nil
}

// Unregister removes a provider and forgets its breaker and stats.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	if _, exists := r.entries[id]; !exists {
		r.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	delete(r.entries, id)
	for i, pid := range r.fallbackOrder {
		if pid == id {
			r.fallbackOrder = append(r.fallbackOrder[:i], r.fallbackOrder[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.tracker.Forget(id)
	r.logger.Info("provider unregistered", zap.String("provider_id", id))
	return nil
}

// SetEnabled toggles a provider without removing its state.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	e.config.Enabled = enabled
	return nil
}

// Provider returns the registered instance for id.
func (r *Registry) Provider(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return e.provider, nil
}

// ProviderIDs returns all registered ids in fallback order.
func (r *Registry) ProviderIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.fallbackOrder))
	copy(out, r.fallbackOrder)
	return out
}

// HealthyProviders returns, in fallback order, the ids whose breaker is not
// open and whom the health monitor (if attached) considers healthy.
func (r *Registry) HealthyProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.fallbackOrder))
	for _, id := range r.fallbackOrder {
		e := r.entries[id]
		if !e.config.Enabled {
			continue
		}
		if e.breaker.State() == CircuitOpen {
			continue
		}
		if r.health != nil && !r.health.IsHealthy(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Execute runs an operation against the best available provider, falling
// back across distinct candidates until one succeeds or the attempt budget
// is exhausted. Failures along the way are absorbed and recorded; only
// total exhaustion surfaces an error.
func (r *Registry) Execute(ctx context.Context, operation string, data any, opts *ExecOptions) (*Result, error) {
	if opts == nil {
		opts = &ExecOptions{}
	}

	if cached, ok := r.cacheLookup(ctx, operation, opts); ok {
		return cached, nil
	}

	candidates := r.candidates(operation, opts)
	if len(candidates) == 0 {
		return nil, &NoProvidersAvailableError{Category: r.config.Category, Operation: operation}
	}

	strategy := r.config.Strategy
	if opts.Strategy != "" {
		strategy = opts.Strategy
	}
	ordered := r.selector.Order(r.config.Category+":"+operation, candidates, strategy)

	maxAttempts := opts.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = ordered[0].Retries
	}
	if maxAttempts <= 0 {
		maxAttempts = r.config.DefaultMaxRetries
	}
	if maxAttempts > len(ordered) {
		maxAttempts = len(ordered)
	}

	var attempts []AttemptError
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			delay := r.config.BackoffBaseDelay * (1 << (i - 1))
			if err := r.sleepFn(ctx, delay); err != nil {
				return nil, err
			}
		}

		cand := ordered[i]
		result, dur, err := r.attempt(ctx, cand.ID, operation, data, i+1)
		if err == nil {
			r.cacheStore(ctx, operation, opts, result)
			return result, nil
		}

		attempts = append(attempts, AttemptError{
			ProviderID: cand.ID,
			Attempt:    i + 1,
			Duration:   dur,
			Err:        err,
		})
	}

	return nil, &AllProvidersFailedError{
		Category:  r.config.Category,
		Operation: operation,
		Attempts:  attempts,
	}
}

// attempt runs one provider invocation with breaker, rate limit and timeout
// applied. Returns the success envelope or the classified attempt error,
// along with the measured invocation duration (zero for fail-fast
// rejections that never reached the provider).
func (r *Registry) attempt(ctx context.Context, id, operation string, data any, attemptNo int) (*Result, time.Duration, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, 0, &NotFoundError{ID: id}
	}

	if !e.breaker.Allow() {
		r.logger.Debug("breaker rejected attempt",
			zap.String("provider_id", id),
			zap.String("operation", operation))
		return nil, 0, ErrCircuitOpen
	}

	if e.limiter != nil && !e.limiter.Allow() {
		return nil, 0, ErrRateLimited
	}

	op := e.provider.Operations()[operation]
	if op == nil {
		return nil, 0, &ProviderOperationError{ProviderID: id, Operation: operation,
			Err: &InvalidProviderError{ID: id, Missing: []string{operation}}}
	}

	timeout := e.config.Timeout
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.tracker.Begin(id)
	start := time.Now()
	value, err := invoke(opCtx, op, data)
	duration := time.Since(start)

	success := err == nil
	r.tracker.End(id, operation, duration, success)
	if r.observer != nil {
		r.observer.ObserveExecution(ctx, r.config.Category, id, operation, duration, success)
	}

	if err != nil {
		before := e.breaker.State()
		e.breaker.RecordFailure()
		if before != CircuitOpen && e.breaker.State() == CircuitOpen {
			r.logger.Warn("circuit breaker opened",
				zap.String("provider_id", id),
				zap.String("operation", operation))
			if r.observer != nil {
				r.observer.ObserveBreakerTrip(ctx, r.config.Category, id)
			}
		}
		if r.sink != nil {
			r.sink.MarkDegraded(id, err)
		}
		r.logger.Debug("provider attempt failed",
			zap.String("provider_id", id),
			zap.String("operation", operation),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, duration, &ProviderOperationError{ProviderID: id, Operation: operation, Err: err}
	}

	e.breaker.RecordSuccess()
	return &Result{
		Success:      true,
		ProviderID:   id,
		Value:        value,
		Latency:      duration,
		Attempt:      attemptNo,
		BreakerState: e.breaker.State().String(),
	}, 0, nil
}

// invoke runs the operation and honors the attempt deadline even when the
// provider ignores its context.
func invoke(ctx context.Context, op Operation, data any) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(ctx, data)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// candidates filters entries to those eligible for this execution and
// projects them into selector candidates with live breaker and perf views.
func (r *Registry) candidates(operation string, opts *ExecOptions) []Candidate {
	excluded := make(map[string]bool, len(opts.ExcludeProviders))
	for _, id := range opts.ExcludeProviders {
		excluded[id] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0, len(r.fallbackOrder))
	for _, id := range r.fallbackOrder {
		e := r.entries[id]

		if opts.ForceProvider != "" {
			if id != opts.ForceProvider {
				continue
			}
		} else {
			if !e.config.Enabled || excluded[id] {
				continue
			}
			if !r.environmentMatches(e) {
				continue
			}
			if flag, has := e.config.FeatureFlags[operation]; has && !flag {
				continue
			}
			if !r.abTestAdmits(e, opts.ABTestGroup) {
				continue
			}
			if e.breaker.State() == CircuitOpen {
				continue
			}
		}

		out = append(out, r.toCandidate(e, operation))
		if opts.ForceProvider != "" {
			break
		}
	}
	return out
}

// toCandidate projects an entry into the selector's view. Performance stats
// are scoped to the operation being executed so latency observed on one
// operation never steers routing for another.
func (r *Registry) toCandidate(e *entry, operation string) Candidate {
	uptime := 100.0
	if r.health != nil {
		uptime = r.health.Uptime(e.id)
	}
	return Candidate{
		ID:           e.id,
		Weight:       e.config.Weight,
		Priority:     e.config.Priority,
		Retries:      e.config.Retries,
		BreakerState: e.breaker.State(),
		Stats:        r.tracker.OpStats(e.id, operation),
		Uptime:       uptime,
	}
}

func (r *Registry) environmentMatches(e *entry) bool {
	if len(e.config.Environments) == 0 || r.config.Environment == "" {
		return true
	}
	for _, env := range e.config.Environments {
		if env == r.config.Environment {
			return true
		}
	}
	return false
}

// abTestAdmits applies traffic splitting for providers under test. Callers
// naming the provider's test group always pass; everyone else is admitted
// at the configured percentage.
func (r *Registry) abTestAdmits(e *entry, group string) bool {
	if !e.config.ABTest.Enabled {
		return true
	}
	if group == e.id {
		return true
	}
	r.abMu.Lock()
	draw := r.abRng.Intn(100)
	r.abMu.Unlock()
	return draw < e.config.ABTest.TrafficPercentage
}

func (r *Registry) cacheLookup(ctx context.Context, operation string, opts *ExecOptions) (*Result, bool) {
	if r.store == nil || opts.CacheKey == "" {
		return nil, false
	}

	key := cache.ResultPrefix + r.config.Category + ":" + opts.CacheKey
	var cached Result
	err := r.store.GetJSON(ctx, key, &cached)
	hit := err == nil
	if r.observer != nil {
		r.observer.ObserveCache(ctx, r.config.Category, operation, hit)
	}
	if !hit {
		return nil, false
	}
	cached.FromCache = true
	return &cached, true
}

func (r *Registry) cacheStore(ctx context.Context, operation string, opts *ExecOptions, result *Result) {
	if r.store == nil || opts.CacheKey == "" {
		return
	}
	if _, err := json.Marshal(result.Value); err != nil {
		return
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = r.config.CacheTTL
	}
	key := cache.ResultPrefix + r.config.Category + ":" + opts.CacheKey
	if err := r.store.SetJSON(ctx, key, result, ttl); err != nil {
		r.logger.Warn("result cache write failed",
			zap.String("operation", operation),
			zap.Error(err))
	}
}

// ProviderStats returns the combined registration, breaker and performance
// view of one provider.
func (r *Registry) ProviderStats(id string) (ProviderInfo, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ProviderInfo{}, &NotFoundError{ID: id}
	}
	return r.infoFor(e), nil
}

// AllStats returns the full per-provider view for the category.
func (r *Registry) AllStats() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderInfo, 0, len(r.fallbackOrder))
	for _, id := range r.fallbackOrder {
		out = append(out, r.infoFor(r.entries[id]))
	}
	return out
}

func (r *Registry) infoFor(e *entry) ProviderInfo {
	healthy := e.breaker.State() != CircuitOpen
	uptime := 100.0
	if r.health != nil {
		healthy = healthy && r.health.IsHealthy(e.id)
		uptime = r.health.Uptime(e.id)
	}
	return ProviderInfo{
		ID:           e.id,
		Name:         e.provider.Name(),
		Category:     r.config.Category,
		Enabled:      e.config.Enabled,
		Healthy:      healthy,
		Weight:       e.config.Weight,
		Uptime:       uptime,
		Breaker:      e.breaker.Snapshot(),
		Performance:  r.tracker.Stats(e.id),
		RegisteredAt: e.registeredAt,
	}
}

// ProviderInfo is the read-only stats envelope served by the query surface.
type ProviderInfo struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Enabled      bool            `json:"enabled"`
	Healthy      bool            `json:"healthy"`
	Weight       int             `json:"weight"`
	Uptime       float64         `json:"uptime"`
	Breaker      BreakerSnapshot `json:"circuit_breaker"`
	Performance  PerfStats       `json:"performance"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// PerformanceAnalytics summarizes the category for dashboards. Request and
// success totals cover the reported window only.
type PerformanceAnalytics struct {
	Category       string        `json:"category"`
	TotalProviders int           `json:"total_providers"`
	HealthyCount   int           `json:"healthy_count"`
	Window         time.Duration `json:"window"`
	TotalRequests  int64         `json:"total_requests"`
	OverallSuccess float64       `json:"overall_success_rate"`
	TopPerformers  []PerfStats   `json:"top_performers"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

// Analytics aggregates tracker output across the category's providers,
// bounded to the trailing window. A non-positive window falls back to the
// tracker's decay window. With no traffic in the window the success rate
// reads zero, not perfect.
func (r *Registry) Analytics(window time.Duration) PerformanceAnalytics {
	if window <= 0 {
		window = perfWindow
	}

	totalRequests, totalSuccess := r.tracker.WindowTotals(window)

	overall := 0.0
	if totalRequests > 0 {
		overall = float64(totalSuccess) / float64(totalRequests)
	}

	return PerformanceAnalytics{
		Category:       r.config.Category,
		TotalProviders: len(r.ProviderIDs()),
		HealthyCount:   len(r.HealthyProviders()),
		Window:         window,
		TotalRequests:  totalRequests,
		OverallSuccess: overall,
		TopPerformers:  r.tracker.TopPerformers("", 3),
		GeneratedAt:    time.Now(),
	}
}

// ResetBreaker forces a provider's breaker closed.
func (r *Registry) ResetBreaker(id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return &NotFoundError{ID: id}
	}
	e.breaker.Reset()
	r.logger.Info("circuit breaker reset", zap.String("provider_id", id))
	return nil
}

// BreakerState exposes a provider's breaker state for monitors.
func (r *Registry) BreakerState(id string) (CircuitState, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return CircuitClosed, &NotFoundError{ID: id}
	}
	return e.breaker.State(), nil
}

// Tracker exposes the registry's performance tracker for read-only use by
// the health monitor and API layers.
func (r *Registry) Tracker() *PerformanceTracker {
	return r.tracker
}

// SortedTopPerformers returns tracker rankings restricted to currently
// registered providers.
func (r *Registry) SortedTopPerformers(n int) []PerfStats {
	registered := make(map[string]bool)
	for _, id := range r.ProviderIDs() {
		registered[id] = true
	}

	ranked := r.tracker.TopPerformers("", 0)
	out := make([]PerfStats, 0, n)
	for _, s := range ranked {
		if registered[s.ProviderID] {
			out = append(out, s)
		}
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
