// Package discovery ingests provider descriptors from static config,
// environment variables, or a polled endpoint, validates them, and walks
// them through a registration lifecycle.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lifecycle is a descriptor's position in the discovery state machine.
type Lifecycle string

const (
	LifecycleDiscovered Lifecycle = "DISCOVERED"
	LifecycleValidating Lifecycle = "VALIDATING"
	LifecycleRegistered Lifecycle = "REGISTERED"
	LifecycleActive     Lifecycle = "ACTIVE"
	LifecycleInactive   Lifecycle = "INACTIVE"
	LifecycleDeprecated Lifecycle = "DEPRECATED"
	LifecycleRemoved    Lifecycle = "REMOVED"
)

// Requirements names what a descriptor's provider needs to run.
type Requirements struct {
	// Config lists configuration keys that must be present.
	Config []string `json:"config,omitempty"`
}

// Descriptor announces a provider implementation to the gateway.
type Descriptor struct {
	ID                string         `json:"id" validate:"required"`
	Name              string         `json:"name" validate:"required"`
	Type              string         `json:"type" validate:"required"`
	ImplementationRef string         `json:"implementation_ref" validate:"required"`
	Version           string         `json:"version" validate:"required"`
	Features          []string       `json:"features,omitempty"`
	Configuration     map[string]any `json:"configuration,omitempty"`
	Requirements      Requirements   `json:"requirements,omitempty"`
	HealthCheckRef    string         `json:"health_check_ref,omitempty"`
}

// Entry is a descriptor plus its lifecycle state and audit trail.
type Entry struct {
	Descriptor       Descriptor `json:"descriptor"`
	Lifecycle        Lifecycle  `json:"lifecycle"`
	ValidationErrors []string   `json:"validation_errors,omitempty"`
	DiscoveredAt     time.Time  `json:"discovered_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Revisions        int        `json:"revisions"`
	EventID          string     `json:"event_id"`
}

// ValidationError aggregates a descriptor's validation failures.
type ValidationError struct {
	DescriptorID string
	Problems     []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("descriptor %q failed validation: %s",
		e.DescriptorID, strings.Join(e.Problems, "; "))
}

// Registrar receives validated descriptors for registration. Implemented by
// the provider bootstrap layer that knows how to map an implementation
// reference to a concrete provider.
type Registrar interface {
	RegisterDiscovered(d Descriptor) error
}

// Config tunes the discovery service.
type Config struct {
	// AutoRegister promotes valid descriptors straight through the
	// registrar instead of parking them in REGISTERED.
	AutoRegister bool
	// PollInterval drives the endpoint polling loop.
	PollInterval time.Duration
	// RemovedHistorySize bounds the audit log of removed descriptors.
	RemovedHistorySize int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Hour
	}
	if c.RemovedHistorySize <= 0 {
		c.RemovedHistorySize = 50
	}
}

// Service validates and tracks announced descriptors.
type Service struct {
	config    Config
	logger    *zap.Logger
	validate  *validator.Validate
	registrar Registrar

	mu      sync.RWMutex
	entries map[string]*Entry
	removed []Entry

	httpClient *http.Client

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds a discovery service. The registrar may be nil, in which
// case descriptors never auto-register.
func NewService(config Config, registrar Registrar, logger *zap.Logger) *Service {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config:     config,
		logger:     logger,
		validate:   validator.New(),
		registrar:  registrar,
		entries:    make(map[string]*Entry),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Announce ingests one descriptor: validates it, detects configuration
// updates to known descriptors, and auto-registers when enabled. Invalid
// descriptors are kept with their validation errors so operators can see
// what arrived and why it was rejected.
func (s *Service) Announce(d Descriptor) (*Entry, error) {
	now := time.Now()

	problems := s.validateDescriptor(d)

	s.mu.Lock()
	existing, known := s.entries[d.ID]

	if known && existing.Lifecycle != LifecycleRemoved {
		if reflect.DeepEqual(existing.Descriptor, d) {
			entry := *existing
			s.mu.Unlock()
			return &entry, nil
		}
		// configuration change: update in place, keep the audit trail
		existing.Descriptor = d
		existing.ValidationErrors = problems
		existing.UpdatedAt = now
		existing.Revisions++
		if len(problems) > 0 {
			existing.Lifecycle = LifecycleValidating
		} else if existing.Lifecycle == LifecycleValidating {
			existing.Lifecycle = LifecycleRegistered
		}
		entry := *existing
		s.mu.Unlock()

		if len(problems) > 0 {
			return &entry, &ValidationError{DescriptorID: d.ID, Problems: problems}
		}
		s.logger.Info("descriptor updated",
			zap.String("descriptor_id", d.ID),
			zap.Int("revision", entry.Revisions))

		// a valid update is a fresh chance to register, e.g. a descriptor
		// that arrived broken and was fixed in place
		if s.config.AutoRegister && s.registrar != nil && entry.Lifecycle != LifecycleActive {
			if err := s.registrar.RegisterDiscovered(d); err != nil {
				s.logger.Warn("auto-registration failed",
					zap.String("descriptor_id", d.ID),
					zap.Error(err))
				return &entry, err
			}
			return s.transition(d.ID, LifecycleActive)
		}
		return &entry, nil
	}

	entry := &Entry{
		Descriptor:       d,
		Lifecycle:        LifecycleDiscovered,
		ValidationErrors: problems,
		DiscoveredAt:     now,
		UpdatedAt:        now,
		EventID:          uuid.NewString(),
	}
	if len(problems) > 0 {
		entry.Lifecycle = LifecycleValidating
		s.entries[d.ID] = entry
		out := *entry
		s.mu.Unlock()
		return &out, &ValidationError{DescriptorID: d.ID, Problems: problems}
	}

	entry.Lifecycle = LifecycleRegistered
	s.entries[d.ID] = entry
	out := *entry
	s.mu.Unlock()

	s.logger.Info("descriptor discovered",
		zap.String("descriptor_id", d.ID),
		zap.String("type", d.Type),
		zap.String("version", d.Version))

	if s.config.AutoRegister && s.registrar != nil {
		if err := s.registrar.RegisterDiscovered(d); err != nil {
			s.logger.Warn("auto-registration failed",
				zap.String("descriptor_id", d.ID),
				zap.Error(err))
			return &out, err
		}
		return s.transition(d.ID, LifecycleActive)
	}
	return &out, nil
}

// validateDescriptor checks struct tags, semver syntax, and the presence of
// required configuration keys.
func (s *Service) validateDescriptor(d Descriptor) []string {
	var problems []string

	if err := s.validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("field %s is %s", fe.Field(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if d.Version != "" {
		if _, err := semver.NewVersion(d.Version); err != nil {
			problems = append(problems, fmt.Sprintf("version %q is not valid semver", d.Version))
		}
	}

	for _, key := range d.Requirements.Config {
		if _, ok := d.Configuration[key]; !ok {
			problems = append(problems, fmt.Sprintf("required configuration key %q is missing", key))
		}
	}

	return problems
}

// Activate promotes a registered descriptor into service.
func (s *Service) Activate(id string) (*Entry, error) {
	return s.transition(id, LifecycleActive)
}

// Deactivate takes a descriptor out of service without removing it.
func (s *Service) Deactivate(id string) (*Entry, error) {
	return s.transition(id, LifecycleInactive)
}

// Deprecate marks a descriptor as scheduled for removal.
func (s *Service) Deprecate(id string) (*Entry, error) {
	return s.transition(id, LifecycleDeprecated)
}

// Remove retires a descriptor. The entry leaves the active table but stays
// in a bounded removal history for audit.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("unknown descriptor %q", id)
	}

	entry.Lifecycle = LifecycleRemoved
	entry.UpdatedAt = time.Now()

	s.removed = append(s.removed, *entry)
	if len(s.removed) > s.config.RemovedHistorySize {
		s.removed = s.removed[len(s.removed)-s.config.RemovedHistorySize:]
	}
	delete(s.entries, id)

	s.logger.Info("descriptor removed", zap.String("descriptor_id", id))
	return nil
}

func (s *Service) transition(id string, to Lifecycle) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("unknown descriptor %q", id)
	}
	if len(entry.ValidationErrors) > 0 {
		return nil, &ValidationError{DescriptorID: id, Problems: entry.ValidationErrors}
	}

	entry.Lifecycle = to
	entry.UpdatedAt = time.Now()
	out := *entry
	return &out, nil
}

// Get returns one tracked entry.
func (s *Service) Get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	out := *entry
	return &out, true
}

// List returns all tracked entries.
func (s *Service) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, *entry)
	}
	return out
}

// RemovedHistory returns the bounded audit log of removed descriptors.
func (s *Service) RemovedHistory() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.removed))
	copy(out, s.removed)
	return out
}

// AnnounceStatic ingests a fixed descriptor list, typically from the config
// file. Invalid descriptors are recorded and skipped, not fatal.
func (s *Service) AnnounceStatic(descriptors []Descriptor) {
	for _, d := range descriptors {
		if _, err := s.Announce(d); err != nil {
			s.logger.Warn("static descriptor rejected",
				zap.String("descriptor_id", d.ID),
				zap.Error(err))
		}
	}
}

// AnnounceFromEnv reads JSON-encoded descriptors from environment variables
// carrying the given prefix, e.g. GATEWAY_DISCOVER_STRIPE.
func (s *Service) AnnounceFromEnv(prefix string) {
	for _, kv := range os.Environ() {
		name, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(name, prefix) {
			continue
		}

		var d Descriptor
		if err := json.Unmarshal([]byte(value), &d); err != nil {
			s.logger.Warn("environment descriptor is not valid JSON",
				zap.String("variable", name),
				zap.Error(err))
			continue
		}
		if _, err := s.Announce(d); err != nil {
			s.logger.Warn("environment descriptor rejected",
				zap.String("variable", name),
				zap.Error(err))
		}
	}
}

// StartPolling fetches a JSON descriptor list from the endpoint on the
// configured interval until Stop or context cancellation. The first fetch
// happens immediately.
func (s *Service) StartPolling(ctx context.Context, endpoint string) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.pollOnce(loopCtx, endpoint)

		ticker := time.NewTicker(s.config.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.pollOnce(loopCtx, endpoint)
			}
		}
	}()

	s.logger.Info("discovery polling started",
		zap.String("endpoint", endpoint),
		zap.Duration("interval", s.config.PollInterval))
}

// Stop halts the polling loop.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

func (s *Service) pollOnce(ctx context.Context, endpoint string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		s.logger.Error("building discovery request", zap.Error(err))
		return
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("discovery poll failed", zap.String("endpoint", endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("discovery endpoint returned non-200",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode))
		return
	}

	var descriptors []Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&descriptors); err != nil {
		s.logger.Warn("decoding discovery response", zap.Error(err))
		return
	}

	s.AnnounceStatic(descriptors)
}
