package discovery

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRegistrar struct {
	mu         sync.Mutex
	registered []string
	fail       bool
}

func (f *fakeRegistrar) RegisterDiscovered(d Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("no implementation for %s", d.ImplementationRef)
	}
	f.registered = append(f.registered, d.ID)
	return nil
}

func validDescriptor() Descriptor {
	return Descriptor{
		ID:                "stripe",
		Name:              "Stripe Payments",
		Type:              "payment",
		ImplementationRef: "builtin/stripe",
		Version:           "2.14.0",
		Features:          []string{"processPayment", "calculateFees"},
		Configuration:     map[string]any{"api_key": "sk_test_x", "region": "us"},
		Requirements:      Requirements{Config: []string{"api_key"}},
	}
}

func newTestService(t *testing.T, cfg Config, reg Registrar) *Service {
	t.Helper()
	return NewService(cfg, reg, zaptest.NewLogger(t))
}

func TestAnnounceValidDescriptor(t *testing.T) {
	s := newTestService(t, Config{}, nil)

	entry, err := s.Announce(validDescriptor())
	require.NoError(t, err)

	assert.Equal(t, LifecycleRegistered, entry.Lifecycle)
	assert.Empty(t, entry.ValidationErrors)
	assert.NotEmpty(t, entry.EventID)
	assert.Zero(t, entry.Revisions)
}

func TestAnnounceAutoRegisters(t *testing.T) {
	reg := &fakeRegistrar{}
	s := newTestService(t, Config{AutoRegister: true}, reg)

	entry, err := s.Announce(validDescriptor())
	require.NoError(t, err)

	assert.Equal(t, LifecycleActive, entry.Lifecycle)
	assert.Equal(t, []string{"stripe"}, reg.registered)
}

func TestAnnounceAutoRegisterFailureStaysRegistered(t *testing.T) {
	reg := &fakeRegistrar{fail: true}
	s := newTestService(t, Config{AutoRegister: true}, reg)

	_, err := s.Announce(validDescriptor())
	require.Error(t, err)

	entry, ok := s.Get("stripe")
	require.True(t, ok)
	assert.Equal(t, LifecycleRegistered, entry.Lifecycle)
}

func TestAnnounceUpdateRetriesAutoRegistration(t *testing.T) {
	reg := &fakeRegistrar{fail: true}
	s := newTestService(t, Config{AutoRegister: true}, reg)

	_, err := s.Announce(validDescriptor())
	require.Error(t, err)

	// the implementation becomes available before the next announcement
	reg.mu.Lock()
	reg.fail = false
	reg.mu.Unlock()

	d := validDescriptor()
	d.Configuration["region"] = "eu"
	entry, err := s.Announce(d)
	require.NoError(t, err)

	assert.Equal(t, LifecycleActive, entry.Lifecycle)
	assert.Equal(t, []string{"stripe"}, reg.registered)
	assert.Equal(t, 1, entry.Revisions)

	// further updates to an active descriptor do not re-register it
	d2 := validDescriptor()
	d2.Configuration["region"] = "ap"
	entry, err = s.Announce(d2)
	require.NoError(t, err)
	assert.Equal(t, LifecycleActive, entry.Lifecycle)
	assert.Equal(t, []string{"stripe"}, reg.registered)
}

func TestAnnounceUpdateFixingValidationRegisters(t *testing.T) {
	reg := &fakeRegistrar{}
	s := newTestService(t, Config{AutoRegister: true}, reg)

	broken := validDescriptor()
	broken.Version = "not-a-version"
	_, err := s.Announce(broken)
	require.Error(t, err)

	entry, err := s.Announce(validDescriptor())
	require.NoError(t, err)

	assert.Equal(t, LifecycleActive, entry.Lifecycle)
	assert.Equal(t, []string{"stripe"}, reg.registered)
}

func TestAnnounceRejectsMissingFields(t *testing.T) {
	s := newTestService(t, Config{}, nil)

	d := validDescriptor()
	d.Name = ""
	d.ImplementationRef = ""

	_, err := s.Announce(d)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 2)

	entry, ok := s.Get("stripe")
	require.True(t, ok, "rejected descriptors stay visible with their errors")
	assert.Equal(t, LifecycleValidating, entry.Lifecycle)
	assert.NotEmpty(t, entry.ValidationErrors)
}

func TestAnnounceRejectsBadSemver(t *testing.T) {
	s := newTestService(t, Config{}, nil)

	d := validDescriptor()
	d.Version = "not-a-version"

	_, err := s.Announce(d)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems[0], "semver")
}

func TestAnnounceRejectsMissingRequiredConfig(t *testing.T) {
	s := newTestService(t, Config{}, nil)

	d := validDescriptor()
	d.Requirements.Config = []string{"api_key", "webhook_secret"}

	_, err := s.Announce(d)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems[0], "webhook_secret")
}

func TestAnnounceIdenticalDescriptorIsIdempotent(t *testing.T) {
	s := newTestService(t, Config{}, nil)

	first, err := s.Announce(validDescriptor())
	require.NoError(t, err)

	second, err := s.Announce(validDescriptor())
	require.NoError(t, err)

	assert.Equal(t, first.EventID, second.EventID)
	assert.Zero(t, second.Revisions)
}

func TestAnnounceConfigChangeIsUpdate(t *testing.T) {
	s := newTestService(t, Config{}, nil)

	first, err := s.Announce(validDescriptor())
	require.NoError(t, err)

	changed := validDescriptor()
	changed.Configuration["region"] = "eu"

	updated, err := s.Announce(changed)
	require.NoError(t, err)

	assert.Equal(t, 1, updated.Revisions, "a changed config is an update, not a new discovery")
	assert.Equal(t, first.EventID, updated.EventID)
	assert.Equal(t, "eu", updated.Descriptor.Configuration["region"])
	assert.Equal(t, first.DiscoveredAt, updated.DiscoveredAt)
}

func TestLifecycleTransitions(t *testing.T) {
	s := newTestService(t, Config{}, nil)
	_, err := s.Announce(validDescriptor())
	require.NoError(t, err)

	entry, err := s.Activate("stripe")
	require.NoError(t, err)
	assert.Equal(t, LifecycleActive, entry.Lifecycle)

	entry, err = s.Deactivate("stripe")
	require.NoError(t, err)
	assert.Equal(t, LifecycleInactive, entry.Lifecycle)

	entry, err = s.Deprecate("stripe")
	require.NoError(t, err)
	assert.Equal(t, LifecycleDeprecated, entry.Lifecycle)

	_, err = s.Activate("ghost")
	assert.Error(t, err)
}

func TestTransitionRefusedForInvalidDescriptor(t *testing.T) {
	s := newTestService(t, Config{}, nil)

	d := validDescriptor()
	d.Version = "bogus"
	_, _ = s.Announce(d)

	_, err := s.Activate("stripe")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRemoveKeepsBoundedHistory(t *testing.T) {
	s := newTestService(t, Config{RemovedHistorySize: 2}, nil)

	for i := 0; i < 4; i++ {
		d := validDescriptor()
		d.ID = fmt.Sprintf("p%d", i)
		_, err := s.Announce(d)
		require.NoError(t, err)
		require.NoError(t, s.Remove(d.ID))
	}

	assert.Empty(t, s.List())

	history := s.RemovedHistory()
	require.Len(t, history, 2)
	assert.Equal(t, "p2", history[0].Descriptor.ID)
	assert.Equal(t, "p3", history[1].Descriptor.ID)
	assert.Equal(t, LifecycleRemoved, history[0].Lifecycle)

	assert.Error(t, s.Remove("ghost"))
}

func TestAnnounceFromEnv(t *testing.T) {
	s := newTestService(t, Config{}, nil)

	payload, err := json.Marshal(validDescriptor())
	require.NoError(t, err)
	t.Setenv("GWTEST_DISCOVER_STRIPE", string(payload))
	t.Setenv("GWTEST_DISCOVER_BROKEN", "{not json")

	s.AnnounceFromEnv("GWTEST_DISCOVER_")

	entry, ok := s.Get("stripe")
	require.True(t, ok)
	assert.Equal(t, LifecycleRegistered, entry.Lifecycle)
	assert.Len(t, s.List(), 1)
}

func TestPollingAnnouncesEndpointDescriptors(t *testing.T) {
	descriptors := []Descriptor{validDescriptor()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(descriptors)
	}))
	defer srv.Close()

	s := newTestService(t, Config{PollInterval: time.Hour}, nil)
	s.StartPolling(t.Context(), srv.URL)
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, ok := s.Get("stripe")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
