package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestMonitor(t *testing.T, cfg Config) *Monitor {
	t.Helper()
	return NewMonitor(cfg, zaptest.NewLogger(t))
}

func TestHungProbeDoesNotBlockOthers(t *testing.T) {
	m := newTestMonitor(t, Config{Timeout: 50 * time.Millisecond})

	block := make(chan struct{})
	defer close(block)
	m.RegisterProvider("payment", "hung", func(ctx context.Context) error {
		<-block
		return nil
	})
	m.RegisterProvider("payment", "fast", func(ctx context.Context) error {
		return nil
	})

	start := time.Now()
	m.runPass(context.Background())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond, "pass must end at the probe timeout, not wait forever")

	hung, err := m.StatusOf("payment", "hung")
	require.NoError(t, err)
	assert.False(t, hung.Healthy)
	require.NotEmpty(t, hung.History)
	assert.Contains(t, hung.History[0].Error, "timed out")

	fast, err := m.StatusOf("payment", "fast")
	require.NoError(t, err)
	assert.True(t, fast.Healthy)
}

func TestAlertFiresAtThreshold(t *testing.T) {
	m := newTestMonitor(t, Config{AlertThreshold: 3})

	var mu sync.Mutex
	var alerts []Alert
	m.OnAlert(func(a Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	m.RegisterProvider("payment", "flaky", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	for i := 0; i < 5; i++ {
		m.runPass(context.Background())
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1, "alert fires once when the threshold is crossed, not on every failure")
	assert.Equal(t, "flaky", alerts[0].ProviderID)
	assert.Equal(t, 3, alerts[0].ConsecutiveFailures)
	assert.Contains(t, alerts[0].LastError, "connection refused")
}

func TestStateChangeFiresOnTransitionsOnly(t *testing.T) {
	m := newTestMonitor(t, Config{})

	var mu sync.Mutex
	var changes []StateChange
	m.OnStateChange(func(c StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	var failing atomic.Bool
	m.RegisterProvider("payment", "p", func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("boom")
		}
		return nil
	})

	m.runPass(context.Background()) // healthy, no transition (starts healthy)
	failing.Store(true)
	m.runPass(context.Background()) // -> unhealthy
	m.runPass(context.Background()) // still unhealthy, no event
	failing.Store(false)
	m.runPass(context.Background()) // -> healthy

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.False(t, changes[0].Healthy)
	assert.True(t, changes[1].Healthy)
}

func TestConsecutiveFailuresResetOnSuccess(t *testing.T) {
	m := newTestMonitor(t, Config{AlertThreshold: 10})

	var failing atomic.Bool
	failing.Store(true)
	m.RegisterProvider("payment", "p", func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("boom")
		}
		return nil
	})

	m.runPass(context.Background())
	m.runPass(context.Background())

	status, err := m.StatusOf("payment", "p")
	require.NoError(t, err)
	assert.Equal(t, 2, status.ConsecutiveFailures)

	failing.Store(false)
	m.runPass(context.Background())

	status, err = m.StatusOf("payment", "p")
	require.NoError(t, err)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.True(t, status.Healthy)
}

func TestHistoryRingBounded(t *testing.T) {
	m := newTestMonitor(t, Config{HistorySize: 10})
	m.RegisterProvider("payment", "p", func(ctx context.Context) error { return nil })

	for i := 0; i < 30; i++ {
		m.runPass(context.Background())
	}

	status, err := m.StatusOf("payment", "p")
	require.NoError(t, err)
	assert.Len(t, status.History, 10)
}

func TestUptimePercentage(t *testing.T) {
	m := newTestMonitor(t, Config{AlertThreshold: 100})

	calls := 0
	m.RegisterProvider("payment", "p", func(ctx context.Context) error {
		calls++
		if calls%4 == 0 {
			return errors.New("boom")
		}
		return nil
	})

	for i := 0; i < 8; i++ {
		m.runPass(context.Background())
	}

	scoped := m.Scope("payment")
	assert.InDelta(t, 75.0, scoped.Uptime("p"), 0.001)
}

func TestNilProbeAlwaysHealthy(t *testing.T) {
	m := newTestMonitor(t, Config{})
	m.RegisterProvider("payment", "unprobed", nil)

	m.runPass(context.Background())

	status, err := m.StatusOf("payment", "unprobed")
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, 100.0, status.Uptime)
}

func TestForceCheck(t *testing.T) {
	m := newTestMonitor(t, Config{})
	m.RegisterProvider("payment", "p", func(ctx context.Context) error {
		return errors.New("down")
	})

	status, err := m.ForceCheck(context.Background(), "payment", "p")
	require.NoError(t, err)
	assert.False(t, status.Healthy)
	assert.Equal(t, 1, status.ConsecutiveFailures)

	_, err = m.ForceCheck(context.Background(), "payment", "ghost")
	assert.Error(t, err)
}

func TestScopedUnknownProviderDefaults(t *testing.T) {
	m := newTestMonitor(t, Config{})
	scoped := m.Scope("payment")

	assert.True(t, scoped.IsHealthy("ghost"))
	assert.Equal(t, 100.0, scoped.Uptime("ghost"))
}

func TestMarkDegradedCountsAsFailure(t *testing.T) {
	m := newTestMonitor(t, Config{AlertThreshold: 2})

	var mu sync.Mutex
	var alerts []Alert
	m.OnAlert(func(a Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	m.RegisterProvider("payment", "p", nil)
	scoped := m.Scope("payment")

	scoped.MarkDegraded("p", errors.New("card declined"))
	assert.False(t, scoped.IsHealthy("p"))

	scoped.MarkDegraded("p", errors.New("card declined"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].ConsecutiveFailures)
}

func TestStartRunsImmediatePassAndStops(t *testing.T) {
	m := newTestMonitor(t, Config{Interval: 20 * time.Millisecond})

	var calls atomic.Int64
	m.RegisterProvider("payment", "p", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond, "immediate pass plus at least one scheduled pass")

	m.Stop()
	after := calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no passes after Stop")
}

func TestUnregisterProviderDropsRecord(t *testing.T) {
	m := newTestMonitor(t, Config{})
	m.RegisterProvider("payment", "p", nil)
	m.UnregisterProvider("payment", "p")

	_, err := m.StatusOf("payment", "p")
	assert.Error(t, err)
	assert.Empty(t, m.AllStatuses())
}
