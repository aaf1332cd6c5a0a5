package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/provider-gateway/internal/health"
)

func dialTestHub(t *testing.T) (*Handler, *websocket.Conn) {
	t.Helper()

	h := NewHandler(zaptest.NewLogger(t))
	h.Start(t.Context())
	t.Cleanup(h.Stop)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleAlerts))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return h.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	return h, conn
}

func TestAlertBroadcastReachesClient(t *testing.T) {
	h, conn := dialTestHub(t)

	h.Hub().PublishAlert(health.Alert{
		Category:            "payment",
		ProviderID:          "stripe",
		ConsecutiveFailures: 3,
		LastError:           "connection refused",
		Timestamp:           time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, EventAlert, event.Type)
	assert.Equal(t, "payment", event.Category)
	assert.Equal(t, "stripe", event.Provider)
	assert.NotEmpty(t, event.ID)
}

func TestStateChangeBroadcast(t *testing.T) {
	h, conn := dialTestHub(t)

	h.Hub().PublishStateChange(health.StateChange{
		Category:   "mfa",
		ProviderID: "authkit",
		Healthy:    false,
		Timestamp:  time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, EventStateChange, event.Type)
	assert.Equal(t, "authkit", event.Provider)
}

func TestClientDisconnectIsNoticed(t *testing.T) {
	h, conn := dialTestHub(t)

	conn.Close()

	require.Eventually(t, func() bool {
		return h.Hub().ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishWithoutClientsDoesNotBlock(t *testing.T) {
	h := NewHandler(zaptest.NewLogger(t))
	h.Start(t.Context())
	defer h.Stop()

	for i := 0; i < 200; i++ {
		h.Hub().PublishAlert(health.Alert{ProviderID: "stripe", Timestamp: time.Now()})
	}
}
