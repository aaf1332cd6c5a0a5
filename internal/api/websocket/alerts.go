// Package websocket streams health alerts and state changes to connected
// dashboard clients.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidleathers/provider-gateway/internal/health"
)

// EventType distinguishes the messages on the alert stream.
type EventType string

const (
	EventAlert       EventType = "health.alert"
	EventStateChange EventType = "health.state_change"
)

// Event is one message pushed to subscribed clients.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Category  string    `json:"category"`
	Provider  string    `json:"provider_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// AlertHub fans health events out to all connected clients. Slow clients
// are dropped rather than allowed to stall the broadcast loop.
type AlertHub struct {
	logger      *zap.Logger
	clients     map[uuid.UUID]*Client
	clientsLock sync.RWMutex
	broadcast   chan *Event
	register    chan *Client
	unregister  chan *Client
	done        chan struct{}
	stopOnce    sync.Once
}

// NewAlertHub creates a stopped hub; call Run to start the broadcast loop.
func NewAlertHub(logger *zap.Logger) *AlertHub {
	return &AlertHub{
		logger:     logger,
		clients:    make(map[uuid.UUID]*Client),
		broadcast:  make(chan *Event, 100),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run drives the hub until the context is cancelled or Stop is called.
func (h *AlertHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-h.done:
			return
		case client := <-h.register:
			h.clientsLock.Lock()
			h.clients[client.ID] = client
			h.clientsLock.Unlock()
			h.logger.Debug("alert client registered", zap.String("client_id", client.ID.String()))
		case client := <-h.unregister:
			h.dropClient(client)
		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

// Stop shuts the hub down and closes every client connection.
func (h *AlertHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.clientsLock.Lock()
		defer h.clientsLock.Unlock()
		for _, client := range h.clients {
			close(client.send)
			client.conn.Close()
		}
		h.clients = make(map[uuid.UUID]*Client)
	})
}

func (h *AlertHub) dropClient(client *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.send)
	}
}

func (h *AlertHub) broadcastEvent(event *Event) {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- event:
		default:
			h.logger.Warn("dropping slow alert client",
				zap.String("client_id", client.ID.String()))
			go func(c *Client) { h.unregister <- c }(client)
		}
	}
}

// PublishAlert pushes a threshold alert onto the stream. Wired as a
// monitor OnAlert listener.
func (h *AlertHub) PublishAlert(a health.Alert) {
	h.publish(&Event{
		ID:        uuid.NewString(),
		Type:      EventAlert,
		Category:  a.Category,
		Provider:  a.ProviderID,
		Timestamp: a.Timestamp,
		Data:      a,
	})
}

// PublishStateChange pushes a healthy/unhealthy transition onto the stream.
// Wired as a monitor OnStateChange listener.
func (h *AlertHub) PublishStateChange(c health.StateChange) {
	h.publish(&Event{
		ID:        uuid.NewString(),
		Type:      EventStateChange,
		Category:  c.Category,
		Provider:  c.ProviderID,
		Timestamp: c.Timestamp,
		Data:      c,
	})
}

func (h *AlertHub) publish(event *Event) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	default:
		h.logger.Warn("alert broadcast buffer full, dropping event",
			zap.String("event_id", event.ID))
	}
}

// ClientCount reports currently connected clients.
func (h *AlertHub) ClientCount() int {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()
	return len(h.clients)
}

// Client is one connected alert subscriber.
type Client struct {
	ID   uuid.UUID
	conn *websocket.Conn
	send chan *Event
	hub  *AlertHub
}

// WritePump pushes events and keepalive pings to the peer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump drains the connection so pings and close frames are processed.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
