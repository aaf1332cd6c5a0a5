package websocket

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the dashboard host is fixed
		return true
	},
}

// Handler owns the alert hub and its HTTP upgrade endpoint.
type Handler struct {
	logger *zap.Logger
	hub    *AlertHub
}

// NewHandler creates a websocket handler with a fresh hub.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
		hub:    NewAlertHub(logger),
	}
}

// Start launches the hub's broadcast loop.
func (h *Handler) Start(ctx context.Context) {
	go h.hub.Run(ctx)
}

// Stop shuts the hub down.
func (h *Handler) Stop() {
	h.hub.Stop()
}

// Hub returns the alert hub for wiring monitor listeners.
func (h *Handler) Hub() *AlertHub {
	return h.hub
}

// HandleAlerts upgrades the connection and subscribes it to the stream.
func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		ID:   uuid.New(),
		conn: conn,
		send: make(chan *Event, 16),
		hub:  h.hub,
	}
	h.hub.register <- client

	go client.WritePump()
	go client.ReadPump()

	h.logger.Info("alert stream client connected",
		zap.String("client_id", client.ID.String()),
		zap.String("remote_addr", r.RemoteAddr))
}
