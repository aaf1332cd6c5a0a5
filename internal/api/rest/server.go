// Package rest exposes the gateway's admin and execution API.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/provider-gateway/internal/api/websocket"
	"github.com/davidleathers/provider-gateway/internal/discovery"
	"github.com/davidleathers/provider-gateway/internal/health"
	"github.com/davidleathers/provider-gateway/internal/infrastructure/config"
	"github.com/davidleathers/provider-gateway/internal/registry"
)

// Server hosts the gateway HTTP surface: execution endpoints per category,
// the admin/stats API, the metrics endpoint, and the alert stream.
type Server struct {
	config     *config.ServerConfig
	logger     *zap.Logger
	httpServer *http.Server

	registries map[string]*registry.Registry
	monitor    *health.Monitor
	disco      *discovery.Service
	ws         *websocket.Handler
}

// Deps collects the server's collaborators. Monitor, discovery and the
// websocket handler are optional.
type Deps struct {
	Registries map[string]*registry.Registry
	Monitor    *health.Monitor
	Discovery  *discovery.Service
	WebSocket  *websocket.Handler
}

// NewServer builds the HTTP server with all routes mounted.
func NewServer(cfg *config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		config:     cfg,
		logger:     logger,
		registries: deps.Registries,
		monitor:    deps.Monitor,
		disco:      deps.Discovery,
		ws:         deps.WebSocket,
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        s.setupRoutes(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.ws != nil {
		mux.HandleFunc("GET /ws/alerts", s.ws.HandleAlerts)
	}

	v1 := http.NewServeMux()

	// execution endpoints
	v1.HandleFunc("POST /payments", s.handleProcessPayment)
	v1.HandleFunc("GET /payments/methods", s.handlePaymentMethods)
	v1.HandleFunc("POST /payments/fees", s.handleCalculateFees)
	v1.HandleFunc("POST /mfa/tokens", s.handleIssueToken)
	v1.HandleFunc("POST /mfa/tokens/verify", s.handleVerifyToken)
	v1.HandleFunc("POST /mfa/codes", s.handleSendCode)
	v1.HandleFunc("POST /mfa/codes/verify", s.handleVerifyCode)

	// provider admin and stats
	v1.HandleFunc("GET /providers", s.handleListProviders)
	v1.HandleFunc("GET /providers/{category}/{id}/stats", s.handleProviderStats)
	v1.HandleFunc("POST /providers/{category}/{id}/breaker/reset", s.handleBreakerReset)
	v1.HandleFunc("POST /providers/{category}/{id}/enable", s.handleSetEnabled(true))
	v1.HandleFunc("POST /providers/{category}/{id}/disable", s.handleSetEnabled(false))
	v1.HandleFunc("GET /analytics", s.handleAnalytics)

	// health monitor
	v1.HandleFunc("GET /health/providers", s.handleHealthStatuses)
	v1.HandleFunc("POST /health/{category}/{id}/check", s.handleForceCheck)

	// discovery
	v1.HandleFunc("GET /discovery", s.handleListDescriptors)
	v1.HandleFunc("POST /discovery", s.handleAnnounce)
	v1.HandleFunc("GET /discovery/removed", s.handleRemovedDescriptors)
	v1.HandleFunc("POST /discovery/{id}/activate", s.handleLifecycle(s.activateDescriptor))
	v1.HandleFunc("POST /discovery/{id}/deactivate", s.handleLifecycle(s.deactivateDescriptor))
	v1.HandleFunc("DELETE /discovery/{id}", s.handleRemoveDescriptor)

	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", v1))
	return mux
}

// Start begins serving in a goroutine and returns immediately. Errors other
// than a clean shutdown are sent to the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	s.logger.Info("shutting down api server")
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
