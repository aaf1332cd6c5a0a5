package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/provider-gateway/internal/discovery"
	"github.com/davidleathers/provider-gateway/internal/providers/mfa"
	"github.com/davidleathers/provider-gateway/internal/providers/payment"
	"github.com/davidleathers/provider-gateway/internal/registry"
)

const (
	categoryPayment = "payment"
	categoryMFA     = "mfa"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	var (
		notFound  *registry.NotFoundError
		none      *registry.NoProvidersAvailableError
		allFailed *registry.AllProvidersFailedError
		valErr    *discovery.ValidationError
	)
	switch {
	case errors.As(err, &notFound):
		status, code = http.StatusNotFound, "provider_not_found"
	case errors.As(err, &none):
		status, code = http.StatusServiceUnavailable, "no_providers_available"
	case errors.Is(err, registry.ErrCircuitOpen):
		status, code = http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, registry.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	case errors.As(err, &allFailed):
		status, code = http.StatusBadGateway, "all_providers_failed"
	case errors.As(err, &valErr):
		status, code = http.StatusUnprocessableEntity, "invalid_descriptor"
	}

	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func (s *Server) registryFor(category string) (*registry.Registry, bool) {
	r, ok := s.registries[category]
	return r, ok
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request, s *Server) (*T, bool) {
	var body T
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "bad_request",
		})
		return nil, false
	}
	return &body, true
}

// execOptionsFrom reads per-call routing overrides off the query string.
func execOptionsFrom(r *http.Request) *registry.ExecOptions {
	opts := &registry.ExecOptions{}
	q := r.URL.Query()
	opts.ForceProvider = q.Get("provider")
	if v := q.Get("max_retries"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.MaxRetries = n
		}
	}
	return opts
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- execution: payments ---

func (s *Server) handleProcessPayment(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registryFor(categoryPayment)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "payment category not configured"})
		return
	}
	req, ok := decodeBody[payment.PaymentRequest](w, r, s)
	if !ok {
		return
	}

	res, err := reg.Execute(r.Context(), "processPayment", req, execOptionsFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registryFor(categoryPayment)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "payment category not configured"})
		return
	}

	opts := execOptionsFrom(r)
	if opts.ForceProvider == "" {
		// method listings are idempotent and safe to memoize
		opts.CacheKey = "payment-methods"
	}

	res, err := reg.Execute(r.Context(), "getPaymentMethods", nil, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCalculateFees(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registryFor(categoryPayment)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "payment category not configured"})
		return
	}
	req, ok := decodeBody[payment.FeeQuery](w, r, s)
	if !ok {
		return
	}

	opts := execOptionsFrom(r)
	if opts.ForceProvider == "" {
		opts.CacheKey = "fees:" + req.Amount + ":" + req.Currency
	}

	res, err := reg.Execute(r.Context(), "calculateFees", req, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// --- execution: mfa ---

func (s *Server) mfaExecute(w http.ResponseWriter, r *http.Request, operation string, data any) {
	reg, ok := s.registryFor(categoryMFA)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "mfa category not configured"})
		return
	}

	res, err := reg.Execute(r.Context(), operation, data, execOptionsFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[mfa.TokenRequest](w, r, s)
	if !ok {
		return
	}
	s.mfaExecute(w, r, "issueToken", req)
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[mfa.VerifyRequest](w, r, s)
	if !ok {
		return
	}
	s.mfaExecute(w, r, "verifyToken", req)
}

func (s *Server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[mfa.CodeRequest](w, r, s)
	if !ok {
		return
	}
	s.mfaExecute(w, r, "sendCode", req)
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[mfa.CodeVerifyRequest](w, r, s)
	if !ok {
		return
	}
	s.mfaExecute(w, r, "verifyCode", req)
}

// --- provider admin and stats ---

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]registry.ProviderInfo, len(s.registries))
	for category, reg := range s.registries {
		out[category] = reg.AllStats()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registryFor(r.PathValue("category"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown category"})
		return
	}

	info, err := reg.ProviderStats(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registryFor(r.PathValue("category"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown category"})
		return
	}

	id := r.PathValue("id")
	if err := reg.ResetBreaker(id); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("breaker reset via api",
		zap.String("category", r.PathValue("category")),
		zap.String("provider_id", id))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "provider_id": id})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg, ok := s.registryFor(r.PathValue("category"))
		if !ok {
			s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown category"})
			return
		}

		id := r.PathValue("id")
		if err := reg.SetEnabled(id, enabled); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"provider_id": id, "enabled": enabled})
	}
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{
				Error: "window must be a positive duration, e.g. 5m",
				Code:  "bad_request",
			})
			return
		}
		window = d
	}

	out := make(map[string]registry.PerformanceAnalytics, len(s.registries))
	for category, reg := range s.registries {
		out[category] = reg.Analytics(window)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// --- health monitor ---

func (s *Server) handleHealthStatuses(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "health monitor not configured"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.monitor.AllStatuses())
}

func (s *Server) handleForceCheck(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "health monitor not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status, err := s.monitor.ForceCheck(ctx, r.PathValue("category"), r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// --- discovery ---

func (s *Server) handleListDescriptors(w http.ResponseWriter, r *http.Request) {
	if s.disco == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "discovery not configured"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.disco.List())
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	if s.disco == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "discovery not configured"})
		return
	}
	d, ok := decodeBody[discovery.Descriptor](w, r, s)
	if !ok {
		return
	}

	entry, err := s.disco.Announce(*d)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemovedDescriptors(w http.ResponseWriter, r *http.Request) {
	if s.disco == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "discovery not configured"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.disco.RemovedHistory())
}

func (s *Server) activateDescriptor(id string) (*discovery.Entry, error) {
	return s.disco.Activate(id)
}

func (s *Server) deactivateDescriptor(id string) (*discovery.Entry, error) {
	return s.disco.Deactivate(id)
}

func (s *Server) handleLifecycle(fn func(id string) (*discovery.Entry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.disco == nil {
			s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "discovery not configured"})
			return
		}

		entry, err := fn(r.PathValue("id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, entry)
	}
}

func (s *Server) handleRemoveDescriptor(w http.ResponseWriter, r *http.Request) {
	if s.disco == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "discovery not configured"})
		return
	}

	if err := s.disco.Remove(r.PathValue("id")); err != nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
