// Package api provides the fabled HTTP server: the ring ledger REST API
// plus health and metrics endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fablehq/fable/internal/domain"
)

// Server is the fabled HTTP API server.
type Server struct {
	ring           *RingAPI
	log            *zap.Logger
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(ringAPI *RingAPI, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{ring: ringAPI, log: log}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": "0.1.0",
		})
	})

	if s.ring != nil {
		r.Route("/api/ring", func(r chi.Router) {
			r.Post("/earn", s.ring.HandleEarn)
			r.Post("/spend", s.ring.HandleSpend)
			r.Get("/balance/{userID}", s.ring.HandleBalance)
			r.Get("/summary/{userID}", s.ring.HandleSummary)
			r.Get("/ledger/{userID}", s.ring.HandleLedger)
			r.Get("/guardrail/{userID}", s.ring.HandleGuardrail)
			r.Get("/mode", s.ring.HandleGetMode)

			// Admin surface. Deployment puts this behind its own auth layer.
			r.Post("/mode", s.ring.HandleSetMode)
			r.Post("/penalty", s.ring.HandlePenalty)
			r.Post("/adjust", s.ring.HandleAdjust)
			r.Post("/promote", s.ring.HandlePromote)
			r.Post("/reconcile/{userID}", s.ring.HandleReconcile)
		})

		r.Get("/debug/spans", s.ring.HandleSpans)
	}

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with a stable machine code.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": msg,
		},
	})
}

// writeDomainError maps a domain error onto an HTTP status plus its stable
// code. Callers seeing a retryable code may repeat the request with the
// same request_id.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidAmountSign),
		errors.Is(err, domain.ErrInvalidReasonCode),
		errors.Is(err, domain.ErrUnknownIssuanceMode):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrLegacyRingWriteBlocked):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrEarnBlocked):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrConcurrentConflict),
		errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, domain.ErrorCode(err), err.Error())
}

// decodeJSON parses a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
