// Package api exposes the HTTP interface for the fetch gateway.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/admission"
	"github.com/fetchgate/fetchgate/internal/cache"
	"github.com/fetchgate/fetchgate/internal/fetch"
	"github.com/fetchgate/fetchgate/internal/resilience"
)

// Config tunes the HTTP surface.
type Config struct {
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
	DrainTimeout   time.Duration
}

// Deps are the collaborators the handlers read from.
type Deps struct {
	Queue        *admission.Queue
	Cache        *cache.ResponseCache
	Circuits     *resilience.CircuitRegistry
	Quarantine   *resilience.QuarantineRegistry
	Proxies      *resilience.ProxyPool
	Fingerprints *resilience.FingerprintPool
	Checkpoints  *resilience.CheckpointStore
	DeadLetters  *resilience.DeadLetterStore
	Incidents    *resilience.IncidentReporter
}

// Server wires HTTP handlers to the admission queue and the reliability
// registries.
type Server struct {
	router chi.Router
	cfg    Config
	deps   Deps
	ids    fetch.IDGenerator
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps, ids fetch.IDGenerator, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		ids:    ids,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/fetch", s.submitFetch)
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.queueStats)
			r.Post("/pause", s.pauseQueue)
			r.Post("/resume", s.resumeQueue)
			r.Post("/drain", s.drainQueue)
		})
		r.Get("/reliability", s.reliability)
		r.Delete("/cache", s.clearCache)
		r.Get("/deadletters", s.listDeadLetters)
		r.Delete("/deadletters", s.purgeDeadLetters)
		r.Get("/checkpoints", s.listCheckpoints)
		r.Get("/incidents", s.listIncidents)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitFetch(w http.ResponseWriter, r *http.Request) {
	var req fetch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.deps.Queue.Enqueue(r.Context(), req)
	if err != nil {
		writeFetchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.GetStats())
}

func (s *Server) pauseQueue(w http.ResponseWriter, _ *http.Request) {
	s.deps.Queue.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumeQueue(w http.ResponseWriter, _ *http.Request) {
	s.deps.Queue.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) drainQueue(w http.ResponseWriter, r *http.Request) {
	timeout := s.cfg.DrainTimeout
	if ms := queryInt(r, "timeout_ms"); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	drained := s.deps.Queue.Drain(timeout)
	status := http.StatusOK
	if !drained {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]any{"drained": drained, "stats": s.deps.Queue.GetStats()})
}

// reliability aggregates the read-only snapshots of every registry.
func (s *Server) reliability(w http.ResponseWriter, _ *http.Request) {
	checkpoints := s.deps.Checkpoints.Snapshot(20)
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits":     s.deps.Circuits.Snapshot(),
		"quarantine":   s.deps.Quarantine.Snapshot(),
		"proxies":      s.deps.Proxies.Snapshot(),
		"fingerprints": s.deps.Fingerprints.Snapshot(),
		"checkpoints":  checkpoints.Counts,
		"deadletters":  map[string]int{"total": s.deps.DeadLetters.Total()},
		"incidents":    s.deps.Incidents.Recent(10),
		"queue":        s.deps.Queue.GetStats(),
	})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusNotFound, "cache not configured")
		return
	}
	if err := s.deps.Cache.Clear(r.Context()); err != nil {
		s.logger.Error("cache clear failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   s.deps.DeadLetters.Total(),
		"entries": s.deps.DeadLetters.Snapshot(limit),
	})
}

func (s *Server) purgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DeadLetters.Purge(r.Context()); err != nil {
		s.logger.Error("dead-letter purge failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit <= 0 {
		limit = 50
	}
	writeJSON(w, http.StatusOK, s.deps.Checkpoints.Snapshot(limit))
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	writeJSON(w, http.StatusOK, map[string]any{"incidents": s.deps.Incidents.Recent(limit)})
}

// writeFetchError maps the error taxonomy onto HTTP statuses.
func writeFetchError(w http.ResponseWriter, err error) {
	ferr := fetch.Classify(err)
	status := http.StatusInternalServerError
	switch ferr.Code {
	case fetch.CodeValidation:
		status = http.StatusBadRequest
	case fetch.CodeSourceNotSupported, fetch.CodeOperationNotSupported:
		status = http.StatusUnprocessableEntity
	case fetch.CodeQueueFull:
		status = http.StatusTooManyRequests
	case fetch.CodeQuarantined, fetch.CodeCircuitOpen:
		status = http.StatusServiceUnavailable
	case fetch.CodeTimeout:
		status = http.StatusGatewayTimeout
	case fetch.CodeSourceBlocked, fetch.CodeNetwork, fetch.CodeNonRetryable:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"error": ferr})
}

func queryInt(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
