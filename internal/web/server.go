// Package web serves the operational HTTP surface: health and readiness
// probes, prometheus metrics, a JSON status snapshot of the resilience
// components, and an SSE stream of session events for transport adapters.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rtquiz/quizcore/internal/batcher"
	"github.com/rtquiz/quizcore/internal/cache"
	"github.com/rtquiz/quizcore/internal/errdefs"
	"github.com/rtquiz/quizcore/internal/hub"
	"github.com/rtquiz/quizcore/internal/metrics"
	"github.com/rtquiz/quizcore/internal/quiz"
	"github.com/rtquiz/quizcore/internal/recovery"
	"github.com/rtquiz/quizcore/internal/store"
)

// Components are the resilience pieces the server reports on.
type Components struct {
	Store    *store.Facade
	Cache    *cache.Facade
	Pending  *store.PendingQueue
	Batcher  *batcher.Batcher
	Recovery *recovery.Worker
	Quiz     *quiz.RecoveryService
	Hub      *hub.Hub
}

// Server is the ops HTTP server.
type Server struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	comps   Components
	router  chi.Router
	server  *http.Server
}

// New builds the server on the given port.
func New(port int, logger *zap.Logger, m *metrics.Metrics, comps Components) *Server {
	s := &Server{
		logger:  logger,
		metrics: m,
		comps:   comps,
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE needs no write timeout
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/recovery/trigger", s.handleRecoveryTrigger)
		r.Post("/batcher/flush", s.handleBatcherFlush)
		r.Get("/sessions/{sessionID}/recoverable", s.handleRecoverable)
		r.Post("/sessions/{sessionID}/recover", s.handleRecoverSession)
		r.Get("/sessions/{sessionID}/events", s.handleSessionEvents)
	})

	return r
}

// writeJSON encodes v with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError sanitises the error and writes the standard envelope. The raw
// cause is logged, never sent to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	sanitized, logLine := errdefs.SanitizeForLogging(err)
	sanitized.RequestID = middleware.GetReqID(r.Context())
	s.logger.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("sanitized", logLine))

	env := errdefs.NewEnvelope(sanitized)
	env.Path = r.URL.Path
	env.Method = r.Method
	s.writeJSON(w, errdefs.HTTPStatus(sanitized), env)
}
