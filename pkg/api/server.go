// Package api exposes the fetch engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/executor"
	"github.com/Sriram-PR/resilient-fetch/pkg/metrics"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
)

// Engine is the part of *executor.Executor the API drives.
type Engine interface {
	Submit(ctx context.Context, task models.Task) models.TaskResult
	SubmitBatch(ctx context.Context, tasks []models.Task) []models.TaskResult
	SetConcurrency(n int64) int64
	Persist(ctx context.Context) error
	Stats() executor.Stats
	Metrics() *metrics.Metrics
	Closed() bool
}

// Server wires HTTP handlers to an Engine.
type Server struct {
	router  chi.Router
	engine  Engine
	cfg     config.ServerConfig
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewServer constructs a Server with middleware and routes.
func NewServer(engine Engine, cfg config.ServerConfig, log *logrus.Entry) *Server {
	s := &Server{
		engine:  engine,
		cfg:     cfg,
		metrics: engine.Metrics(),
		log:     log.WithField("component", "api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/fetch", s.fetch)
		r.Post("/fetch/batch", s.fetchBatch)
		r.Get("/stats", s.stats)
		r.Put("/concurrency", s.setConcurrency)
		r.Post("/cache/persist", s.persist)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on cfg.Addr until ctx ends, then shuts down gracefully within
// cfg.ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.engine.Closed() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := req.toTask()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.engine.Submit(r.Context(), task)
	writeJSON(w, statusFor(res), newFetchResponse(res, req.OmitBody))
}

func (s *Server) fetchBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "tasks required")
		return
	}
	if limit := s.cfg.MaxBatchSize; limit > 0 && len(req.Tasks) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch of %d exceeds limit of %d", len(req.Tasks), limit))
		return
	}

	tasks := make([]models.Task, len(req.Tasks))
	for i, item := range req.Tasks {
		task, err := item.toTask()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("tasks[%d]: %v", i, err))
			return
		}
		tasks[i] = task
	}

	results := s.engine.SubmitBatch(r.Context(), tasks)
	resp := batchResponse{Results: make([]fetchResponse, len(results))}
	for i, res := range results {
		resp.Results[i] = newFetchResponse(res, req.Tasks[i].OmitBody)
		if res.OK() {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) setConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MaxConcurrency <= 0 {
		writeError(w, http.StatusBadRequest, "max_concurrency must be > 0")
		return
	}
	applied := s.engine.SetConcurrency(req.MaxConcurrency)
	s.log.WithFields(logrus.Fields{"requested": req.MaxConcurrency, "applied": applied}).Info("Concurrency changed via API")
	writeJSON(w, http.StatusOK, concurrencyRequest{MaxConcurrency: applied})
}

func (s *Server) persist(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Persist(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLog returns a request-scoped logger.
func (s *Server) requestLog(r *http.Request) *logrus.Entry {
	entry := s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path})
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		entry = entry.WithField("request_id", id)
	}
	return entry
}

// routePattern returns the matched chi pattern so metrics labels stay bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
