package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/actor"
	"github.com/lvonguyen/actorforge/internal/store"
)

// Routes builds the ops router served in scheduled mode: health, readiness,
// run status, Prometheus metrics and a read-only actor API.
func (o *Orchestrator) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(o.instrument)
	r.Use(middleware.Recoverer)

	timeout := o.cfg.Server.WriteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", o.handleHealth)
	r.Get("/ready", o.handleReady)
	r.Get("/status", o.handleStatus)
	if o.metricsHandler != nil {
		r.Handle("/metrics", o.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/actors", o.handleListActors)
		r.Get("/actors/{id}", o.handleGetActor)
	})

	return r
}

// instrument reports per-route request metrics and logs each request at
// debug level.
func (o *Orchestrator) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		elapsed := time.Since(start)
		if o.metrics != nil {
			o.metrics.RequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
			o.metrics.RequestDuration.WithLabelValues(r.Method, pattern).Observe(elapsed.Seconds())
		}
		o.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", elapsed),
		)
	})
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": o.version,
	})
}

// handleReady reports readiness based on store reachability. A store with no
// recorded runs yet is still ready.
func (o *Orchestrator) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := o.store.LastRun(r.Context()); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"running":    o.running.Load(),
		"mode":       o.cfg.Mode,
		"version":    o.version,
		"identities": o.resolver.Size(),
	}

	last, err := o.store.LastRun(r.Context())
	switch {
	case err == nil:
		status["last_run"] = last
	case errors.Is(err, store.ErrNotFound):
		status["last_run"] = nil
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (o *Orchestrator) handleListActors(w http.ResponseWriter, r *http.Request) {
	records, err := o.store.ListActors(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if records == nil {
		records = []*actor.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actors": records,
		"count":  len(records),
	})
}

func (o *Orchestrator) handleGetActor(w http.ResponseWriter, r *http.Request) {
	id := actor.ID(chi.URLParam(r, "id"))
	record, err := o.store.GetActor(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "actor not found"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, record)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
