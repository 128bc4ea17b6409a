// Package api exposes the HTTP ingest surface: webhook events come in, get
// claimed against the dedup cache, and are handed to the worker pool. The
// core's own failure signals map onto status codes here — a duplicate is
// not an error, and a full queue is 429, not a silent drop.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hookq/hookq/internal/breaker"
	"github.com/hookq/hookq/internal/dedup"
	"github.com/hookq/hookq/internal/health"
	"github.com/hookq/hookq/internal/httputil"
	"github.com/hookq/hookq/internal/metrics"
	"github.com/hookq/hookq/internal/pool"
	"github.com/hookq/hookq/internal/task"
)

// Event is one inbound webhook payload.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type API struct {
	pool     *pool.Pool
	cache    *dedup.Cache
	breakers *breaker.Registry
	monitor  *health.Monitor
	logger   *slog.Logger
	dedupTTL time.Duration

	handlers map[string]Handler
	mux      *http.ServeMux
}

// Handler processes one event; registered per event type before serving.
type Handler func(e Event) task.Handler

func New(
	p *pool.Pool,
	cache *dedup.Cache,
	breakers *breaker.Registry,
	monitor *health.Monitor,
	dedupTTL time.Duration,
	logger *slog.Logger,
) *API {
	a := &API{
		pool:     p,
		cache:    cache,
		breakers: breakers,
		monitor:  monitor,
		logger:   logger,
		dedupTTL: dedupTTL,
		handlers: make(map[string]Handler),
		mux:      http.NewServeMux(),
	}

	a.setupRoutes()
	return a
}

// RegisterHandler binds an event type to the task handler a worker will run.
// Registration must complete before the API starts serving.
func (a *API) RegisterHandler(eventType string, h Handler) {
	a.handlers[eventType] = h
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/events", a.handleEvents)
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByID)
	a.mux.HandleFunc("/api/stats", a.handleStats)
	a.mux.HandleFunc("/healthz", a.handleHealth)
	a.mux.Handle("/metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var event Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		httputil.WriteJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			a.logger.Error("failed to close request body", slog.Any("error", err))
		}
	}()

	if event.Type == "" {
		httputil.WriteJSONError(w, "event type is required", http.StatusBadRequest)
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	metrics.EventsReceived.WithLabelValues(event.Type).Inc()

	handler, ok := a.handlers[event.Type]
	if !ok {
		httputil.WriteJSONError(w, "unknown event type: "+event.Type, http.StatusBadRequest)
		return
	}

	if a.cache.IsDuplicate(r.Context(), event.ID, a.dedupTTL) {
		metrics.EventsDuplicate.WithLabelValues(event.Type).Inc()
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"id":        event.ID,
			"duplicate": true,
		})
		return
	}

	taskID, err := a.pool.Submit(handler(event), pool.WithID(event.ID))
	switch {
	case errors.Is(err, pool.ErrQueueFull):
		metrics.EventsRejected.WithLabelValues(event.Type).Inc()
		httputil.WriteJSONError(w, "queue full, retry later", http.StatusTooManyRequests)
		return
	case errors.Is(err, pool.ErrDuplicateID):
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"id":        event.ID,
			"duplicate": true,
		})
		return
	case err != nil:
		httputil.WriteJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"status":  "accepted",
	})
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" {
		httputil.WriteJSONError(w, "task ID is required", http.StatusBadRequest)
		return
	}

	snap, ok := a.pool.TaskStatus(taskID)
	if !ok {
		httputil.WriteJSONError(w, "task not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"pool":       a.pool.Metrics(),
		"dedup":      a.cache.Metrics(),
		"circuits":   a.breakers.AllMetrics(),
		"updated_at": time.Now(),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := a.monitor.CheckHealth()

	status := http.StatusOK
	if snap.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}

	httputil.WriteJSON(w, status, snap)
}
