package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dmitrymomot/hookrelay/pkg/webhook"
)

// Healthcheck probes one dependency. A nil error means healthy.
type Healthcheck func(context.Context) error

// Deps carries everything the operational handlers need.
type Deps struct {
	Service *webhook.Service
	Store   webhook.Store
	Logger  *slog.Logger

	// Healthchecks are probed by GET /healthz, keyed by dependency name.
	Healthchecks map[string]Healthcheck
}

// Router builds the operational HTTP handler.
func Router(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Route("/circuits", func(r chi.Router) {
		r.Get("/", h.listCircuits)
		r.Post("/open", h.forceOpen)
		r.Post("/close", h.forceClose)
	})
	r.Post("/test", h.testEndpoint)
	r.Route("/events", func(r chi.Router) {
		r.Get("/", h.listEvents)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getEvent)
			r.Get("/attempts", h.listAttempts)
		})
	})

	return r
}

type handlers struct {
	deps Deps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.deps.Healthchecks))
	healthy := true
	for name, probe := range h.deps.Healthchecks {
		if err := probe(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	respondJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (h *handlers) listCircuits(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.deps.Service.HealthStatus())
}

type circuitRequest struct {
	URL string `json:"url"`
}

func (h *handlers) forceOpen(w http.ResponseWriter, r *http.Request) {
	h.forceCircuit(w, r, h.deps.Service.ForceCircuitOpen)
}

func (h *handlers) forceClose(w http.ResponseWriter, r *http.Request) {
	h.forceCircuit(w, r, h.deps.Service.ForceCircuitClosed)
}

func (h *handlers) forceCircuit(w http.ResponseWriter, r *http.Request, force func(string) bool) {
	var req circuitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	if !force(req.URL) {
		respondError(w, http.StatusNotFound, "no circuit breaker for url")
		return
	}

	metrics, _ := h.deps.Service.EndpointMetrics(req.URL)
	respondJSON(w, http.StatusOK, metrics)
}

type testRequest struct {
	ConfigID string            `json:"config_id,omitempty"`
	URL      string            `json:"url,omitempty"`
	Secret   string            `json:"secret,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
}

// testEndpoint sends a synthetic probe either to a registered config or to an
// ad hoc URL supplied inline. Nothing is persisted either way.
func (h *handlers) testEndpoint(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var cfg *webhook.Config
	switch {
	case req.ConfigID != "":
		id, err := uuid.Parse(req.ConfigID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid config_id")
			return
		}
		cfg, err = h.deps.Store.GetConfig(r.Context(), id)
		if err != nil {
			if errors.Is(err, webhook.ErrConfigNotFound) {
				respondError(w, http.StatusNotFound, "configuration not found")
				return
			}
			h.deps.Logger.ErrorContext(r.Context(), "failed to load config",
				slog.String("config_id", req.ConfigID),
				slog.String("error", err.Error()))
			respondError(w, http.StatusInternalServerError, "failed to load configuration")
			return
		}
	case req.URL != "":
		cfg = &webhook.Config{
			URL:     req.URL,
			Secret:  req.Secret,
			Headers: req.Headers,
			Timeout: req.Timeout,
		}
	default:
		respondError(w, http.StatusBadRequest, "config_id or url is required")
		return
	}

	result := h.deps.Service.TestEndpoint(r.Context(), cfg)
	respondJSON(w, http.StatusOK, result)
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	status := webhook.Status(r.URL.Query().Get("status"))
	switch status {
	case "", webhook.StatusPending, webhook.StatusProcessing,
		webhook.StatusDelivered, webhook.StatusFailed, webhook.StatusDeadLetter:
	default:
		respondError(w, http.StatusBadRequest, "unknown status")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 1000)
	}

	events, err := h.deps.Store.ListEvents(r.Context(), status, limit)
	if err != nil {
		h.deps.Logger.ErrorContext(r.Context(), "failed to list events",
			slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []webhook.Event{}
	}

	respondJSON(w, http.StatusOK, events)
}

func (h *handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	event, err := h.deps.Store.GetEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, webhook.ErrEventNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		h.deps.Logger.ErrorContext(r.Context(), "failed to load event",
			slog.String("event_id", id.String()),
			slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to load event")
		return
	}

	respondJSON(w, http.StatusOK, event)
}

func (h *handlers) listAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	attempts, err := h.deps.Store.ListAttempts(r.Context(), id, 100)
	if err != nil {
		h.deps.Logger.ErrorContext(r.Context(), "failed to list attempts",
			slog.String("event_id", id.String()),
			slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []webhook.DeliveryAttempt{}
	}

	respondJSON(w, http.StatusOK, attempts)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
