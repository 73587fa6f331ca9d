// Package http is the thin control API over the discovery core:
// scheduler status and trigger, source config CRUD, run history, health
// and metrics. The core packages have no HTTP knowledge.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/thoth-app/discovery/internal/configstore"
	"github.com/thoth-app/discovery/internal/domain"
	"github.com/thoth-app/discovery/internal/scheduler"
)

type Handler struct {
	store     *configstore.Store
	scheduler *scheduler.Scheduler
	results   domain.DiscoveryResultRepository
}

func NewHandler(store *configstore.Store, sched *scheduler.Scheduler, results domain.DiscoveryResultRepository) *Handler {
	return &Handler{
		store:     store,
		scheduler: sched,
		results:   results,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// Scheduler handlers

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scheduler status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) TriggerSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := h.scheduler.Trigger(r.Context(), name)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Source not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered", "source": name})
}

// Source config handlers

func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	configs, err := h.store.List(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sources")
		return
	}
	if configs == nil {
		configs = []*domain.SourceConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.Get(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Source not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read source")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) CreateSource(w http.ResponseWriter, r *http.Request) {
	var cfg domain.SourceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.store.Create(r.Context(), &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *Handler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	var cfg domain.SourceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	cfg.Name = chi.URLParam(r, "name")
	err := h.store.Update(r.Context(), &cfg)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Source not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	err := h.store.Delete(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Source not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete source")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Run history

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := h.results.ListBySource(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []*domain.DiscoveryResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}
