// Package handlers wires HTTP routes to run service operations.
package handlers

// File: internal/handlers/handlers.go
// Purpose: HTTP handlers for /runs, /sessions, /ws, /metrics, /health.

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"simdash/internal/metrics"
	"simdash/internal/models"
	"simdash/internal/services"
)

// RunAPI is the run service surface the handlers use.
type RunAPI interface {
	StartRun(ctx context.Context, req models.RunRequest) (models.RunSnapshot, error)
	Current() models.RunSnapshot
	Reset(ctx context.Context) models.RunSnapshot
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	Health(ctx context.Context) (map[string]string, error)
}

// Handler groups HTTP handlers for run operations.
type Handler struct {
	runs    RunAPI
	hub     *Hub
	metrics *metrics.Metrics
}

// New returns a Handler wired to a run service. hub and m may be nil.
func New(runs RunAPI, hub *Hub, m *metrics.Metrics) *Handler {
	return &Handler{runs: runs, hub: hub, metrics: m}
}

// Register attaches routes to the provided ServeMux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /runs", h.startRun)
	mux.HandleFunc("GET /runs", h.listRuns)
	mux.HandleFunc("GET /runs/current", h.currentRun)
	mux.HandleFunc("POST /runs/reset", h.resetRun)
	mux.HandleFunc("GET /runs/{id}", h.getRun)
	mux.HandleFunc("GET /sessions", h.listSessions)
	if h.hub != nil {
		mux.Handle("GET /ws", h.hub)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	components, err := h.runs.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "components": components, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "components": components})
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	snap, err := h.runs.StartRun(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (h *Handler) currentRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runs.Current())
}

func (h *Handler) resetRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runs.Reset(r.Context()))
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = v
	}
	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.runs.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// writeError maps run errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case models.KindOf(err) == models.ErrorKindValidation:
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
