// Package api is the HTTP surface of the orchestrator: enqueue, job lookup,
// stats and the keep-alive switch.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hlsconverter/orchestrator/internal/config"
	"github.com/hlsconverter/orchestrator/internal/job"
	"github.com/hlsconverter/orchestrator/internal/logging"
	"github.com/hlsconverter/orchestrator/internal/queue"
	"github.com/hlsconverter/orchestrator/internal/scheduler"
	"github.com/hlsconverter/orchestrator/internal/shared"
	"github.com/hlsconverter/orchestrator/internal/ws"
)

var startTime = time.Now()

// Orchestrator is the part of the scheduler pool the API drives.
type Orchestrator interface {
	Enqueue(ctx context.Context, e queue.Entry) error
	Stats(ctx context.Context) (scheduler.Stats, error)
	SetKeepAlive(ctx context.Context, on bool) error
}

var _ Orchestrator = (*scheduler.Pool)(nil)

type Handlers struct {
	cfg    *config.Config
	orch   Orchestrator
	jobs   job.Store
	events *ws.Server
	log    *zap.Logger
}

func NewHandlers(cfg *config.Config, orch Orchestrator, jobs job.Store, events *ws.Server, log *zap.Logger) *Handlers {
	return &Handlers{cfg: cfg, orch: orch, jobs: jobs, events: events, log: logging.OrNop(log)}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"node_id":        h.cfg.NodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orch.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	counts, err := h.jobs.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	clients := 0
	if h.events != nil {
		clients = h.events.Clients()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.cfg.NodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"scheduler":      stats,
		"jobs":           counts,
		"event_clients":  clients,
	})
}

type JobRequest struct {
	JobID     string `json:"jobId,omitempty"`
	VideoKey  string `json:"videoKey"`
	VideoName string `json:"videoName,omitempty"`
}

func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.VideoKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "videoKey is required"})
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	e := queue.Entry{JobID: req.JobID, VideoKey: req.VideoKey, VideoName: req.VideoName}
	if err := h.orch.Enqueue(r.Context(), e); err != nil {
		h.writeError(w, err)
		return
	}

	j, err := h.jobs.Get(r.Context(), req.JobID)
	if err != nil {
		// Enqueued; the record read is best effort.
		writeJSON(w, http.StatusAccepted, map[string]string{"id": req.JobID, "status": string(job.StatusQueued)})
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	status := job.Status(r.URL.Query().Get("status"))

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if status != "" && !status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
		return
	}

	jobs, total, err := h.jobs.List(r.Context(), job.Filter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

type KeepAliveRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handlers) SetKeepAlive(w http.ResponseWriter, r *http.Request) {
	var req KeepAliveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled is required"})
		return
	}
	if err := h.orch.SetKeepAlive(r.Context(), *req.Enabled); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("keep-alive changed", zap.Bool("enabled", *req.Enabled))
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

// writeError maps domain errors onto status codes.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, job.ErrInvalidTransition), errors.Is(err, job.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, job.ErrStoreUnavailable), errors.Is(err, shared.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
