package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/lyallcooper/sweeper/internal/backend"
	"github.com/lyallcooper/sweeper/internal/config"
	"github.com/lyallcooper/sweeper/internal/engine"
	"github.com/lyallcooper/sweeper/internal/scheduler"
)

// ConfigView is the client-visible subset of the configuration.
type ConfigView struct {
	Version       string   `json:"version"`
	DefaultPath   string   `json:"default_path"`
	AllowedPaths  []string `json:"allowed_paths"`
	DryRun        bool     `json:"dry_run"`
	RetentionDays int      `json:"retention_days"`
}

// Config handles GET /api/config
func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	allowed := h.cfg.Scan.AllowedPaths
	if allowed == nil {
		allowed = []string{}
	}
	writeJSON(w, http.StatusOK, ConfigView{
		Version:       h.version,
		DefaultPath:   h.cfg.Scan.DefaultPath,
		AllowedPaths:  allowed,
		DryRun:        h.cfg.Commit.DryRun,
		RetentionDays: h.cfg.Database.RetentionDays,
	})
}

// State handles GET /api/state
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateView(snap))
}

type scanRequest struct {
	Path string `json:"path"`
}

// StartScan handles POST /api/scan
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	path := strings.TrimSpace(req.Path)
	if path == "" {
		path = h.cfg.Scan.DefaultPath
	}
	path = config.ExpandPath(path)
	if path == "" {
		h.fail(w, r, badRequest("path is required"))
		return
	}
	// Paths outside the allow-list are rejected by the backend, so the scan
	// is recorded and ends Failed.
	snap, err := h.engine.StartScan(r.Context(), path)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toScanView(snap))
}

type scanLogResponse struct {
	Offset     int               `json:"offset"`
	NextOffset int               `json:"next_offset"`
	Entries    []json.RawMessage `json:"entries"`
}

// ScanLog handles GET /api/scan/log?offset=N
func (h *Handler) ScanLog(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	log, err := h.engine.ScanLog(r.Context(), offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	entries := make([]json.RawMessage, len(log))
	for i, payload := range log {
		entries[i] = json.RawMessage(payload)
	}
	writeJSON(w, http.StatusOK, scanLogResponse{
		Offset:     offset,
		NextOffset: offset + len(entries),
		Entries:    entries,
	})
}

// Staging handles GET /api/staging
func (h *Handler) Staging(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStagingView(snap.Staging))
}

type addActionRequest struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	Bytes  int64  `json:"bytes"`
	// Size is an alternative to Bytes in human form ("1.5 GB").
	Size string `json:"size,omitempty"`
}

// AddAction handles POST /api/staging
func (h *Handler) AddAction(w http.ResponseWriter, r *http.Request) {
	var req addActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	kind := strings.ToLower(strings.TrimSpace(req.Action))
	if kind == "" {
		kind = backend.ActionDelete
	}
	if kind != backend.ActionDelete && kind != backend.ActionArchive {
		h.fail(w, r, badRequest("unknown action %q", req.Action))
		return
	}

	bytes := req.Bytes
	if req.Size != "" {
		n, err := humanize.ParseBytes(req.Size)
		if err != nil {
			h.fail(w, r, badRequest("invalid size %q", req.Size))
			return
		}
		if n > uint64(1<<63-1) {
			h.fail(w, r, badRequest("size %q is too large", req.Size))
			return
		}
		bytes = int64(n)
	}

	path := config.ExpandPath(strings.TrimSpace(req.Path))
	if path != "" && !h.cfg.IsPathAllowed(path) {
		h.fail(w, r, badRequest("path %s is outside the allowed paths", path))
		return
	}

	added, err := h.engine.AddAction(r.Context(), engine.StagedAction{
		Path:   path,
		Action: kind,
		Bytes:  bytes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toActionView(added))
}

// RemoveAction handles DELETE /api/staging/{id}
func (h *Handler) RemoveAction(w http.ResponseWriter, r *http.Request) {
	removed, err := h.engine.RemoveActionID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionView(removed))
}

// RemoveActionIndex handles DELETE /api/staging/index/{index}
func (h *Handler) RemoveActionIndex(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil {
		h.fail(w, r, badRequest("invalid index %q", raw))
		return
	}
	removed, err := h.engine.RemoveAction(r.Context(), index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionView(removed))
}

type commitResponse struct {
	Committed  int           `json:"committed"`
	Bytes      int64         `json:"bytes,omitempty"`
	BytesHuman string        `json:"bytes_human,omitempty"`
	Batch      *engine.Batch `json:"batch,omitempty"`
}

// Commit handles POST /api/commit
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	batch, err := h.engine.Commit(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if batch == nil {
		writeJSON(w, http.StatusOK, commitResponse{})
		return
	}
	writeJSON(w, http.StatusAccepted, commitResponse{
		Committed:  len(batch.Actions),
		Bytes:      batch.Bytes(),
		BytesHuman: formatBytes(batch.Bytes()),
		Batch:      batch,
	})
}

// Schedules handles GET /api/schedules
func (h *Handler) Schedules(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.Job{}
	if h.sched != nil {
		jobs = append(jobs, h.sched.Jobs()...)
	}
	writeJSON(w, http.StatusOK, jobs)
}
