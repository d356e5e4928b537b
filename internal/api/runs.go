package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/discovery"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index/repo"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/metrics"
)

// RunHandler groups the run listing, detail, and metrics endpoints (spec §6).
// Runs are never created through this API — the Run Writer and Storage
// Discovery are the only writers of run state; this handler is read path
// plus the soft-delete/recycle-bin lifecycle operations.
type RunHandler struct {
	runs    repo.RunRepository
	roots   repo.StorageRootRepository
	svc     *index.Service
	logger  *zap.Logger
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(runs repo.RunRepository, roots repo.StorageRootRepository, svc *index.Service, logger *zap.Logger) *RunHandler {
	return &RunHandler{runs: runs, roots: roots, svc: svc, logger: logger.Named("run_handler")}
}

type runResponse struct {
	RunID     string         `json:"run_id"`
	Project   string         `json:"project"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Hostname  string         `json:"hostname"`
	StartedAt string         `json:"started_at"`
	EndedAt   *string        `json:"ended_at"`
	RunDir    string         `json:"run_dir"`
	Assets    []assetResponse `json:"assets,omitempty"`
}

type assetResponse struct {
	AssetID    string `json:"asset_id"`
	AssetType  string `json:"asset_type"`
	Name       string `json:"name"`
	SourceURI  string `json:"source_uri,omitempty"`
	ArchiveURI string `json:"archive_uri,omitempty"`
	IsArchived bool   `json:"is_archived"`
	SizeBytes  *int64 `json:"size_bytes,omitempty"`
}

func assetToResponse(a *index.Asset) assetResponse {
	return assetResponse{
		AssetID:    a.AssetID,
		AssetType:  string(a.AssetType),
		Name:       a.Name,
		SourceURI:  a.SourceURI,
		ArchiveURI: a.ArchiveURI,
		IsArchived: a.IsArchived,
		SizeBytes:  a.SizeBytes,
	}
}

func runToResponse(r *index.Run) runResponse {
	resp := runResponse{
		RunID:     r.RunID,
		Project:   r.Project,
		Name:      r.Name,
		Status:    r.Status,
		Hostname:  r.Hostname,
		StartedAt: r.StartedAt.UTC().Format(time.RFC3339),
		RunDir:    r.RunDir,
	}
	if r.EndedAt != nil {
		s := r.EndedAt.UTC().Format(time.RFC3339)
		resp.EndedAt = &s
	}
	return resp
}

type listRunsResponse struct {
	Items []runResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /api/runs.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationOpts(r)
	project := r.URL.Query().Get("project")

	runs, total, err := h.runs.List(r.Context(), project, repo.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		h.logger.Error("failed to list runs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]runResponse, len(runs))
	for i := range runs {
		items[i] = runToResponse(&runs[i])
	}
	Ok(w, listRunsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/runs/{id}, where {id} is the run_id (not the
// index's internal UUID) since that is the identifier the on-disk layout and
// the Run Writer both expose to callers.
func (h *RunHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	runID := chiParam(r, "id")
	run, err := h.runs.GetByRunID(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get run", zap.String("run_id", runID), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := runToResponse(run)
	if assets, err := h.svc.GetAssetsForRun(r.Context(), run.ID); err == nil {
		resp.Assets = make([]assetResponse, len(assets))
		for i := range assets {
			resp.Assets[i] = assetToResponse(&assets[i])
		}
	}
	Ok(w, resp)
}

// Metrics handles GET /api/runs/{id}/metrics and its alias
// /api/runs/{id}/metrics_step. It reads events.jsonl directly off disk —
// the index never caches metric values, only run/asset metadata.
func (h *RunHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	runID := chiParam(r, "id")
	run, err := h.runs.GetByRunID(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get run", zap.String("run_id", runID), zap.Error(err))
		ErrInternal(w)
		return
	}

	root, err := h.roots.GetByID(r.Context(), run.StorageRootID)
	if err != nil {
		h.logger.Error("failed to resolve storage root", zap.Error(err))
		ErrInternal(w)
		return
	}

	eventsPath := filepath.Join(root.Root, run.RunDir, "events.jsonl")
	table, err := metrics.ReadMetrics(eventsPath)
	if err != nil {
		if isNotExist(err) {
			Ok(w, metrics.Table{Columns: []string{"global_step", "time"}})
			return
		}
		h.logger.Error("failed to read metrics", zap.String("run_id", runID), zap.Error(err))
		ErrInternal(w)
		return
	}

	if dsParam := r.URL.Query().Get("downsample"); dsParam != "" {
		n, convErr := strconv.Atoi(dsParam)
		if convErr == nil && n > 0 {
			valueCol := r.URL.Query().Get("column")
			if valueCol == "" && len(table.Columns) > 2 {
				valueCol = table.Columns[2]
			}
			table = metrics.Downsample(table, "global_step", valueCol, n)
		}
	}

	Ok(w, table)
}

// -----------------------------------------------------------------------------
// Recycle bin
// -----------------------------------------------------------------------------

type runIDsRequest struct {
	RunIDs []string `json:"run_ids"`
}

// SoftDelete handles POST /api/runs/soft-delete. Batch size is capped at 100
// per spec.md §6.
func (h *RunHandler) SoftDelete(w http.ResponseWriter, r *http.Request) {
	var req runIDsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.RunIDs) == 0 || len(req.RunIDs) > 100 {
		ErrBadRequest(w, "run_ids must contain between 1 and 100 entries")
		return
	}

	results := make(map[string]string, len(req.RunIDs))
	for _, runID := range req.RunIDs {
		run, err := h.runs.GetByRunID(r.Context(), runID)
		if err != nil {
			results[runID] = "not_found"
			continue
		}
		root, err := h.roots.GetByID(r.Context(), run.StorageRootID)
		if err != nil {
			results[runID] = "error"
			continue
		}
		if err := discovery.SoftDeleteRun(filepath.Join(root.Root, run.RunDir), "user requested"); err != nil {
			results[runID] = "error"
			continue
		}
		results[runID] = "deleted"
	}
	Ok(w, results)
}

// Restore handles POST /api/recycle-bin/restore.
func (h *RunHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req runIDsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	results := make(map[string]string, len(req.RunIDs))
	for _, runID := range req.RunIDs {
		run, err := h.runs.GetByRunID(r.Context(), runID)
		if err != nil {
			results[runID] = "not_found"
			continue
		}
		root, err := h.roots.GetByID(r.Context(), run.StorageRootID)
		if err != nil {
			results[runID] = "error"
			continue
		}
		if err := discovery.RestoreRun(filepath.Join(root.Root, run.RunDir)); err != nil {
			results[runID] = "error"
			continue
		}
		results[runID] = "restored"
	}
	Ok(w, results)
}

// Empty handles POST /api/recycle-bin/empty?confirm=true. For each run_id in
// the request body it permanently deletes the run's index record, whether or
// not the run is soft-deleted, and reclaims orphaned asset rows via the
// Service's transactional cascade. Run directories on disk and archived blobs
// are left in place.
func (h *RunHandler) Empty(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		ErrBadRequest(w, "must pass confirm=true to permanently delete")
		return
	}

	var req runIDsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	deleted := make([]string, 0, len(req.RunIDs))
	for _, runID := range req.RunIDs {
		if _, _, err := h.svc.DeleteRunWithOrphanAssets(r.Context(), runID); err != nil {
			h.logger.Warn("failed to permanently delete run", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		deleted = append(deleted, runID)
	}
	Ok(w, map[string]any{"deleted": deleted})
}
