package api

import (
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index/repo"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/store"
)

// StorageHandler serves GET /api/storage/stats: blob/manifest disk usage per
// storage root plus the index database's own file size.
type StorageHandler struct {
	roots       repo.StorageRootRepository
	storeFor    func(root string) *store.Store
	indexDBPath string
	logger      *zap.Logger
}

// NewStorageHandler creates a new StorageHandler. storeFor returns (or
// caches) a *store.Store rooted at the given path.
func NewStorageHandler(roots repo.StorageRootRepository, storeFor func(string) *store.Store, indexDBPath string, logger *zap.Logger) *StorageHandler {
	return &StorageHandler{roots: roots, storeFor: storeFor, indexDBPath: indexDBPath, logger: logger.Named("storage_handler")}
}

type storageRootStats struct {
	Root      string          `json:"root"`
	Label     string          `json:"label"`
	BlobStats store.BlobStats `json:"blob_stats"`
}

type storageStatsResponse struct {
	Roots       []storageRootStats `json:"roots"`
	IndexBytes  int64              `json:"index_bytes"`
}

// Stats handles GET /api/storage/stats.
func (h *StorageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	roots, err := h.roots.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list storage roots", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := storageStatsResponse{Roots: make([]storageRootStats, 0, len(roots))}
	for _, root := range roots {
		st := h.storeFor(root.Root)
		stats, err := st.Stats()
		if err != nil {
			h.logger.Warn("failed to compute blob stats", zap.String("root", root.Root), zap.Error(err))
			continue
		}
		resp.Roots = append(resp.Roots, storageRootStats{Root: root.Root, Label: root.Label, BlobStats: stats})
	}

	if fi, err := os.Stat(h.indexDBPath); err == nil {
		resp.IndexBytes = fi.Size()
	}

	Ok(w, resp)
}
