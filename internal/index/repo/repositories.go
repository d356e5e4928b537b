// Package repo holds the Index's repository interfaces and their GORM-backed
// implementations. Each repository wraps one table in internal/index's
// schema and translates gorm.ErrRecordNotFound into the package-level
// ErrNotFound so callers never need to import gorm directly.
package repo

import (
	"context"
	"time"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"github.com/google/uuid"
)

// ListOptions contains common pagination and filtering options for list
// queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// RunRepository
// -----------------------------------------------------------------------------

type RunRepository interface {
	Create(ctx context.Context, run *index.Run) error
	GetByRunID(ctx context.Context, runID string) (*index.Run, error)
	Update(ctx context.Context, run *index.Run) error
	UpdateStatus(ctx context.Context, runID string, status string, endedAt *time.Time) error
	// Delete removes only the run row; link and asset cleanup is the
	// Service's job (see Service.DeleteRunWithOrphanAssets).
	Delete(ctx context.Context, runID string) error
	List(ctx context.Context, project string, opts ListOptions) ([]index.Run, int64, error)
	ListByStorageRoot(ctx context.Context, storageRootID uuid.UUID) ([]index.Run, error)
}

// -----------------------------------------------------------------------------
// AssetRepository
// -----------------------------------------------------------------------------

type AssetRepository interface {
	// Upsert inserts asset, or if an asset with the same (asset_type,
	// fingerprint) already exists, leaves the existing row untouched and
	// populates asset.ID/AssetID with the existing record's identity so the
	// caller can link to it instead of creating a duplicate.
	Upsert(ctx context.Context, asset *index.Asset) error
	GetByAssetID(ctx context.Context, assetID string) (*index.Asset, error)
	GetByID(ctx context.Context, id uuid.UUID) (*index.Asset, error)
	GetByTypeFingerprint(ctx context.Context, assetType index.AssetType, fingerprint string) (*index.Asset, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// RunAssetLinkRepository
// -----------------------------------------------------------------------------

type RunAssetLinkRepository interface {
	// Link records that run references asset under role, idempotently.
	Link(ctx context.Context, runID, assetID uuid.UUID, role index.Role) error
	ListAssetsForRun(ctx context.Context, runID uuid.UUID) ([]index.Asset, error)
	ListRunsForAsset(ctx context.Context, assetID uuid.UUID) ([]index.Run, error)
	// CountForAsset returns the number of links pointing at assetID.
	CountForAsset(ctx context.Context, assetID uuid.UUID) (int64, error)
	// DeleteForRun removes every link belonging to runID and returns the
	// distinct set of asset IDs those links referenced, so the caller can
	// check each for orphaning.
	DeleteForRun(ctx context.Context, runID uuid.UUID) ([]uuid.UUID, error)
}

// -----------------------------------------------------------------------------
// StorageRootRepository
// -----------------------------------------------------------------------------

type StorageRootRepository interface {
	Create(ctx context.Context, root *index.StorageRoot) error
	GetByRoot(ctx context.Context, root string) (*index.StorageRoot, error)
	GetByID(ctx context.Context, id uuid.UUID) (*index.StorageRoot, error)
	List(ctx context.Context) ([]index.StorageRoot, error)
	TouchScanned(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// KnownHostRepository
// -----------------------------------------------------------------------------

type KnownHostRepository interface {
	Upsert(ctx context.Context, entry *index.KnownHostEntry) error
	Get(ctx context.Context, host string, port int) (*index.KnownHostEntry, error)
	Delete(ctx context.Context, host string, port int) error
	List(ctx context.Context) ([]index.KnownHostEntry, error)
}
