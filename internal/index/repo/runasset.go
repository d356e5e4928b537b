package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormRunAssetLinkRepository is the GORM implementation of RunAssetLinkRepository.
type gormRunAssetLinkRepository struct {
	db *gorm.DB
}

// NewRunAssetLinkRepository returns a RunAssetLinkRepository backed by the
// provided *gorm.DB.
func NewRunAssetLinkRepository(db *gorm.DB) RunAssetLinkRepository {
	return &gormRunAssetLinkRepository{db: db}
}

// Link records (runID, assetID, role) idempotently: re-linking an identical
// triple is a no-op rather than a duplicate-key error, since a rolling-mode
// asset gets re-observed by the Output Scanner every archival cycle.
func (r *gormRunAssetLinkRepository) Link(ctx context.Context, runID, assetID uuid.UUID, role index.Role) error {
	link := index.RunAssetLink{RunID: runID, AssetID: assetID, Role: role, CreatedAt: time.Now()}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&link).Error
	if err != nil {
		return fmt.Errorf("run_assets: link: %w", err)
	}
	return nil
}

// ListAssetsForRun returns every asset linked to runID, in any role.
func (r *gormRunAssetLinkRepository) ListAssetsForRun(ctx context.Context, runID uuid.UUID) ([]index.Asset, error) {
	var assets []index.Asset
	err := r.db.WithContext(ctx).
		Joins("JOIN run_assets ON run_assets.asset_id = assets.id").
		Where("run_assets.run_id = ?", runID).
		Order("assets.name ASC").
		Find(&assets).Error
	if err != nil {
		return nil, fmt.Errorf("run_assets: list assets for run: %w", err)
	}
	return assets, nil
}

// ListRunsForAsset returns every run that links assetID in any role.
func (r *gormRunAssetLinkRepository) ListRunsForAsset(ctx context.Context, assetID uuid.UUID) ([]index.Run, error) {
	var runs []index.Run
	err := r.db.WithContext(ctx).
		Joins("JOIN run_assets ON run_assets.run_id = runs.id").
		Where("run_assets.asset_id = ?", assetID).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("run_assets: list runs for asset: %w", err)
	}
	return runs, nil
}

// CountForAsset returns how many links currently point at assetID, across all
// runs and roles. A count of zero means the asset is orphaned.
func (r *gormRunAssetLinkRepository) CountForAsset(ctx context.Context, assetID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&index.RunAssetLink{}).
		Where("asset_id = ?", assetID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("run_assets: count for asset: %w", err)
	}
	return count, nil
}

// DeleteForRun removes every link belonging to runID and returns the distinct
// set of asset IDs those links referenced, so the caller can check each for
// orphaning before finishing the run's deletion.
func (r *gormRunAssetLinkRepository) DeleteForRun(ctx context.Context, runID uuid.UUID) ([]uuid.UUID, error) {
	var assetIDs []uuid.UUID
	tx := r.db.WithContext(ctx).
		Model(&index.RunAssetLink{}).
		Where("run_id = ?", runID).
		Distinct().
		Pluck("asset_id", &assetIDs)
	if tx.Error != nil {
		return nil, fmt.Errorf("run_assets: collect asset ids: %w", tx.Error)
	}

	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Delete(&index.RunAssetLink{}).Error; err != nil {
		return nil, fmt.Errorf("run_assets: delete for run: %w", err)
	}
	return assetIDs, nil
}
