package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormAssetRepository is the GORM implementation of AssetRepository.
type gormAssetRepository struct {
	db *gorm.DB
}

// NewAssetRepository returns an AssetRepository backed by the provided *gorm.DB.
func NewAssetRepository(db *gorm.DB) AssetRepository {
	return &gormAssetRepository{db: db}
}

// Upsert inserts asset. When asset.Fingerprint is non-empty and a row with
// the same (asset_type, fingerprint) already exists, the existing row wins:
// asset is overwritten in place with the stored values so the caller picks up
// its ID and AssetID instead of creating a duplicate logical asset. This is
// the mechanism behind spec's content-addressed asset dedup.
func (r *gormAssetRepository) Upsert(ctx context.Context, asset *index.Asset) error {
	if asset.Fingerprint != "" {
		existing, err := r.GetByTypeFingerprint(ctx, asset.AssetType, asset.Fingerprint)
		if err == nil {
			*asset = *existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if err := r.db.WithContext(ctx).Create(asset).Error; err != nil {
		return fmt.Errorf("assets: upsert: %w", err)
	}
	return nil
}

// GetByAssetID retrieves an asset by its opaque AssetID. Returns ErrNotFound
// if no record exists.
func (r *gormAssetRepository) GetByAssetID(ctx context.Context, assetID string) (*index.Asset, error) {
	var asset index.Asset
	err := r.db.WithContext(ctx).First(&asset, "asset_id = ?", assetID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("assets: get by asset id: %w", err)
	}
	return &asset, nil
}

// GetByID retrieves an asset by its primary key.
func (r *gormAssetRepository) GetByID(ctx context.Context, id uuid.UUID) (*index.Asset, error) {
	var asset index.Asset
	err := r.db.WithContext(ctx).First(&asset, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("assets: get by id: %w", err)
	}
	return &asset, nil
}

// GetByTypeFingerprint looks up the asset that owns (assetType, fingerprint),
// the pair spec's dedup invariant is keyed on.
func (r *gormAssetRepository) GetByTypeFingerprint(ctx context.Context, assetType index.AssetType, fingerprint string) (*index.Asset, error) {
	var asset index.Asset
	err := r.db.WithContext(ctx).
		First(&asset, "asset_type = ? AND fingerprint = ?", assetType, fingerprint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("assets: get by type+fingerprint: %w", err)
	}
	return &asset, nil
}

// Delete removes the cached row for id. It does not touch the blob store;
// callers coordinate with blob cleanup separately (see Service.DeleteRunWithOrphanAssets).
func (r *gormAssetRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&index.Asset{})
	if result.Error != nil {
		return fmt.Errorf("assets: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
