package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormStorageRootRepository is the GORM implementation of StorageRootRepository.
type gormStorageRootRepository struct {
	db *gorm.DB
}

// NewStorageRootRepository returns a StorageRootRepository backed by the
// provided *gorm.DB.
func NewStorageRootRepository(db *gorm.DB) StorageRootRepository {
	return &gormStorageRootRepository{db: db}
}

// Create registers a new storage root with the index.
func (r *gormStorageRootRepository) Create(ctx context.Context, root *index.StorageRoot) error {
	if err := r.db.WithContext(ctx).Create(root).Error; err != nil {
		return fmt.Errorf("storage_roots: create: %w", err)
	}
	return nil
}

// GetByRoot retrieves a storage root by its filesystem path. Returns
// ErrNotFound if no record exists.
func (r *gormStorageRootRepository) GetByRoot(ctx context.Context, root string) (*index.StorageRoot, error) {
	var sr index.StorageRoot
	err := r.db.WithContext(ctx).First(&sr, "root = ?", root).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage_roots: get by root: %w", err)
	}
	return &sr, nil
}

// GetByID retrieves a storage root by its UUID.
func (r *gormStorageRootRepository) GetByID(ctx context.Context, id uuid.UUID) (*index.StorageRoot, error) {
	var sr index.StorageRoot
	err := r.db.WithContext(ctx).First(&sr, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage_roots: get by id: %w", err)
	}
	return &sr, nil
}

// List returns every registered storage root, used by Storage Discovery to
// decide which trees the background liveness checker should sweep.
func (r *gormStorageRootRepository) List(ctx context.Context) ([]index.StorageRoot, error) {
	var roots []index.StorageRoot
	if err := r.db.WithContext(ctx).Order("root ASC").Find(&roots).Error; err != nil {
		return nil, fmt.Errorf("storage_roots: list: %w", err)
	}
	return roots, nil
}

// TouchScanned records that Storage Discovery just completed a scan of this
// root.
func (r *gormStorageRootRepository) TouchScanned(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&index.StorageRoot{}).
		Where("id = ?", id).
		Update("last_scanned_at", now)
	if result.Error != nil {
		return fmt.Errorf("storage_roots: touch scanned: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
