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

// gormRunRepository is the GORM implementation of RunRepository.
type gormRunRepository struct {
	db *gorm.DB
}

// NewRunRepository returns a RunRepository backed by the provided *gorm.DB.
func NewRunRepository(db *gorm.DB) RunRepository {
	return &gormRunRepository{db: db}
}

// Create inserts a new run record, mirroring the run's meta.json at the time
// Storage Discovery (or the Run Writer itself, on start) first observed it.
func (r *gormRunRepository) Create(ctx context.Context, run *index.Run) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

// GetByRunID retrieves a run by its on-disk run_id. Returns ErrNotFound if no
// record exists.
func (r *gormRunRepository) GetByRunID(ctx context.Context, runID string) (*index.Run, error) {
	var run index.Run
	err := r.db.WithContext(ctx).First(&run, "run_id = ?", runID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get by run id: %w", err)
	}
	return &run, nil
}

// Update persists all mutable fields of run.
func (r *gormRunRepository) Update(ctx context.Context, run *index.Run) error {
	if err := r.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("runs: update: %w", err)
	}
	return nil
}

// UpdateStatus transitions a run's status and, for terminal statuses, records
// endedAt. Used by the Run Writer's status transition and by Storage
// Discovery's liveness checker when it demotes a dead run to "failed".
func (r *gormRunRepository) UpdateStatus(ctx context.Context, runID string, status string, endedAt *time.Time) error {
	updates := map[string]any{"status": status}
	if endedAt != nil {
		updates["ended_at"] = *endedAt
	}
	result := r.db.WithContext(ctx).Model(&index.Run{}).Where("run_id = ?", runID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("runs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the index's cached record for a run. It does not touch the
// on-disk run directory, the run's links, or any asset. Prefer
// Service.DeleteRunWithOrphanAssets for the full cascade.
func (r *gormRunRepository) Delete(ctx context.Context, runID string) error {
	result := r.db.WithContext(ctx).Where("run_id = ?", runID).Delete(&index.Run{})
	if result.Error != nil {
		return fmt.Errorf("runs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of runs, optionally filtered by project, most
// recently started first.
func (r *gormRunRepository) List(ctx context.Context, project string, opts ListOptions) ([]index.Run, int64, error) {
	var runs []index.Run
	var total int64

	q := r.db.WithContext(ctx).Model(&index.Run{})
	if project != "" {
		q = q.Where("project = ?", project)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list count: %w", err)
	}

	q = r.db.WithContext(ctx)
	if project != "" {
		q = q.Where("project = ?", project)
	}
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list: %w", err)
	}

	return runs, total, nil
}

// ListByStorageRoot returns every indexed run under the given storage root,
// used by Storage Discovery's liveness sweep.
func (r *gormRunRepository) ListByStorageRoot(ctx context.Context, storageRootID uuid.UUID) ([]index.Run, error) {
	var runs []index.Run
	if err := r.db.WithContext(ctx).
		Where("storage_root_id = ?", storageRootID).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list by storage root: %w", err)
	}
	return runs, nil
}
