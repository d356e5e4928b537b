package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index/repo"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service is the facade the rest of Runicorn talks to instead of the raw
// repositories. It owns the multi-table operations spec.md §4.3 names —
// upserting a run, linking an asset, and most importantly deleting a run
// while reclaiming any asset that deletion orphans — each inside a single
// database transaction.
type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewService wraps an open index database.
func NewService(db *gorm.DB, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, log: log.Named("index")}
}

// DB returns the underlying *gorm.DB, for callers that need a repository
// this facade does not expose directly (e.g. StorageRootRepository).
func (s *Service) DB() *gorm.DB {
	return s.db
}

// UpsertRun inserts run if its RunID is new, or updates the mutable fields of
// the existing row otherwise. Storage Discovery and the Run Writer's startup
// path both call this whenever they observe a run directory.
func (s *Service) UpsertRun(ctx context.Context, run *Run) error {
	runs := repo.NewRunRepository(s.db)
	existing, err := runs.GetByRunID(ctx, run.RunID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return runs.Create(ctx, run)
	}
	run.ID = existing.ID
	return runs.Update(ctx, run)
}

// FinishRun transitions a run to a terminal status and records its end time.
func (s *Service) FinishRun(ctx context.Context, runID string, status string, endedAt time.Time) error {
	return repo.NewRunRepository(s.db).UpdateStatus(ctx, runID, status, &endedAt)
}

// UpsertAsset records asset, deduplicating on (asset_type, fingerprint) when
// asset.Fingerprint is set. On a dedup hit, asset is rewritten in place to the
// existing row so the caller links against the asset that already owns the
// archived content rather than creating a second logical asset for identical
// bytes.
func (s *Service) UpsertAsset(ctx context.Context, asset *Asset) error {
	return repo.NewAssetRepository(s.db).Upsert(ctx, asset)
}

// LinkRunAsset records that run references asset under role.
func (s *Service) LinkRunAsset(ctx context.Context, runID, assetID uuid.UUID, role Role) error {
	return repo.NewRunAssetLinkRepository(s.db).Link(ctx, runID, assetID, role)
}

// RecordAssetForRun is the composite helper the Output Scanner and Run Writer
// use: it upserts the asset (deduplicating on fingerprint) and links it to
// the run under role in one call. The asset's final identity is left in
// *asset.
func (s *Service) RecordAssetForRun(ctx context.Context, runID uuid.UUID, asset *Asset, role Role) error {
	if err := s.UpsertAsset(ctx, asset); err != nil {
		return fmt.Errorf("index: record asset for run: upsert asset: %w", err)
	}
	if err := s.LinkRunAsset(ctx, runID, asset.ID, role); err != nil {
		return fmt.Errorf("index: record asset for run: link: %w", err)
	}
	return nil
}

// GetAssetsForRun returns every asset linked to runID, across all roles.
func (s *Service) GetAssetsForRun(ctx context.Context, runID uuid.UUID) ([]Asset, error) {
	return repo.NewRunAssetLinkRepository(s.db).ListAssetsForRun(ctx, runID)
}

// GetRunsForAsset returns every run that links assetID.
func (s *Service) GetRunsForAsset(ctx context.Context, assetID uuid.UUID) ([]Run, error) {
	return repo.NewRunAssetLinkRepository(s.db).ListRunsForAsset(ctx, assetID)
}

// GetAssetRefCount returns how many run-asset links currently reference
// assetID.
func (s *Service) GetAssetRefCount(ctx context.Context, assetID uuid.UUID) (int64, error) {
	return repo.NewRunAssetLinkRepository(s.db).CountForAsset(ctx, assetID)
}

// DeleteRunWithOrphanAssets deletes a run and every one of its run-asset
// links, then deletes any asset whose link count dropped to zero as a
// result. Everything happens inside one transaction: either the run, its
// links, and its now-orphaned assets all disappear from the index together,
// or none of them do.
//
// The caller is responsible for removing the orphaned assets' backing blobs
// and manifests from the blob store — this method only returns the orphaned
// asset rows so the caller can do so after the transaction commits, matching spec.md's
// "the caller is responsible for blob/manifest file deletion" wording.
func (s *Service) DeleteRunWithOrphanAssets(ctx context.Context, runID string) (orphaned []Asset, kept []Asset, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		runs := repo.NewRunRepository(tx)
		links := repo.NewRunAssetLinkRepository(tx)
		assets := repo.NewAssetRepository(tx)

		run, getErr := runs.GetByRunID(ctx, runID)
		if getErr != nil {
			return getErr
		}

		assetIDs, delErr := links.DeleteForRun(ctx, run.ID)
		if delErr != nil {
			return delErr
		}

		for _, assetID := range assetIDs {
			count, countErr := links.CountForAsset(ctx, assetID)
			if countErr != nil {
				return countErr
			}
			asset, getAssetErr := assets.GetByID(ctx, assetID)
			if getAssetErr != nil {
				return getAssetErr
			}
			if count == 0 {
				if delAssetErr := assets.Delete(ctx, assetID); delAssetErr != nil {
					return delAssetErr
				}
				orphaned = append(orphaned, *asset)
			} else {
				kept = append(kept, *asset)
			}
		}

		return runs.Delete(ctx, runID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("index: delete run with orphan assets: %w", err)
	}

	s.log.Info("deleted run",
		zap.String("run_id", runID),
		zap.Int("orphaned_assets", len(orphaned)),
		zap.Int("kept_assets", len(kept)),
	)
	return orphaned, kept, nil
}
