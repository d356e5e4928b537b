package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := New(Config{Path: dbPath, Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	return NewService(db, zap.NewNop())
}

func newTestStorageRoot(t *testing.T, svc *Service) StorageRoot {
	t.Helper()
	root := StorageRoot{Root: t.TempDir()}
	require.NoError(t, svc.db.WithContext(context.Background()).Create(&root).Error)
	return root
}

func TestUpsertRunCreatesThenUpdates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := newTestStorageRoot(t, svc)

	run := &Run{RunID: "20260115_142301_a91f3c", Project: "vision", Status: "running", StartedAt: time.Now(), StorageRootID: root.ID, RunDir: "runs/vision/20260115_142301_a91f3c"}
	require.NoError(t, svc.UpsertRun(ctx, run))
	require.NotEqual(t, "", run.ID.String())

	run.Status = "finished"
	require.NoError(t, svc.UpsertRun(ctx, run))

	var got Run
	require.NoError(t, svc.db.WithContext(ctx).First(&got, "run_id = ?", run.RunID).Error)
	require.Equal(t, "finished", got.Status)
}

func TestRecordAssetForRunDeduplicatesByFingerprint(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := newTestStorageRoot(t, svc)

	runA := &Run{RunID: "run-a", Project: "p", StartedAt: time.Now(), StorageRootID: root.ID, RunDir: "runs/p/run-a"}
	runB := &Run{RunID: "run-b", Project: "p", StartedAt: time.Now(), StorageRootID: root.ID, RunDir: "runs/p/run-b"}
	require.NoError(t, svc.UpsertRun(ctx, runA))
	require.NoError(t, svc.UpsertRun(ctx, runB))

	assetA := &Asset{AssetID: "asset-a", AssetType: AssetTypeDataset, Name: "train.csv", FingerprintKind: FingerprintSHA256, Fingerprint: "deadbeef"}
	require.NoError(t, svc.RecordAssetForRun(ctx, runA.ID, assetA, RoleDataset))

	assetB := &Asset{AssetID: "asset-b", AssetType: AssetTypeDataset, Name: "train-copy.csv", FingerprintKind: FingerprintSHA256, Fingerprint: "deadbeef"}
	require.NoError(t, svc.RecordAssetForRun(ctx, runB.ID, assetB, RoleDataset))

	// Same (asset_type, fingerprint): assetB's upsert should have resolved to
	// assetA's existing row instead of creating a new one.
	require.Equal(t, assetA.ID, assetB.ID)
	require.Equal(t, "asset-a", assetB.AssetID)

	count, err := svc.GetAssetRefCount(ctx, assetA.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestDeleteRunWithOrphanAssets(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := newTestStorageRoot(t, svc)

	runA := &Run{RunID: "run-a", Project: "p", StartedAt: time.Now(), StorageRootID: root.ID, RunDir: "runs/p/run-a"}
	runB := &Run{RunID: "run-b", Project: "p", StartedAt: time.Now(), StorageRootID: root.ID, RunDir: "runs/p/run-b"}
	require.NoError(t, svc.UpsertRun(ctx, runA))
	require.NoError(t, svc.UpsertRun(ctx, runB))

	shared := &Asset{AssetID: "shared", AssetType: AssetTypeCodeSnapshot, Name: "code", FingerprintKind: FingerprintSHA256, Fingerprint: "shared-hash"}
	require.NoError(t, svc.RecordAssetForRun(ctx, runA.ID, shared, RoleCode))
	require.NoError(t, svc.LinkRunAsset(ctx, runB.ID, shared.ID, RoleCode))

	solo := &Asset{AssetID: "solo", AssetType: AssetTypeOutput, Name: "model.pt", FingerprintKind: FingerprintSHA256, Fingerprint: "solo-hash"}
	require.NoError(t, svc.RecordAssetForRun(ctx, runA.ID, solo, RoleOutput))

	orphaned, kept, err := svc.DeleteRunWithOrphanAssets(ctx, runA.RunID)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, "solo", orphaned[0].AssetID)
	require.Len(t, kept, 1)
	require.Equal(t, "shared", kept[0].AssetID)

	_, err = svc.GetRunsForAsset(ctx, solo.ID)
	require.NoError(t, err)

	remaining, err := svc.GetAssetsForRun(ctx, runB.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "shared", remaining[0].AssetID)
}
