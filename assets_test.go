package runicorn

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogDatasetReferenceOnlyForMissingPath(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)
	defer r.Finish("finished")

	require.NoError(t, r.LogDataset("missing", "/nonexistent/path/does/not/exist", true, "synthetic"))

	require.Len(t, r.assetsDoc.Datasets, 1)
	ref := r.assetsDoc.Datasets[0]
	require.Equal(t, "missing", ref.Name)
	require.False(t, ref.IsArchived)
	require.Equal(t, "synthetic", ref.Description)
}

func TestLogDatasetStatFingerprintWithoutSave(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)
	defer r.Finish("finished")

	datasetFile := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(datasetFile, []byte("a,b,c\n1,2,3\n"), 0o644))

	require.NoError(t, r.LogDataset("data", datasetFile, false, ""))

	require.Len(t, r.assetsDoc.Datasets, 1)
	ref := r.assetsDoc.Datasets[0]
	require.Equal(t, "stat", ref.FingerprintKind)
	require.NotEmpty(t, ref.Fingerprint)
	require.False(t, ref.IsArchived)
}

func TestLogPretrainedArchivesDirectory(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)
	defer r.Finish("finished")

	weightsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(weightsDir, "weights.bin"), []byte("weights"), 0o644))

	require.NoError(t, r.LogPretrained("resnet50", weightsDir, true, "imagenet checkpoint"))

	require.Len(t, r.assetsDoc.Pretrained, 1)
	ref := r.assetsDoc.Pretrained[0]
	require.True(t, ref.IsArchived)
	require.NotEmpty(t, ref.ArchiveURI)
	require.Equal(t, "imagenet checkpoint", ref.Description)
}

func TestRecordOutputAssetUpsertsByName(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)
	defer r.Finish("finished")

	outFile := filepath.Join(t.TempDir(), "model.pt")
	require.NoError(t, os.WriteFile(outFile, []byte("v1"), 0o644))
	result1, err := r.store.ArchiveFile(outFile, "output")
	require.NoError(t, err)
	require.NoError(t, r.RecordOutputAsset(context.Background(), "output", "model.pt", result1))

	require.NoError(t, os.WriteFile(outFile, []byte("version two, bigger"), 0o644))
	result2, err := r.store.ArchiveFile(outFile, "output")
	require.NoError(t, err)
	require.NoError(t, r.RecordOutputAsset(context.Background(), "output", "model.pt", result2))

	require.Len(t, r.assetsDoc.Outputs, 1)
	require.Equal(t, result2.Fingerprint, r.assetsDoc.Outputs[0].Fingerprint)
}

func TestFingerprintValueStableAcrossEqualMaps(t *testing.T) {
	a, err := fingerprintValue(map[string]any{"lr": 0.01, "epochs": 10})
	require.NoError(t, err)
	b, err := fingerprintValue(map[string]any{"epochs": 10, "lr": 0.01})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestSnapshotCodeArchivesWorkingDirectory(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)
	defer r.Finish("finished")

	require.NoError(t, r.snapshotCode())
	require.NotNil(t, r.assetsDoc.CodeSnapshot)
	require.True(t, r.assetsDoc.CodeSnapshot.IsArchived)
}
