package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeTestRun(t *testing.T, storageRoot, project, path, runID string) string {
	t.Helper()
	dir := filepath.Join(storageRoot, "runs", project, path, runID)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"),
		[]byte(`{"id":"`+runID+`","path":"`+project+`/`+path+`","created_at":"2026-07-31T00:00:00Z"}`), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status.json"),
		[]byte(`{"status":"running","started_at":"2026-07-31T00:00:00Z"}`), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events.jsonl"), []byte(`{"ts":1}`+"\n"), 0o640))
	return dir
}

func TestGenerateManifestFull(t *testing.T) {
	root := t.TempDir()
	writeTestRun(t, root, "vision", "resnet", "20260731_000000_abcdef")

	manifest, err := GenerateManifest(GeneratorConfig{StorageRoot: root, ManifestType: "full"}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, int64(1), manifest.Revision)
	require.Len(t, manifest.Experiments, 1)

	exp := manifest.Experiments[0]
	require.Equal(t, "vision", exp.Project)
	require.Equal(t, "resnet", exp.Name)

	var gotEvents bool
	for _, f := range exp.Files {
		if f.Path == "vision/resnet/runs/20260731_000000_abcdef/events.jsonl" {
			gotEvents = true
			require.True(t, f.IsAppendOnly)
			require.NotEmpty(t, f.TailHash)
		}
	}
	require.True(t, gotEvents)

	_, err = os.Stat(filepath.Join(root, ".runicorn", "full_manifest.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, ".runicorn", "full_manifest.json.gz"))
	require.NoError(t, err)
}

func TestGenerateManifestRevisionIncrements(t *testing.T) {
	root := t.TempDir()
	writeTestRun(t, root, "vision", "resnet", "20260731_000000_abcdef")

	first, err := GenerateManifest(GeneratorConfig{StorageRoot: root, ManifestType: "full"}, zap.NewNop())
	require.NoError(t, err)
	second, err := GenerateManifest(GeneratorConfig{StorageRoot: root, ManifestType: "full"}, zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, first.Revision+1, second.Revision)
}

func TestGenerateManifestActiveWindowExcludesStaleRuns(t *testing.T) {
	root := t.TempDir()
	dir := writeTestRun(t, root, "vision", "resnet", "20260731_000000_abcdef")

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	manifest, err := GenerateManifest(GeneratorConfig{
		StorageRoot: root, ManifestType: "active", ActiveWindowSeconds: int64((time.Hour).Seconds()),
	}, zap.NewNop())
	require.NoError(t, err)
	require.Empty(t, manifest.Experiments)
}
