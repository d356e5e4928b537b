package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o640))
}

func TestIterAllRunsCurrentLayout(t *testing.T) {
	root := t.TempDir()
	runDir := filepath.Join(root, "runs", "vision", "20260115_142301_a91f3c")
	writeJSON(t, filepath.Join(runDir, "meta.json"), Meta{ID: "20260115_142301_a91f3c"})

	runs, err := IterAllRuns(root, false)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "20260115_142301_a91f3c", runs[0].RunID)
}

func TestIterAllRunsLegacyLayout(t *testing.T) {
	root := t.TempDir()
	runDir := filepath.Join(root, "vision", "r1", "runs", "20260115_142301_a91f3c")
	writeJSON(t, filepath.Join(runDir, "status.json"), Status{Status: "finished"})

	runs, err := IterAllRuns(root, false)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "vision", runs[0].Project)
	require.Equal(t, "r1", runs[0].Name)
}

func TestIterAllRunsSkipsReservedAndSoftDeleted(t *testing.T) {
	root := t.TempDir()

	reservedRun := filepath.Join(root, "archive", "manifests")
	require.NoError(t, os.MkdirAll(reservedRun, 0o750))

	deletedRun := filepath.Join(root, "vision", "r2", "runs", "deadbeef")
	writeJSON(t, filepath.Join(deletedRun, "meta.json"), Meta{ID: "deadbeef"})
	require.NoError(t, os.WriteFile(filepath.Join(deletedRun, ".deleted"), []byte(`{}`), 0o640))

	runs, err := IterAllRuns(root, false)
	require.NoError(t, err)
	require.Empty(t, runs)

	runs, err = IterAllRuns(root, true)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.True(t, runs[0].Deleted)
}

func TestCorrectLivenessDowngradesDeadLocalRun(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "meta.json"), Meta{Hostname: "myhost", WriterPID: 999999999})
	writeJSON(t, filepath.Join(root, "status.json"), Status{Status: "running"})

	corrected, err := CorrectLiveness(root, "myhost", nil)
	require.NoError(t, err)
	require.True(t, corrected)

	status, err := ReadStatus(root)
	require.NoError(t, err)
	require.Equal(t, "failed", status.Status)
	require.NotNil(t, status.ExitReason)
	require.Equal(t, "process_not_found", *status.ExitReason)
}

func TestCorrectLivenessNeverDowngradesRemoteRun(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "meta.json"), Meta{Hostname: "otherhost", WriterPID: 999999999})
	writeJSON(t, filepath.Join(root, "status.json"), Status{Status: "running"})

	corrected, err := CorrectLiveness(root, "myhost", nil)
	require.NoError(t, err)
	require.False(t, corrected)
}

func TestSoftDeleteAndRestoreRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "status.json"), Status{Status: "finished"})

	require.NoError(t, SoftDeleteRun(root, "user requested"))
	_, err := os.Stat(filepath.Join(root, ".deleted"))
	require.NoError(t, err)

	require.NoError(t, RestoreRun(root))
	_, err = os.Stat(filepath.Join(root, ".deleted"))
	require.True(t, os.IsNotExist(err))
}
