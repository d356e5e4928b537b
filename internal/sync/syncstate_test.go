package sync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync_cursor.json")

	empty, err := loadCursorState(path)
	require.NoError(t, err)
	require.Equal(t, cursorState{}, empty)

	want := cursorState{LastRevision: 5, LastSnapshotID: "snap-5", LastSyncTime: "2026-07-31T00:00:00Z", SyncCount: 2}
	require.NoError(t, saveCursorState(path, want))

	got, err := loadCursorState(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFileStatesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sync_state.json")

	empty, err := loadFileStates(path)
	require.NoError(t, err)
	require.Empty(t, empty)

	want := map[string]fileState{
		"a/meta.json": {Size: 10, Mtime: 100, SyncedAt: "2026-07-31T00:00:00Z"},
	}
	require.NoError(t, saveFileStates(path, want))

	got, err := loadFileStates(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
