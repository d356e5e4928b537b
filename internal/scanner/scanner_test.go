package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/store"
)

type recordedAsset struct {
	role, name string
	result     store.ArchiveResult
}

type fakeRecorder struct {
	recorded []recordedAsset
}

func (f *fakeRecorder) RecordOutputAsset(ctx context.Context, role, name string, result store.ArchiveResult) error {
	f.recorded = append(f.recorded, recordedAsset{role, name, result})
	return nil
}

func TestScannerArchivesStableFile(t *testing.T) {
	root := t.TempDir()
	watchDir := filepath.Join(root, "outputs")
	require.NoError(t, os.MkdirAll(watchDir, 0o750))
	target := filepath.Join(watchDir, "checkpoint.pt")
	require.NoError(t, os.WriteFile(target, []byte("weights"), 0o640))

	st := store.New(root, nil)
	rec := &fakeRecorder{}

	s := New(Config{
		RunID:          "run1",
		Watches:        []Watch{{Dir: watchDir, Pattern: "*.pt", Key: "checkpoints"}},
		Mode:           ModeRolling,
		StableRequired: 1,
		StatePath:      filepath.Join(root, ".outputs_state.json"),
	}, st, rec, nil)

	s.tick(context.Background())

	require.Len(t, rec.recorded, 1)
	require.Equal(t, "checkpoint.pt", rec.recorded[0].name)
}

func TestScannerDebouncesUnstableFile(t *testing.T) {
	root := t.TempDir()
	watchDir := filepath.Join(root, "outputs")
	require.NoError(t, os.MkdirAll(watchDir, 0o750))
	target := filepath.Join(watchDir, "checkpoint.pt")
	require.NoError(t, os.WriteFile(target, []byte("weights"), 0o640))

	st := store.New(root, nil)
	rec := &fakeRecorder{}

	s := New(Config{
		RunID:          "run1",
		Watches:        []Watch{{Dir: watchDir, Pattern: "*.pt", Key: "checkpoints"}},
		Mode:           ModeRolling,
		StableRequired: 2,
		StatePath:      filepath.Join(root, ".outputs_state.json"),
	}, st, rec, nil)

	s.tick(context.Background())
	require.Empty(t, rec.recorded, "first observation should not yet be stable")

	time.Sleep(5 * time.Millisecond)
	s.tick(context.Background())
	require.Len(t, rec.recorded, 1, "second identical observation should trigger archive")
}
