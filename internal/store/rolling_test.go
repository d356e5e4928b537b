package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsLogLike(t *testing.T) {
	cases := map[string]bool{
		"train.log":      true,
		"output.txt":      true,
		"training_log":    true,
		"checkpoint.ckpt": false,
		"model.pt":        false,
	}
	for name, want := range cases {
		require.Equal(t, want, IsLogLike(name), name)
	}
}

func TestArchiveFileOverwriteStatFingerprintStable(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil)

	src := filepath.Join(root, "train.log")
	require.NoError(t, os.WriteFile(src, []byte("line one\n"), 0o640))

	r1, err := s.ArchiveFileOverwriteStat("run1", "logs", "train.log", src)
	require.NoError(t, err)

	r2, err := s.ArchiveFileOverwriteStat("run1", "logs", "train.log", src)
	require.NoError(t, err)

	// The source is unchanged between the two calls, so its size/mtime
	// fingerprint, the fingerprint kind and the archive path all stay stable.
	require.Equal(t, "stat", r1.FingerprintKind)
	require.Equal(t, r1.Fingerprint, r2.Fingerprint)
	require.Equal(t, r1.ArchivePath, r2.ArchivePath)
}

func TestSafeSanitizesKey(t *testing.T) {
	require.Equal(t, "a_b_c", safe("a/b c"))
	require.Equal(t, "_", safe("///"))
}
