package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

func TestStoreBlobDedup(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil)

	src := filepath.Join(root, "src.bin")
	writeFile(t, src, "hello world")

	h1, err := s.StoreBlob(src)
	require.NoError(t, err)
	h2, err := s.StoreBlob(src)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	stats, err := s.Stats()
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.BlobCount)
}

func TestArchiveFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil)

	src := filepath.Join(root, "file.txt")
	writeFile(t, src, "payload")

	res, err := s.ArchiveFile(src, "datasets")
	require.NoError(t, err)
	require.Equal(t, "sha256", res.FingerprintKind)

	blob, err := s.ReadBlob(res.Fingerprint)
	require.NoError(t, err)
	defer blob.Close()
	data, err := os.ReadFile(blob.Name())
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestArchiveDirAndRestore(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil)

	srcDir := filepath.Join(root, "dataset")
	writeFile(t, filepath.Join(srcDir, "a.txt"), "aaa")
	writeFile(t, filepath.Join(srcDir, "nested", "b.txt"), "bbb")

	res, err := s.ArchiveDir(srcDir, "datasets")
	require.NoError(t, err)
	require.Equal(t, "sha256_manifest", res.FingerprintKind)
	require.Equal(t, 2, res.FileCount)

	// Re-archiving an identical directory reuses the same manifest.
	res2, err := s.ArchiveDir(srcDir, "datasets")
	require.NoError(t, err)
	require.Equal(t, res.Fingerprint, res2.Fingerprint)

	restoreDir := filepath.Join(root, "restored")
	require.NoError(t, s.RestoreFromManifest(res.ArchivePath, restoreDir, false))

	got, err := os.ReadFile(filepath.Join(restoreDir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "aaa", string(got))

	got, err = os.ReadFile(filepath.Join(restoreDir, "nested", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "bbb", string(got))
}

func TestRestoreFromManifestRejectsEscape(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil)

	srcDir := filepath.Join(root, "d")
	writeFile(t, filepath.Join(srcDir, "x.txt"), "x")
	res, err := s.ArchiveDir(srcDir, "datasets")
	require.NoError(t, err)

	data, err := os.ReadFile(res.ArchivePath)
	require.NoError(t, err)
	tampered := filepath.Join(root, "tampered.json")
	tamperedContent := []byte(`{"files":{"../../escape.txt":{"sha256":"` + extractFirstHash(t, data) + `","size_bytes":1}}}`)
	require.NoError(t, os.WriteFile(tampered, tamperedContent, 0o640))

	err = s.RestoreFromManifest(tampered, filepath.Join(root, "target"), true)
	require.Error(t, err)
}

func extractFirstHash(t *testing.T, manifestJSON []byte) string {
	t.Helper()
	var m Manifest
	require.NoError(t, json.Unmarshal(manifestJSON, &m))
	for _, e := range m.Files {
		return e.SHA256
	}
	t.Fatal("no files in manifest")
	return ""
}
