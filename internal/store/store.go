// Package store implements Runicorn's content-addressed blob store and
// directory manifests (spec §4.2): deduplicated file storage keyed by
// SHA-256, directory manifests with a deterministic fingerprint, and a
// rolling-archive mode for frequently-churning artifacts that bypasses CAS.
//
// Every mutating path here follows the same shape the rest of the module
// uses for any on-disk state: write to a temp file in the destination's own
// directory, then os.Rename into place. A reader never observes a partial
// write.
package store

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Store is the blob store and manifest archiver rooted at one storage root's
// archive/ subtree.
type Store struct {
	root string
	log  *zap.Logger

	blobCount   prometheus.Gauge
	blobBytes   prometheus.Gauge
}

// New returns a Store rooted at <storageRoot>/archive. log may be nil, in
// which case a no-op logger is used.
func New(storageRoot string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		root: filepath.Join(storageRoot, "archive"),
		log:  log,
		blobCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runicorn_blob_count",
			Help: "Number of distinct blobs in the content-addressed store.",
		}),
		blobBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runicorn_blob_bytes_total",
			Help: "Total bytes occupied by blobs in the content-addressed store.",
		}),
	}
}

// Collectors returns the store's Prometheus gauges so callers can register
// them with a registry.
func (s *Store) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.blobCount, s.blobBytes}
}

func (s *Store) blobsDir() string     { return filepath.Join(s.root, "blobs") }
func (s *Store) manifestsDir() string { return filepath.Join(s.root, "manifests") }
func (s *Store) rollingDir() string   { return filepath.Join(s.root, "outputs", "rolling") }

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.blobsDir(), hash[:2], hash)
}

func (s *Store) manifestPath(category, fp string) string {
	return filepath.Join(s.manifestsDir(), category, fp[:2], fp+".json")
}

// ManifestEntry is one file within a directory manifest.
type ManifestEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size_bytes"`
}

// Manifest is the JSON document written by ArchiveDir and consumed by
// RestoreFromManifest.
type Manifest struct {
	CreatedAt      int64                    `json:"created_at"`
	SourcePath     string                   `json:"source_path"`
	Fingerprint    string                   `json:"fingerprint"`
	TotalSizeBytes int64                    `json:"total_size_bytes"`
	FileCount      int                      `json:"file_count"`
	Files          map[string]ManifestEntry `json:"files"`
}

// BlobStats is the return value of Stats.
type BlobStats struct {
	BlobCount      int64
	TotalSizeBytes int64
}

// atomicWrite writes data to a temp file in dir, then renames it to the
// final name, so a reader never sees a partially written file.
func atomicWrite(dir, finalPath string, write func(f *os.File) error) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("store: mkdir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file in %q: %w", dir, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file %q: %w", tmpPath, err)
	}
	if err := renameInto(tmpPath, finalPath); err != nil {
		return fmt.Errorf("store: rename %q -> %q: %w", tmpPath, finalPath, err)
	}
	success = true
	return nil
}

// renameInto performs os.Rename, removing any pre-existing destination
// first on platforms where rename-over-existing is not atomic (Windows).
func renameInto(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		if os.IsExist(err) {
			if rmErr := os.Remove(dst); rmErr == nil {
				return os.Rename(src, dst)
			}
		}
		return err
	}
	return nil
}

// hashFile streams src through SHA-256 without buffering the whole file in
// memory, matching the streaming style of restic's progress-piped exec
// wrapper this module's ambient I/O idiom is grounded on.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// StoreBlob copies srcPath into the content-addressed store if it is not
// already present, and returns its SHA-256 digest. Concurrent callers racing
// on the same hash both succeed: the rename is atomic and the destination
// path is a pure function of content.
func (s *Store) StoreBlob(srcPath string) (string, error) {
	hash, _, err := hashFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("store: hash %q: %w", srcPath, err)
	}

	dst := s.blobPath(hash)
	if _, err := os.Stat(dst); err == nil {
		return hash, nil // already present, no copy
	}

	dir := filepath.Dir(dst)
	err = atomicWrite(dir, dst, func(tmp *os.File) error {
		src, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tmp, src)
		return err
	})
	if err != nil {
		// Another writer may have raced us to the same hash and won; that is
		// success, not failure, since content is identical by definition.
		if _, statErr := os.Stat(dst); statErr == nil {
			return hash, nil
		}
		return "", fmt.Errorf("store: write blob %q: %w", hash, err)
	}

	s.log.Debug("stored blob", zap.String("hash", hash))
	return hash, nil
}

// ReadBlob opens the blob with the given hash for reading.
func (s *Store) ReadBlob(hash string) (*os.File, error) {
	return os.Open(s.blobPath(hash))
}

// ArchiveResult is returned by ArchiveFile, ArchiveDir and the rolling-mode
// archive functions in rolling.go.
type ArchiveResult struct {
	FingerprintKind string // "sha256", "sha256_manifest" or "stat"
	Fingerprint     string
	ArchivePath     string
	FileCount       int   // only meaningful for directories
	TotalSizeBytes  int64
}

// ArchiveFile stores a single file as a blob under category and returns its
// fingerprint. category only affects the logical name used by callers; the
// physical blob location is content-addressed regardless.
func (s *Store) ArchiveFile(srcPath, category string) (ArchiveResult, error) {
	hash, size, err := s.storeBlobWithSize(srcPath)
	if err != nil {
		return ArchiveResult{}, err
	}
	return ArchiveResult{
		FingerprintKind: "sha256",
		Fingerprint:     hash,
		ArchivePath:     s.blobPath(hash),
		FileCount:       1,
		TotalSizeBytes:  size,
	}, nil
}

func (s *Store) storeBlobWithSize(srcPath string) (string, int64, error) {
	hash, size, err := hashFile(srcPath)
	if err != nil {
		return "", 0, fmt.Errorf("store: hash %q: %w", srcPath, err)
	}
	if _, err := s.StoreBlob(srcPath); err != nil {
		return "", 0, err
	}
	return hash, size, nil
}

// fingerprintManifest computes the manifest's deterministic fingerprint:
// SHA-256 over the canonical serialization NUL(rel) || NUL(sha) || ... for
// entries sorted by rel path.
func fingerprintManifest(files map[string]ManifestEntry) string {
	rels := make([]string, 0, len(files))
	for rel := range files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	h := sha256.New()
	for _, rel := range rels {
		entry := files[rel]
		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write([]byte(entry.SHA256))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ArchiveDir walks srcDir, stores each regular file as a blob, computes the
// manifest's deterministic fingerprint, and writes the manifest atomically
// — unless a manifest with an identical fingerprint already exists, in which
// case the existing file is left untouched.
func (s *Store) ArchiveDir(srcDir, category string) (ArchiveResult, error) {
	files := make(map[string]ManifestEntry)
	var total int64

	err := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		hash, size, err := s.storeBlobWithSize(path)
		if err != nil {
			return err
		}
		files[rel] = ManifestEntry{SHA256: hash, Size: size}
		total += size
		return nil
	})
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("store: walk %q: %w", srcDir, err)
	}

	fp := fingerprintManifest(files)
	manifestPath := s.manifestPath(category, fp)

	if _, err := os.Stat(manifestPath); err == nil {
		return ArchiveResult{
			FingerprintKind: "sha256_manifest",
			Fingerprint:     fp,
			ArchivePath:     manifestPath,
			FileCount:       len(files),
			TotalSizeBytes:  total,
		}, nil
	}

	m := Manifest{
		SourcePath:     srcDir,
		Fingerprint:    fp,
		TotalSizeBytes: total,
		FileCount:      len(files),
		Files:          files,
	}
	if err := s.writeManifest(manifestPath, &m); err != nil {
		return ArchiveResult{}, err
	}

	return ArchiveResult{
		FingerprintKind: "sha256_manifest",
		Fingerprint:     fp,
		ArchivePath:     manifestPath,
		FileCount:       len(files),
		TotalSizeBytes:  total,
	}, nil
}

func (s *Store) writeManifest(path string, m *Manifest) error {
	return atomicWrite(filepath.Dir(path), path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		return enc.Encode(m)
	})
}

// RestoreFromManifest rebuilds targetDir from the blobs referenced by the
// manifest at manifestPath. Path safety: every relative path in the
// manifest is joined under targetDir and verified to still resolve inside
// it, so a crafted manifest can never write outside the target.
func (s *Store) RestoreFromManifest(manifestPath, targetDir string, overwrite bool) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("store: read manifest %q: %w", manifestPath, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("store: parse manifest %q: %w", manifestPath, err)
	}

	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return err
	}

	for rel, entry := range m.Files {
		dst := filepath.Join(absTarget, filepath.FromSlash(rel))
		absDst, err := filepath.Abs(dst)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(absDst, absTarget+string(filepath.Separator)) && absDst != absTarget {
			return fmt.Errorf("store: manifest entry %q escapes target directory", rel)
		}

		if !overwrite {
			if _, err := os.Stat(absDst); err == nil {
				continue
			}
		}

		if err := s.restoreBlobTo(entry.SHA256, absDst); err != nil {
			return fmt.Errorf("store: restore %q: %w", rel, err)
		}
	}
	return nil
}

func (s *Store) restoreBlobTo(hash, dst string) error {
	return atomicWrite(filepath.Dir(dst), dst, func(f *os.File) error {
		blob, err := s.ReadBlob(hash)
		if err != nil {
			return err
		}
		defer blob.Close()
		_, err = io.Copy(f, blob)
		return err
	})
}

// ExportManifestToZip packages every file referenced by the manifest at
// manifestPath into a deflate-compressed zip at zipPath.
func (s *Store) ExportManifestToZip(manifestPath, zipPath string) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("store: read manifest %q: %w", manifestPath, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("store: parse manifest %q: %w", manifestPath, err)
	}

	return atomicWrite(filepath.Dir(zipPath), zipPath, func(f *os.File) error {
		zw := zip.NewWriter(f)
		rels := make([]string, 0, len(m.Files))
		for rel := range m.Files {
			rels = append(rels, rel)
		}
		sort.Strings(rels)

		for _, rel := range rels {
			entry := m.Files[rel]
			w, err := zw.CreateHeader(&zip.FileHeader{Name: rel, Method: zip.Deflate})
			if err != nil {
				return err
			}
			blob, err := s.ReadBlob(entry.SHA256)
			if err != nil {
				return err
			}
			_, err = io.Copy(w, blob)
			blob.Close()
			if err != nil {
				return err
			}
		}
		return zw.Close()
	})
}

// Stats returns aggregate blob store size, also refreshing the Prometheus
// gauges exposed via Collectors.
func (s *Store) Stats() (BlobStats, error) {
	var stats BlobStats
	err := filepath.WalkDir(s.blobsDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.BlobCount++
		stats.TotalSizeBytes += info.Size()
		return nil
	})
	if err != nil {
		return BlobStats{}, fmt.Errorf("store: stats: %w", err)
	}
	s.blobCount.Set(float64(stats.BlobCount))
	s.blobBytes.Set(float64(stats.TotalSizeBytes))
	return stats, nil
}
