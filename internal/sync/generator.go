package sync

import (
	"compress/gzip"
	"crypto/md5" //nolint:gosec // MD5 tail-hash matches spec.md's append-only growth check, not a security boundary
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/discovery"
)

// metadataEntries are the fixed priority-1 files a generator includes for
// every run (small, safe to always ship).
var metadataEntries = []string{"meta.json", "status.json", "summary.json", "assets.json"}

// dataEntries are priority-2 essential data files.
var dataEntries = []string{"events.jsonl", "logs.txt", "config.json"}

// appendOnlyFiles get a tail_hash computed and are eligible for
// append_only_grow treatment client-side.
var appendOnlyFiles = map[string]bool{"events.jsonl": true, "logs.txt": true}

const (
	metadataSizeCapBytes = 1 << 20  // 1 MiB — metadata files larger than this are excluded with a warning
	manifestSizeCapBytes = 10 << 20 // 10 MiB
	tailHashBytes        = 4096
)

// GeneratorConfig configures one manifest generation pass.
type GeneratorConfig struct {
	StorageRoot         string
	ManifestType        string // "full" | "active"
	ActiveWindowSeconds int64
	ServerHostname      string
	Now                 time.Time
}

// manifestState is persisted to .runicorn/.manifest_state.json, carrying the
// monotonic revision counter across generator runs.
type manifestState struct {
	LastRevision int64 `json:"last_revision"`
}

// GenerateManifest scans cfg.StorageRoot and writes a SyncManifest plus its
// gzip sibling under <root>/.runicorn/, implementing the server side of the
// Manifest Generator (spec.md §4.6.1). The returned manifest is also handed
// back for callers (e.g. a test, or an HTTP introspection endpoint) that
// want it without re-reading the file.
func GenerateManifest(cfg GeneratorConfig, log *zap.Logger) (*SyncManifest, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ManifestType == "" {
		cfg.ManifestType = "full"
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now().UTC()
	}

	runicornDir := filepath.Join(cfg.StorageRoot, ".runicorn")
	if err := os.MkdirAll(runicornDir, 0o750); err != nil {
		return nil, fmt.Errorf("sync: create .runicorn dir: %w", err)
	}

	runs, err := discovery.IterAllRuns(cfg.StorageRoot, false)
	if err != nil {
		return nil, fmt.Errorf("sync: enumerate runs: %w", err)
	}

	experiments := make([]ManifestExperiment, 0, len(runs))
	for _, rd := range runs {
		if cfg.ManifestType == "active" && !withinActiveWindow(rd.Dir, cfg.ActiveWindowSeconds, cfg.Now) {
			continue
		}

		exp, err := buildExperiment(rd, log)
		if err != nil {
			log.Warn("sync: skipping run in manifest generation", zap.String("run_id", rd.RunID), zap.Error(err))
			continue
		}
		experiments = append(experiments, exp)
	}

	statePath := filepath.Join(runicornDir, ".manifest_state.json")
	var state manifestState
	_ = readJSONFile(statePath, &state) // absent/corrupt state starts fresh at revision 0

	manifest := &SyncManifest{
		FormatVersion:  1,
		ManifestType:   cfg.ManifestType,
		Revision:       state.LastRevision + 1,
		SnapshotID:     newSnapshotID(),
		GeneratedAt:    cfg.Now.Format(time.RFC3339),
		ServerHostname: cfg.ServerHostname,
		RemoteRoot:     cfg.StorageRoot,
		Experiments:    experiments,
	}

	raw, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("sync: marshal manifest: %w", err)
	}
	if len(raw) > manifestSizeCapBytes {
		return nil, fmt.Errorf("sync: manifest size %d exceeds %d byte cap", len(raw), manifestSizeCapBytes)
	}

	name := cfg.ManifestType + "_manifest.json"
	if err := writeAtomicBytes(filepath.Join(runicornDir, name), raw); err != nil {
		return nil, fmt.Errorf("sync: write manifest: %w", err)
	}
	if err := writeGzipSibling(filepath.Join(runicornDir, name+".gz"), raw); err != nil {
		return nil, fmt.Errorf("sync: write manifest gzip sibling: %w", err)
	}

	state.LastRevision = manifest.Revision
	if err := writeJSONAtomic(statePath, state); err != nil {
		return nil, fmt.Errorf("sync: persist manifest state: %w", err)
	}

	return manifest, nil
}

func withinActiveWindow(runDir string, windowSeconds int64, now time.Time) bool {
	info, err := os.Stat(runDir)
	if err != nil {
		return false
	}
	if windowSeconds <= 0 {
		return true
	}
	return now.Sub(info.ModTime()) <= time.Duration(windowSeconds)*time.Second
}

// buildExperiment assembles one manifest experiment entry for a discovered
// run directory, enforcing the metadata size cap and computing tail hashes
// for append-only files.
func buildExperiment(rd discovery.RunDir, log *zap.Logger) (ManifestExperiment, error) {
	meta, err := discovery.ReadMeta(rd.Dir)
	if err != nil {
		return ManifestExperiment{}, fmt.Errorf("read meta.json: %w", err)
	}
	status, err := discovery.ReadStatus(rd.Dir)
	if err != nil {
		return ManifestExperiment{}, fmt.Errorf("read status.json: %w", err)
	}

	project := rd.Project
	name := rd.Name
	if project == "" {
		// Current layout: meta.Path is "<project>/<rest...>" relative to runs/.
		project, name = splitMetaPath(meta.Path)
	}

	relBase := filepath.ToSlash(filepath.Join(project, name, "runs", rd.RunID))

	var files []FileEntry
	for _, fn := range metadataEntries {
		entry, ok, err := statEntry(rd.Dir, relBase, fn, 1)
		if err != nil {
			return ManifestExperiment{}, err
		}
		if !ok {
			continue
		}
		if entry.Size > metadataSizeCapBytes {
			log.Warn("sync: metadata file exceeds cap, excluded from manifest",
				zap.String("run_id", rd.RunID), zap.String("file", fn), zap.Int64("size", entry.Size))
			continue
		}
		files = append(files, entry)
	}
	for _, fn := range dataEntries {
		entry, ok, err := statEntry(rd.Dir, relBase, fn, 2)
		if err != nil {
			return ManifestExperiment{}, err
		}
		if !ok {
			continue
		}
		if appendOnlyFiles[fn] {
			entry.IsAppendOnly = true
			hash, err := tailHash(filepath.Join(rd.Dir, fn))
			if err == nil {
				entry.TailHash = hash
			}
		}
		files = append(files, entry)
	}

	return ManifestExperiment{
		RunID: rd.RunID, Project: project, Name: name,
		Status: status.Status, CreatedAt: meta.CreatedAt,
		UpdatedAt: status.StartedAt, Files: files,
	}, nil
}

func splitMetaPath(path string) (project, name string) {
	idx := -1
	for i, c := range path {
		if c == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

func statEntry(runDir, relBase, fileName string, priority int) (FileEntry, bool, error) {
	fullPath := filepath.Join(runDir, fileName)
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return FileEntry{}, false, nil
		}
		return FileEntry{}, false, err
	}
	return FileEntry{
		Path:     filepath.ToSlash(filepath.Join(relBase, fileName)),
		Size:     info.Size(),
		Mtime:    info.ModTime().Unix(),
		Priority: priority,
	}, true, nil
}

// tailHash returns the MD5 hex digest of path's last tailHashBytes bytes
// (or the whole file if shorter), letting a sync client verify a growing
// file was appended to rather than truncated or rewritten.
func tailHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()
	offset := int64(0)
	if size > tailHashBytes {
		offset = size - tailHashBytes
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return "", err
	}

	h := md5.New() //nolint:gosec
	buf := make([]byte, tailHashBytes)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newSnapshotID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func writeAtomicBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func writeGzipSibling(path string, raw []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	gz := gzip.NewWriter(tmp)
	if _, err := gz.Write(raw); err != nil {
		gz.Close()
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
