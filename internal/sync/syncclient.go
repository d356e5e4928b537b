package sync

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
)

// diffReason classifies how a manifest file entry differs from the local
// cache's last-known state (spec.md §4.6.2 step 4).
type diffReason string

const (
	reasonNewFile       diffReason = "new_file"
	reasonAppendOnlyGro diffReason = "append_only_grow"
	reasonSizeChanged   diffReason = "size_changed"
	reasonMtimeChanged  diffReason = "mtime_changed"
)

// fileDiff pairs a manifest entry with why it needs to be fetched.
type fileDiff struct {
	entry  FileEntry
	reason diffReason
}

// perFileBackoff is the fixed retry schedule a single file's download
// attempts follow, per spec.md §4.6.2 step 6 ("up to 3 retries ... 1s, 2s,
// 4s") — a literal schedule rather than connection.Manager's formula-based
// nextBackoff/jitter, since the spec fixes these exact delays.
var perFileBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

const (
	syncWorkers  = 3
	syncMaxBatch = 5
)

// CycleResult summarizes one sync cycle for logging/introspection.
type CycleResult struct {
	Skipped         bool
	ManifestType    string
	Revision        int64
	SnapshotID      string
	FilesDownloaded int
	FilesFailed     int
	BytesDownloaded int64
}

// RunSyncCycle executes one Manifest Sync Client cycle (spec.md §4.6.2)
// against remoteRoot over client, mirroring into localRoot. jitterMax bounds
// the random pre-cycle sleep that staggers many clients polling the same
// server.
func RunSyncCycle(ctx context.Context, client *sftp.Client, remoteRoot, localRoot string, jitterMax time.Duration, log *zap.Logger) (CycleResult, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if jitterMax > 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(jitterMax)))):
		case <-ctx.Done():
			return CycleResult{}, ctx.Err()
		}
	}

	manifest, manifestName, err := fetchManifest(client, remoteRoot)
	if err != nil {
		return CycleResult{}, err
	}

	if err := os.MkdirAll(localRoot, 0o750); err != nil {
		return CycleResult{}, fmt.Errorf("sync: create local cache root: %w", err)
	}
	cursorPath := filepath.Join(localRoot, ".sync_cursor.json")
	statePath := filepath.Join(localRoot, ".sync_state.json")

	cursor, err := loadCursorState(cursorPath)
	if err != nil {
		return CycleResult{}, fmt.Errorf("sync: load cursor state: %w", err)
	}
	if manifest.Revision <= cursor.LastRevision {
		log.Debug("sync cycle skipped, manifest not newer than cursor",
			zap.Int64("manifest_revision", manifest.Revision), zap.Int64("cursor_revision", cursor.LastRevision))
		return CycleResult{Skipped: true, ManifestType: manifest.ManifestType, Revision: manifest.Revision}, nil
	}

	states, err := loadFileStates(statePath)
	if err != nil {
		return CycleResult{}, fmt.Errorf("sync: load file state: %w", err)
	}

	diffs := diffManifest(manifest, states)
	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].entry.Priority != diffs[j].entry.Priority {
			return diffs[i].entry.Priority < diffs[j].entry.Priority
		}
		return diffs[i].entry.Size < diffs[j].entry.Size
	})

	result := CycleResult{ManifestType: manifest.ManifestType, Revision: manifest.Revision, SnapshotID: manifest.SnapshotID}
	result.FilesDownloaded, result.FilesFailed, result.BytesDownloaded = downloadDiffs(ctx, client, remoteRoot, localRoot, diffs, states, log)

	if result.FilesFailed == 0 {
		if err := saveFileStates(statePath, states); err != nil {
			return result, fmt.Errorf("sync: persist file state: %w", err)
		}
		cursor = cursorState{
			LastRevision:   manifest.Revision,
			LastSnapshotID: manifest.SnapshotID,
			LastSyncTime:   time.Now().UTC().Format(time.RFC3339),
			SyncCount:      cursor.SyncCount + 1,
		}
		if err := saveCursorState(cursorPath, cursor); err != nil {
			return result, fmt.Errorf("sync: persist cursor state: %w", err)
		}
	} else {
		log.Warn("sync cycle completed with per-file failures, cursor not advanced",
			zap.Int("failed", result.FilesFailed), zap.String("manifest", manifestName))
	}

	return result, nil
}

// fetchManifest tries manifestCandidates in order against remoteRoot/.runicorn/,
// returning the first one that downloads and parses successfully.
func fetchManifest(client *sftp.Client, remoteRoot string) (*SyncManifest, string, error) {
	var lastErr error
	for _, name := range manifestCandidates {
		remotePath := filepath.ToSlash(filepath.Join(remoteRoot, ".runicorn", name))
		f, err := client.Open(remotePath)
		if err != nil {
			lastErr = err
			continue
		}
		raw, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			lastErr = err
			continue
		}
		manifest, err := decodeManifest(name, raw)
		if err != nil {
			lastErr = err
			continue
		}
		return manifest, name, nil
	}
	return nil, "", fmt.Errorf("%w under %s/.runicorn (last error: %v)", ErrNoManifest, remoteRoot, lastErr)
}

// diffManifest classifies every file entry across every experiment against
// the local cache's last-known state.
func diffManifest(manifest *SyncManifest, states map[string]fileState) []fileDiff {
	var diffs []fileDiff
	for _, exp := range manifest.Experiments {
		for _, f := range exp.Files {
			local, known := states[f.Path]
			switch {
			case !known:
				diffs = append(diffs, fileDiff{entry: f, reason: reasonNewFile})
			case f.IsAppendOnly && f.Size > local.Size:
				diffs = append(diffs, fileDiff{entry: f, reason: reasonAppendOnlyGro})
			case f.Size != local.Size:
				diffs = append(diffs, fileDiff{entry: f, reason: reasonSizeChanged})
			case f.Mtime > local.Mtime:
				diffs = append(diffs, fileDiff{entry: f, reason: reasonMtimeChanged})
			}
		}
	}
	return diffs
}

// downloadDiffs fetches every diff in batches of at most syncMaxBatch files,
// each batch run at bounded concurrency (syncWorkers), retrying each file up
// to len(perFileBackoff)+1 times before giving up on it (spec.md §4.6.2 step
// 6: "bounded concurrency (target ≤3 workers, batch size ≤5)"). states is
// updated in place for every file that succeeds.
func downloadDiffs(ctx context.Context, client *sftp.Client, remoteRoot, localRoot string, diffs []fileDiff, states map[string]fileState, log *zap.Logger) (downloaded, failed int, bytes int64) {
	for start := 0; start < len(diffs); start += syncMaxBatch {
		end := start + syncMaxBatch
		if end > len(diffs) {
			end = len(diffs)
		}
		d, f, b := downloadBatch(ctx, client, remoteRoot, localRoot, diffs[start:end], states, log)
		downloaded += d
		failed += f
		bytes += b
	}
	return downloaded, failed, bytes
}

// downloadBatch runs one batch of at most syncMaxBatch diffs at bounded
// concurrency (syncWorkers), returning once every file in the batch has
// either succeeded or exhausted its retries.
func downloadBatch(ctx context.Context, client *sftp.Client, remoteRoot, localRoot string, diffs []fileDiff, states map[string]fileState, log *zap.Logger) (downloaded, failed int, bytes int64) {
	type outcome struct {
		path  string
		state fileState
		size  int64
		err   error
	}

	sem := make(chan struct{}, syncWorkers)
	outcomes := make(chan outcome, len(diffs))
	var wg sync.WaitGroup

	for _, d := range diffs {
		d := d
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			n, err := downloadOneWithRetry(ctx, client, remoteRoot, localRoot, d, log)
			if err != nil {
				outcomes <- outcome{path: d.entry.Path, err: err}
				return
			}
			outcomes <- outcome{
				path: d.entry.Path,
				size: n,
				state: fileState{
					Size: d.entry.Size, Mtime: d.entry.Mtime,
					SyncedAt: time.Now().UTC().Format(time.RFC3339),
				},
			}
		}()
	}

	go func() { wg.Wait(); close(outcomes) }()

	for o := range outcomes {
		if o.err != nil {
			failed++
			log.Warn("sync: file download failed after retries", zap.String("path", o.path), zap.Error(o.err))
			continue
		}
		downloaded++
		bytes += o.size
		states[o.path] = o.state
	}
	return downloaded, failed, bytes
}

func downloadOneWithRetry(ctx context.Context, client *sftp.Client, remoteRoot, localRoot string, d fileDiff, log *zap.Logger) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= len(perFileBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(perFileBackoff[attempt-1]):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		n, err := downloadOne(client, remoteRoot, localRoot, d)
		if err == nil {
			return n, nil
		}
		lastErr = err
		log.Debug("sync: file download attempt failed", zap.String("path", d.entry.Path), zap.Int("attempt", attempt), zap.Error(err))
	}
	return 0, lastErr
}

func downloadOne(client *sftp.Client, remoteRoot, localRoot string, d fileDiff) (int64, error) {
	remotePath := filepath.ToSlash(filepath.Join(remoteRoot, d.entry.Path))
	localPath := filepath.Join(localRoot, filepath.FromSlash(d.entry.Path))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return 0, err
	}

	reason := d.reason
	if reason == reasonAppendOnlyGro && d.entry.TailHash != "" {
		if !localTailMatches(localPath, d.entry.TailHash) {
			// The local copy's tail no longer matches what the manifest
			// recorded: the file was truncated or rewritten, not purely
			// appended to. Seeking-and-appending onto it would corrupt it by
			// concatenation, so fall back to a full re-download (spec.md:329).
			reason = reasonSizeChanged
		}
	}

	var n int64
	var err error
	if reason == reasonAppendOnlyGro {
		n, err = appendRemoteGrowth(client, remotePath, localPath)
	} else {
		n, err = downloadToTempThenRename(client, remotePath, localPath)
	}
	if err != nil {
		return 0, err
	}

	mtime := time.Unix(d.entry.Mtime, 0)
	_ = os.Chtimes(localPath, mtime, mtime)
	return n, nil
}

// localTailMatches reports whether the local file's last tailHashBytes
// (spec.md:329's "local tail at local.size") still hashes to want, the
// server-reported tail_hash. A missing or unreadable local file never
// matches, forcing the safer full-redownload path.
func localTailMatches(localPath, want string) bool {
	got, err := tailHash(localPath)
	if err != nil {
		return false
	}
	return got == want
}

// appendRemoteGrowth opens the remote file at the local file's current size
// and appends everything past that offset — the append_only_grow path for
// events.jsonl/logs.txt-style files (spec.md §4.6.2 step 6).
func appendRemoteGrowth(client *sftp.Client, remotePath, localPath string) (int64, error) {
	local, err := os.OpenFile(localPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return 0, err
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return 0, err
	}

	remote, err := client.Open(remotePath)
	if err != nil {
		return 0, err
	}
	defer remote.Close()

	if _, err := remote.Seek(info.Size(), io.SeekStart); err != nil {
		return 0, err
	}
	return io.Copy(local, remote)
}

// downloadToTempThenRename fetches remotePath in full to a sibling temp file
// and renames it over localPath, the new_file/size_changed/mtime_changed
// path — never overwrites a partially-written file in place.
func downloadToTempThenRename(client *sftp.Client, remotePath, localPath string) (int64, error) {
	remote, err := client.Open(remotePath)
	if err != nil {
		return 0, err
	}
	defer remote.Close()

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, remote)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return n, nil
}
