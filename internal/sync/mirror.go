package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
)

// mirrorSkipDirs are never descended into, regardless of depth budget
// (spec.md §4.6.3).
var mirrorSkipDirs = map[string]bool{
	".git": true, ".cache": true, "__pycache__": true, "artifacts": true, ".runicorn": true,
}

// mirrorAlwaysOverwrite names files force-downloaded on every cycle
// regardless of their size-diff classification, so a local liveness read
// never drifts from the remote's current status/meta (spec.md §4.6.3).
var mirrorAlwaysOverwrite = map[string]bool{"status.json": true, "meta.json": true}

const (
	defaultMirrorMaxDepth        = 6
	defaultMirrorMaxDirsPerCycle = 200
	defaultMirrorMinIntervalSecs = 5
	defaultMirrorDefaultInterval = 10 * time.Second
)

// MirrorConfig configures one Mirror Task cycle (spec.md §4.6.3), the
// directory-walking fallback used when the remote has no manifest.
type MirrorConfig struct {
	RemoteRoot      string
	LocalRoot       string
	MaxDepth        int
	MaxDirsPerCycle int
}

// ClampMirrorInterval enforces the MIN_INTERVAL floor (spec.md §4.6.3: "≥
// MIN_INTERVAL, default 10s, clamped ≥5s") for a caller that loops
// RunMirrorCycle on a timer.
func ClampMirrorInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultMirrorDefaultInterval
	}
	if d < defaultMirrorMinIntervalSecs*time.Second {
		return defaultMirrorMinIntervalSecs * time.Second
	}
	return d
}

// mirrorWalkFrontier is one directory queued for the next budget slot,
// tracked by its path relative to RemoteRoot (posix-separated) and its
// depth, so a cycle that runs out of MaxDirsPerCycle can persist the
// remainder for the next one (spec.md §4.6.3: "remaining directories are
// deferred to subsequent cycles").
type mirrorWalkFrontier struct {
	RelPath string `json:"rel_path"`
	Depth   int    `json:"depth"`
}

// mirrorState is persisted at <localRoot>/.mirror_state.json.
type mirrorState struct {
	// KnownSizes maps a file's path (relative to RemoteRoot, posix-separated)
	// to the size last observed for it.
	KnownSizes map[string]int64     `json:"known_sizes"`
	Pending    []mirrorWalkFrontier `json:"pending,omitempty"`
}

// MirrorCycleResult summarizes one Mirror Task cycle.
type MirrorCycleResult struct {
	DirsVisited     int
	DirsDeferred    int
	FilesDownloaded int
	FilesFailed     int
	BytesDownloaded int64
}

// RunMirrorCycle walks cfg.RemoteRoot over client (bounded by cfg.MaxDepth
// and cfg.MaxDirsPerCycle) and mirrors every new or grown file into
// cfg.LocalRoot, the fallback path taken when fetchManifest finds nothing
// (spec.md §4.6.3). It guarantees convergence per file per cycle, not a
// single consistent snapshot: a file mid-write during the walk may be
// re-synced on a later cycle.
func RunMirrorCycle(ctx context.Context, client *sftp.Client, cfg MirrorConfig, log *zap.Logger) (MirrorCycleResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMirrorMaxDepth
	}
	if cfg.MaxDirsPerCycle <= 0 {
		cfg.MaxDirsPerCycle = defaultMirrorMaxDirsPerCycle
	}

	statePath := filepath.Join(cfg.LocalRoot, ".mirror_state.json")
	var state mirrorState
	if err := readJSONFile(statePath, &state); err != nil && !os.IsNotExist(err) {
		return MirrorCycleResult{}, fmt.Errorf("sync: load mirror state: %w", err)
	}
	if state.KnownSizes == nil {
		state.KnownSizes = make(map[string]int64)
	}

	frontier := state.Pending
	if len(frontier) == 0 {
		frontier = []mirrorWalkFrontier{{RelPath: "", Depth: 0}}
	}

	var result MirrorCycleResult
	var nextFrontier []mirrorWalkFrontier
	var files []fileDiff // reuse fileDiff{entry: FileEntry} purely to carry path/size through the sort+download helpers below

	for len(frontier) > 0 {
		if result.DirsVisited >= cfg.MaxDirsPerCycle {
			nextFrontier = append(nextFrontier, frontier...)
			break
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		dir := frontier[0]
		frontier = frontier[1:]

		base := path.Base(dir.RelPath)
		if mirrorSkipDirs[base] {
			continue
		}

		remoteDir := path.Join(cfg.RemoteRoot, dir.RelPath)
		entries, err := client.ReadDir(remoteDir)
		if err != nil {
			log.Warn("sync: mirror task failed to list remote directory",
				zap.String("remote_dir", remoteDir), zap.Error(err))
			continue
		}
		result.DirsVisited++

		for _, info := range entries {
			relPath := path.Join(dir.RelPath, info.Name())
			if info.IsDir() {
				if dir.Depth+1 > cfg.MaxDepth {
					continue
				}
				if result.DirsVisited+len(nextFrontier) >= cfg.MaxDirsPerCycle {
					nextFrontier = append(nextFrontier, mirrorWalkFrontier{RelPath: relPath, Depth: dir.Depth + 1})
					continue
				}
				frontier = append(frontier, mirrorWalkFrontier{RelPath: relPath, Depth: dir.Depth + 1})
				continue
			}

			known, seen := state.KnownSizes[relPath]
			size := info.Size()

			switch {
			case mirrorAlwaysOverwrite[info.Name()]:
				files = append(files, fileDiff{entry: FileEntry{Path: relPath, Size: size, Mtime: info.ModTime().Unix()}, reason: reasonMtimeChanged})
			case !seen:
				files = append(files, fileDiff{entry: FileEntry{Path: relPath, Size: size, Mtime: info.ModTime().Unix()}, reason: reasonNewFile})
			case size > known:
				files = append(files, fileDiff{entry: FileEntry{Path: relPath, Size: size, Mtime: info.ModTime().Unix()}, reason: reasonAppendOnlyGro})
			case size < known:
				// Truncated or rotated: full recopy, not an append.
				files = append(files, fileDiff{entry: FileEntry{Path: relPath, Size: size, Mtime: info.ModTime().Unix()}, reason: reasonSizeChanged})
			}
		}
	}

	state.Pending = append(nextFrontier, frontier...)
	result.DirsDeferred = len(state.Pending)

	sort.Slice(files, func(i, j int) bool { return files[i].entry.Size < files[j].entry.Size })

	dlStates := make(map[string]fileState, len(files))
	downloaded, failed, bytes := downloadDiffs(ctx, client, cfg.RemoteRoot, cfg.LocalRoot, files, dlStates, log)
	result.FilesDownloaded, result.FilesFailed, result.BytesDownloaded = downloaded, failed, bytes

	// Only a file that actually downloaded gets its known size advanced; a
	// failed one keeps its prior entry and is re-classified (and retried) on
	// the next cycle.
	for relPath, st := range dlStates {
		state.KnownSizes[relPath] = st.Size
	}

	if err := writeJSONAtomic(statePath, state); err != nil {
		return result, fmt.Errorf("sync: persist mirror state: %w", err)
	}

	return result, nil
}

// ErrNoManifest is returned by fetchManifest (wrapped with context) when no
// manifest file exists under remoteRoot/.runicorn — the trigger for falling
// back to the Mirror Task (spec.md §4.6.2: "if no manifest is found, the
// engine switches to 4.6.3").
var ErrNoManifest = errors.New("sync: no manifest found")
