// Package scanner implements the Output Scanner (spec §4.4): a periodic
// sweep of training output directories that debounces still-changing files
// via a stability counter and archives stabilized files/directories through
// internal/store, in either rolling or content-addressed mode.
//
// The scan loop has a constructor-then-Run(ctx)-blocks-until-cancelled
// shape. internal/sync's mirror task runs one cycle per call instead, and
// internal/discovery's liveness checker is started and stopped through
// gocron (Start/Stop).
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/store"
)

// Mode selects how stabilized entries are archived.
type Mode string

const (
	ModeRolling   Mode = "rolling"
	ModeImmutable Mode = "immutable"
)

// Watch describes one directory or file glob pattern to observe.
type Watch struct {
	// Dir is the directory to walk.
	Dir string
	// Pattern is a doublestar glob (relative to Dir) selecting entries of
	// interest, e.g. "checkpoints/**/*.pt" or "*.log".
	Pattern string
	// Key groups this watch's archived entries under one rolling-mode
	// identity (see store.Store.ArchiveFileOverwrite's key parameter).
	Key string
}

// Config configures a Scanner.
type Config struct {
	RunID          string
	WorkspaceRoot  string
	Watches        []Watch
	Mode           Mode
	Interval       time.Duration
	StableRequired int           // consecutive same-size-and-mtime observations required
	MinAge         time.Duration // minimum age since last modification
	StateGCAfter   time.Duration // entries unseen for this long are pruned from state
	StatePath      string        // path to .outputs_state.json
}

// AssetRecorder is implemented by whatever owns assets.json and the index;
// the scanner calls it once per newly-archived (or re-archived) entry. This
// mirrors the Run Writer's own log_dataset/log_pretrained asset-recording
// contract so both paths funnel through one place.
type AssetRecorder interface {
	RecordOutputAsset(ctx context.Context, role, name string, result store.ArchiveResult) error
}

// entryState is the persisted bookkeeping for one watched entry, serialized
// as .outputs_state.json.
type entryState struct {
	Size            int64     `json:"size"`
	MTimeNS         int64     `json:"mtime_ns"`
	StableCount     int       `json:"stable_count"`
	LastFingerprint string    `json:"last_fingerprint"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

type stateFile struct {
	Entries map[string]entryState `json:"entries"`
}

// Scanner runs the periodic sweep described above.
type Scanner struct {
	cfg      Config
	store    *store.Store
	recorder AssetRecorder
	log      *zap.Logger

	state stateFile
}

// New constructs a Scanner. st is the blob store the run's storage root
// belongs to; recorder is notified of every archived entry.
func New(cfg Config, st *store.Store, recorder AssetRecorder, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.StableRequired <= 0 {
		cfg.StableRequired = 2
	}
	return &Scanner{cfg: cfg, store: st, recorder: recorder, log: log, state: stateFile{Entries: map[string]entryState{}}}
}

// Run blocks, scanning every cfg.Interval until ctx is cancelled. Each tick's
// failures are logged and isolated per watched entry — a single bad file
// never aborts the tick (spec §7: "background workers isolate exceptions per
// iteration").
func (s *Scanner) Run(ctx context.Context) error {
	s.loadState()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.saveState()
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scanner) loadState() {
	if s.cfg.StatePath == "" {
		return
	}
	data, err := os.ReadFile(s.cfg.StatePath)
	if err != nil {
		return
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		s.log.Warn("discarding corrupt outputs state", zap.Error(err))
		return
	}
	if sf.Entries != nil {
		s.state = sf
	}
}

func (s *Scanner) saveState() {
	if s.cfg.StatePath == "" {
		return
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		s.log.Warn("failed to marshal outputs state", zap.Error(err))
		return
	}
	dir := filepath.Dir(s.cfg.StatePath)
	tmp, err := os.CreateTemp(dir, ".outputs_state-*.tmp")
	if err != nil {
		s.log.Warn("failed to write outputs state", zap.Error(err))
		return
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return
	}
	tmp.Close()
	os.Rename(tmp.Name(), s.cfg.StatePath)
}

func (s *Scanner) tick(ctx context.Context) {
	now := time.Now()
	seen := map[string]bool{}

	for _, w := range s.cfg.Watches {
		matches, err := s.matchWatch(w)
		if err != nil {
			s.log.Warn("watch scan failed", zap.String("dir", w.Dir), zap.Error(err))
			continue
		}
		for _, m := range matches {
			seen[m.relKey] = true
			if err := s.processEntry(ctx, w, m, now); err != nil {
				s.log.Warn("failed to process watched entry", zap.String("path", m.absPath), zap.Error(err))
			}
		}
	}

	s.gc(now, seen)
	s.saveState()
}

type matchedEntry struct {
	absPath string
	relKey  string
	isDir   bool
}

func (s *Scanner) matchWatch(w Watch) ([]matchedEntry, error) {
	var out []matchedEntry
	err := filepath.WalkDir(w.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == w.Dir {
			return nil
		}
		rel, err := filepath.Rel(w.Dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		ok, err := doublestar.Match(w.Pattern, rel)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		key := stableKey(s.cfg.WorkspaceRoot, path)
		out = append(out, matchedEntry{absPath: path, relKey: key, isDir: d.IsDir()})
		if d.IsDir() {
			// Directory matches are archived as a unit; do not recurse into them.
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}

// stableKey computes a key relative to workspaceRoot, falling back to the
// absolute path when the entry is not under it.
func stableKey(workspaceRoot, path string) string {
	if workspaceRoot == "" {
		return path
	}
	rel, err := filepath.Rel(workspaceRoot, path)
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		return path
	}
	return filepath.ToSlash(rel)
}

func (s *Scanner) processEntry(ctx context.Context, w Watch, m matchedEntry, now time.Time) error {
	info, err := os.Stat(m.absPath)
	if err != nil {
		return err
	}

	prev, hadPrev := s.state.Entries[m.relKey]
	cur := entryState{
		Size:        info.Size(),
		MTimeNS:     info.ModTime().UnixNano(),
		StableCount: 1,
		LastSeenAt:  now,
	}
	if hadPrev {
		cur.LastFingerprint = prev.LastFingerprint
		if prev.Size == cur.Size && prev.MTimeNS == cur.MTimeNS {
			cur.StableCount = prev.StableCount + 1
		}
	}
	s.state.Entries[m.relKey] = cur

	if now.Sub(info.ModTime()) < s.cfg.MinAge {
		return nil
	}
	if cur.StableCount < s.cfg.StableRequired {
		return nil
	}

	result, err := s.archive(w, m)
	if err != nil {
		return err
	}

	if result.Fingerprint == cur.LastFingerprint {
		return nil // unchanged since last archive, no-op
	}
	cur.LastFingerprint = result.Fingerprint
	s.state.Entries[m.relKey] = cur

	name := filepath.Base(m.absPath)
	if s.recorder != nil {
		if err := s.recorder.RecordOutputAsset(ctx, "output", name, result); err != nil {
			return fmt.Errorf("record output asset: %w", err)
		}
	}
	return nil
}

func (s *Scanner) archive(w Watch, m matchedEntry) (store.ArchiveResult, error) {
	name := filepath.Base(m.absPath)
	switch s.cfg.Mode {
	case ModeRolling:
		if m.isDir {
			return s.store.ArchiveDirOverwrite(s.cfg.RunID, w.Key, name, m.absPath)
		}
		if store.IsLogLike(name) {
			return s.store.ArchiveFileOverwriteStat(s.cfg.RunID, w.Key, name, m.absPath)
		}
		return s.store.ArchiveFileOverwrite(s.cfg.RunID, w.Key, name, m.absPath)
	default:
		if m.isDir {
			return s.store.ArchiveDir(m.absPath, "outputs")
		}
		return s.store.ArchiveFile(m.absPath, "outputs")
	}
}

// gc removes state entries for paths no longer observed after staleness
// exceeds cfg.StateGCAfter, per spec §4.4 step 8.
func (s *Scanner) gc(now time.Time, seen map[string]bool) {
	if s.cfg.StateGCAfter <= 0 {
		return
	}
	for key, st := range s.state.Entries {
		if seen[key] {
			continue
		}
		if now.Sub(st.LastSeenAt) > s.cfg.StateGCAfter {
			delete(s.state.Entries, key)
		}
	}
}
