package runicorn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/discovery"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index/repo"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/metrics"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/scanner"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/store"
)

// Meta and Status are the on-disk shapes of meta.json/status.json. They are
// the same types internal/discovery reads when correcting liveness or
// enumerating runs, so every process that touches a run directory — the
// writer here, the viewer's discovery sweep, a sync client mirroring the
// tree to another machine — agrees on one schema.
type Meta = discovery.Meta
type Status = discovery.Status

// activeRun enforces spec.md §4.1's "process-wide active run slot": at most
// one *Run may be open in a process at a time.
var (
	activeMu  sync.Mutex
	activeRun *Run
)

// Run is a handle to one training run's on-disk state, returned by NewRun.
// All exported methods are safe to call from multiple goroutines.
type Run struct {
	cfg    Config
	dir    string // absolute run directory
	runID  string
	log    *zap.Logger
	store  *store.Store
	svc    *index.Service
	rootID uuid.UUID

	mu          sync.Mutex
	step        int64
	finished    bool
	primaryName string
	primaryMode string // "max" | "min"
	bestValue   float64
	bestStep    int64
	haveBest    bool
	summaryDoc  map[string]any
	assetsDoc   assetsDoc

	console *consoleCapture
	scanCancel context.CancelFunc
}

// NewRun creates the run directory, writes the initial meta.json and
// status.json, opens (creating if necessary) this storage root's index, and
// installs this process's active-run slot. Callers must call Finish (often
// via defer) to release that slot and write a terminal status.
func NewRun(cfg Config) (*Run, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.logger().Named("runicorn")

	activeMu.Lock()
	if activeRun != nil {
		activeMu.Unlock()
		return nil, fmt.Errorf("runicorn: a run is already active in this process (run_id=%s)", activeRun.runID)
	}
	activeMu.Unlock()

	runID := cfg.RunID
	if runID == "" {
		id, err := generateRunID(cfg.StorageRoot, cfg.Project, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("runicorn: generate run id: %w", err)
		}
		runID = id
	}

	relDir := filepath.Join("runs", cfg.Project, cfg.Path, runID)
	dir := filepath.Join(cfg.StorageRoot, relDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("runicorn: create run directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "media"), 0o750); err != nil {
		return nil, fmt.Errorf("runicorn: create media directory: %w", err)
	}

	hostname, _ := os.Hostname()
	now := time.Now().UTC().Format(time.RFC3339)

	meta := Meta{
		ID:            runID,
		Path:          filepath.ToSlash(filepath.Join(cfg.Project, cfg.Path)),
		CreatedAt:     now,
		WriterPID:     os.Getpid(),
		Hostname:      hostname,
		Platform:      runtime.GOOS,
		StorageRoot:   cfg.StorageRoot,
		WorkspaceRoot: cfg.WorkspaceRoot,
	}
	if err := writeJSONAtomic(filepath.Join(dir, "meta.json"), meta); err != nil {
		return nil, fmt.Errorf("runicorn: write meta.json: %w", err)
	}

	status := Status{Status: "running", StartedAt: now}
	if err := writeJSONAtomic(filepath.Join(dir, "status.json"), status); err != nil {
		return nil, fmt.Errorf("runicorn: write status.json: %w", err)
	}

	if cfg.CaptureEnv {
		if err := writeJSONAtomic(filepath.Join(dir, "env.json"), envMap()); err != nil {
			log.Warn("failed to write env.json", zap.Error(err))
		}
	}

	st := store.New(cfg.StorageRoot, log)

	idxPath := filepath.Join(cfg.StorageRoot, "index", "runicorn.db")
	if err := os.MkdirAll(filepath.Dir(idxPath), 0o750); err != nil {
		return nil, fmt.Errorf("runicorn: create index directory: %w", err)
	}
	db, err := index.New(index.Config{Path: idxPath, Logger: log, LogLevel: gormlogger.Warn})
	if err != nil {
		return nil, fmt.Errorf("runicorn: open index: %w", err)
	}
	svc := index.NewService(db, log)

	rootID, err := ensureStorageRoot(db, cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("runicorn: register storage root: %w", err)
	}

	r := &Run{
		cfg: cfg, dir: dir, runID: runID, log: log,
		store: st, svc: svc, rootID: rootID,
		summaryDoc: map[string]any{},
	}

	if err := svc.UpsertRun(context.Background(), &index.Run{
		RunID: runID, Project: cfg.Project, Name: cfg.Path,
		Status: "running", WriterPID: meta.WriterPID, Hostname: hostname,
		StartedAt: time.Now(), StorageRootID: rootID,
		RunDir: relDir, WorkspaceRoot: cfg.WorkspaceRoot,
	}); err != nil {
		log.Warn("failed to upsert run into index", zap.Error(err))
	}

	if cfg.SnapshotCode {
		if err := r.snapshotCode(); err != nil {
			log.Warn("code snapshot failed", zap.Error(err))
		}
	}

	if cfg.ConsoleMode != "none" {
		cc, err := startConsoleCapture(filepath.Join(dir, "logs.txt"), cfg.ConsoleMode, log)
		if err != nil {
			log.Warn("console capture did not start", zap.Error(err))
		} else {
			r.console = cc
		}
	}

	activeMu.Lock()
	activeRun = r
	activeMu.Unlock()

	log.Info("run started", zap.String("run_id", runID), zap.String("dir", dir))
	return r, nil
}

// runIDCounter is the monotonic fallback appended to a run ID after 5
// collided CSPRNG suffixes in a row — vanishingly unlikely, but cheap to
// guard against rather than loop forever.
var runIDCounter int64

// generateRunID builds a run ID as
// time.Now().UTC().Format("20060102_150405") plus a 6-hex-digit random
// suffix, retrying on a directory collision under runs/<project>/<path>/
// up to 5 times before falling back to a monotonic counter suffix.
func generateRunID(storageRoot, project, path string) (string, error) {
	base := filepath.Join(storageRoot, "runs", project, path)
	ts := time.Now().UTC().Format("20060102_150405")

	for attempt := 0; attempt < 5; attempt++ {
		suffix, err := randomHexSuffix()
		if err != nil {
			return "", err
		}
		candidate := ts + "_" + suffix
		if _, err := os.Stat(filepath.Join(base, candidate)); os.IsNotExist(err) {
			return candidate, nil
		}
	}

	n := atomic.AddInt64(&runIDCounter, 1)
	return fmt.Sprintf("%s_%06d", ts, n), nil
}

func randomHexSuffix() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ensureStorageRoot looks up cfg.StorageRoot in the index, registering it on
// first use. Every run and asset row references a storage root by ID.
func ensureStorageRoot(db *gorm.DB, root string) (uuid.UUID, error) {
	roots := repo.NewStorageRootRepository(db)
	ctx := context.Background()
	existing, err := roots.GetByRoot(ctx, root)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return uuid.UUID{}, err
	}
	sr := &index.StorageRoot{Root: root}
	if err := roots.Create(ctx, sr); err != nil {
		return uuid.UUID{}, err
	}
	return sr.ID, nil
}

func (r *Run) runIndexID(ctx context.Context) (uuid.UUID, error) {
	run, err := repo.NewRunRepository(r.svc.DB()).GetByRunID(ctx, r.runID)
	if err != nil {
		return uuid.UUID{}, err
	}
	return run.ID, nil
}

// Log appends one metrics event. If step is nil the writer-local counter is
// incremented; otherwise the counter is set to *step. global_step, time, and
// stage (if non-empty) are injected into the record.
func (r *Run) Log(data map[string]any, step *int, stage string) error {
	r.mu.Lock()
	if step != nil {
		r.step = int64(*step)
	} else {
		r.step++
	}
	cur := r.step
	r.mu.Unlock()

	merged := make(map[string]any, len(data)+3)
	for k, v := range data {
		merged[k] = normalizeNumber(v)
	}
	merged["global_step"] = cur
	merged["time"] = float64(time.Now().UnixNano()) / 1e9
	if stage != "" {
		merged["stage"] = stage
	}

	ev := metrics.Event{Ts: float64(time.Now().UnixNano()) / 1e9, Type: "metrics", Data: merged}
	if err := r.appendEvent(ev); err != nil {
		return err
	}

	if r.primaryName != "" {
		if v, ok := merged[r.primaryName]; ok {
			if f, ok := toFloat(v); ok {
				r.considerBest(f, cur)
			}
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func normalizeNumber(v any) any {
	if f, ok := v.(float64); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return f // stored as emitted; normalized to null only on read (internal/metrics)
		}
	}
	return v
}

func (r *Run) considerBest(value float64, step int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	improved := !r.haveBest
	if r.haveBest {
		switch r.primaryMode {
		case "min":
			improved = value < r.bestValue
		default:
			improved = value > r.bestValue
		}
	}
	if improved {
		r.haveBest = true
		r.bestValue = value
		r.bestStep = step
	}
}

// SetPrimaryMetric installs a best-value tracker. mode must be "max" or
// "min"; any other value is treated as "max".
func (r *Run) SetPrimaryMetric(name, mode string) error {
	if name == "" {
		return fmt.Errorf("runicorn: primary metric name must not be empty")
	}
	r.mu.Lock()
	r.primaryName = name
	r.primaryMode = mode
	r.haveBest = false
	r.mu.Unlock()
	return nil
}

// LogText appends a timestamped line to logs.txt.
func (r *Run) LogText(text string) error {
	line := fmt.Sprintf("%s | %s\n", time.Now().Format("15:04:05"), text)
	return appendTextLocked(filepath.Join(r.dir, "logs.txt"), line)
}

func (r *Run) appendEvent(ev metrics.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("runicorn: marshal event: %w", err)
	}
	if err := appendLineLocked(filepath.Join(r.dir, "events.jsonl"), data); err != nil {
		return err // fatal per spec.md: events.jsonl failures propagate
	}
	return nil
}

// Summary merges update into summary.json (last-writer-wins per key).
// Failures here are logged and swallowed, never returned to the training
// loop, matching spec.md's failure semantics for optional state files.
func (r *Run) Summary(update map[string]any) error {
	r.mu.Lock()
	for k, v := range update {
		r.summaryDoc[k] = v
	}
	doc := cloneMap(r.summaryDoc)
	r.mu.Unlock()

	if err := writeJSONAtomic(filepath.Join(r.dir, "summary.json"), doc); err != nil {
		r.log.Warn("failed to write summary.json", zap.Error(err))
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Finish writes the terminal status, flushes the best-metric snapshot into
// summary.json, stops any console capture or Watch loop still running, and
// releases the process-wide active-run slot.
func (r *Run) Finish(status string) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	r.finished = true
	haveBest, name, mode, value, step := r.haveBest, r.primaryName, r.primaryMode, r.bestValue, r.bestStep
	r.mu.Unlock()

	if haveBest {
		_ = r.Summary(map[string]any{
			"best_metric_name":  name,
			"best_metric_mode":  mode,
			"best_metric_value": value,
			"best_metric_step":  step,
		})
	}

	if r.scanCancel != nil {
		r.scanCancel()
	}
	if r.console != nil {
		if err := r.console.stop(); err != nil {
			r.log.Warn("console capture stop failed", zap.Error(err))
		}
	}

	now := time.Now()
	statusPath := filepath.Join(r.dir, "status.json")
	st := Status{Status: status, EndedAt: strPtr(now.UTC().Format(time.RFC3339))}
	if existing, err := readStatusFile(statusPath); err == nil {
		st.StartedAt = existing.StartedAt
	}
	if err := writeJSONAtomic(statusPath, st); err != nil {
		r.log.Warn("failed to write terminal status.json", zap.Error(err))
	}

	if err := r.svc.FinishRun(context.Background(), r.runID, status, now); err != nil {
		r.log.Warn("failed to finish run in index", zap.Error(err))
	}

	activeMu.Lock()
	if activeRun == r {
		activeRun = nil
	}
	activeMu.Unlock()

	r.log.Info("run finished", zap.String("run_id", r.runID), zap.String("status", status))
	return nil
}

func strPtr(s string) *string { return &s }

// envMap converts os.Environ()'s "KEY=VALUE" entries into a map for
// env.json. A key appearing more than once (not possible via os.Environ in
// practice) keeps its last value.
func envMap() map[string]string {
	env := os.Environ()
	out := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

func readStatusFile(path string) (Status, error) {
	var s Status
	err := readJSON(path, &s)
	return s, err
}

// Watch starts the Output Scanner (internal/scanner) scoped to the run's own
// workspace tree, for callers who did not configure a standalone scanner
// process. It returns a stop function that cancels the scan loop; Finish
// also stops it if the caller never calls stop directly.
func (r *Run) Watch(ctx context.Context, watches []scanner.Watch, mode scanner.Mode, interval time.Duration) (stop func()) {
	scanCtx, cancel := context.WithCancel(ctx)
	r.scanCancel = cancel

	sc := scanner.New(scanner.Config{
		RunID:          r.runID,
		WorkspaceRoot:  r.cfg.WorkspaceRoot,
		Watches:        watches,
		Mode:           mode,
		Interval:       interval,
		StableRequired: 2,
		MinAge:         2 * time.Second,
		StateGCAfter:   24 * time.Hour,
		StatePath:      filepath.Join(r.dir, ".outputs_state.json"),
	}, r.store, r, r.log)

	go func() {
		if err := sc.Run(scanCtx); err != nil {
			r.log.Warn("output scanner exited with error", zap.Error(err))
		}
	}()

	return cancel
}

// RecordOutputAsset implements scanner.AssetRecorder: it upserts the asset
// record (deduplicating on fingerprint) under role "output", links it to
// this run in the index, and mirrors it into assets.json.
func (r *Run) RecordOutputAsset(ctx context.Context, role, name string, result store.ArchiveResult) error {
	return r.recordAsset(ctx, index.AssetTypeOutput, index.RoleOutput, name, "", "", result)
}
