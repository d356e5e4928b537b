package api

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/discovery"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index/repo"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/websocket"
)

// logTailPollInterval is how often an active watcher re-stats logs.txt and
// status.json for a run with at least one connected WebSocket subscriber.
const logTailPollInterval = 500 * time.Millisecond

// LogTailer is the missing link between the on-disk files a Run Writer
// process appends to and the websocket.Hub a connected GUI client reads
// from: since the viewer is a separate, read-only process (spec.md §2 —
// "the viewer process reads these artifacts read-only"), nothing publishes
// onto the hub on its own. LogTailer polls logs.txt and status.json for the
// runs that currently have a subscriber and republishes every change, scoped
// to exactly the runs someone is watching.
type LogTailer struct {
	hub    *websocket.Hub
	runs   repo.RunRepository
	logger *zap.Logger

	mu       sync.Mutex
	watchers map[string]*tailWatcher
}

type tailWatcher struct {
	refs   int
	cancel context.CancelFunc
}

// NewLogTailer creates a LogTailer publishing onto hub.
func NewLogTailer(hub *websocket.Hub, runs repo.RunRepository, logger *zap.Logger) *LogTailer {
	return &LogTailer{
		hub:      hub,
		runs:     runs,
		logger:   logger.Named("log_tailer"),
		watchers: make(map[string]*tailWatcher),
	}
}

// Start begins tailing runID if it is not already being tailed, and bumps
// its subscriber ref count. Call Stop exactly once for every Start.
func (t *LogTailer) Start(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.watchers[runID]; ok {
		w.refs++
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.watchers[runID] = &tailWatcher{refs: 1, cancel: cancel}
	go t.watch(ctx, runID)
}

// Stop drops one subscriber reference for runID, cancelling the watcher once
// the last subscriber disconnects.
func (t *LogTailer) Stop(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.watchers[runID]
	if !ok {
		return
	}
	w.refs--
	if w.refs <= 0 {
		w.cancel()
		delete(t.watchers, runID)
	}
}

// watch polls runID's logs.txt and status.json every logTailPollInterval,
// publishing appended lines onto logs:<run_id> and status changes onto
// run:<run_id>, until ctx is cancelled.
func (t *LogTailer) watch(ctx context.Context, runID string) {
	run, err := t.runs.GetByRunID(ctx, runID)
	if err != nil {
		t.logger.Warn("log tailer: run lookup failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	runDir := run.RunDir
	logsPath := filepath.Join(runDir, "logs.txt")

	var offset int64
	var partial []byte
	lastStatus := ""

	ticker := time.NewTicker(logTailPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			offset, partial = t.pollLogs(runID, logsPath, offset, partial)
			lastStatus = t.pollStatus(runID, runDir, lastStatus)
		}
	}
}

// pollLogs reads whatever logs.txt has grown by since offset, publishes each
// complete line, and returns the new offset plus any trailing partial line
// to prepend on the next poll.
func (t *LogTailer) pollLogs(runID, logsPath string, offset int64, partial []byte) (int64, []byte) {
	f, err := os.Open(logsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.logger.Debug("log tailer: open logs.txt failed", zap.String("run_id", runID), zap.Error(err))
		}
		return offset, partial
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= offset {
		return offset, partial
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return offset, partial
	}
	buf := make([]byte, info.Size()-offset)
	n, err := f.Read(buf)
	if n <= 0 {
		if err != nil {
			return offset, partial
		}
	}
	buf = buf[:n]

	chunk := append(partial, buf...)
	lines := bytes.Split(chunk, []byte("\n"))
	for i, line := range lines[:len(lines)-1] {
		_ = i
		if len(line) == 0 {
			continue
		}
		t.hub.Publish("logs:"+runID, websocket.Message{
			Type:    websocket.MsgLogLine,
			Topic:   "logs:" + runID,
			Payload: map[string]string{"line": string(line)},
		})
	}

	return offset + int64(n), append([]byte(nil), lines[len(lines)-1]...)
}

// pollStatus re-reads status.json and publishes a run.status message whenever
// its Status field differs from lastStatus, including transitions the
// liveness sweep (internal/discovery.CorrectLiveness) makes directly on
// disk rather than through any in-process call.
func (t *LogTailer) pollStatus(runID, runDir, lastStatus string) string {
	status, err := discovery.ReadStatus(runDir)
	if err != nil {
		return lastStatus
	}
	if status.Status == lastStatus {
		return lastStatus
	}

	payload := map[string]any{"status": status.Status}
	if status.EndedAt != nil {
		payload["ended_at"] = *status.EndedAt
	}
	if status.ExitReason != nil {
		payload["exit_reason"] = *status.ExitReason
	}
	t.hub.Publish("run:"+runID, websocket.Message{
		Type:    websocket.MsgRunStatus,
		Topic:   "run:" + runID,
		Payload: payload,
	})
	return status.Status
}
