package runicorn

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		StorageRoot: t.TempDir(),
		Project:     "vision",
		Path:        "resnet/ablation-1",
		ConsoleMode: "none",
		Logger:      zap.NewNop(),
	}
}

func TestNewRunWritesMetaAndStatus(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Finish("finished")) })

	var meta Meta
	require.NoError(t, readJSON(filepath.Join(r.dir, "meta.json"), &meta))
	require.Equal(t, r.runID, meta.ID)
	require.Equal(t, "vision/resnet/ablation-1", meta.Path)
	require.Equal(t, os.Getpid(), meta.WriterPID)

	var status Status
	require.NoError(t, readJSON(filepath.Join(r.dir, "status.json"), &status))
	require.Equal(t, "running", status.Status)
}

func TestNewRunRejectsSecondActiveRun(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Finish("finished")) })

	_, err = NewRun(newTestConfig(t))
	require.Error(t, err)
}

func TestLogAppendsEventsAndTracksBestMetric(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)
	defer r.Finish("finished")

	require.NoError(t, r.SetPrimaryMetric("accuracy", "max"))
	require.NoError(t, r.Log(map[string]any{"accuracy": 0.5, "loss": 1.2}, nil, ""))
	require.NoError(t, r.Log(map[string]any{"accuracy": 0.8, "loss": 0.4}, nil, ""))
	require.NoError(t, r.Log(map[string]any{"accuracy": 0.6, "loss": 0.6}, nil, ""))

	require.True(t, r.haveBest)
	require.Equal(t, 0.8, r.bestValue)
	require.EqualValues(t, 2, r.bestStep)

	data, err := os.ReadFile(filepath.Join(r.dir, "events.jsonl"))
	require.NoError(t, err)

	lines := splitLines(data)
	require.Len(t, lines, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.Equal(t, "metrics", first["type"])
}

func TestSummaryMergesAcrossCalls(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)
	defer r.Finish("finished")

	require.NoError(t, r.Summary(map[string]any{"epochs": 10.0}))
	require.NoError(t, r.Summary(map[string]any{"final_loss": 0.1}))

	var doc map[string]any
	require.NoError(t, readJSON(filepath.Join(r.dir, "summary.json"), &doc))
	require.Equal(t, 10.0, doc["epochs"])
	require.Equal(t, 0.1, doc["final_loss"])
}

func TestFinishIsIdempotentAndWritesBestMetricSummary(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)

	require.NoError(t, r.SetPrimaryMetric("accuracy", "max"))
	require.NoError(t, r.Log(map[string]any{"accuracy": 0.9}, nil, ""))

	require.NoError(t, r.Finish("finished"))
	require.NoError(t, r.Finish("finished")) // second call is a no-op

	var status Status
	require.NoError(t, readJSON(filepath.Join(r.dir, "status.json"), &status))
	require.Equal(t, "finished", status.Status)
	require.NotNil(t, status.EndedAt)

	var summary map[string]any
	require.NoError(t, readJSON(filepath.Join(r.dir, "summary.json"), &summary))
	require.Equal(t, 0.9, summary["best_metric_value"])
}

func TestLogConfigRecordsAssetAndFile(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)
	defer r.Finish("finished")

	require.NoError(t, r.LogConfig(map[string]any{"lr": 0.01}, nil, nil))

	_, err = os.Stat(filepath.Join(r.dir, "config.json"))
	require.NoError(t, err)
	require.NotNil(t, r.assetsDoc.Config)
	require.Equal(t, "config", r.assetsDoc.Config.Name)
}

func TestLogImageWritesFileAndEvent(t *testing.T) {
	cfg := newTestConfig(t)
	r, err := NewRun(cfg)
	require.NoError(t, err)
	defer r.Finish("finished")

	rel, err := r.LogImage("predictions", []byte("fake-png-bytes"), nil, "sample", "png")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(r.dir, rel))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(r.dir, "events.jsonl"))
	require.NoError(t, err)
	lines := splitLines(data)
	require.Len(t, lines, 1)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &ev))
	require.Equal(t, "image", ev["type"])
}

func TestGenerateRunIDFormat(t *testing.T) {
	dir := t.TempDir()
	id, err := generateRunID(dir, "proj", "")
	require.NoError(t, err)
	require.Regexp(t, `^\d{8}_\d{6}_[0-9a-f]{6}$`, id)
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func TestMain_unused(t *testing.T) {
	_ = context.Background()
}
