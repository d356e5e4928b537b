package sync

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleManifest() SyncManifest {
	return SyncManifest{
		FormatVersion: 1,
		ManifestType:  "active",
		Revision:      3,
		SnapshotID:    "snap-1",
		GeneratedAt:   "2026-07-31T00:00:00Z",
		RemoteRoot:    "/data/runicorn",
		Experiments: []ManifestExperiment{
			{
				RunID: "run1", Project: "vision", Name: "resnet",
				Files: []FileEntry{
					{Path: "vision/resnet/runs/run1/meta.json", Size: 100, Mtime: 1000, Priority: 1},
					{Path: "vision/resnet/runs/run1/events.jsonl", Size: 500, Mtime: 2000, Priority: 2, IsAppendOnly: true},
				},
			},
		},
	}
}

func TestDecodeManifestPlainJSON(t *testing.T) {
	m := sampleManifest()
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	decoded, err := decodeManifest("active_manifest.json", raw)
	require.NoError(t, err)
	require.Equal(t, int64(3), decoded.Revision)
	require.Equal(t, "snap-1", decoded.SnapshotID)
}

func TestDecodeManifestGzip(t *testing.T) {
	m := sampleManifest()
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	decoded, err := decodeManifest("active_manifest.json.gz", buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, int64(3), decoded.Revision)
}

func TestDecodeManifestRejectsMissingRequiredFields(t *testing.T) {
	raw := []byte(`{"format_version": 1, "revision": 0, "snapshot_id": "x"}`)
	_, err := decodeManifest("full_manifest.json", raw)
	require.Error(t, err)

	raw = []byte(`{"format_version": 0, "revision": 1, "snapshot_id": "x"}`)
	_, err = decodeManifest("full_manifest.json", raw)
	require.Error(t, err)

	raw = []byte(`{"format_version": 1, "revision": 1}`)
	_, err = decodeManifest("full_manifest.json", raw)
	require.Error(t, err)
}

func TestDiffManifestClassifiesReasons(t *testing.T) {
	m := sampleManifest()
	states := map[string]fileState{
		"vision/resnet/runs/run1/meta.json": {Size: 100, Mtime: 1000},
		"vision/resnet/runs/run1/events.jsonl": {Size: 200, Mtime: 2000},
	}

	diffs := diffManifest(&m, states)
	require.Len(t, diffs, 1)
	require.Equal(t, reasonAppendOnlyGro, diffs[0].reason)
	require.Equal(t, "vision/resnet/runs/run1/events.jsonl", diffs[0].entry.Path)
}

func TestDiffManifestNewFile(t *testing.T) {
	m := sampleManifest()
	diffs := diffManifest(&m, map[string]fileState{})
	require.Len(t, diffs, 2)
	for _, d := range diffs {
		require.Equal(t, reasonNewFile, d.reason)
	}
}

func TestDiffManifestNoChangeWhenStatesMatch(t *testing.T) {
	m := sampleManifest()
	states := map[string]fileState{
		"vision/resnet/runs/run1/meta.json":    {Size: 100, Mtime: 1000},
		"vision/resnet/runs/run1/events.jsonl": {Size: 500, Mtime: 2000},
	}
	diffs := diffManifest(&m, states)
	require.Empty(t, diffs)
}
