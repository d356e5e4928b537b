package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClampMirrorIntervalDefaultsAndFloor(t *testing.T) {
	require.Equal(t, defaultMirrorDefaultInterval, ClampMirrorInterval(0))
	require.Equal(t, defaultMirrorMinIntervalSecs*time.Second, ClampMirrorInterval(2*time.Second))
	require.Equal(t, 20*time.Second, ClampMirrorInterval(20*time.Second))
}

func TestMirrorStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mirror_state.json")

	var empty mirrorState
	require.True(t, os.IsNotExist(readJSONFile(path, &empty)))
	require.Nil(t, empty.KnownSizes)

	want := mirrorState{
		KnownSizes: map[string]int64{"vision/resnet/runs/r1/events.jsonl": 128},
		Pending:    []mirrorWalkFrontier{{RelPath: "vision/resnet/runs/r2", Depth: 3}},
	}
	require.NoError(t, writeJSONAtomic(path, want))

	var got mirrorState
	require.NoError(t, readJSONFile(path, &got))
	require.Equal(t, want, got)
}

func TestMirrorSkipDirsAndAlwaysOverwriteSets(t *testing.T) {
	require.True(t, mirrorSkipDirs[".git"])
	require.True(t, mirrorSkipDirs[".runicorn"])
	require.False(t, mirrorSkipDirs["runs"])

	require.True(t, mirrorAlwaysOverwrite["status.json"])
	require.True(t, mirrorAlwaysOverwrite["meta.json"])
	require.False(t, mirrorAlwaysOverwrite["events.jsonl"])
}
