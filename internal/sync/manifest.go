package sync

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// FileEntry is one file inside a SyncManifest experiment, mirroring the
// priority tiers a server-side generator would assign: 1 for meta/status/
// summary, 2 for essential run data, 4 for media.
type FileEntry struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	Mtime        int64  `json:"mtime"`
	TailHash     string `json:"tail_hash,omitempty"`
	Priority     int    `json:"priority"`
	IsAppendOnly bool   `json:"is_append_only"`
}

// ManifestExperiment is one run entry inside a SyncManifest.
type ManifestExperiment struct {
	RunID     string      `json:"run_id"`
	Project   string      `json:"project"`
	Name      string      `json:"name"`
	Status    string      `json:"status"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
	Files     []FileEntry `json:"files"`
}

// SyncManifest is the server-generated document a Manifest Sync Client
// consumes, enumerating remote experiments and their file metadata so the
// client can diff against its local cache without walking the remote
// filesystem file-by-file.
type SyncManifest struct {
	FormatVersion  int                  `json:"format_version"`
	ManifestType   string               `json:"manifest_type"` // "full" | "active"
	Revision       int64                `json:"revision"`
	SnapshotID     string               `json:"snapshot_id"`
	GeneratedAt    string               `json:"generated_at"`
	ServerHostname string               `json:"server_hostname"`
	RemoteRoot     string               `json:"remote_root"`
	Experiments    []ManifestExperiment `json:"experiments"`
}

// manifestCandidates is the download order a sync cycle tries against the
// remote root's .runicorn/ directory: active manifests are smaller and
// preferred, gzip siblings are preferred over their plain JSON counterpart.
var manifestCandidates = []string{
	"active_manifest.json.gz",
	"active_manifest.json",
	"full_manifest.json.gz",
	"full_manifest.json",
}

// decodeManifest ungzips raw if name ends in .gz, then parses and validates
// it against the required-field rules a generator must have upheld.
func decodeManifest(name string, raw []byte) (*SyncManifest, error) {
	data := raw
	if strings.HasSuffix(name, ".gz") {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("sync: ungzip %s: %w", name, err)
		}
		defer gz.Close()
		data, err = io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("sync: read gzip %s: %w", name, err)
		}
	}

	var m SyncManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("sync: parse manifest %s: %w", name, err)
	}
	if m.FormatVersion == 0 {
		return nil, fmt.Errorf("sync: manifest %s missing format_version", name)
	}
	if m.Revision < 1 {
		return nil, fmt.Errorf("sync: manifest %s has invalid revision %d", name, m.Revision)
	}
	if m.SnapshotID == "" {
		return nil, fmt.Errorf("sync: manifest %s missing snapshot_id", name)
	}
	return &m, nil
}
