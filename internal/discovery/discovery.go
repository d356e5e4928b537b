// Package discovery implements Storage Discovery (spec §4.5): enumerating
// runs across the current and legacy directory layouts, detecting dead
// writer processes, and soft-delete bookkeeping — without requiring a
// central long-lived process to have seen every run.
package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// reservedTopLevel names may never be treated as a <project> directory under
// the legacy layout.
var reservedTopLevel = map[string]bool{
	"runs":    true,
	"archive": true,
	"index":   true,
	"webui":   true,
}

// Meta mirrors a run's meta.json.
type Meta struct {
	ID            string `json:"id"`
	Path          string `json:"path"`
	CreatedAt     string `json:"created_at"`
	WriterPID     int    `json:"writer_pid"`
	Hostname      string `json:"hostname"`
	PythonVersion string `json:"python_version"`
	Platform      string `json:"platform"`
	StorageRoot   string `json:"storage_root"`
	WorkspaceRoot string `json:"workspace_root"`
}

// Status mirrors a run's status.json.
type Status struct {
	Status     string  `json:"status"`
	StartedAt  string  `json:"started_at"`
	EndedAt    *string `json:"ended_at,omitempty"`
	ExitReason *string `json:"exit_reason,omitempty"`
}

// DeletedMarker mirrors a run's .deleted soft-delete marker.
type DeletedMarker struct {
	DeletedAt       string `json:"deleted_at"`
	Reason          string `json:"reason"`
	OriginalStatus  string `json:"original_status"`
}

// RunDir is one discovered run directory.
type RunDir struct {
	RunID   string
	Dir     string // absolute path to the run directory
	Project string // "" for runs discovered under the current layout's flat runs/ tree
	Name    string
	Deleted bool
}

// IterAllRuns performs a depth-first scan of root with no depth limit, enumerating runs
// under both the current layout (runs/<path>/<run_id>) and the legacy
// layout (<project>/<name>/runs/<run_id>). A directory is considered a run
// if it contains meta.json or status.json; otherwise it is treated as a
// path segment and descended into.
func IterAllRuns(root string, includeDeleted bool) ([]RunDir, error) {
	var out []RunDir

	currentRoot := filepath.Join(root, "runs")
	if info, err := os.Stat(currentRoot); err == nil && info.IsDir() {
		found, err := walkForRuns(currentRoot, "", "")
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}

	topEntries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return filterDeleted(out, includeDeleted), nil
		}
		return nil, err
	}
	for _, top := range topEntries {
		if !top.IsDir() || reservedTopLevel[top.Name()] || isHidden(top.Name()) {
			continue
		}
		project := top.Name()
		nameEntries, err := os.ReadDir(filepath.Join(root, project))
		if err != nil {
			continue
		}
		for _, nameDir := range nameEntries {
			if !nameDir.IsDir() || isHidden(nameDir.Name()) {
				continue
			}
			runsDir := filepath.Join(root, project, nameDir.Name(), "runs")
			if info, err := os.Stat(runsDir); err != nil || !info.IsDir() {
				continue
			}
			found, err := walkForRuns(runsDir, project, nameDir.Name())
			if err != nil {
				return nil, err
			}
			out = append(out, found...)
		}
	}

	return filterDeleted(out, includeDeleted), nil
}

func filterDeleted(runs []RunDir, includeDeleted bool) []RunDir {
	if includeDeleted {
		return runs
	}
	out := runs[:0]
	for _, r := range runs {
		if !r.Deleted {
			out = append(out, r)
		}
	}
	return out
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

// walkForRuns treats every entry directly under runsDir as a candidate
// run_id directory, recursing one level at a time until it finds meta.json
// or status.json (supporting the current layout's hierarchical path
// component, e.g. runs/<path>/<run_id>).
func walkForRuns(dir, project, name string) ([]RunDir, error) {
	var out []RunDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if isRunDir(path) {
			out = append(out, RunDir{
				RunID:   e.Name(),
				Dir:     path,
				Project: project,
				Name:    name,
				Deleted: hasDeletedMarker(path),
			})
			continue
		}
		nested, err := walkForRuns(path, project, name)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

func isRunDir(path string) bool {
	if _, err := os.Stat(filepath.Join(path, "meta.json")); err == nil {
		return true
	}
	if _, err := os.Stat(filepath.Join(path, "status.json")); err == nil {
		return true
	}
	return false
}

func hasDeletedMarker(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".deleted"))
	return err == nil
}

// FindRunDirByID performs a linear scan for a single run_id. Callers
// requiring frequent lookups should cache the result of IterAllRuns instead.
func FindRunDirByID(root, runID string, includeDeleted bool) (*RunDir, error) {
	runs, err := IterAllRuns(root, includeDeleted)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].RunID == runID {
			return &runs[i], nil
		}
	}
	return nil, nil
}

// ReadMeta reads and parses a run's meta.json.
func ReadMeta(runDir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(runDir, "meta.json"))
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadStatus reads and parses a run's status.json.
func ReadStatus(runDir string) (*Status, error) {
	data, err := os.ReadFile(filepath.Join(runDir, "status.json"))
	if err != nil {
		return nil, err
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SoftDeleteRun creates a .deleted marker carrying the run's status prior to
// deletion, via the same temp-then-rename write used throughout this module.
func SoftDeleteRun(runDir, reason string) error {
	status, err := ReadStatus(runDir)
	original := "unknown"
	if err == nil {
		original = status.Status
	}
	marker := DeletedMarker{
		DeletedAt:      time.Now().UTC().Format(time.RFC3339),
		Reason:         reason,
		OriginalStatus: original,
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(runDir, ".deleted"), data)
}

// RestoreRun removes a run's .deleted marker.
func RestoreRun(runDir string) error {
	err := os.Remove(filepath.Join(runDir, ".deleted"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
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
