// Package runicorn is the Run Writer: the library training scripts import
// directly to record a run's metrics, console output, and asset references
// into a storage root the viewer (cmd/runicorn) later serves over HTTP.
//
// A process hosts at most one active run at a time (spec.md §4.1's
// "process-wide active run slot") — call NewRun once, defer Finish, and use
// the returned *Run for every Log*/Summary call in that process.
package runicorn

import (
	"fmt"

	"go.uber.org/zap"
)

// Config configures a new run. Training scripts construct this directly —
// there is no flag-parsing layer in this package, matching the teacher's
// restic.Wrapper/connection.Config pattern of a plain struct consumed by a
// library rather than a CLI.
type Config struct {
	// StorageRoot is the directory Runicorn is rooted at: runs/, archive/,
	// and index/ all live under it.
	StorageRoot string

	// Project groups related runs, e.g. "vision" or "nlp-finetune".
	Project string

	// Path is an optional hierarchical name under Project, e.g.
	// "resnet/ablation-1". Combined with Project and the run ID it forms the
	// run's directory: runs/<project>/<path>/<run_id>.
	Path string

	// RunID is the on-disk run directory name. Generated (timestamp plus a
	// random hex suffix, see generateRunID) if empty.
	RunID string

	// CaptureEnv, when true, snapshots the process environment into
	// meta.json-adjacent bookkeeping at init time.
	CaptureEnv bool

	// SnapshotCode, when true, archives the current working directory as a
	// code_snapshot asset at init time (see Run.snapshotCode).
	SnapshotCode bool

	// WorkspaceRoot is the root training scripts compute output paths
	// relative to, so watched entries survive being moved between machines
	// with a different absolute path.
	WorkspaceRoot string

	// ConsoleMode selects how stdout/stderr are tee'd into logs.txt:
	// "smart" (default) keeps only the final state of each '\r'-delimited
	// progress run, "all" writes every '\r'-separated update as its own
	// timestamped line, "none" disables capture entirely.
	ConsoleMode string

	// Logger is used for every non-fatal failure path (assets.json/
	// summary.json write errors, console-capture flush errors). Defaults to
	// a no-op logger.
	Logger *zap.Logger
}

func (c Config) validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("runicorn: StorageRoot is required")
	}
	if c.Project == "" {
		return fmt.Errorf("runicorn: Project is required")
	}
	return nil
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
