package runicorn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeJSONAtomic serializes v and writes it to path via a sibling temp file
// plus rename, the same idiom internal/store and internal/discovery use for
// every mutable state file (spec.md §4.1: "meta.json, status.json,
// summary.json, and assets.json are updated by write-to-sibling-temp +
// rename-on-same-volume").
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("runicorn: create temp file in %q: %w", dir, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("runicorn: encode %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("runicorn: close temp file %q: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		// On platforms where rename fails when the target exists (Windows),
		// remove the target first and retry once.
		if os.Remove(path) == nil {
			if err := os.Rename(tmpPath, path); err == nil {
				success = true
				return nil
			}
		}
		return fmt.Errorf("runicorn: rename %q -> %q: %w", tmpPath, path, err)
	}
	success = true
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// appendLineLocked appends line (without a trailing newline) to path under
// an exclusive, blocking file-scope lock, matching spec.md's "events.jsonl
// is opened per write under a file-scope advisory lock; the writer never
// seeks" rule. Unlike internal/index's lock (used once per process
// lifetime), this lock is taken and released per call since every Log call
// is an independent critical section.
func appendLineLocked(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("runicorn: open %q: %w", path, err)
	}
	defer f.Close()

	if err := flockExclusive(f); err != nil {
		return fmt.Errorf("runicorn: lock %q: %w", path, err)
	}
	defer funlock(f)

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("runicorn: append to %q: %w", path, err)
	}
	return nil
}

// appendTextLocked is appendLineLocked's counterpart for logs.txt, which is
// plain text rather than JSONL.
func appendTextLocked(path string, text string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("runicorn: open %q: %w", path, err)
	}
	defer f.Close()

	if err := flockExclusive(f); err != nil {
		return fmt.Errorf("runicorn: lock %q: %w", path, err)
	}
	defer funlock(f)

	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("runicorn: append to %q: %w", path, err)
	}
	return nil
}
