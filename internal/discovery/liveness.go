package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// CorrectLiveness inspects one run's status and meta, and rewrites status.json
// to "failed" with exit_reason="process_not_found" if: the run's status is
// "running", its hostname matches the local host, and its writer PID is no
// longer alive. Remote runs — a different hostname, or a run located inside
// a known remote-cache path — are never downgraded (spec §4.5).
func CorrectLiveness(runDir, localHostname string, remoteCacheRoots []string) (corrected bool, err error) {
	status, err := ReadStatus(runDir)
	if err != nil {
		return false, err
	}
	if status.Status != "running" {
		return false, nil
	}

	meta, err := ReadMeta(runDir)
	if err != nil {
		return false, err
	}
	if meta.Hostname != "" && meta.Hostname != localHostname {
		return false, nil
	}
	for _, cacheRoot := range remoteCacheRoots {
		if isUnder(runDir, cacheRoot) {
			return false, nil
		}
	}

	if meta.WriterPID <= 0 || processAlive(meta.WriterPID) {
		return false, nil
	}

	reason := "process_not_found"
	ended := time.Now().UTC().Format(time.RFC3339)
	status.Status = "failed"
	status.EndedAt = &ended
	status.ExitReason = &reason

	data, err := json.Marshal(status)
	if err != nil {
		return false, err
	}
	if err := writeAtomic(filepath.Join(runDir, "status.json"), data); err != nil {
		return false, err
	}
	return true, nil
}

func isUnder(path, root string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && len(rel) > 0 && rel[0] != '.' && !filepath.IsAbs(rel)
}

// Hostname returns the local hostname, falling back to "" on failure so
// callers degrade to "never downgrade" rather than erroring.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
