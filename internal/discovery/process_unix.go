//go:build !windows

package discovery

import (
	"os"
	"syscall"
)

// processAlive probes whether pid is alive using a zero-signal send, the
// same idiom the original Python implementation's os.kill(pid, 0) relies
// on — os.FindProcess always succeeds on Unix, so it cannot be trusted on
// its own.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
