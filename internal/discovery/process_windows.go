//go:build windows

package discovery

import "golang.org/x/sys/windows"

// processAlive probes process liveness via OpenProcess, since os.FindProcess
// always succeeds on Windows too and a successful open that then fails
// an exit-code check indicates the process has already exited.
func processAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(h, &exitCode); err != nil {
		return false
	}
	return exitCode == 259 // STILL_ACTIVE
}
