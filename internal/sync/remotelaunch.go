package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// remotePortRangeStart and remotePortRangeEnd bound the free-port search
// launchRemoteViewer runs on the remote host (spec.md §4.6.6).
const (
	remotePortRangeStart = 8080
	remotePortRangeEnd   = 9000

	remoteReadyPollInterval = 300 * time.Millisecond
	remoteReadyTimeout      = 15 * time.Second
)

// launchRemoteViewer runs the remote viewer launch sequence (spec.md
// §4.6.6): resolve a Python interpreter, confirm runicorn is importable,
// pick a free remote port, start the viewer in the background, and poll
// until it accepts connections. It returns the remote port the viewer is
// listening on, its remote PID, and the path of the log file its stdout/
// stderr were redirected to.
func (m *Manager) launchRemoteViewer(ctx context.Context, conn *connection, remoteRoot string) (port, pid int, logPath string, err error) {
	python, err := resolveRemotePython(conn)
	if err != nil {
		return 0, 0, "", err
	}

	if err := verifyRunicornImportable(conn, python); err != nil {
		return 0, 0, "", err
	}

	port, err = pickFreeRemotePort(conn, python)
	if err != nil {
		return 0, 0, "", err
	}

	logPath = fmt.Sprintf("/tmp/runicorn_viewer_%s.log", conn.id)
	pid, err = startRemoteViewerProcess(conn, python, remoteRoot, port, logPath)
	if err != nil {
		return 0, 0, "", err
	}

	if err := waitRemotePortReady(ctx, conn, port); err != nil {
		return 0, 0, "", err
	}

	return port, pid, logPath, nil
}

// resolveRemotePython tries, in order, an explicit interpreter on PATH, then
// the active conda environment, then conda's base environment, matching
// spec.md §4.6.6's "explicit/which python3/conda" resolution order.
func resolveRemotePython(conn *connection) (string, error) {
	candidates := []string{
		"which python3",
		`test -n "$CONDA_PREFIX" && test -x "$CONDA_PREFIX/bin/python3" && echo "$CONDA_PREFIX/bin/python3"`,
		"command -v conda >/dev/null 2>&1 && conda run -n base which python3",
	}
	for _, c := range candidates {
		out, execErr := execRemote(conn, c)
		if execErr != nil {
			continue
		}
		if p := strings.TrimSpace(out); p != "" {
			return p, nil
		}
	}
	return "", errors.New("sync: no python3 interpreter found on remote host (checked PATH and conda)")
}

// verifyRunicornImportable runs `<python> -c "import runicorn"` remotely,
// failing fast before a tunnel is ever opened if the package is missing.
func verifyRunicornImportable(conn *connection, python string) error {
	cmd := fmt.Sprintf("%s -c %s", python, shellSingleQuote("import runicorn"))
	if _, err := execRemote(conn, cmd); err != nil {
		return fmt.Errorf("sync: runicorn is not importable on remote host with %s: %w", python, err)
	}
	return nil
}

// pickFreeRemotePort asks the remote Python interpreter to find a free TCP
// port in [remotePortRangeStart, remotePortRangeEnd) by binding a throwaway
// socket, avoiding the race of picking a port client-side and having the
// remote process fail to bind it.
func pickFreeRemotePort(conn *connection, python string) (int, error) {
	script := fmt.Sprintf(`import socket
for p in range(%d, %d):
    s = socket.socket(socket.AF_INET, socket.SOCK_STREAM)
    try:
        s.bind(("127.0.0.1", p))
        s.close()
        print(p)
        break
    except OSError:
        s.close()
else:
    raise SystemExit(1)
`, remotePortRangeStart, remotePortRangeEnd)

	out, err := execRemote(conn, fmt.Sprintf("%s -c %s", python, shellSingleQuote(script)))
	if err != nil {
		return 0, fmt.Errorf("sync: no free remote port in [%d, %d): %w", remotePortRangeStart, remotePortRangeEnd, err)
	}
	port, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 0, fmt.Errorf("sync: unexpected free-port output %q: %w", out, convErr)
	}
	return port, nil
}

// startRemoteViewerProcess backgrounds `python3 -m runicorn viewer
// --remote-mode` on the remote host, redirecting its output to logPath, and
// returns its PID.
func startRemoteViewerProcess(conn *connection, python, remoteRoot string, port int, logPath string) (int, error) {
	cmd := fmt.Sprintf(
		"nohup %s -m runicorn viewer --root %s --host 127.0.0.1 --port %d --remote-mode > %s 2>&1 < /dev/null & echo $!",
		python, shellSingleQuote(remoteRoot), port, shellSingleQuote(logPath),
	)
	out, err := execRemote(conn, cmd)
	if err != nil {
		return 0, fmt.Errorf("sync: launch remote viewer: %w", err)
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 0, fmt.Errorf("sync: unexpected remote viewer pid output %q: %w", out, convErr)
	}
	return pid, nil
}

// waitRemotePortReady polls port on the remote side by opening a
// direct-tcpip channel through conn (the same mechanism the tunnel itself
// uses to forward connections), so readiness is confirmed over the existing
// SSH connection rather than by adding a second remote exec round trip.
func waitRemotePortReady(ctx context.Context, conn *connection, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(remoteReadyTimeout)

	for {
		c, err := conn.client.Dial("tcp", addr)
		if err == nil {
			_ = c.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("sync: remote viewer did not become ready on port %d within %s", port, remoteReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remoteReadyPollInterval):
		}
	}
}

// execRemote runs cmd on conn's remote host over a fresh SSH exec session
// and returns its combined stdout+stderr.
func execRemote(conn *connection, cmd string) (string, error) {
	sess, err := conn.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("sync: open exec session: %w", err)
	}
	defer sess.Close()

	out, err := sess.CombinedOutput(cmd)
	if err != nil {
		return string(out), fmt.Errorf("remote command failed: %w (output: %s)", err, bytes.TrimSpace(out))
	}
	return string(out), nil
}

// shellSingleQuote wraps s in single quotes for safe embedding in a remote
// shell command, escaping any single quotes it already contains.
func shellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
