package sync

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"go.uber.org/zap"
)

// opensshHostKeyFailureSignatures are the stderr substrings OpenSSH prints
// when StrictHostKeyChecking rejects the presented key (spec.md §4.6.7).
var opensshHostKeyFailureSignatures = []string{
	"Host key verification failed",
	"REMOTE HOST IDENTIFICATION HAS CHANGED",
}

const (
	opensshStderrCapLines = 50
	opensshStartupProbe   = 2 * time.Second
	opensshKeyscanTimeout = 5 * time.Second
)

// OpenSSHTunnel is the os/exec-based tunnel backend (spec.md §4.6.7): it
// shells out to the system ssh binary rather than golang.org/x/crypto/ssh,
// mirrored on the teacher's restic.Wrapper os/exec style in
// agent/internal/restic/wrapper.go (CommandContext, piped stderr read line by
// line, captured output folded into the returned error) — the OpenSSH
// backend is a second Wrapper-shaped client, generalized from restic/rclone
// subprocesses to the system ssh binary.
type OpenSSHTunnel struct {
	sshBin     string
	keyscanBin string
	hostKeys   *HostKeyStore
	log        *zap.Logger
}

// NewOpenSSHTunnel creates a backend resolving "ssh"/"ssh-keyscan" from PATH.
func NewOpenSSHTunnel(hostKeys *HostKeyStore, log *zap.Logger) *OpenSSHTunnel {
	if log == nil {
		log = zap.NewNop()
	}
	return &OpenSSHTunnel{sshBin: "ssh", keyscanBin: "ssh-keyscan", hostKeys: hostKeys, log: log.Named("openssh_tunnel")}
}

// OpenSSHTunnelHandle is a running `ssh -N -L` subprocess.
type OpenSSHTunnelHandle struct {
	cmd       *exec.Cmd
	localPort int

	mu     sync.Mutex
	stderr []string
}

// LocalPort returns the 127.0.0.1 port the tunnel is forwarding from.
func (h *OpenSSHTunnelHandle) LocalPort() int { return h.localPort }

// RecentStderr returns the capped tail of stderr lines collected so far, for
// diagnostics (spec.md §4.6.7: "drain and cap stderr at a bounded number of
// recent lines").
func (h *OpenSSHTunnelHandle) RecentStderr() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.stderr))
	copy(out, h.stderr)
	return out
}

func (h *OpenSSHTunnelHandle) appendStderr(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stderr = append(h.stderr, line)
	if len(h.stderr) > opensshStderrCapLines {
		h.stderr = h.stderr[len(h.stderr)-opensshStderrCapLines:]
	}
}

// Stop terminates the tunnel subprocess.
func (h *OpenSSHTunnelHandle) Stop() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// Start launches `ssh -N -L 127.0.0.1:<local>:<remoteHost>:<remotePort>`
// against host:port as user, authenticating with the private key at keyPath
// (BatchMode=yes forbids interactive/password auth, so this backend requires
// key-based auth — see DESIGN.md). knownHostsPath points at the
// process-managed known_hosts file so StrictHostKeyChecking consults the
// same pinned set as the native backend.
//
// On success returns a running handle. On failure, if stderr carries one of
// opensshHostKeyFailureSignatures, Start shells out to ssh-keyscan to fetch
// the presented key and returns a *HostKeyError carrying the same
// HostKeyProblem shape the native backend's host-key callback raises — per
// spec.md §4.6.5, "the same 409 payload must be reproducible across all SSH
// transport backends." Any other failure is returned as a plain error so an
// AutoBackend-style caller falls through to the next transport.
func (t *OpenSSHTunnel) Start(ctx context.Context, host string, port int, user, keyPath, knownHostsPath, remoteHost string, remotePort int) (*OpenSSHTunnelHandle, error) {
	localPort, err := freeLocalPort()
	if err != nil {
		return nil, fmt.Errorf("sync: openssh tunnel: pick local port: %w", err)
	}

	args := []string{
		"-N",
		"-L", fmt.Sprintf("127.0.0.1:%d:%s:%d", localPort, remoteHost, remotePort),
		"-o", "BatchMode=yes",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=yes",
		"-o", "UserKnownHostsFile=" + knownHostsPath,
		"-o", "ServerAliveInterval=30",
		"-p", strconv.Itoa(port),
	}
	if keyPath != "" {
		args = append(args, "-i", keyPath)
	}
	args = append(args, fmt.Sprintf("%s@%s", user, host))

	cmd := exec.CommandContext(ctx, t.sshBin, args...)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sync: openssh tunnel: open stderr pipe: %w", err)
	}

	handle := &OpenSSHTunnelHandle{cmd: cmd, localPort: localPort}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sync: openssh tunnel: start: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
			handle.appendStderr(scanner.Text())
		}
		exited <- cmd.Wait()
	}()

	select {
	case err := <-exited:
		// The process exited before the startup probe window elapsed —
		// BatchMode/ExitOnForwardFailure make this the common shape of
		// both host-key rejection and bind failure.
		return nil, t.diagnoseEarlyExit(ctx, host, port, handle, err)
	case <-time.After(opensshStartupProbe):
		return handle, nil
	}
}

// diagnoseEarlyExit inspects handle's captured stderr for a host-key failure
// signature and, if found, fetches the offending key via ssh-keyscan to
// build a complete *HostKeyError; otherwise it returns a plain error
// wrapping waitErr and the stderr tail.
func (t *OpenSSHTunnel) diagnoseEarlyExit(ctx context.Context, host string, port int, handle *OpenSSHTunnelHandle, waitErr error) error {
	tail := handle.RecentStderr()
	joined := strings.Join(tail, "\n")

	if !isHostKeyFailure(joined) {
		return fmt.Errorf("sync: openssh tunnel exited early: %w\n%s", waitErr, joined)
	}

	key, keyType, err := t.keyscan(ctx, host, port)
	if err != nil {
		t.log.Warn("openssh tunnel: host key rejected but ssh-keyscan failed",
			zap.String("host", host), zap.Error(err))
		return fmt.Errorf("sync: openssh tunnel: host key verification failed and ssh-keyscan failed: %w", err)
	}

	problem := HostKeyProblem{
		Host: host, Port: port, KnownHostsHost: knownHostsHost(host, port),
		KeyType: keyType, FingerprintSHA256: Fingerprint(key),
		PublicKey: sshAuthorizedKeyBase64(key),
		Reason:    "unknown",
	}
	if existing, err := t.hostKeys.repo.Get(ctx, host, port); err == nil {
		problem.Reason = "changed"
		problem.ExpectedFingerprintSHA256 = existing.Fingerprint
		problem.ExpectedPublicKey = existing.KeyBase64
	}

	return &HostKeyError{Problem: problem}
}

// isHostKeyFailure reports whether stderr contains one of OpenSSH's host-key
// rejection messages.
func isHostKeyFailure(stderr string) bool {
	for _, sig := range opensshHostKeyFailureSignatures {
		if strings.Contains(stderr, sig) {
			return true
		}
	}
	return false
}

// keyscan runs `ssh-keyscan -p <port> -T 5 <host>` and parses the first
// returned host key line.
func (t *OpenSSHTunnel) keyscan(ctx context.Context, host string, port int) (ssh.PublicKey, string, error) {
	scanCtx, cancel := context.WithTimeout(ctx, opensshKeyscanTimeout)
	defer cancel()

	cmd := exec.CommandContext(scanCtx, t.keyscanBin, "-p", strconv.Itoa(port), "-T", "5", host)
	out, err := cmd.Output()
	if err != nil {
		return nil, "", fmt.Errorf("sync: ssh-keyscan: %w", err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// known_hosts format: "<host> <keytype> <base64>" — drop the host
		// field so ssh.ParseAuthorizedKey sees the authorized_keys shape.
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		authorizedKeyLine := strings.Join(fields[1:], " ")
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKeyLine))
		if err != nil {
			continue
		}
		return key, fields[1], nil
	}
	return nil, "", fmt.Errorf("sync: ssh-keyscan returned no usable host key for %s:%d", host, port)
}

func sshAuthorizedKeyBase64(key ssh.PublicKey) string {
	line := string(ssh.MarshalAuthorizedKey(key))
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// renderKnownHostsFile materializes hk's pinned entries as a temporary
// OpenSSH known_hosts file, so the ssh subprocess's
// -o UserKnownHostsFile=<path> consults the same pinned set as the native
// backend's database-backed HostKeyStore (spec.md §4.6.5 describes a flat
// file; this module's store is database-backed — see DESIGN.md — so the
// OpenSSH backend renders one on demand rather than maintaining both
// representations permanently). The caller must invoke the returned cleanup
// once the tunnel subprocess no longer needs the file.
func renderKnownHostsFile(ctx context.Context, hk *HostKeyStore) (string, func(), error) {
	entries, err := hk.List(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("sync: list known hosts for openssh tunnel: %w", err)
	}

	f, err := os.CreateTemp("", "runicorn-known-hosts-*")
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	for _, e := range entries {
		if _, err := fmt.Fprintf(f, "%s %s %s\n", knownHostsHost(e.Host, e.Port), e.KeyType, e.KeyBase64); err != nil {
			os.Remove(f.Name())
			return "", nil, err
		}
	}

	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// freeLocalPort asks the OS for an ephemeral port on 127.0.0.1, then closes
// the listener so the ssh subprocess can bind it. This carries the usual
// TOCTOU race of any "probe then reuse" port allocation; ExitOnForwardFailure
// turns a lost race into a clean early-exit error rather than a silent bind
// to the wrong port.
func freeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
