package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// connection is one pooled SSH connection plus the lazily-opened SFTP client
// riding on top of it. Each connect call dials its own *ssh.Client and stores
// it under a fresh session ID; it is kept alive with a periodic no-op probe
// rather than torn down between operations, and is dropped from the pool,
// not re-dialed, when that probe fails.
type connection struct {
	id   string
	host string
	port int
	user string
	opts ConnectOptions // retained so an OpenSSH-process tunnel attempt can reuse the same auth material

	client      *ssh.Client
	sftpClient  *sftp.Client
	mu          sync.Mutex
	connectedAt time.Time
	cancel      context.CancelFunc
}

// ConnectOptions configures a new SSH connection. Auth priority matches
// spec.md §4.6.4: explicit private key bytes, then private key file, then
// password, then the host's running ssh-agent (via SSH_AUTH_SOCK). Every
// tier whose material is present contributes a method, so a server that
// rejects one (e.g. a passphrase-protected key the agent also holds) still
// gets a chance at the next.
type ConnectOptions struct {
	Host           string
	Port           int
	User           string
	PrivateKey     []byte
	Password       string
	KeyPath        string
	ConfirmHostKey bool
}

// pool tracks live connections, keyed by an opaque session ID handed back to
// the HTTP API caller.
type pool struct {
	mu    sync.RWMutex
	conns map[string]*connection
	hk    *HostKeyStore
	log   *zap.Logger
}

func newPool(hk *HostKeyStore, log *zap.Logger) *pool {
	return &pool{conns: make(map[string]*connection), hk: hk, log: log}
}

func (p *pool) connect(ctx context.Context, opts ConnectOptions) (string, error) {
	port := opts.Port
	if port == 0 {
		port = 22
	}

	auths, err := authMethods(opts)
	if err != nil {
		return "", err
	}

	var hostKeyErr error
	cfg := &ssh.ClientConfig{
		User: opts.User,
		Auth: auths,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if opts.ConfirmHostKey {
				if pinErr := p.hk.Pin(ctx, opts.Host, port, key); pinErr != nil {
					return pinErr
				}
				return nil
			}
			err := p.hk.Callback(ctx, opts.Host, port)(hostname, remote, key)
			if err != nil {
				hostKeyErr = err
			}
			return err
		},
		Timeout: 15 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		if hostKeyErr != nil {
			return "", hostKeyErr
		}
		return "", fmt.Errorf("sync: dial %s: %w", addr, err)
	}

	id := uuid.NewString()
	connCtx, cancel := context.WithCancel(context.Background())
	conn := &connection{id: id, host: opts.Host, port: port, user: opts.User, opts: opts, client: client, connectedAt: time.Now(), cancel: cancel}

	p.mu.Lock()
	p.conns[id] = conn
	p.mu.Unlock()

	go p.keepalive(connCtx, conn)

	return id, nil
}

// keepalive sends a no-op global request every 30s (spec.md §4.6.1) and
// drops the connection from the pool if the probe fails.
func (p *pool) keepalive(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := conn.client.SendRequest("keepalive@runicorn", true, nil)
			if err != nil {
				p.log.Warn("ssh keepalive failed, dropping connection",
					zap.String("session_id", conn.id), zap.Error(err))
				p.remove(conn.id)
				return
			}
		}
	}
}

func (p *pool) get(sessionID string) (*connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[sessionID]
	return c, ok
}

func (p *pool) remove(sessionID string) {
	p.mu.Lock()
	conn, ok := p.conns[sessionID]
	if ok {
		delete(p.conns, sessionID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	conn.cancel()
	conn.mu.Lock()
	if conn.sftpClient != nil {
		_ = conn.sftpClient.Close()
	}
	conn.mu.Unlock()
	_ = conn.client.Close()
}

func (p *pool) list() []*connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// sftp lazily opens (and caches) an SFTP client on top of conn's SSH
// connection.
func (c *connection) sftp() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftpClient != nil {
		return c.sftpClient, nil
	}
	cl, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("sync: open sftp: %w", err)
	}
	c.sftpClient = cl
	return cl, nil
}

// authMethods builds the ssh.AuthMethod list in spec.md §4.6.4's priority
// order: explicit key bytes, key file, password, ssh-agent.
func authMethods(opts ConnectOptions) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if len(opts.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(opts.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("sync: parse private key bytes: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if opts.KeyPath != "" {
		key, err := os.ReadFile(opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("sync: read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("sync: parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}

	if am, ok := agentAuthMethod(); ok {
		methods = append(methods, am)
	}

	if len(methods) == 0 {
		return nil, errors.New("sync: no authentication method provided (private key, key_path, password, or a running ssh-agent required)")
	}
	return methods, nil
}

// agentAuthMethod dials SSH_AUTH_SOCK and, if a running ssh-agent is
// reachable there, returns an auth method backed by whatever keys it holds.
// Absence of the socket (or a dial failure) is not an error: agent auth is
// the lowest-priority, best-effort tier.
func agentAuthMethod() (ssh.AuthMethod, bool) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, false
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, false
	}
	client := agent.NewClient(conn)
	return ssh.PublicKeysCallback(client.Signers), true
}
