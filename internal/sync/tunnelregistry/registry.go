// Package tunnelregistry maintains the in-memory registry of active tunneled
// viewer sessions: local TCP listeners forwarded over an SSH connection to a
// remote host's web UI port, opened on demand by /api/remote/viewer/start and
// torn down by /api/remote/viewer/stop or SSH session loss.
//
// All state is in-memory and intentionally non-persistent — if the server
// restarts, any open tunnels die with the process and the caller must start
// them again. There is no durable "tunnel record"; unlike a run or asset, a
// tunnel has no meaning once the process that opened it exits.
package tunnelregistry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session is an open tunneled viewer session: a local listener forwarding
// connections to RemoteAddr through the SSH connection identified by
// SSHSessionID.
type Session struct {
	// ID is the tunnel's own identifier, independent of the SSH session it
	// rides on — one SSH session may host several viewer tunnels over time.
	ID string

	// SSHSessionID is the Remote Sync Engine connection this tunnel forwards
	// through.
	SSHSessionID string

	// Host and SSHPort identify the remote machine, and Username the account
	// used, on the SSH connection this tunnel rides on.
	Host     string
	SSHPort  int
	Username string

	// LocalPort is the port the local listener is bound to.
	LocalPort int

	// RemotePort is the port on the far side of the SSH connection the
	// viewer process is listening on.
	RemotePort int

	// RemoteRoot is the runicorn storage root the remote viewer process was
	// started against, if this tunnel launched one (empty when it forwards
	// to a viewer the caller started independently).
	RemoteRoot string

	// RemotePID is the remote viewer process's PID, or 0 if this tunnel
	// forwards to a viewer this session did not itself launch.
	RemotePID int

	// RemoteAddr is the host:port on the far side of the SSH connection the
	// tunnel forwards to (127.0.0.1:RemotePort).
	RemoteAddr string

	StartedAt time.Time

	listener net.Listener
	close    func() error
}

// View returns the introspection shape spec.md §4.6.6 defines for external
// consumers of an open tunnel session.
func (s Session) View() SessionView {
	return SessionView{
		SessionID:     s.ID,
		Host:          s.Host,
		SSHPort:       s.SSHPort,
		Username:      s.Username,
		LocalPort:     s.LocalPort,
		RemotePort:    s.RemotePort,
		RemoteRoot:    s.RemoteRoot,
		RemotePID:     s.RemotePID,
		Status:        "active",
		StartedAt:     s.StartedAt,
		UptimeSeconds: time.Since(s.StartedAt).Seconds(),
		IsActive:      true,
		URL:           fmt.Sprintf("http://127.0.0.1:%d", s.LocalPort),
	}
}

// SessionView is the JSON-facing introspection shape for an open tunnel
// session (spec.md §4.6.6): {sessionId, host, sshPort, username, localPort,
// remotePort, remoteRoot, remotePid, status, startedAt, uptimeSeconds,
// isActive, url}.
type SessionView struct {
	SessionID     string    `json:"sessionId"`
	Host          string    `json:"host"`
	SSHPort       int       `json:"sshPort"`
	Username      string    `json:"username"`
	LocalPort     int       `json:"localPort"`
	RemotePort    int       `json:"remotePort"`
	RemoteRoot    string    `json:"remoteRoot,omitempty"`
	RemotePID     int       `json:"remotePid,omitempty"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
	IsActive      bool      `json:"isActive"`
	URL           string    `json:"url"`
}

// Manager is the in-memory registry of currently open tunnel sessions. Safe
// for concurrent use — the HTTP handlers and the SSH pool's disconnect path
// both touch it.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
}

// New creates a new Manager instance.
func New(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.Named("tunnelregistry"),
	}
}

// RegisterParams carries everything Register needs to track a tunnel and
// serve it back through Session's introspection fields.
type RegisterParams struct {
	ID           string
	SSHSessionID string
	Host         string
	SSHPort      int
	Username     string
	LocalPort    int
	RemotePort   int
	RemoteRoot   string
	RemotePID    int
	RemoteAddr   string
	Listener     net.Listener
	Close        func() error
}

// Register adds a tunnel to the registry. Listener and Close are retained so
// Stop can tear the tunnel down cleanly.
func (m *Manager) Register(p RegisterParams) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[p.ID] = &Session{
		ID:           p.ID,
		SSHSessionID: p.SSHSessionID,
		Host:         p.Host,
		SSHPort:      p.SSHPort,
		Username:     p.Username,
		LocalPort:    p.LocalPort,
		RemotePort:   p.RemotePort,
		RemoteRoot:   p.RemoteRoot,
		RemotePID:    p.RemotePID,
		RemoteAddr:   p.RemoteAddr,
		StartedAt:    time.Now(),
		listener:     p.Listener,
		close:        p.Close,
	}

	m.logger.Info("viewer tunnel opened",
		zap.String("tunnel_id", p.ID),
		zap.String("ssh_session_id", p.SSHSessionID),
		zap.Int("local_port", p.LocalPort),
		zap.String("remote_addr", p.RemoteAddr),
	)
}

// Stop closes and removes a tunnel by ID. Returns an error if no such tunnel
// is registered.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("tunnelregistry: no tunnel %s", id)
	}

	var err error
	if session.close != nil {
		err = session.close()
	}

	m.logger.Info("viewer tunnel closed",
		zap.String("tunnel_id", id),
		zap.Duration("duration", time.Since(session.StartedAt)),
	)
	return err
}

// StopAllForSSHSession closes every tunnel riding on sshSessionID, used when
// the underlying SSH connection is disconnected or lost.
func (m *Manager) StopAllForSSHSession(sshSessionID string) {
	m.mu.Lock()
	var toClose []*Session
	for id, s := range m.sessions {
		if s.SSHSessionID == sshSessionID {
			toClose = append(toClose, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range toClose {
		if s.close != nil {
			_ = s.close()
		}
		m.logger.Info("viewer tunnel closed on ssh disconnect",
			zap.String("tunnel_id", s.ID),
			zap.String("ssh_session_id", sshSessionID),
		)
	}
}

// Get returns a snapshot of a tunnel's state.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	cp := *s
	return cp, true
}

// List returns a snapshot of every open tunnel.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, *s)
	}
	return result
}
