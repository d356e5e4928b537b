package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/sync"
)

// RemoteHandler exposes the Remote Sync Engine's SSH lifecycle, tunneled
// viewer sessions, and rate-limited directory browsing (spec.md §4.6, §6).
// It depends only on *sync.Manager's public surface so this package never
// reaches into SSH/SFTP internals directly.
type RemoteHandler struct {
	mgr    *sync.Manager
	logger *zap.Logger
}

// NewRemoteHandler creates a new RemoteHandler.
func NewRemoteHandler(mgr *sync.Manager, logger *zap.Logger) *RemoteHandler {
	return &RemoteHandler{mgr: mgr, logger: logger.Named("remote_handler")}
}

type connectRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	PrivateKey string `json:"private_key,omitempty"` // raw PEM bytes, takes priority over key_path
	Password   string `json:"password,omitempty"`
	KeyPath    string `json:"key_path,omitempty"`
}

// Connect handles POST /api/remote/connect. On host key verification failure
// it responds 409 with the HostKeyProblem payload spec.md §6 defines
// verbatim, so the caller can re-POST with a confirmation flag once the user
// accepts the new/unknown key.
func (h *RemoteHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Host == "" || req.User == "" {
		ErrBadRequest(w, "host and user are required")
		return
	}

	confirmHostKey := r.URL.Query().Get("confirm_host_key") == "true"

	sessionID, err := h.mgr.Connect(r.Context(), sync.ConnectOptions{
		Host: req.Host, Port: req.Port, User: req.User,
		PrivateKey: []byte(req.PrivateKey),
		Password:   req.Password, KeyPath: req.KeyPath,
		ConfirmHostKey: confirmHostKey,
	})
	if err != nil {
		var hkErr *sync.HostKeyError
		if errors.As(err, &hkErr) {
			ErrConflictJSON(w, map[string]any{
				"code":     "HOST_KEY_CONFIRMATION_REQUIRED",
				"message":  "Host key verification failed",
				"host_key": hkErr.Problem,
			})
			return
		}
		h.logger.Warn("remote connect failed", zap.String("host", req.Host), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, map[string]string{"session_id": sessionID})
}

// Disconnect handles POST /api/remote/disconnect.
func (h *RemoteHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.mgr.Disconnect(r.Context(), req.SessionID); err != nil {
		h.logger.Warn("remote disconnect failed", zap.String("session_id", req.SessionID), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Sessions handles GET /api/remote/sessions.
func (h *RemoteHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.mgr.Sessions())
}

// Status handles GET /api/remote/status?session_id=....
func (h *RemoteHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	status, ok := h.mgr.Status(sessionID)
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, status)
}

// ViewerStart handles POST /api/remote/viewer/start. It runs the AutoBackend
// selector (spec.md §4.6.7): OpenSSH-process first, falling back to the
// synchronous native backend on any non-host-key error. A host-key
// confirmation failure from either backend surfaces as the same 409 payload
// Connect uses, per spec.md §4.6.5's "reproducible across all SSH transport
// backends."
func (h *RemoteHandler) ViewerStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID  string `json:"session_id"`
		RemoteRoot string `json:"remote_root"` // runicorn storage root to launch a fresh remote viewer against
		RemotePort int    `json:"remote_port"` // if set, skip the launch sequence and tunnel to an already-running viewer
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	localPort, backend, err := h.mgr.StartViewerAuto(r.Context(), req.SessionID, req.RemoteRoot, req.RemotePort)
	if err != nil {
		var hkErr *sync.HostKeyError
		if errors.As(err, &hkErr) {
			ErrConflictJSON(w, map[string]any{
				"code":     "HOST_KEY_CONFIRMATION_REQUIRED",
				"message":  "Host key verification failed",
				"host_key": hkErr.Problem,
			})
			return
		}
		h.logger.Warn("viewer start failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"local_port": localPort, "backend": backend})
}

// ViewerSessions handles GET /api/remote/viewer/sessions: the external
// introspection view spec.md §4.6.6 defines for every open tunneled viewer
// session (sessionId, host, sshPort, username, localPort, remotePort,
// remoteRoot, remotePid, status, startedAt, uptimeSeconds, isActive, url).
func (h *RemoteHandler) ViewerSessions(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.mgr.ViewerSessions())
}

// ViewerStop handles POST /api/remote/viewer/stop.
func (h *RemoteHandler) ViewerStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.mgr.StopViewer(req.SessionID); err != nil {
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// FSList handles GET /api/remote/fs/list?session_id=...&path=....
func (h *RemoteHandler) FSList(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	path := r.URL.Query().Get("path")

	entries, err := h.mgr.ListDir(r.Context(), sessionID, path)
	if err != nil {
		if errors.Is(err, sync.ErrRateLimited) {
			errJSON(w, http.StatusTooManyRequests, "rate limited, retry shortly", "rate_limited")
			return
		}
		h.logger.Warn("remote fs list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, entries)
}

// FSExists handles GET /api/remote/fs/exists?session_id=...&path=....
func (h *RemoteHandler) FSExists(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	path := r.URL.Query().Get("path")

	exists, err := h.mgr.Exists(r.Context(), sessionID, path)
	if err != nil {
		if errors.Is(err, sync.ErrRateLimited) {
			errJSON(w, http.StatusTooManyRequests, "rate limited, retry shortly", "rate_limited")
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, map[string]bool{"exists": exists})
}

// -----------------------------------------------------------------------------
// Manifest-driven sync
// -----------------------------------------------------------------------------

type syncRequest struct {
	SessionID  string `json:"session_id"`
	RemoteRoot string `json:"remote_root"`
	LocalRoot  string `json:"local_root"`
}

// SyncRun handles POST /api/remote/sync: runs one Manifest Sync Client cycle
// (spec.md §4.6.2) against sessionID's connection, mirroring remoteRoot into
// localRoot. Intended to be called on a timer by whatever owns the paired
// (session, remote_root, local_root) configuration; this handler does not
// loop on its own.
func (h *RemoteHandler) SyncRun(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.RemoteRoot == "" || req.LocalRoot == "" {
		ErrBadRequest(w, "session_id, remote_root, and local_root are required")
		return
	}

	result, err := h.mgr.SyncCycle(r.Context(), req.SessionID, req.RemoteRoot, req.LocalRoot)
	if err != nil {
		h.logger.Warn("sync cycle failed", zap.String("session_id", req.SessionID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, result)
}

// -----------------------------------------------------------------------------
// Known hosts
// -----------------------------------------------------------------------------

// KnownHostsList handles GET /api/remote/known-hosts.
func (h *RemoteHandler) KnownHostsList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.mgr.ListKnownHosts(r.Context())
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, entries)
}

// KnownHostsDelete handles DELETE /api/remote/known-hosts?host=...&port=....
func (h *RemoteHandler) KnownHostsDelete(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	port := intQuery(r, "port", 22)

	if err := h.mgr.ForgetKnownHost(r.Context(), host, port); err != nil {
		ErrInternal(w)
		return
	}
	NoContent(w)
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := parsePositiveInt(v)
	if err != nil {
		return def
	}
	return n
}
