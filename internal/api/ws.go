package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/websocket"
)

// WSHandler handles the WebSocket tail endpoint GET /api/runs/{id}/logs/ws.
// Runicorn is local-first and single-user, so unlike the upstream agent/job
// hub there is no token-based auth on this connection — anyone able to reach
// the local API can already read logs.txt off disk directly.
//
// Example connection URL:
//
//	ws://127.0.0.1:8000/api/runs/018f.../logs/ws
type WSHandler struct {
	hub    *websocket.Hub
	tailer *LogTailer
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler. tailer is started/stopped around
// each connection's lifetime so logs.txt and status.json are only polled for
// runs someone is actually watching.
func NewWSHandler(hub *websocket.Hub, tailer *LogTailer, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		tailer: tailer,
		logger: logger.Named("ws_handler"),
	}
}

// ServeLogsWS handles GET /api/runs/{id}/logs/ws. It subscribes the caller to
// the logs:<run_id> and run:<run_id> topics and blocks until the connection
// closes — expected behavior for a WebSocket handler. LogTailer is the
// actual publisher: it starts polling runID's logs.txt and status.json for
// the duration of this call and stops once the last subscriber for runID
// disconnects.
func (h *WSHandler) ServeLogsWS(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		ErrBadRequest(w, "missing run id")
		return
	}

	topics := []string{"logs:" + runID, "run:" + runID}

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader has already written the error response on failure.
		h.logger.Warn("ws: upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("run_id", runID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	h.tailer.Start(runID)
	defer h.tailer.Stop(runID)

	// Run blocks until the connection closes. readPump and writePump handle
	// cleanup and hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("run_id", runID),
		zap.String("remote_addr", r.RemoteAddr),
	)
}
