package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index/repo"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/store"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/sync"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after every component is initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable
// as the number of dependencies grows.
type RouterConfig struct {
	Runs         repo.RunRepository
	StorageRoots repo.StorageRootRepository
	Service      *index.Service
	StoreFor     func(root string) *store.Store
	IndexDBPath  string
	RemoteMgr    *sync.Manager
	Hub          *websocket.Hub
	Logger       *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. Every route
// lives under /api — there is no version prefix, matching spec.md §6's
// endpoint table exactly.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	runHandler := NewRunHandler(cfg.Runs, cfg.StorageRoots, cfg.Service, cfg.Logger)
	pathHandler := NewPathHandler(cfg.StorageRoots, cfg.Logger)
	storageHandler := NewStorageHandler(cfg.StorageRoots, cfg.StoreFor, cfg.IndexDBPath, cfg.Logger)
	remoteHandler := NewRemoteHandler(cfg.RemoteMgr, cfg.Logger)
	tailer := NewLogTailer(cfg.Hub, cfg.Runs, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, tailer, cfg.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", Health)

		r.Get("/runs", runHandler.List)
		r.Get("/runs/{id}", runHandler.GetByID)
		r.Get("/runs/{id}/metrics", runHandler.Metrics)
		r.Get("/runs/{id}/metrics_step", runHandler.Metrics)
		r.Get("/runs/{id}/logs/ws", wsHandler.ServeLogsWS)
		r.Post("/runs/soft-delete", runHandler.SoftDelete)

		r.Post("/recycle-bin/restore", runHandler.Restore)
		r.Post("/recycle-bin/empty", runHandler.Empty)

		r.Get("/paths/tree", pathHandler.Tree)
		r.Get("/paths/runs", pathHandler.Runs)
		r.Get("/paths", pathHandler.Tree)

		r.Post("/remote/connect", remoteHandler.Connect)
		r.Post("/remote/disconnect", remoteHandler.Disconnect)
		r.Get("/remote/sessions", remoteHandler.Sessions)
		r.Get("/remote/status", remoteHandler.Status)
		r.Post("/remote/viewer/start", remoteHandler.ViewerStart)
		r.Post("/remote/viewer/stop", remoteHandler.ViewerStop)
		r.Get("/remote/viewer/sessions", remoteHandler.ViewerSessions)
		r.Get("/remote/fs/list", remoteHandler.FSList)
		r.Get("/remote/fs/exists", remoteHandler.FSExists)
		r.Post("/remote/sync", remoteHandler.SyncRun)
		r.Get("/remote/known-hosts", remoteHandler.KnownHostsList)
		r.Delete("/remote/known-hosts", remoteHandler.KnownHostsDelete)

		r.Get("/storage/stats", storageHandler.Stats)
	})

	return r
}
