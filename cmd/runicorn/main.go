package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/api"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/discovery"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index/repo"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/store"
	runsync "github.com/Skydoge-zjm/Runicorn-sub000/internal/sync"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	storageRoots  []string
	logLevel      string
	sweepInterval time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "runicorn",
		Short: "Runicorn — local-first ML experiment tracking",
		Long: `Runicorn tracks ML training runs written to a local or mounted-remote
storage root. Training scripts import the runicorn Go package directly;
this binary runs the viewer process that serves the HTTP API and
WebSocket log tail over those same run directories.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the viewer: HTTP API, WebSocket log tail, discovery sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("RUNICORN_HTTP_ADDR", ":8000"), "HTTP API listen address")
	serveCmd.Flags().StringSliceVar(&cfg.storageRoots, "storage-root", envOrDefaultSlice("RUNICORN_STORAGE_ROOTS", []string{"./.runicorn"}), "Storage root directory to serve (repeatable)")
	serveCmd.Flags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RUNICORN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	serveCmd.Flags().DurationVar(&cfg.sweepInterval, "sweep-interval", 10*time.Second, "Interval between discovery liveness sweeps")

	root.AddCommand(serveCmd)
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runicorn %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if len(cfg.storageRoots) == 0 {
		return fmt.Errorf("at least one --storage-root is required")
	}

	logger.Info("starting runicorn viewer",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.Strings("storage_roots", cfg.storageRoots),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Index ---
	// The first storage root owns the canonical index.db; a process with
	// several storage roots still maintains one queryable index across all
	// of them, the same way the Run Writer and the viewer independently
	// open this file and rely on WAL + busy_timeout to serialize writers.
	indexDBPath := filepath.Join(cfg.storageRoots[0], "index", "runicorn.db")
	if err := os.MkdirAll(filepath.Dir(indexDBPath), 0o750); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	gormDB, err := index.New(index.Config{
		Path:     indexDBPath,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	svc := index.NewService(gormDB, logger)
	runRepo := repo.NewRunRepository(gormDB)
	storageRootRepo := repo.NewStorageRootRepository(gormDB)
	knownHostRepo := repo.NewKnownHostRepository(gormDB)

	// Register every configured storage root up front so /api/paths and
	// /api/storage/stats see them even before the discovery sweep runs.
	for _, root := range cfg.storageRoots {
		if _, err := storageRootRepo.GetByRoot(ctx, root); err != nil {
			if err := storageRootRepo.Create(ctx, &index.StorageRoot{Root: root}); err != nil {
				logger.Warn("failed to register storage root", zap.String("root", root), zap.Error(err))
			}
		}
	}

	// --- 2. Blob stores (one per storage root, created lazily and cached) ---
	storeFor := newStoreCache(logger)

	// --- 3. Discovery ---
	roots := func() []string { return cfg.storageRoots }
	remoteCacheRoots := func() []string {
		// The viewer registers no sync cache roots: a tree mirrored by the
		// sync endpoint into a caller-chosen local_root is not tracked here,
		// so the liveness sweep excludes nothing.
		return nil
	}
	checker, err := discovery.NewChecker(roots, remoteCacheRoots, logger)
	if err != nil {
		return fmt.Errorf("failed to create discovery checker: %w", err)
	}
	if err := checker.Start(cfg.sweepInterval); err != nil {
		return fmt.Errorf("failed to start discovery checker: %w", err)
	}
	defer func() {
		if err := checker.Stop(); err != nil {
			logger.Warn("discovery checker shutdown error", zap.Error(err))
		}
	}()

	// --- 4. Remote Sync Engine ---
	remoteMgr := runsync.NewManager(knownHostRepo, logger)

	// Manifest Generator: this process's own storage roots are "server side"
	// for any other runicorn viewer that mounts them over SFTP, so each root
	// gets a periodic full+active manifest refresh independent of whether
	// anyone is currently syncing from it.
	manifestCtx, manifestCancel := context.WithCancel(ctx)
	defer manifestCancel()
	for _, root := range cfg.storageRoots {
		go runManifestGeneratorLoop(manifestCtx, root, logger)
	}

	// --- 5. WebSocket hub ---
	hub := websocket.NewHub()
	go hub.Run(ctx)

	// --- 6. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Runs:         runRepo,
		StorageRoots: storageRootRepo,
		Service:      svc,
		StoreFor:     storeFor,
		IndexDBPath:  indexDBPath,
		RemoteMgr:    remoteMgr,
		Hub:          hub,
		Logger:       logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down runicorn viewer")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("runicorn viewer stopped")
	return nil
}

// manifestGeneratorInterval is how often each storage root's full and active
// manifests are regenerated for remote Manifest Sync Clients.
const manifestGeneratorInterval = 60 * time.Second

// runManifestGeneratorLoop regenerates root's full and active manifests on a
// fixed interval until ctx is cancelled, logging (not fatal to the process)
// on failure so one bad storage root never brings down the viewer.
func runManifestGeneratorLoop(ctx context.Context, root string, logger *zap.Logger) {
	hostname, _ := os.Hostname()
	ticker := time.NewTicker(manifestGeneratorInterval)
	defer ticker.Stop()

	generate := func(manifestType string) {
		_, err := runsync.GenerateManifest(runsync.GeneratorConfig{
			StorageRoot:         root,
			ManifestType:        manifestType,
			ActiveWindowSeconds: int64((24 * time.Hour).Seconds()),
			ServerHostname:      hostname,
		}, logger)
		if err != nil {
			logger.Warn("manifest generation failed", zap.String("root", root), zap.String("type", manifestType), zap.Error(err))
		}
	}

	generate("full")
	generate("active")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			generate("full")
			generate("active")
		}
	}
}

// newStoreCache returns a StoreFor function that lazily creates and caches
// one *store.Store per distinct root path, since store.New itself carries no
// cache and a handler may be asked for the same root on every request.
func newStoreCache(logger *zap.Logger) func(root string) *store.Store {
	var mu sync.Mutex
	stores := make(map[string]*store.Store)

	return func(root string) *store.Store {
		mu.Lock()
		defer mu.Unlock()
		if st, ok := stores[root]; ok {
			return st
		}
		st := store.New(root, logger)
		stores[root] = st
		return st
	}
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultSlice(key string, defaultVal []string) []string {
	if v := os.Getenv(key); v != "" {
		return splitCommaList(v)
	}
	return defaultVal
}

// splitCommaList splits a comma-separated environment value into storage
// root paths.
func splitCommaList(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
