// Package index manages Runicorn's embedded relational index: a single
// SQLite file, opened through the pure-Go modernc.org/sqlite driver (no CGO),
// with schema migrations embedded in the binary and applied automatically on
// startup via golang-migrate. The index caches derived data (run status,
// asset listings, known host fingerprints) — the on-disk run/blob tree under
// each storage root remains the source of truth.
package index

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required.
	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the configuration required to open the index.
type Config struct {
	// Path is the filesystem path to the SQLite database file, typically
	// <storage root>/index/runicorn.db.
	Path     string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// New opens the index database, applies pending migrations, and returns the
// ready-to-use *gorm.DB instance.
//
// Only one writer may hold the database open at a time (spec.md's
// single-writer index requirement). SetMaxOpenConns(1) enforces that inside
// this process. New does not take the Lock in lock.go, so across processes
// writers are serialized only by SQLite's own file locking.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("index: logger is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("index: path is required")
	}

	gormCfg := &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	}

	// Open the connection manually via database/sql using the modernc driver
	// (registered as "sqlite"), then hand the existing *sql.DB to GORM so it
	// does not try to open a second connection with go-sqlite3.
	sqlDB, err := sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("index: failed to open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("index: failed to initialize gorm with sqlite: %w", err)
	}

	if err := runMigrations(sqlDB, cfg.Logger); err != nil {
		return nil, fmt.Errorf("index: migrations failed: %w", err)
	}

	return database, nil
}

// Ping verifies that the database connection is still alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("index: failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files. ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("index migrations applied successfully")
	return nil
}
