// Package sqlite is the SQLite backend: a pure-Go driver, WAL journaling, and
// the SQLite dialect of the schema.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/internal/storage/sqldb"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Options struct {
	BusyTimeout        time.Duration
	SlowQueryThreshold time.Duration
	Logger             *slog.Logger
	// SkipMigrate leaves the schema untouched; used by the migrate command.
	SkipMigrate bool
}

// Migrations returns the SQLite schema steps in version order.
func Migrations() ([]storage.Migration, error) {
	return storage.LoadMigrations(migrationFS, "migrations")
}

// NewMigrator returns a migrator for db using the SQLite schema.
func NewMigrator(db storage.DatabaseAdapter, logger *slog.Logger) (*storage.Migrator, error) {
	migs, err := Migrations()
	if err != nil {
		return nil, err
	}
	return storage.NewMigrator(db, migs, logger)
}

// Open opens (creating if needed) the database file at path and applies
// pending migrations.
func Open(ctx context.Context, path string, opts Options) (*sqldb.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(ctx, dsn(path, opts), opts)
}

// OpenInMemory opens a private in-memory database. The pool is pinned to one
// connection so every query sees the same database.
func OpenInMemory(ctx context.Context, opts Options) (*sqldb.DB, error) {
	return open(ctx, dsn(":memory:", opts), opts)
}

func dsn(path string, opts Options) string {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + q.Encode()
}

func open(ctx context.Context, dsn string, opts Options) (*sqldb.DB, error) {
	raw, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows one writer; a single connection serializes transactions
	// in-process instead of surfacing SQLITE_BUSY on lock upgrades.
	raw.SetMaxOpenConns(1)
	raw.SetConnMaxLifetime(0)
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	db := sqldb.New(raw, sqldb.Options{
		Backend:            "sqlite",
		SlowQueryThreshold: opts.SlowQueryThreshold,
		Logger:             opts.Logger,
	})
	if opts.SkipMigrate {
		return db, nil
	}
	m, err := NewMigrator(db, opts.Logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := m.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}
