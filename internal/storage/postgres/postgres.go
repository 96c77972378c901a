// Package postgres is the PostgreSQL backend, using pgx through its
// database/sql driver so the shared adapter code runs unchanged.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/internal/storage/sqldb"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Options struct {
	MaxOpenConns       int
	SlowQueryThreshold time.Duration
	Logger             *slog.Logger
	SkipMigrate        bool
}

// Migrations returns the PostgreSQL schema steps in version order.
func Migrations() ([]storage.Migration, error) {
	return storage.LoadMigrations(migrationFS, "migrations")
}

// NewMigrator returns a migrator for db using the PostgreSQL schema.
func NewMigrator(db storage.DatabaseAdapter, logger *slog.Logger) (*storage.Migrator, error) {
	migs, err := Migrations()
	if err != nil {
		return nil, err
	}
	return storage.NewMigrator(db, migs, logger)
}

// Open connects to dsn (a postgres:// URL or key=value string) and applies
// pending migrations.
func Open(ctx context.Context, dsn string, opts Options) (*sqldb.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	raw := stdlib.OpenDB(*cfg)
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	raw.SetMaxOpenConns(maxOpen)
	raw.SetMaxIdleConns(maxOpen)
	raw.SetConnMaxIdleTime(5 * time.Minute)
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return finish(ctx, raw, opts)
}

func finish(ctx context.Context, raw *sql.DB, opts Options) (*sqldb.DB, error) {
	db := sqldb.New(raw, sqldb.Options{
		Backend:            "postgres",
		Rebind:             true,
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
