package embedded

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mistakeknot/swarmmail/internal/config"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/hive"
	"github.com/mistakeknot/swarmmail/internal/resilience"
	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/internal/storage/postgres"
	"github.com/mistakeknot/swarmmail/internal/storage/sqldb"
	"github.com/mistakeknot/swarmmail/internal/storage/sqlite"
	"github.com/mistakeknot/swarmmail/internal/swarmmail"
)

// Stores is both adapters over one database and one event log.
type Stores struct {
	DB     *sqldb.DB
	Events *eventstore.Store
	Mail   *swarmmail.Store
	Hive   *hive.Store
}

// OpenDatabase opens the configured backend. Pending migrations are applied
// unless skipMigrate is set.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger, skipMigrate bool) (*sqldb.DB, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.Path, sqlite.Options{
			BusyTimeout:        cfg.BusyTimeout.Duration,
			SlowQueryThreshold: cfg.SlowQuery.Duration,
			Logger:             logger,
			SkipMigrate:        skipMigrate,
		})
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DSN, postgres.Options{
			MaxOpenConns:       cfg.MaxOpenConns,
			SlowQueryThreshold: cfg.SlowQuery.Duration,
			Logger:             logger,
			SkipMigrate:        skipMigrate,
		})
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// NewMigrator returns the schema migrator matching the backend of db.
func NewMigrator(db *sqldb.DB, logger *slog.Logger) (*storage.Migrator, error) {
	if db.Backend() == config.DriverPostgres {
		return postgres.NewMigrator(db, logger)
	}
	return sqlite.NewMigrator(db, logger)
}

// OpenStores opens the database and wires the event store, swarm mail and
// the hive on top of it.
func OpenStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := OpenDatabase(ctx, cfg.Database, logger, false)
	if err != nil {
		return nil, err
	}
	st, err := NewStores(db, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// NewStores wires the adapters over an already open database.
func NewStores(db *sqldb.DB, cfg config.Config, logger *slog.Logger) (*Stores, error) {
	opts := []eventstore.Option{eventstore.WithLogger(logger)}
	if cfg.Database.Retry {
		opts = append(opts, eventstore.WithGuard(resilience.NewGuard()))
	}
	es, err := eventstore.New(db, opts...)
	if err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}
	return &Stores{
		DB:     db,
		Events: es,
		Mail:   swarmmail.New(es, swarmmail.WithDefaultTTL(cfg.Reservations.DefaultTTL.Duration)),
		Hive:   hive.New(es),
	}, nil
}

func (s *Stores) Close() error {
	return s.DB.Close()
}
