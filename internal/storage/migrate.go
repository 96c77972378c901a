package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

const schemaVersionDDL = `CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  description TEXT NOT NULL,
  applied_at BIGINT NOT NULL
)`

// Migration is one schema step. Up is required; Down may be empty, in which
// case the step cannot be rolled back.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

type AppliedMigration struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
}

type MigrationStatus struct {
	Current int                `json:"current"`
	Applied []AppliedMigration `json:"applied"`
	Pending []int              `json:"pending"`
}

// LoadMigrations reads NNNN_description.up.sql / NNNN_description.down.sql
// pairs from dir and returns them in version order.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		base := strings.TrimSuffix(name, ".sql")
		var direction string
		switch {
		case strings.HasSuffix(base, ".up"):
			direction, base = "up", strings.TrimSuffix(base, ".up")
		case strings.HasSuffix(base, ".down"):
			direction, base = "down", strings.TrimSuffix(base, ".down")
		default:
			return nil, fmt.Errorf("migration %s: missing .up or .down suffix", name)
		}
		num, desc, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: expected NNNN_description", name)
		}
		version, err := strconv.Atoi(num)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: bad version %q", name, num)
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Description: strings.ReplaceAll(desc, "_", " ")}
			byVersion[version] = m
		}
		if direction == "up" {
			if m.Up != "" {
				return nil, fmt.Errorf("migration %d: duplicate up script", version)
			}
			m.Up = string(data)
		} else {
			if m.Down != "" {
				return nil, fmt.Errorf("migration %d: duplicate down script", version)
			}
			m.Down = string(data)
		}
	}
	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if strings.TrimSpace(m.Up) == "" {
			return nil, fmt.Errorf("migration %d: missing up script", m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrator applies migrations in strictly increasing version order and
// records each in schema_version so it runs at most once.
type Migrator struct {
	db         DatabaseAdapter
	migrations []Migration
	logger     *slog.Logger
	now        func() time.Time
}

// NewMigrator validates the migration list. Versions must be positive,
// unique and given in increasing order.
func NewMigrator(db DatabaseAdapter, migrations []Migration, logger *slog.Logger) (*Migrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prev := 0
	for _, m := range migrations {
		if m.Version <= prev {
			return nil, fmt.Errorf("migration %d out of order after %d", m.Version, prev)
		}
		if strings.TrimSpace(m.Up) == "" {
			return nil, fmt.Errorf("migration %d: empty up script", m.Version)
		}
		prev = m.Version
	}
	return &Migrator{db: db, migrations: migrations, logger: logger, now: time.Now}, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, schemaVersionDDL); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	return nil
}

func (m *Migrator) current(ctx context.Context, h Handle) (int, error) {
	var version int
	if err := h.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies every pending migration, each in its own transaction, and
// returns the versions applied.
func (m *Migrator) Migrate(ctx context.Context) ([]int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	var applied []int
	for _, mig := range m.migrations {
		err := m.db.Transaction(ctx, func(tx Handle) error {
			cur, err := m.current(ctx, tx)
			if err != nil {
				return err
			}
			if mig.Version <= cur {
				return nil
			}
			if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Description, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
				mig.Version, mig.Description, m.now().UTC().UnixMicro()); err != nil {
				return fmt.Errorf("record migration %d: %w", mig.Version, err)
			}
			applied = append(applied, mig.Version)
			return nil
		})
		if err != nil {
			return applied, err
		}
	}
	if len(applied) > 0 {
		m.logger.Info("schema migrated", "applied", applied)
	}
	return applied, nil
}

// Rollback runs down scripts, newest first, until the schema is at target.
func (m *Migrator) Rollback(ctx context.Context, target int) ([]int, error) {
	if target < 0 {
		return nil, fmt.Errorf("rollback target must be >= 0, got %d", target)
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	var rolled []int
	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if mig.Version <= target {
			break
		}
		err := m.db.Transaction(ctx, func(tx Handle) error {
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = ?", mig.Version).Scan(&n); err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			if n == 0 {
				return nil
			}
			if strings.TrimSpace(mig.Down) == "" {
				return fmt.Errorf("migration %d (%s) has no down script", mig.Version, mig.Description)
			}
			if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
				return fmt.Errorf("revert migration %d (%s): %w", mig.Version, mig.Description, err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", mig.Version); err != nil {
				return fmt.Errorf("unrecord migration %d: %w", mig.Version, err)
			}
			rolled = append(rolled, mig.Version)
			return nil
		})
		if err != nil {
			return rolled, err
		}
	}
	if len(rolled) > 0 {
		m.logger.Info("schema rolled back", "reverted", rolled, "target", target)
	}
	return rolled, nil
}

func (m *Migrator) Status(ctx context.Context) (MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return MigrationStatus{}, err
	}
	rows, err := m.db.QueryContext(ctx, "SELECT version, description, applied_at FROM schema_version ORDER BY version")
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("query schema_version: %w", err)
	}
	defer rows.Close()

	var status MigrationStatus
	done := make(map[int]struct{})
	for rows.Next() {
		var a AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&a.Version, &a.Description, &appliedAt); err != nil {
			return MigrationStatus{}, fmt.Errorf("scan schema_version: %w", err)
		}
		a.AppliedAt = time.UnixMicro(appliedAt).UTC()
		status.Applied = append(status.Applied, a)
		done[a.Version] = struct{}{}
		if a.Version > status.Current {
			status.Current = a.Version
		}
	}
	if err := rows.Err(); err != nil {
		return MigrationStatus{}, err
	}
	for _, mig := range m.migrations {
		if _, ok := done[mig.Version]; !ok {
			status.Pending = append(status.Pending, mig.Version)
		}
	}
	return status, nil
}
