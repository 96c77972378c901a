package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mistakeknot/swarmmail/internal/storage"
)

func TestOpenFileUsesWAL(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "swarm.db")
	db, err := Open(ctx, path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal, got %q", mode)
	}
	if db.Backend() != "sqlite" {
		t.Fatalf("unexpected backend %q", db.Backend())
	}
}

func TestMigrateRollbackAndReapply(t *testing.T) {
	ctx := context.Background()
	db, err := OpenInMemory(ctx, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	m, err := NewMigrator(db, nil)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	migs, _ := Migrations()
	latest := migs[len(migs)-1].Version

	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Current != latest || len(status.Pending) != 0 {
		t.Fatalf("expected fully migrated schema, got %+v", status)
	}
	if applied, _ := m.Migrate(ctx); len(applied) != 0 {
		t.Fatalf("migrating twice applied %v", applied)
	}

	rolled, err := m.Rollback(ctx, 0)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(rolled) != latest || rolled[0] != latest {
		t.Fatalf("expected newest-first rollback of every step, got %v", rolled)
	}
	var n int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'events'").Scan(&n)
	if err != nil || n != 0 {
		t.Fatalf("events table should be gone: n=%d err=%v", n, err)
	}

	applied, err := m.Migrate(ctx)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != latest {
		t.Fatalf("expected %d steps reapplied, got %v", latest, applied)
	}
	if _, err := m.Rollback(ctx, -1); err == nil {
		t.Fatal("negative rollback target must fail")
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db, err := OpenInMemory(ctx, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	boom := errors.New("boom")
	err = db.Transaction(ctx, func(tx storage.Handle) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO event_sequences (project_key, last_sequence) VALUES (?, ?)", "p", 9); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_sequences").Scan(&n); err != nil || n != 0 {
		t.Fatalf("insert should have rolled back: n=%d err=%v", n, err)
	}
}
