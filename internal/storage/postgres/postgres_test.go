package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/mistakeknot/swarmmail/internal/storage/sqlite"
)

func TestMigrationsMirrorSQLite(t *testing.T) {
	pg, err := Migrations()
	if err != nil {
		t.Fatalf("postgres migrations: %v", err)
	}
	lite, err := sqlite.Migrations()
	if err != nil {
		t.Fatalf("sqlite migrations: %v", err)
	}
	if len(pg) != len(lite) {
		t.Fatalf("expected %d steps, got %d", len(lite), len(pg))
	}
	for i := range pg {
		if pg[i].Version != lite[i].Version || pg[i].Description != lite[i].Description {
			t.Fatalf("step %d differs: %d %q vs %d %q", i, pg[i].Version, pg[i].Description, lite[i].Version, lite[i].Description)
		}
		if pg[i].Down == "" {
			t.Fatalf("step %d has no down script", pg[i].Version)
		}
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), "", Options{}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
	if _, err := Open(context.Background(), "postgres://%zz", Options{}); err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}

// Runs against a live server when SWARMMAIL_TEST_POSTGRES_DSN is set.
func TestMigrateLive(t *testing.T) {
	dsn := os.Getenv("SWARMMAIL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SWARMMAIL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	m, err := NewMigrator(db, nil)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Pending) != 0 {
		t.Fatalf("expected no pending migrations, got %v", status.Pending)
	}
}
