package embedded

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/swarmmail/internal/config"
	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "swarm.db")
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Auth.KeysFile = filepath.Join(dir, "keys.yaml")
	cfg.Reservations.ReaperSchedule = "@every 1h"
	return cfg
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	srv, err := New(ctx, testConfig(t), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"project": "proj", "name": "alice"})
	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Post(srv.URL()+"/api/agents", "application/json", bytes.NewReader(body))
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	agent, err := srv.Stores().Mail.GetAgent(ctx, "proj", "alice")
	if err != nil || agent == nil {
		t.Fatalf("agent not stored: %v", err)
	}

	resp, err = http.Get(srv.URL() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if srv.Stores() != nil {
		t.Fatal("stores should be released after stop")
	}
}

func TestStopWithoutStartReleasesPort(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	srv, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addr := srv.Addr()
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	cfg.Server.Addr = addr
	cfg.Database.Path = filepath.Join(t.TempDir(), "other.db")
	again, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("port should be free again: %v", err)
	}
	_ = again.Stop()
}

func TestOpenStoresSharesOneLog(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st, err := OpenStores(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if _, err := st.Mail.RegisterAgent(ctx, "proj", "alice", storage.AgentOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := st.Hive.CreateCell(ctx, "proj", storage.CreateCellInput{Type: core.CellTypeTask, Title: "ship it"}); err != nil {
		t.Fatalf("create cell: %v", err)
	}
	seq, err := st.Events.LatestSequence(ctx, "proj")
	if err != nil || seq != 2 {
		t.Fatalf("expected both adapters on one sequence, got %d %v", seq, err)
	}

	m, err := NewMigrator(st.DB, nil)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Pending) != 0 || status.Current == 0 {
		t.Fatalf("expected fully migrated schema, got %+v", status)
	}
}

func TestOpenDatabaseUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "oracle"
	if _, err := OpenDatabase(context.Background(), cfg.Database, nil, false); err == nil {
		t.Fatal("expected unknown driver error")
	}
	cfg.Database.Driver = config.DriverPostgres
	cfg.Database.DSN = ""
	if _, err := OpenDatabase(context.Background(), cfg.Database, nil, false); err == nil {
		t.Fatal("expected missing dsn error")
	}
}
