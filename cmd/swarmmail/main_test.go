package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mistakeknot/swarmmail/internal/config"
	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/pkg/embedded"
)

// isolate points every config default at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SWARMMAIL_HOME", dir)
	t.Setenv("SWARMMAIL_CONFIG", "")
	t.Setenv("SWARMMAIL_DB_DRIVER", "sqlite")
	t.Setenv("SWARMMAIL_DB_PATH", filepath.Join(dir, "swarm.db"))
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInitCommandCreatesKey(t *testing.T) {
	tmp := t.TempDir()
	keyPath := filepath.Join(tmp, "swarmmail.keys.yaml")

	cmd := initCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--project", "demo", "--keys-file", keyPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute init: %v", err)
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	if !bytes.Contains(data, []byte("demo")) {
		t.Fatalf("expected project section to be written")
	}
}

func TestInitCommandWritesConfig(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	out, err := run(t, "init", "--project", "demo", "--dir", dir)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "api key:") {
		t.Fatalf("expected key in output, got %q", out)
	}
	cfg, err := config.Load(filepath.Join(dir, "swarmmail.yaml"))
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Auth.KeysFile != filepath.Join(dir, "swarmmail.keys.yaml") {
		t.Fatalf("unexpected keys file %q", cfg.Auth.KeysFile)
	}

	out, err = run(t, "init", "--project", "other", "--dir", dir)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("existing config should be kept, got %q", out)
	}
}

func TestInitRequiresProject(t *testing.T) {
	isolate(t)
	if _, err := run(t, "init", "--dir", t.TempDir()); err == nil {
		t.Fatal("expected missing --project error")
	}
}

func TestMigrateCommands(t *testing.T) {
	isolate(t)

	out, err := run(t, "migrate", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "current version: 0") {
		t.Fatalf("fresh database should be at version 0, got %q", out)
	}

	out, err = run(t, "migrate", "up")
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if !strings.HasPrefix(out, "applied 1,") {
		t.Fatalf("unexpected up output %q", out)
	}
	out, err = run(t, "migrate", "up")
	if err != nil || !strings.Contains(out, "up to date") {
		t.Fatalf("second up should be a no-op: %q %v", out, err)
	}

	if _, err := run(t, "migrate", "down", "--to", "3"); err != nil {
		t.Fatalf("down: %v", err)
	}
	out, err = run(t, "migrate", "status", "--json")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var status storage.MigrationStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status %q: %v", out, err)
	}
	if status.Current != 3 || len(status.Pending) == 0 {
		t.Fatalf("expected version 3 with pending steps, got %+v", status)
	}

	if _, err := run(t, "migrate", "down", "--to", "-1"); err == nil {
		t.Fatal("negative target should fail")
	}
}

func TestReplayAndStats(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	stores, err := embedded.OpenStores(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	if _, err := stores.Mail.RegisterAgent(ctx, "proj", "alice", storage.AgentOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := stores.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, err := run(t, "replay", "--project", "proj", "--clear")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !strings.HasPrefix(out, "replayed 1 events") {
		t.Fatalf("unexpected replay output %q", out)
	}

	out, err = run(t, "stats", "--project", "proj")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats struct {
		Agents int `json:"agents"`
		Events int `json:"events"`
	}
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats %q: %v", out, err)
	}
	if stats.Agents != 1 || stats.Events != 1 {
		t.Fatalf("projection should survive replay, got %+v", stats)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "swarmmail "+version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestServeRejectsBadConfig(t *testing.T) {
	isolate(t)
	t.Setenv("SWARMMAIL_REAPER_SCHEDULE", "not a schedule")
	if _, err := run(t, "serve", "--addr", "127.0.0.1:0"); err == nil {
		t.Fatal("expected invalid reaper schedule to fail")
	}
}
