package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const keysV1 = `projects:
  proj-a:
    keys: [alpha]
`

const keysV2 = `default_policy:
  allow_localhost_without_auth: false
projects:
  proj-a:
    keys: [alpha]
  proj-b:
    keys: [beta]
`

func TestLoadKeyringRejectsSharedKey(t *testing.T) {
	_, err := parseKeyring([]byte("projects:\n  a:\n    keys: [k]\n  b:\n    keys: [k]\n"))
	if err == nil {
		t.Fatal("expected error for a key shared by two projects")
	}
}

func TestLoadKeyringEmptyPath(t *testing.T) {
	ring, err := LoadKeyring("")
	if err != nil || !ring.AllowLocalhostWithoutAuth || ring.Len() != 0 {
		t.Fatalf("expected localhost-only keyring, got %+v %v", ring, err)
	}
}

func TestReloaderPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmmail.keys.yaml")
	if err := os.WriteFile(path, []byte(keysV1), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := NewReloader(path, nil)
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}
	if _, ok := r.Current().ProjectForKey("beta"); ok {
		t.Fatal("beta should not be known yet")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := os.WriteFile(path, []byte(keysV2), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case <-r.reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("keys file change was not picked up")
	}
	ring := r.Current()
	if p, ok := ring.ProjectForKey("beta"); !ok || p != "proj-b" {
		t.Fatalf("expected beta -> proj-b, got %q %v", p, ok)
	}
	if ring.AllowLocalhostWithoutAuth {
		t.Fatal("expected the new policy to apply")
	}
}

func TestReloadKeepsPreviousOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte(keysV1), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := NewReloader(path, nil)
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}
	if err := os.WriteFile(path, []byte("projects: [unbalanced"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if _, ok := r.Current().ProjectForKey("alpha"); !ok {
		t.Fatal("previous keyring should stay in place")
	}
}
