package auth

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Source yields the keyring to check a request against.
type Source interface {
	Current() *Keyring
}

// Reloader serves the latest good keyring from a file and swaps it when the
// file changes. A file that fails to parse keeps the previous keyring.
type Reloader struct {
	path   string
	logger *slog.Logger
	ring   atomic.Pointer[Keyring]
	// reloaded receives one value per successful reload; tests wait on it.
	reloaded chan struct{}
}

func NewReloader(path string, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ring, err := LoadKeyring(path)
	if err != nil {
		return nil, err
	}
	r := &Reloader{path: path, logger: logger, reloaded: make(chan struct{}, 1)}
	r.ring.Store(ring)
	return r, nil
}

func (r *Reloader) Current() *Keyring {
	return r.ring.Load()
}

// Reload re-reads the file now.
func (r *Reloader) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	ring, err := parseKeyring(data)
	if err != nil {
		return err
	}
	r.ring.Store(ring)
	select {
	case r.reloaded <- struct{}{}:
	default:
	}
	return nil
}

// Watch reloads on changes until ctx is done. The directory is watched so
// editors that replace the file by rename are picked up.
func (r *Reloader) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(r.path)); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Clean(r.path)
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Warn("keys file reload failed, keeping previous keys", "path", r.path, "error", err)
					continue
				}
				r.logger.Info("keys file reloaded", "path", r.path, "keys", r.Current().Len())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				r.logger.Error("keys watcher error", "error", err)
			}
		}
	}()
	return nil
}
