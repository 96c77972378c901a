// Package embedded runs a complete swarmmail server in-process: stores, HTTP
// API, WebSocket feed, reservation reaper and key reloading.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mistakeknot/swarmmail/internal/auth"
	"github.com/mistakeknot/swarmmail/internal/config"
	httpapi "github.com/mistakeknot/swarmmail/internal/http"
	"github.com/mistakeknot/swarmmail/internal/server"
	"github.com/mistakeknot/swarmmail/internal/swarmmail"
	"github.com/mistakeknot/swarmmail/internal/ws"
)

// Server is an embedded swarmmail server.
type Server struct {
	cfg    config.Config
	stores *Stores
	hub    *ws.Hub
	keys   *auth.Reloader
	reaper *swarmmail.Reaper
	srv    *server.Server
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	served  bool
	cancel  context.CancelFunc
	done    chan error
}

// New opens the stores and binds the listeners. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stores, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	s, err := newServer(cfg, stores, logger)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	return s, nil
}

func newServer(cfg config.Config, stores *Stores, logger *slog.Logger) (*Server, error) {
	hub := ws.NewHub(logger)
	stores.Events.Subscribe(hub.Observe)

	keys, err := auth.NewReloader(cfg.Auth.KeysFile, logger)
	if err != nil {
		hub.Close()
		return nil, fmt.Errorf("load keys: %w", err)
	}

	var reaper *swarmmail.Reaper
	if cfg.Reservations.ReaperSchedule != "" {
		reaper, err = swarmmail.NewReaper(stores.Mail, hub, cfg.Reservations.ReaperSchedule, cfg.Reservations.ReaperGrace.Duration)
		if err != nil {
			hub.Close()
			return nil, err
		}
	}

	svc := httpapi.NewService(stores.Mail, stores.Hive).
		WithLogger(logger).
		WithHealth(stores.Events.BreakerState)
	router := httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(keys))

	srv, err := server.New(server.Config{
		Addr:       cfg.Server.Addr,
		SocketPath: cfg.Server.SocketPath,
		Handler:    router,
		Logger:     logger,
	})
	if err != nil {
		hub.Close()
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		stores: stores,
		hub:    hub,
		keys:   keys,
		reaper: reaper,
		srv:    srv,
		logger: logger,
	}, nil
}

// Start serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	if s.cfg.Auth.Watch {
		if err := s.keys.Watch(ctx); err != nil {
			s.cancel()
			return fmt.Errorf("watch keys: %w", err)
		}
	}
	if s.reaper != nil {
		s.reaper.Start(ctx)
	}
	s.done = make(chan error, 1)
	go func() { s.done <- s.srv.Run(ctx) }()
	s.started = true
	s.served = true
	return nil
}

// Run serves until ctx is done or the listener fails, then releases
// everything.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	var err error
	select {
	case <-ctx.Done():
		err = <-s.done
	case err = <-s.done:
	}
	s.mu.Lock()
	s.started = false
	s.cancel()
	s.mu.Unlock()
	return errors.Join(err, s.close())
}

// Stop shuts the server down gracefully and closes the stores.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return s.close()
	}
	s.started = false
	s.cancel()
	done := s.done
	s.mu.Unlock()
	return errors.Join(<-done, s.close())
}

func (s *Server) close() error {
	if s.served {
		if s.reaper != nil {
			s.reaper.Stop()
			s.reaper = nil
		}
	} else {
		s.srv.Close()
	}
	s.hub.Close()
	if s.stores == nil {
		return nil
	}
	err := s.stores.Close()
	s.stores = nil
	return err
}

// Addr returns the bound TCP address.
func (s *Server) Addr() string {
	return s.srv.Addr()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return "http://" + s.srv.Addr()
}

// Stores returns the underlying adapters for direct access.
func (s *Server) Stores() *Stores {
	return s.stores
}
