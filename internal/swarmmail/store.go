// Package swarmmail implements agent registration, messaging and file
// reservations on top of the event store. Every mutation appends events in a
// project transaction; reads query the projections.
package swarmmail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/names"
	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/internal/telemetry"
)

const (
	DefaultReservationTTL = 30 * time.Minute
	DefaultInboxLimit     = 5
)

type Option func(*Store)

// WithDefaultTTL sets the reservation TTL used when a request names none.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

// WithNameGenerator replaces the generator used for agents registered
// without a name.
func WithNameGenerator(gen func() string) Option {
	return func(s *Store) { s.genName = gen }
}

// Store is the swarm-mail adapter.
type Store struct {
	*eventstore.Store
	db         storage.DatabaseAdapter
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	defaultTTL time.Duration
	genName    func() string
}

var _ storage.CoordinationAdapter = (*Store)(nil)

// New registers the swarm-mail projections with es and returns the adapter.
func New(es *eventstore.Store, opts ...Option) *Store {
	s := &Store{
		Store:      es,
		db:         es.DB(),
		logger:     es.Logger().With("component", "swarmmail"),
		metrics:    telemetry.Default(),
		defaultTTL: DefaultReservationTTL,
		genName:    names.Generate,
	}
	for _, opt := range opts {
		opt(s)
	}
	es.Register(agentProjector{}, messageProjector{}, reservationProjector{})
	return s
}

func (s *Store) GetStats(ctx context.Context, project string) (core.Stats, error) {
	st := core.Stats{ProjectKey: project}
	now := storage.Micros(s.Now())
	counts := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&st.Agents, "SELECT COUNT(*) FROM agents WHERE project_key = ?", []any{project}},
		{&st.Messages, "SELECT COUNT(*) FROM messages WHERE project_key = ?", []any{project}},
		{&st.UnreadDeliveries, "SELECT COUNT(*) FROM message_recipients WHERE project_key = ? AND read_at IS NULL", []any{project}},
		{&st.ActiveReservations, "SELECT COUNT(*) FROM reservations WHERE project_key = ? AND released_at IS NULL AND expires_at > ?", []any{project, now}},
		{&st.Events, "SELECT COUNT(*) FROM events WHERE project_key = ?", []any{project}},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dst); err != nil {
			return core.Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	seq, err := s.LatestSequence(ctx, project)
	if err != nil {
		return core.Stats{}, err
	}
	st.LatestSequence = seq
	return st, nil
}
