package swarmmail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

// Broadcaster is the interface for emitting events to WebSocket clients.
type Broadcaster interface {
	Broadcast(project, agent string, event any)
}

// Reaper periodically deletes reservation rows that expired or were released
// more than grace ago. Expiry is already enforced at read time; the reaper
// only keeps the table small.
type Reaper struct {
	store    *Store
	bus      Broadcaster
	schedule cronlib.Schedule
	grace    time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper parses spec as a standard cron expression or descriptor such as
// "@every 5m".
func NewReaper(store *Store, bus Broadcaster, spec string, grace time.Duration) (*Reaper, error) {
	sched, err := cronlib.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("reaper schedule %q: %w", spec, err)
	}
	if grace < 0 {
		grace = 0
	}
	return &Reaper{
		store:    store,
		bus:      bus,
		schedule: sched,
		grace:    grace,
		logger:   store.logger.With("component", "reaper"),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the background loop.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		defer close(r.done)
		for {
			next := r.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				r.runOnce(ctx)
			}
		}
	}()
	r.logger.Info("reservation reaper started", "grace", r.grace)
}

// Stop cancels the loop and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Reaper) runOnce(ctx context.Context) {
	expired, purged, err := r.store.PurgeReservations(ctx, r.store.Now().Add(-r.grace))
	if err != nil {
		r.logger.ErrorContext(ctx, "purge reservations", "error", err)
		return
	}
	if purged == 0 {
		return
	}
	r.logger.InfoContext(ctx, "purged reservations", "count", purged, "expired", len(expired))
	if r.bus == nil {
		return
	}
	for _, res := range expired {
		r.bus.Broadcast(res.ProjectKey, "", map[string]any{
			"type":           string(core.EventReservationExpired),
			"project":        res.ProjectKey,
			"reservation_id": res.ID,
			"agent_name":     res.AgentName,
			"path_pattern":   res.PathPattern,
			"expires_at":     res.ExpiresAt,
		})
	}
}

// PurgeReservations deletes rows released or expired before cutoff, across
// all projects. It returns the purged rows that expired without a release,
// and the total number deleted. Replay restores purged rows.
func (s *Store) PurgeReservations(ctx context.Context, cutoff time.Time) ([]core.Reservation, int, error) {
	var expired []core.Reservation
	var purged int
	c := storage.Micros(cutoff)
	err := s.db.Transaction(ctx, func(tx storage.Handle) error {
		var err error
		expired, err = queryReservations(ctx, tx,
			"SELECT "+reservationColumns+" FROM reservations WHERE released_at IS NULL AND expires_at < ?", c)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM reservations WHERE (released_at IS NOT NULL AND released_at < ?) OR expires_at < ?", c, c)
		if err != nil {
			return fmt.Errorf("purge reservations: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		purged = int(n)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return expired, purged, nil
}
