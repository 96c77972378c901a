// Package eventstore is the append-only event log. Every append assigns the
// next per-project sequence and applies the registered projections inside the
// same transaction.
package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/resilience"
	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/internal/telemetry"
)

const replayBatchSize = 500

// Projector maintains derived tables from events. Apply must be an upsert
// keyed by natural identity so replaying an event twice is harmless.
type Projector interface {
	Name() string
	Handles(t core.EventType) bool
	Apply(ctx context.Context, tx storage.Handle, ev core.Event) error
	// Reset clears the projector's tables for project, or all projects when
	// project is empty.
	Reset(ctx context.Context, tx storage.Handle, project string) error
}

// Observer is notified of committed events, in commit order.
type Observer func(ev core.Event)

type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithGuard retries transactions that hit lock contention and trips a
// breaker when the database keeps failing.
func WithGuard(g *resilience.Guard) Option {
	return func(s *Store) { s.guard = g }
}

type Store struct {
	db        storage.DatabaseAdapter
	validator *validator
	now       func() time.Time
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	guard     *resilience.Guard

	mu         sync.RWMutex
	projectors []Projector
	observers  []Observer
}

var _ storage.EventStoreAdapter = (*Store)(nil)

func New(db storage.DatabaseAdapter, opts ...Option) (*Store, error) {
	v, err := defaultValidator()
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:        db,
		validator: v,
		now:       time.Now,
		logger:    slog.Default(),
		metrics:   telemetry.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register adds projectors. They run in registration order.
func (s *Store) Register(ps ...Projector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectors = append(s.projectors, ps...)
}

// Subscribe adds an observer for committed events.
func (s *Store) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Now returns the store clock in UTC at storage precision.
func (s *Store) Now() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) DB() storage.DatabaseAdapter {
	return s.db
}

func (s *Store) Logger() *slog.Logger {
	return s.logger
}

// BreakerState reports the database circuit breaker.
func (s *Store) BreakerState() string {
	return s.guard.State()
}

// transaction runs fn in a database transaction through the guard. fn may run
// more than once.
func (s *Store) transaction(ctx context.Context, fn func(h storage.Handle) error) error {
	return s.guard.Do(ctx, func() error {
		return s.db.Transaction(ctx, fn)
	})
}

// Tx is a command transaction. Its project's sequence row is locked for the
// whole transaction, so reads made through it stay valid until commit.
type Tx struct {
	storage.Handle
	store    *Store
	project  string
	appended []core.Event
}

// Project is the project this transaction locked.
func (t *Tx) Project() string {
	return t.project
}

// Now returns the store clock.
func (t *Tx) Now() time.Time {
	return t.store.Now()
}

// Append stores ev with the next sequence for its project and applies the
// projections. The event's project must be the transaction's project.
func (t *Tx) Append(ctx context.Context, ev core.Event) (core.Event, error) {
	if ev.ProjectKey != t.project {
		return core.Event{}, fmt.Errorf("event for project %q appended in transaction for %q", ev.ProjectKey, t.project)
	}
	stored, err := t.store.insert(ctx, t.Handle, ev)
	if err != nil {
		return core.Event{}, err
	}
	t.appended = append(t.appended, stored)
	return stored, nil
}

// Emit builds an event from payload, stamped with the store clock, and appends it.
func (t *Tx) Emit(ctx context.Context, typ core.EventType, payload any) (core.Event, error) {
	ev, err := core.NewEvent(t.project, typ, t.Now(), payload)
	if err != nil {
		return core.Event{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return t.Append(ctx, ev)
}

// Tx runs fn in one transaction with project locked. Events appended through
// the Tx are published to observers after commit.
func (s *Store) Tx(ctx context.Context, project string, fn func(tx *Tx) error) error {
	if strings.TrimSpace(project) == "" {
		return core.Invalid("project_key", "required")
	}
	start := time.Now()
	var committed []core.Event
	err := s.transaction(ctx, func(h storage.Handle) error {
		if err := lockProject(ctx, h, project); err != nil {
			return err
		}
		tx := &Tx{Handle: h, store: s, project: project}
		if err := fn(tx); err != nil {
			return err
		}
		committed = tx.appended
		return nil
	})
	s.metrics.CommandDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(telemetry.AttrProject.String(project)))
	if err != nil {
		return err
	}
	s.publish(ctx, committed)
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev core.Event) (core.Event, error) {
	out, err := s.AppendEvents(ctx, []core.Event{ev})
	if err != nil {
		return core.Event{}, err
	}
	return out[0], nil
}

// AppendEvents stores a batch atomically. Projects are locked in sorted
// order so concurrent multi-project batches cannot deadlock.
func (s *Store) AppendEvents(ctx context.Context, evs []core.Event) ([]core.Event, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	ctx, span := telemetry.StartSpan(ctx, "eventstore.append", telemetry.AttrCount.Int(len(evs)))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	for i := range evs {
		if err = s.check(&evs[i]); err != nil {
			return nil, err
		}
	}
	projects := make([]string, 0, 1)
	seen := make(map[string]struct{})
	for _, ev := range evs {
		if _, ok := seen[ev.ProjectKey]; !ok {
			seen[ev.ProjectKey] = struct{}{}
			projects = append(projects, ev.ProjectKey)
		}
	}
	sort.Strings(projects)

	var out []core.Event
	err = s.transaction(ctx, func(h storage.Handle) error {
		out = make([]core.Event, 0, len(evs))
		for _, p := range projects {
			if err := lockProject(ctx, h, p); err != nil {
				return err
			}
		}
		for _, ev := range evs {
			stored, err := s.insert(ctx, h, ev)
			if err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, out)
	return out, nil
}

// check validates an event and fills defaults.
func (s *Store) check(ev *core.Event) error {
	if strings.TrimSpace(ev.ProjectKey) == "" {
		return core.Invalid("project_key", "required")
	}
	if ev.Type == "" {
		return core.Invalid("type", "required")
	}
	if len(ev.Data) == 0 {
		ev.Data = []byte("{}")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.Now()
	} else {
		ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Microsecond)
	}
	return s.validator.validate(*ev)
}

func lockProject(ctx context.Context, h storage.Handle, project string) error {
	_, err := h.ExecContext(ctx,
		`INSERT INTO event_sequences (project_key, last_sequence) VALUES (?, 0)
		 ON CONFLICT (project_key) DO UPDATE SET last_sequence = event_sequences.last_sequence`,
		project)
	if err != nil {
		return fmt.Errorf("lock project %s: %w", project, err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, h storage.Handle, ev core.Event) (core.Event, error) {
	if err := s.check(&ev); err != nil {
		return core.Event{}, err
	}
	var seq int64
	err := h.QueryRowContext(ctx,
		`INSERT INTO event_sequences (project_key, last_sequence) VALUES (?, 1)
		 ON CONFLICT (project_key) DO UPDATE SET last_sequence = event_sequences.last_sequence + 1
		 RETURNING last_sequence`,
		ev.ProjectKey).Scan(&seq)
	if err != nil {
		return core.Event{}, fmt.Errorf("next sequence: %w", err)
	}
	ev.Sequence = seq
	if err := h.QueryRowContext(ctx,
		`INSERT INTO events (project_key, sequence, type, timestamp, data) VALUES (?, ?, ?, ?, ?) RETURNING id`,
		ev.ProjectKey, ev.Sequence, string(ev.Type), storage.Micros(ev.Timestamp), string(ev.Data)).Scan(&ev.ID); err != nil {
		return core.Event{}, fmt.Errorf("insert event: %w", err)
	}
	if err := s.apply(ctx, h, ev); err != nil {
		return core.Event{}, err
	}
	s.metrics.EventsAppended.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEventType.String(string(ev.Type))))
	return ev, nil
}

func (s *Store) apply(ctx context.Context, h storage.Handle, ev core.Event) error {
	s.mu.RLock()
	projectors := s.projectors
	s.mu.RUnlock()
	for _, p := range projectors {
		if !p.Handles(ev.Type) {
			continue
		}
		if err := p.Apply(ctx, h, ev); err != nil {
			return fmt.Errorf("project %s #%d into %s: %w", ev.Type, ev.Sequence, p.Name(), err)
		}
	}
	return nil
}

func (s *Store) publish(ctx context.Context, evs []core.Event) {
	if len(evs) == 0 {
		return
	}
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, ev := range evs {
		for _, o := range observers {
			o(ev)
		}
	}
	s.logger.DebugContext(ctx, "events committed", "count", len(evs), "project", evs[0].ProjectKey)
}

// ReadEvents returns events matching every supplied filter in ascending
// sequence order.
func (s *Store) ReadEvents(ctx context.Context, opts storage.ReadOptions) ([]core.Event, error) {
	query, args := buildReadQuery(opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return scanEvents(rows)
}

func buildReadQuery(opts storage.ReadOptions) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT id, project_key, sequence, type, timestamp, data FROM events WHERE 1=1")
	var args []any
	if opts.ProjectKey != "" {
		b.WriteString(" AND project_key = ?")
		args = append(args, opts.ProjectKey)
	}
	if len(opts.Types) > 0 {
		b.WriteString(" AND type IN (" + storage.Placeholders(len(opts.Types)) + ")")
		for _, t := range opts.Types {
			args = append(args, string(t))
		}
	}
	if !opts.Since.IsZero() {
		b.WriteString(" AND timestamp >= ?")
		args = append(args, storage.Micros(opts.Since))
	}
	if !opts.Until.IsZero() {
		b.WriteString(" AND timestamp <= ?")
		args = append(args, storage.Micros(opts.Until))
	}
	if opts.AfterSequence > 0 {
		b.WriteString(" AND sequence > ?")
		args = append(args, opts.AfterSequence)
	}
	b.WriteString(" ORDER BY sequence ASC, id ASC")
	if opts.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			b.WriteString(" OFFSET ?")
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		// LIMIT ALL is not portable; a huge limit is.
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, int64(1<<62), opts.Offset)
	}
	return b.String(), args
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanEvents(rows rowScanner) ([]core.Event, error) {
	defer rows.Close()
	var out []core.Event
	for rows.Next() {
		var ev core.Event
		var typ, data string
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.ProjectKey, &ev.Sequence, &typ, &ts, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = core.EventType(typ)
		ev.Timestamp = storage.FromMicros(ts)
		ev.Data = []byte(data)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

// LatestSequence returns the highest sequence assigned in project, or 0.
// An empty project returns the highest across all projects.
func (s *Store) LatestSequence(ctx context.Context, project string) (int64, error) {
	var seq int64
	var err error
	if project == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM events").Scan(&seq)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM events WHERE project_key = ?", project).Scan(&seq)
	}
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	return seq, nil
}

// ReplayEvents re-applies projections from the log in one transaction. It is
// a recovery tool; no request path calls it.
func (s *Store) ReplayEvents(ctx context.Context, opts storage.ReplayOptions) (storage.ReplayResult, error) {
	// Cleared views can only be rebuilt from the first event.
	if opts.ClearViews && opts.FromSequence > 1 {
		return storage.ReplayResult{}, core.Invalid("from_sequence", "cannot be combined with clear_views")
	}
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "eventstore.replay", telemetry.AttrProject.String(opts.ProjectKey))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	s.mu.RLock()
	projectors := s.projectors
	s.mu.RUnlock()

	count := 0
	err = s.db.Transaction(ctx, func(h storage.Handle) error {
		if opts.ClearViews {
			// Reset in reverse so dependents clear before what they reference.
			for i := len(projectors) - 1; i >= 0; i-- {
				if err := projectors[i].Reset(ctx, h, opts.ProjectKey); err != nil {
					return fmt.Errorf("reset %s: %w", projectors[i].Name(), err)
				}
			}
		}
		var afterID int64
		for {
			batch, err := readReplayBatch(ctx, h, opts, afterID)
			if err != nil {
				return err
			}
			for _, ev := range batch {
				if err := s.apply(ctx, h, ev); err != nil {
					return err
				}
			}
			count += len(batch)
			if len(batch) < replayBatchSize {
				return nil
			}
			afterID = batch[len(batch)-1].ID
		}
	})
	if err != nil {
		return storage.ReplayResult{}, err
	}
	s.metrics.ReplayedEvents.Add(ctx, int64(count), metric.WithAttributes(attribute.String("project", opts.ProjectKey)))
	res := storage.ReplayResult{EventsReplayed: count, Duration: time.Since(start)}
	s.logger.InfoContext(ctx, "replayed events", "project", opts.ProjectKey, "from_sequence", opts.FromSequence,
		"events", count, "cleared", opts.ClearViews, "duration", res.Duration)
	return res, nil
}

// readReplayBatch loads the next batch fully so no result set stays open
// while projections write on the same connection.
func readReplayBatch(ctx context.Context, h storage.Handle, opts storage.ReplayOptions, afterID int64) ([]core.Event, error) {
	query := "SELECT id, project_key, sequence, type, timestamp, data FROM events WHERE id > ?"
	args := []any{afterID}
	if opts.ProjectKey != "" {
		query += " AND project_key = ?"
		args = append(args, opts.ProjectKey)
	}
	if opts.FromSequence > 0 {
		query += " AND sequence >= ?"
		args = append(args, opts.FromSequence)
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, replayBatchSize)
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read replay batch: %w", err)
	}
	return scanEvents(rows)
}
