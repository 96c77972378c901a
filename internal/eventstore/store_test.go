package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/internal/storage/sqlite"
)

// recorder is a projector that keeps applied events in memory.
type recorder struct {
	mu      sync.Mutex
	applied []core.Event
	failOn  core.EventType
	resets  int
}

func (r *recorder) Name() string                  { return "recorder" }
func (r *recorder) Handles(t core.EventType) bool { return true }

func (r *recorder) Apply(ctx context.Context, tx storage.Handle, ev core.Event) error {
	if ev.Type == r.failOn {
		return errors.New("projection failed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, ev)
	return nil
}

func (r *recorder) Reset(ctx context.Context, tx storage.Handle, project string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = nil
	r.resets++
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func newTestStore(t *testing.T) (*Store, *recorder) {
	t.Helper()
	db, err := sqlite.OpenInMemory(context.Background(), sqlite.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	rec := &recorder{}
	s.Register(rec)
	return s, rec
}

func agentEvent(t *testing.T, project, name string) core.Event {
	t.Helper()
	ev, err := core.NewEvent(project, core.EventAgentRegistered, time.Time{}, core.AgentRegisteredData{AgentName: name})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func TestAppendAssignsPerProjectSequence(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	for i, p := range []string{"proj-a", "proj-a", "proj-b", "proj-a"} {
		if _, err := s.AppendEvent(ctx, agentEvent(t, p, "agent")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	a, err := s.ReadEvents(ctx, storage.ReadOptions{ProjectKey: "proj-a"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(a) != 3 {
		t.Fatalf("expected 3 proj-a events, got %d", len(a))
	}
	for i, ev := range a {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("event %d: expected sequence %d, got %d", i, i+1, ev.Sequence)
		}
		if ev.Timestamp.IsZero() {
			t.Fatalf("event %d has no timestamp", i)
		}
	}
	seq, err := s.LatestSequence(ctx, "proj-b")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected proj-b sequence 1, got %d", seq)
	}
	if rec.count() != 4 {
		t.Fatalf("expected 4 projected events, got %d", rec.count())
	}
}

func TestAppendRejectsInvalidPayload(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, core.Event{ProjectKey: "p", Type: core.EventAgentRegistered, Data: []byte(`{"program":"x"}`)})
	var verr *core.ValidationError
	if !errors.As(err, &verr) || verr.Field != "data" {
		t.Fatalf("expected data validation error, got %v", err)
	}

	_, err = s.AppendEvent(ctx, core.Event{ProjectKey: "p", Type: "bogus", Data: []byte(`{}`)})
	if !errors.As(err, &verr) || verr.Field != "type" {
		t.Fatalf("expected type validation error, got %v", err)
	}

	_, err = s.AppendEvent(ctx, agentEvent(t, "", "a"))
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error for empty project, got %v", err)
	}

	seq, _ := s.LatestSequence(ctx, "p")
	if seq != 0 {
		t.Fatalf("rejected events must not consume sequences, got %d", seq)
	}
}

func TestAppendEventsIsAtomic(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	bad := core.Event{ProjectKey: "p", Type: core.EventAgentActive, Data: []byte(`{}`)}
	if _, err := s.AppendEvents(ctx, []core.Event{agentEvent(t, "p", "a"), bad}); err == nil {
		t.Fatal("expected error for invalid batch")
	}
	evs, _ := s.ReadEvents(ctx, storage.ReadOptions{ProjectKey: "p"})
	if len(evs) != 0 {
		t.Fatalf("expected no events after failed batch, got %d", len(evs))
	}

	out, err := s.AppendEvents(ctx, []core.Event{agentEvent(t, "p", "a"), agentEvent(t, "q", "b"), agentEvent(t, "p", "c")})
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if out[0].Sequence != 1 || out[1].Sequence != 1 || out[2].Sequence != 2 {
		t.Fatalf("unexpected sequences: %d %d %d", out[0].Sequence, out[1].Sequence, out[2].Sequence)
	}
	if rec.count() != 3 {
		t.Fatalf("expected 3 projected, got %d", rec.count())
	}
}

func TestProjectionFailureLeavesNoGap(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()
	rec.failOn = core.EventAgentActive

	if _, err := s.AppendEvent(ctx, agentEvent(t, "p", "a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	active, _ := core.NewEvent("p", core.EventAgentActive, time.Time{}, core.AgentActiveData{AgentName: "a"})
	if _, err := s.AppendEvent(ctx, active); err == nil {
		t.Fatal("expected projection failure")
	}
	rec.failOn = ""
	ev, err := s.AppendEvent(ctx, agentEvent(t, "p", "b"))
	if err != nil {
		t.Fatalf("append after failure: %v", err)
	}
	if ev.Sequence != 2 {
		t.Fatalf("expected sequence 2 after rolled back append, got %d", ev.Sequence)
	}
}

func TestTxPublishesAfterCommit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var seen []core.EventType
	s.Subscribe(func(ev core.Event) { seen = append(seen, ev.Type) })

	err := s.Tx(ctx, "p", func(tx *Tx) error {
		if _, err := tx.Emit(ctx, core.EventAgentRegistered, core.AgentRegisteredData{AgentName: "a"}); err != nil {
			return err
		}
		if len(seen) != 0 {
			t.Fatal("observer called before commit")
		}
		_, err := tx.Emit(ctx, core.EventAgentActive, core.AgentActiveData{AgentName: "a"})
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if len(seen) != 2 || seen[0] != core.EventAgentRegistered {
		t.Fatalf("unexpected observed events: %v", seen)
	}

	err = s.Tx(ctx, "p", func(tx *Tx) error {
		if _, err := tx.Emit(ctx, core.EventAgentActive, core.AgentActiveData{AgentName: "a"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected abort error")
	}
	if len(seen) != 2 {
		t.Fatalf("rolled back events must not be published, saw %d", len(seen))
	}
}

func TestTxRejectsForeignProject(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	err := s.Tx(ctx, "p", func(tx *Tx) error {
		_, err := tx.Append(ctx, agentEvent(t, "q", "a"))
		return err
	})
	if err == nil {
		t.Fatal("expected error appending another project's event")
	}
}

func TestReadEventsFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ev := agentEvent(t, "p", "a")
		if i%2 == 1 {
			ev, _ = core.NewEvent("p", core.EventAgentActive, time.Time{}, core.AgentActiveData{AgentName: "a"})
		}
		ev.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if _, err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	tests := []struct {
		name string
		opts storage.ReadOptions
		want []int64
	}{
		{"types", storage.ReadOptions{ProjectKey: "p", Types: []core.EventType{core.EventAgentActive}}, []int64{2, 4}},
		{"after", storage.ReadOptions{ProjectKey: "p", AfterSequence: 3}, []int64{4, 5}},
		{"since", storage.ReadOptions{ProjectKey: "p", Since: base.Add(3 * time.Minute)}, []int64{4, 5}},
		{"until", storage.ReadOptions{ProjectKey: "p", Until: base.Add(time.Minute)}, []int64{1, 2}},
		{"limit offset", storage.ReadOptions{ProjectKey: "p", Limit: 2, Offset: 1}, []int64{2, 3}},
		{"offset only", storage.ReadOptions{ProjectKey: "p", Offset: 4}, []int64{5}},
		{"other project", storage.ReadOptions{ProjectKey: "nope"}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			evs, err := s.ReadEvents(ctx, tc.opts)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if len(evs) != len(tc.want) {
				t.Fatalf("expected %d events, got %d", len(tc.want), len(evs))
			}
			for i, ev := range evs {
				if ev.Sequence != tc.want[i] {
					t.Fatalf("event %d: expected sequence %d, got %d", i, tc.want[i], ev.Sequence)
				}
			}
		})
	}
}

func TestReplayEvents(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.AppendEvent(ctx, agentEvent(t, "p", "a")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.AppendEvent(ctx, agentEvent(t, "q", "a")); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := s.ReplayEvents(ctx, storage.ReplayOptions{ClearViews: true})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.EventsReplayed != 4 || rec.count() != 4 || rec.resets != 1 {
		t.Fatalf("unexpected replay: %+v applied=%d resets=%d", res, rec.count(), rec.resets)
	}

	res, err = s.ReplayEvents(ctx, storage.ReplayOptions{ProjectKey: "p", FromSequence: 2})
	if err != nil {
		t.Fatalf("replay project: %v", err)
	}
	if res.EventsReplayed != 2 {
		t.Fatalf("expected 2 events replayed from sequence 2, got %d", res.EventsReplayed)
	}

	seq, _ := s.LatestSequence(ctx, "p")
	if seq != 3 {
		t.Fatalf("replay must not append, latest sequence %d", seq)
	}
}

func TestReplayRejectsClearedTail(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.AppendEvent(ctx, agentEvent(t, "p", "a")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	_, err := s.ReplayEvents(ctx, storage.ReplayOptions{ProjectKey: "p", FromSequence: 3, ClearViews: true})
	var verr *core.ValidationError
	if !errors.As(err, &verr) || verr.Field != "from_sequence" {
		t.Fatalf("expected from_sequence validation error, got %v", err)
	}
	if rec.resets != 0 || rec.count() != 3 {
		t.Fatalf("views must be untouched, resets=%d applied=%d", rec.resets, rec.count())
	}

	res, err := s.ReplayEvents(ctx, storage.ReplayOptions{ProjectKey: "p", FromSequence: 1, ClearViews: true})
	if err != nil {
		t.Fatalf("replay from the first event: %v", err)
	}
	if res.EventsReplayed != 3 || rec.count() != 3 || rec.resets != 1 {
		t.Fatalf("unexpected replay: %+v applied=%d resets=%d", res, rec.count(), rec.resets)
	}
}
