package swarmmail

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

func TestRegisterAgentUpsert(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	first, err := st.RegisterAgent(ctx, "proj", "alice", storage.AgentOptions{Program: "cli", Model: "m1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := st.RegisterAgent(ctx, "proj", "alice", storage.AgentOptions{Program: "cli", Model: "m2", TaskDescription: "tests"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("registered_at changed: %v -> %v", first.RegisteredAt, second.RegisteredAt)
	}
	if !second.LastActiveAt.After(first.LastActiveAt) {
		t.Fatal("expected last_active_at to advance")
	}
	if second.Model != "m2" || second.TaskDescription != "tests" {
		t.Fatalf("metadata not refreshed: %+v", second)
	}

	agents, err := st.GetAgents(ctx, "proj")
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	evs, _ := st.ReadEvents(ctx, storage.ReadOptions{ProjectKey: "proj"})
	if len(evs) != 2 {
		t.Fatalf("expected an event per registration, got %d", len(evs))
	}

	missing, err := st.GetAgent(ctx, "proj", "nobody")
	if err != nil || missing != nil {
		t.Fatalf("expected nil agent, got %+v %v", missing, err)
	}
}

func TestRegisterAgentGeneratesName(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	names := []string{"TakenName", "TakenName", "FreshName"}
	st.genName = func() string {
		n := names[0]
		names = names[1:]
		return n
	}
	if _, err := st.RegisterAgent(ctx, "proj", "", storage.AgentOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	a, err := st.RegisterAgent(ctx, "proj", "  ", storage.AgentOptions{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.Name != "FreshName" {
		t.Fatalf("expected an unused generated name, got %q", a.Name)
	}
	if _, err := st.RegisterAgent(ctx, "proj", "two words", storage.AgentOptions{}); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error for a malformed name, got %v", err)
	}
}

func TestActivityRefreshesAgent(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	a, _ := st.RegisterAgent(ctx, "proj", "alice", storage.AgentOptions{})
	if _, err := st.SendMessage(ctx, "proj", "alice", []string{"bob"}, "hi", "there", storage.MessageOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	after, _ := st.GetAgent(ctx, "proj", "alice")
	if !after.LastActiveAt.After(a.LastActiveAt) {
		t.Fatal("sending a message should refresh last_active_at")
	}

	hb, err := st.Heartbeat(ctx, "proj", "alice")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !hb.LastActiveAt.After(after.LastActiveAt) {
		t.Fatal("heartbeat should refresh last_active_at")
	}
	if _, err := st.Heartbeat(ctx, "proj", "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for unknown agent, got %v", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		from    string
		to      []string
		subject string
		body    string
		opts    storage.MessageOptions
		field   string
	}{
		{"no sender", "", []string{"b"}, "s", "b", storage.MessageOptions{}, "from_agent"},
		{"no recipients", "a", nil, "s", "b", storage.MessageOptions{}, "to_agents"},
		{"blank recipients", "a", []string{" "}, "s", "b", storage.MessageOptions{}, "to_agents"},
		{"no subject", "a", []string{"b"}, "", "b", storage.MessageOptions{}, "subject"},
		{"no body", "a", []string{"b"}, "s", " ", storage.MessageOptions{}, "body"},
		{"bad importance", "a", []string{"b"}, "s", "b", storage.MessageOptions{Importance: "critical"}, "importance"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := st.SendMessage(ctx, "proj", tc.from, tc.to, tc.subject, tc.body, tc.opts)
			var verr *core.ValidationError
			if !errors.As(err, &verr) || verr.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
	evs, _ := st.ReadEvents(ctx, storage.ReadOptions{ProjectKey: "proj"})
	if len(evs) != 0 {
		t.Fatalf("rejected messages must not append events, got %d", len(evs))
	}
}

func TestInboxFilters(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()

	send := func(subject string, imp core.Importance) core.Message {
		t.Helper()
		m, err := st.SendMessage(ctx, "proj", "lead", []string{"worker", "worker"}, subject, "body of "+subject,
			storage.MessageOptions{Importance: imp})
		if err != nil {
			t.Fatalf("send %s: %v", subject, err)
		}
		return m
	}
	m1 := send("one", core.ImportanceNormal)
	send("two", core.ImportanceUrgent)
	clock.Advance(time.Second)
	mark := st.Now()
	for _, s := range []string{"three", "four", "five", "six", "seven"} {
		send(s, core.ImportanceLow)
	}

	inbox, err := st.GetInbox(ctx, "proj", "worker", storage.InboxOptions{})
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox) != DefaultInboxLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultInboxLimit, len(inbox))
	}
	if inbox[0].Subject != "seven" {
		t.Fatalf("expected newest first, got %q", inbox[0].Subject)
	}
	if inbox[0].Body != nil {
		t.Fatal("bodies must be omitted unless requested")
	}
	raw, _ := json.Marshal(inbox[0])
	if strings.Contains(string(raw), `"body"`) {
		t.Fatalf("body key must be absent from JSON: %s", raw)
	}
	if len(inbox[0].To) != 1 {
		t.Fatalf("duplicate recipients should collapse, got %v", inbox[0].To)
	}

	urgent, _ := st.GetInbox(ctx, "proj", "worker", storage.InboxOptions{UrgentOnly: true, IncludeBodies: true})
	if len(urgent) != 1 || urgent[0].Subject != "two" || urgent[0].Body == nil || *urgent[0].Body != "body of two" {
		t.Fatalf("unexpected urgent inbox: %+v", urgent)
	}

	since, _ := st.GetInbox(ctx, "proj", "worker", storage.InboxOptions{SinceTs: mark, Limit: 50})
	if len(since) != 5 {
		t.Fatalf("expected 5 messages since mark, got %d", len(since))
	}

	if err := st.MarkMessageAsRead(ctx, "proj", m1.ID, "worker"); err != nil {
		t.Fatalf("read: %v", err)
	}
	unread, _ := st.GetInbox(ctx, "proj", "worker", storage.InboxOptions{UnreadOnly: true, Limit: 50})
	if len(unread) != 6 {
		t.Fatalf("expected 6 unread, got %d", len(unread))
	}

	none, _ := st.GetInbox(ctx, "proj", "lead", storage.InboxOptions{})
	if len(none) != 0 {
		t.Fatalf("sender has no inbox entries, got %d", len(none))
	}
}

func TestReadAndAckIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	m, err := st.SendMessage(ctx, "proj", "lead", []string{"a", "b"}, "s", "b", storage.MessageOptions{AckRequired: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := st.MarkMessageAsRead(ctx, "proj", m.ID, "a"); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if err := st.AcknowledgeMessage(ctx, "proj", m.ID, "b"); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
	}
	reads, _ := st.ReadEvents(ctx, storage.ReadOptions{ProjectKey: "proj", Types: []core.EventType{core.EventMessageRead, core.EventMessageAcked}})
	if len(reads) != 2 {
		t.Fatalf("expected one read and one ack event, got %d", len(reads))
	}

	status, err := st.RecipientStatus(ctx, "proj", m.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status["a"].ReadAt == nil || status["a"].AckedAt != nil {
		t.Fatalf("unexpected status for a: %+v", status["a"])
	}
	if status["b"].AckedAt == nil || status["b"].ReadAt == nil {
		t.Fatalf("ack should imply read for b: %+v", status["b"])
	}

	if err := st.MarkMessageAsRead(ctx, "proj", m.ID, "outsider"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for non-recipient, got %v", err)
	}
	if err := st.AcknowledgeMessage(ctx, "proj", "missing", "a"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for unknown message, got %v", err)
	}

	got, err := st.GetMessage(ctx, "proj", m.ID)
	if err != nil || got == nil || got.Body == nil {
		t.Fatalf("get message: %+v %v", got, err)
	}
	if none, err := st.GetMessage(ctx, "proj", "missing"); err != nil || none != nil {
		t.Fatalf("expected nil for missing message, got %+v %v", none, err)
	}
}

func TestThreads(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	opts := storage.MessageOptions{ThreadID: "T-1"}
	if _, err := st.SendMessage(ctx, "proj", "alice", []string{"bob"}, "plan", "first", opts); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := st.SendMessage(ctx, "proj", "bob", []string{"alice"}, "re: plan", "second", opts); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := st.SendMessage(ctx, "proj", "carol", []string{"dave"}, "other", "x", storage.MessageOptions{ThreadID: "T-2"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	thread, err := st.GetThread(ctx, "proj", "T-1", "bob")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if len(thread) != 2 || thread[0].Subject != "plan" {
		t.Fatalf("expected thread oldest first, got %+v", thread)
	}
	if _, err := st.GetThread(ctx, "proj", "T-1", "carol"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("non-participant should not see the thread, got %v", err)
	}
	if all, err := st.GetThread(ctx, "proj", "T-1", ""); err != nil || len(all) != 2 {
		t.Fatalf("empty requester skips the check: %d %v", len(all), err)
	}

	summaries, err := st.ListThreads(ctx, "proj", "alice", 10)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 thread for alice, got %+v", summaries)
	}
	s := summaries[0]
	if s.ThreadID != "T-1" || s.MessageCount != 2 || s.LastSubject != "re: plan" || s.LastFrom != "bob" {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestReplayRebuildsSwarmViews(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := st.RegisterAgent(ctx, "proj", "alice", storage.AgentOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	m, err := st.SendMessage(ctx, "proj", "alice", []string{"bob"}, "s", "b", storage.MessageOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := st.MarkMessageAsRead(ctx, "proj", m.ID, "bob"); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := st.ReserveFiles(ctx, "proj", "alice", []string{"a.go", "b.go"}, storage.ReserveOptions{}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := st.ReleaseFiles(ctx, "proj", "alice", storage.ReleaseOptions{Paths: []string{"a.go"}}); err != nil {
		t.Fatalf("release: %v", err)
	}
	before, _ := st.GetStats(ctx, "proj")

	for _, clear := range []bool{true, false} {
		if _, err := st.ReplayEvents(ctx, storage.ReplayOptions{ProjectKey: "proj", ClearViews: clear}); err != nil {
			t.Fatalf("replay (clear=%v): %v", clear, err)
		}
		after, _ := st.GetStats(ctx, "proj")
		if after != before {
			t.Fatalf("replay (clear=%v) changed state: %+v -> %+v", clear, before, after)
		}
	}
	held, _ := st.GetActiveReservations(ctx, "proj", "alice")
	if len(held) != 1 || held[0].PathPattern != "b.go" {
		t.Fatalf("unexpected reservations after replay: %+v", held)
	}
}
