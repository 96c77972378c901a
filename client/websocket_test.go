package client

import (
	"testing"
	"time"

	"github.com/mistakeknot/swarmmail/internal/core"
)

func TestWSClientReceivesEvents(t *testing.T) {
	srv := newServer(t, nil)
	ctx := testCtx(t)

	ws := NewWSClient(srv.URL, "bob", WithWSProject("proj"))
	events := make(chan Event, 8)
	ws.OnEvent(FilteredEventHandler(EventFilter{Types: []string{string(core.EventMessageSent)}}, func(ev Event) {
		events <- ev
	}))
	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ws.Close()
	select {
	case <-ws.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("connection never became ready")
	}

	c := New(srv.URL, WithProject("proj"))
	if _, err := c.CreateCell(ctx, CreateCellRequest{Type: core.CellTypeTask, Title: "filtered out"}); err != nil {
		t.Fatalf("create cell: %v", err)
	}
	msg, err := c.SendMessage(ctx, SendMessageRequest{From: "alice", To: []string{"bob"}, Subject: "hi", Body: "there"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case ev := <-events:
		var data core.MessageSentData
		if err := ev.Decode(&data); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.ProjectKey != "proj" || data.MessageID != msg.ID {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message event received")
	}
}

func TestWSClientRequiresAgent(t *testing.T) {
	ws := NewWSClient("http://127.0.0.1:1", "")
	if err := ws.Connect(testCtx(t)); err == nil {
		t.Fatal("expected error without agent")
	}
}

func TestBuildWSURL(t *testing.T) {
	ws := NewWSClient("https://swarm.example.com/base/", "alice", WithWSProject("/repo/a"))
	got, err := ws.buildWSURL()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "wss://swarm.example.com/base/ws/agents/alice?project=%2Frepo%2Fa"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}
