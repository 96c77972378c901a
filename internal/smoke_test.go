package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/swarmmail/internal/auth"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/hive"
	httpapi "github.com/mistakeknot/swarmmail/internal/http"
	"github.com/mistakeknot/swarmmail/internal/storage/sqlite"
	"github.com/mistakeknot/swarmmail/internal/swarmmail"
	"github.com/mistakeknot/swarmmail/internal/ws"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func getJSON(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func expect(t *testing.T, resp *http.Response, status int, what string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("%s: expected %d, got %d", what, status, resp.StatusCode)
	}
}

func newSmokeServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := sqlite.OpenInMemory(context.Background(), sqlite.Options{})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	es, err := eventstore.New(db)
	if err != nil {
		t.Fatalf("event store: %v", err)
	}
	hub := ws.NewHub(nil)
	t.Cleanup(hub.Close)
	es.Subscribe(hub.Observe)
	svc := httpapi.NewService(swarmmail.New(es), hive.New(es)).WithHealth(es.BreakerState)
	srv := httptest.NewServer(httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(auth.NewKeyring(true, nil))))
	t.Cleanup(srv.Close)
	return srv
}

// TestSmokeMessageFlow exercises:
// register agent → connect WS → send message → verify WS event → fetch inbox → mark read → verify unread
func TestSmokeMessageFlow(t *testing.T) {
	srv := newSmokeServer(t)
	const project = "smoke-proj"

	// 1. Register agent
	regResp := postJSON(t, srv.URL+"/api/agents", map[string]any{"project": project, "name": "bob"})
	expect(t, regResp, http.StatusOK, "register")
	regResp.Body.Close()

	// 2. Connect WebSocket for bob and wait for the hello frame
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agents/bob?project=" + project
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	var hello map[string]any
	if err := wsjson.Read(ctx, conn, &hello); err != nil || hello["type"] != "connected" {
		t.Fatalf("expected hello frame, got %v %v", hello, err)
	}

	// 3. Send message via HTTP
	sendResp := postJSON(t, srv.URL+"/api/messages", map[string]any{
		"project": project, "from": "alice", "to": []string{"bob"}, "subject": "smoke", "body": "smoke test",
	})
	expect(t, sendResp, http.StatusOK, "send")
	msgID := decode[map[string]any](t, sendResp)["id"].(string)

	// 4. Verify WS event
	var event map[string]any
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if event["type"] != "message_sent" {
		t.Fatalf("expected message_sent, got %v", event["type"])
	}

	// 5. Fetch inbox
	inboxResp := getJSON(t, srv.URL+"/api/inbox/bob?include_bodies=true&project="+project)
	expect(t, inboxResp, http.StatusOK, "inbox")
	messages := decode[map[string]any](t, inboxResp)["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected 1 inbox message, got %d", len(messages))
	}
	if messages[0].(map[string]any)["body"] != "smoke test" {
		t.Fatalf("wrong body: %v", messages[0].(map[string]any)["body"])
	}

	// 6. Mark read
	readResp := postJSON(t, srv.URL+"/api/messages/"+msgID+"/read", map[string]any{"project": project, "agent": "bob"})
	expect(t, readResp, http.StatusNoContent, "mark read")
	readResp.Body.Close()

	// 7. Verify unread inbox is empty
	unreadResp := getJSON(t, srv.URL+"/api/inbox/bob?unread_only=true&project="+project)
	expect(t, unreadResp, http.StatusOK, "unread inbox")
	if n := len(decode[map[string]any](t, unreadResp)["messages"].([]any)); n != 0 {
		t.Fatalf("expected 0 unread, got %d", n)
	}
}

// TestSmokeSwarmFlow exercises: epic → subtasks → reserve → conflict → close → release → replay
func TestSmokeSwarmFlow(t *testing.T) {
	srv := newSmokeServer(t)
	const project = "smoke-proj"

	epicResp := postJSON(t, srv.URL+"/api/cells", map[string]any{"project": project, "type": "epic", "title": "Smoke Epic"})
	expect(t, epicResp, http.StatusCreated, "create epic")
	epicID := decode[map[string]any](t, epicResp)["id"].(string)

	var taskIDs []string
	for _, title := range []string{"storage", "transport"} {
		resp := postJSON(t, srv.URL+"/api/cells", map[string]any{
			"project": project, "type": "task", "title": title, "parent_id": epicID,
		})
		expect(t, resp, http.StatusCreated, "create "+title)
		taskIDs = append(taskIDs, decode[map[string]any](t, resp)["id"].(string))
	}

	// Workers claim disjoint files; an overlapping claim is refused.
	resp := postJSON(t, srv.URL+"/api/reservations", map[string]any{
		"project": project, "agent": "worker-1", "paths": []string{"internal/storage/**"},
	})
	expect(t, resp, http.StatusOK, "reserve storage")
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/api/reservations", map[string]any{
		"project": project, "agent": "worker-2", "paths": []string{"internal/storage/db.go"},
	})
	expect(t, resp, http.StatusConflict, "overlapping reserve")
	conflict := decode[map[string]any](t, resp)
	if conflicts := conflict["conflicts"].([]any); len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %v", conflict)
	}

	for _, id := range taskIDs {
		resp := postJSON(t, srv.URL+"/api/cells/"+id+"/close", map[string]any{"project": project, "reason": "done"})
		expect(t, resp, http.StatusOK, "close "+id)
		resp.Body.Close()
	}
	progress := decode[map[string]any](t, getJSON(t, srv.URL+"/api/cells/"+epicID+"/progress?project="+project))
	if progress["closure_eligible"] != true {
		t.Fatalf("epic should be eligible to close, got %v", progress)
	}

	resp = postJSON(t, srv.URL+"/api/reservations/release", map[string]any{"project": project, "agent": "worker-1"})
	expect(t, resp, http.StatusOK, "release")
	resp.Body.Close()

	before := decode[map[string]any](t, getJSON(t, srv.URL+"/api/stats?project="+project))
	resp = postJSON(t, srv.URL+"/api/replay", map[string]any{"project": project, "clear_views": true})
	expect(t, resp, http.StatusOK, "replay")
	resp.Body.Close()
	after := decode[map[string]any](t, getJSON(t, srv.URL+"/api/stats?project="+project))
	if before["events"] != after["events"] || before["active_reservations"] != after["active_reservations"] {
		t.Fatalf("replay changed state: before %v after %v", before, after)
	}

	cells := decode[map[string]any](t, getJSON(t, srv.URL+"/api/cells?status=closed&project="+project))["cells"].([]any)
	if len(cells) != 2 {
		t.Fatalf("closed cells should survive replay, got %d", len(cells))
	}
}
