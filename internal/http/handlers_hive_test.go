package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mistakeknot/swarmmail/internal/auth"
	"github.com/mistakeknot/swarmmail/internal/core"
)

func createCell(t *testing.T, env *testEnv, typ core.CellType, title string) core.Cell {
	t.Helper()
	resp := env.post(t, "/api/cells", createCellRequest{Project: "proj", Type: typ, Title: title})
	requireStatus(t, resp, http.StatusCreated)
	return decodeJSON[core.Cell](t, resp)
}

func TestCellLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	cell := createCell(t, env, core.CellTypeTask, "write parser")
	if cell.Status != core.CellStatusOpen || cell.Priority != core.DefaultPriority {
		t.Fatalf("unexpected new cell %+v", cell)
	}

	title := "write the parser"
	resp := env.do(t, http.MethodPatch, "/api/cells/"+cell.ID, updateCellRequest{Project: "proj", Title: &title})
	requireStatus(t, resp, http.StatusOK)
	if updated := decodeJSON[core.Cell](t, resp); updated.Title != title {
		t.Fatalf("title not updated: %+v", updated)
	}

	resp = env.post(t, "/api/cells/"+cell.ID+"/status", cellActionRequest{Project: "proj", Status: core.CellStatusInProgress})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.get(t, "/api/queue/in-progress?project=proj")
	requireStatus(t, resp, http.StatusOK)
	if list := decodeJSON[cellsResponse](t, resp); len(list.Cells) != 1 {
		t.Fatalf("expected one in-progress cell, got %d", len(list.Cells))
	}

	resp = env.post(t, "/api/cells/"+cell.ID+"/close", cellActionRequest{Project: "proj", Reason: "done"})
	requireStatus(t, resp, http.StatusOK)
	if closed := decodeJSON[core.Cell](t, resp); closed.Status != core.CellStatusClosed || closed.ClosedReason != "done" {
		t.Fatalf("unexpected closed cell %+v", closed)
	}

	resp = env.post(t, "/api/cells/"+cell.ID+"/close", cellActionRequest{Project: "proj"})
	requireStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = env.post(t, "/api/cells/"+cell.ID+"/reopen", cellActionRequest{Project: "proj"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/api/cells/"+cell.ID+"?project=proj&reason=dup", nil)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.do(t, http.MethodPatch, "/api/cells/"+cell.ID, updateCellRequest{Project: "proj", Title: &title})
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = env.get(t, "/api/cells?project=proj")
	requireStatus(t, resp, http.StatusOK)
	if list := decodeJSON[cellsResponse](t, resp); len(list.Cells) != 0 {
		t.Fatalf("deleted cell should be hidden, got %d", len(list.Cells))
	}
	resp = env.get(t, "/api/cells?project=proj&include_deleted=true")
	requireStatus(t, resp, http.StatusOK)
	if list := decodeJSON[cellsResponse](t, resp); len(list.Cells) != 1 {
		t.Fatalf("expected deleted cell with include_deleted, got %d", len(list.Cells))
	}
}

func TestCreateCellValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	bad := 9
	tests := []struct {
		name  string
		req   createCellRequest
		field string
	}{
		{"missing title", createCellRequest{Project: "proj", Type: core.CellTypeTask}, "title"},
		{"unknown type", createCellRequest{Project: "proj", Type: "story", Title: "x"}, "type"},
		{"priority out of range", createCellRequest{Project: "proj", Type: core.CellTypeBug, Title: "x", Priority: &bad}, "priority"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.post(t, "/api/cells", tc.req)
			requireStatus(t, resp, http.StatusBadRequest)
			if e := decodeJSON[errorResponse](t, resp); e.Field != tc.field {
				t.Fatalf("expected field %s, got %+v", tc.field, e)
			}
		})
	}
}

func TestDependencyQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	schema := createCell(t, env, core.CellTypeTask, "schema")
	api := createCell(t, env, core.CellTypeTask, "api")

	resp := env.post(t, "/api/cells/"+api.ID+"/dependencies", dependencyRequest{Project: "proj", DependsOnID: schema.ID})
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = env.post(t, "/api/cells/"+schema.ID+"/dependencies", dependencyRequest{Project: "proj", DependsOnID: api.ID})
	requireStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = env.get(t, "/api/cells/"+api.ID+"/blockers?project=proj")
	requireStatus(t, resp, http.StatusOK)
	if b := decodeJSON[blockersResponse](t, resp); !b.Blocked || len(b.Blockers) != 1 || b.Blockers[0] != schema.ID {
		t.Fatalf("unexpected blockers %+v", b)
	}

	resp = env.get(t, "/api/queue/next?project=proj")
	requireStatus(t, resp, http.StatusOK)
	next := decodeJSON[struct {
		Cell *core.Cell `json:"cell"`
	}](t, resp)
	if next.Cell == nil || next.Cell.ID != schema.ID {
		t.Fatalf("expected schema to be next, got %+v", next.Cell)
	}

	resp = env.get(t, "/api/queue/blocked?project=proj")
	requireStatus(t, resp, http.StatusOK)
	blocked := decodeJSON[struct {
		Cells []core.BlockedCell `json:"cells"`
	}](t, resp)
	if len(blocked.Cells) != 1 || blocked.Cells[0].Cell.ID != api.ID {
		t.Fatalf("unexpected blocked list %+v", blocked.Cells)
	}

	resp = env.post(t, "/api/cells/"+schema.ID+"/close", cellActionRequest{Project: "proj", Reason: "done"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.get(t, "/api/queue/ready?project=proj")
	requireStatus(t, resp, http.StatusOK)
	if ready := decodeJSON[cellsResponse](t, resp); len(ready.Cells) != 1 || ready.Cells[0].ID != api.ID {
		t.Fatalf("expected api to be ready, got %+v", ready.Cells)
	}

	resp = env.do(t, http.MethodDelete, "/api/cells/"+api.ID+"/dependencies?project=proj&depends_on_id="+schema.ID, nil)
	requireStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.get(t, "/api/queue/count?project=proj&status=closed")
	requireStatus(t, resp, http.StatusOK)
	if c := decodeJSON[map[string]int](t, resp); c["count"] != 1 {
		t.Fatalf("expected one closed cell, got %v", c)
	}
}

func TestLabelsCommentsAndEpics(t *testing.T) {
	env := newTestEnv(t, nil)
	epic := createCell(t, env, core.CellTypeEpic, "release")
	child := createCell(t, env, core.CellTypeTask, "changelog")

	resp := env.post(t, "/api/cells/"+child.ID+"/labels", labelRequest{Project: "proj", Label: "docs"})
	requireStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
	resp = env.get(t, "/api/cells?project=proj&label=docs")
	requireStatus(t, resp, http.StatusOK)
	if list := decodeJSON[cellsResponse](t, resp); len(list.Cells) != 1 {
		t.Fatalf("expected one labeled cell, got %d", len(list.Cells))
	}
	resp = env.do(t, http.MethodDelete, "/api/cells/"+child.ID+"/labels/docs?project=proj", nil)
	requireStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.post(t, "/api/cells/"+child.ID+"/comments", commentRequest{Project: "proj", Author: "alice", Body: "draft ready"})
	requireStatus(t, resp, http.StatusCreated)
	comment := decodeJSON[core.Comment](t, resp)
	resp = env.do(t, http.MethodPatch, "/api/comments/"+comment.ID, commentRequest{Project: "proj", Body: "final"})
	requireStatus(t, resp, http.StatusOK)
	if c := decodeJSON[core.Comment](t, resp); c.Body != "final" {
		t.Fatalf("comment not updated: %+v", c)
	}
	resp = env.do(t, http.MethodDelete, "/api/comments/"+comment.ID+"?project=proj", nil)
	requireStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.post(t, "/api/cells/"+epic.ID+"/children", childRequest{Project: "proj", ChildID: child.ID})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.get(t, "/api/cells/"+epic.ID+"/progress?project=proj")
	requireStatus(t, resp, http.StatusOK)
	if p := decodeJSON[core.EpicProgress](t, resp); p.Total != 1 || p.Closed != 0 || p.Eligible {
		t.Fatalf("unexpected progress %+v", p)
	}

	resp = env.post(t, "/api/cells/"+child.ID+"/close", cellActionRequest{Project: "proj", Reason: "done"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = env.get(t, "/api/cells/"+epic.ID+"/progress?project=proj")
	requireStatus(t, resp, http.StatusOK)
	if p := decodeJSON[core.EpicProgress](t, resp); p.Closed != 1 || !p.Eligible {
		t.Fatalf("expected eligible epic, got %+v", p)
	}

	resp = env.do(t, http.MethodDelete, "/api/cells/"+epic.ID+"/children/"+child.ID+"?project=proj", nil)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = env.get(t, "/api/cells/"+epic.ID+"/children?project=proj")
	requireStatus(t, resp, http.StatusOK)
	if list := decodeJSON[cellsResponse](t, resp); len(list.Cells) != 0 {
		t.Fatalf("expected no children, got %d", len(list.Cells))
	}
}

func TestSessionHandoffOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.post(t, "/api/sessions", startSessionRequest{Project: "proj", CreatedBy: "alice"})
	requireStatus(t, resp, http.StatusCreated)
	first := decodeJSON[core.SessionStart](t, resp)
	if first.PreviousHandoffNotes != nil {
		t.Fatalf("first session should have no handoff, got %q", *first.PreviousHandoffNotes)
	}

	resp = env.post(t, "/api/sessions/"+first.Session.ID+"/end", endSessionRequest{Project: "proj", HandoffNotes: "parser half done"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.post(t, "/api/sessions/"+first.Session.ID+"/end", endSessionRequest{Project: "proj"})
	requireStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = env.post(t, "/api/sessions", startSessionRequest{Project: "proj"})
	requireStatus(t, resp, http.StatusCreated)
	second := decodeJSON[core.SessionStart](t, resp)
	if second.PreviousHandoffNotes == nil || *second.PreviousHandoffNotes != "parser half done" {
		t.Fatalf("expected handoff notes, got %v", second.PreviousHandoffNotes)
	}

	resp = env.get(t, "/api/sessions/current?project=proj")
	requireStatus(t, resp, http.StatusOK)
	current := decodeJSON[struct {
		Session *core.Session `json:"session"`
	}](t, resp)
	if current.Session == nil || current.Session.ID != second.Session.ID {
		t.Fatalf("unexpected current session %+v", current.Session)
	}

	resp = env.get(t, "/api/sessions?project=proj")
	requireStatus(t, resp, http.StatusOK)
	if h := decodeJSON[sessionsResponse](t, resp); len(h.Sessions) != 2 {
		t.Fatalf("expected 2 sessions in history, got %d", len(h.Sessions))
	}

	resp = env.get(t, "/api/sessions/nope?project=proj")
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAPIKeyIsPinnedToProject(t *testing.T) {
	env := newTestEnv(t, auth.NewKeyring(false, map[string]string{"key-a": "proj-a"}))

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"no key", "/api/agents?project=proj-a", "", http.StatusUnauthorized},
		{"own project", "/api/agents?project=proj-a", "key-a", http.StatusOK},
		{"implicit project", "/api/agents", "key-a", http.StatusOK},
		{"other project", "/api/agents?project=proj-b", "key-a", http.StatusForbidden},
		{"health is open", "/health", "", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			req.RemoteAddr = "203.0.113.7:4000"
			if tc.key != "" {
				req.Header.Set("Authorization", "Bearer "+tc.key)
			}
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, strings.TrimSpace(rr.Body.String()))
			}
		})
	}
}
