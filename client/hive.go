package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mistakeknot/swarmmail/internal/core"
)

type (
	Cell         = core.Cell
	CellType     = core.CellType
	CellStatus   = core.CellStatus
	Relationship = core.Relationship
	Dependency   = core.Dependency
	BlockedCell  = core.BlockedCell
	Comment      = core.Comment
	EpicProgress = core.EpicProgress
	Session      = core.Session
	SessionStart = core.SessionStart
)

type CreateCellRequest struct {
	Type        CellType `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	// Priority defaults to 2 on the server when nil.
	Priority *int   `json:"priority,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	Assignee string `json:"assignee,omitempty"`
}

// UpdateCellRequest changes only the non-nil fields.
type UpdateCellRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
}

func (c *Client) CreateCell(ctx context.Context, req CreateCellRequest) (Cell, error) {
	var out Cell
	err := c.do(ctx, http.MethodPost, "/api/cells", nil, struct {
		Project string `json:"project,omitempty"`
		CreateCellRequest
	}{c.Project, req}, &out)
	return out, err
}

func (c *Client) GetCell(ctx context.Context, id string) (Cell, error) {
	var out Cell
	err := c.do(ctx, http.MethodGet, cellPath(id), nil, nil, &out)
	return out, err
}

func (c *Client) UpdateCell(ctx context.Context, id string, req UpdateCellRequest) (Cell, error) {
	var out Cell
	err := c.do(ctx, http.MethodPatch, cellPath(id), nil, struct {
		Project string `json:"project,omitempty"`
		UpdateCellRequest
	}{c.Project, req}, &out)
	return out, err
}

func (c *Client) DeleteCell(ctx context.Context, id, reason string) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	return c.do(ctx, http.MethodDelete, cellPath(id), q, nil, nil)
}

// CellQuery filters ListCells. Empty fields match everything.
type CellQuery struct {
	Statuses []CellStatus
	Types    []CellType
	ParentID string
	Assignee string
	Label    string
	Limit    int
}

func (c *Client) ListCells(ctx context.Context, q CellQuery) ([]Cell, error) {
	values := url.Values{}
	if len(q.Statuses) > 0 {
		parts := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			parts[i] = string(s)
		}
		values.Set("status", strings.Join(parts, ","))
	}
	if len(q.Types) > 0 {
		parts := make([]string, len(q.Types))
		for i, t := range q.Types {
			parts[i] = string(t)
		}
		values.Set("type", strings.Join(parts, ","))
	}
	if q.ParentID != "" {
		values.Set("parent_id", q.ParentID)
	}
	if q.Assignee != "" {
		values.Set("assignee", q.Assignee)
	}
	if q.Label != "" {
		values.Set("label", q.Label)
	}
	if q.Limit > 0 {
		values.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	var out struct {
		Cells []Cell `json:"cells"`
	}
	err := c.do(ctx, http.MethodGet, "/api/cells", values, nil, &out)
	return out.Cells, err
}

func (c *Client) ChangeStatus(ctx context.Context, id string, status CellStatus) (Cell, error) {
	return c.cellAction(ctx, id, "status", map[string]any{"status": status})
}

func (c *Client) CloseCell(ctx context.Context, id, reason string) (Cell, error) {
	return c.cellAction(ctx, id, "close", map[string]any{"reason": reason})
}

func (c *Client) ReopenCell(ctx context.Context, id string) (Cell, error) {
	return c.cellAction(ctx, id, "reopen", map[string]any{})
}

func (c *Client) cellAction(ctx context.Context, id, action string, body map[string]any) (Cell, error) {
	if c.Project != "" {
		body["project"] = c.Project
	}
	var out Cell
	err := c.do(ctx, http.MethodPost, cellPath(id)+"/"+action, nil, body, &out)
	return out, err
}

func (c *Client) AddDependency(ctx context.Context, id, dependsOn string, rel Relationship) (Dependency, error) {
	var out Dependency
	err := c.do(ctx, http.MethodPost, cellPath(id)+"/dependencies", nil, map[string]any{
		"project":       c.Project,
		"depends_on_id": dependsOn,
		"relationship":  rel,
	}, &out)
	return out, err
}

func (c *Client) RemoveDependency(ctx context.Context, id, dependsOn string, rel Relationship) error {
	q := url.Values{"depends_on_id": {dependsOn}}
	if rel != "" {
		q.Set("relationship", string(rel))
	}
	return c.do(ctx, http.MethodDelete, cellPath(id)+"/dependencies", q, nil, nil)
}

// Blockers returns the IDs of open cells blocking id.
func (c *Client) Blockers(ctx context.Context, id string) ([]string, error) {
	var out struct {
		Blockers []string `json:"blockers"`
	}
	err := c.do(ctx, http.MethodGet, cellPath(id)+"/blockers", nil, nil, &out)
	return out.Blockers, err
}

func (c *Client) AddLabel(ctx context.Context, id, label string) error {
	return c.do(ctx, http.MethodPost, cellPath(id)+"/labels", nil, map[string]string{"project": c.Project, "label": label}, nil)
}

func (c *Client) AddComment(ctx context.Context, id, author, body string) (Comment, error) {
	var out Comment
	err := c.do(ctx, http.MethodPost, cellPath(id)+"/comments", nil, map[string]string{
		"project": c.Project,
		"author":  author,
		"body":    body,
	}, &out)
	return out, err
}

func (c *Client) EpicProgress(ctx context.Context, epicID string) (EpicProgress, error) {
	var out EpicProgress
	err := c.do(ctx, http.MethodGet, cellPath(epicID)+"/progress", nil, nil, &out)
	return out, err
}

func (c *Client) ReadyCells(ctx context.Context, limit int) ([]Cell, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out struct {
		Cells []Cell `json:"cells"`
	}
	err := c.do(ctx, http.MethodGet, "/api/queue/ready", q, nil, &out)
	return out.Cells, err
}

// NextReady returns the highest-priority ready cell, or nil when the queue
// is empty.
func (c *Client) NextReady(ctx context.Context) (*Cell, error) {
	var out struct {
		Cell *Cell `json:"cell"`
	}
	err := c.do(ctx, http.MethodGet, "/api/queue/next", nil, nil, &out)
	return out.Cell, err
}

func (c *Client) BlockedCells(ctx context.Context) ([]BlockedCell, error) {
	var out struct {
		Cells []BlockedCell `json:"cells"`
	}
	err := c.do(ctx, http.MethodGet, "/api/queue/blocked", nil, nil, &out)
	return out.Cells, err
}

func (c *Client) StartSession(ctx context.Context, activeCellID, createdBy string) (SessionStart, error) {
	var out SessionStart
	err := c.do(ctx, http.MethodPost, "/api/sessions", nil, map[string]string{
		"project":        c.Project,
		"active_cell_id": activeCellID,
		"created_by":     createdBy,
	}, &out)
	return out, err
}

func (c *Client) EndSession(ctx context.Context, id, handoffNotes string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/end", nil, map[string]string{
		"project":       c.Project,
		"handoff_notes": handoffNotes,
	}, &out)
	return out, err
}

// CurrentSession returns the open session, or nil.
func (c *Client) CurrentSession(ctx context.Context) (*Session, error) {
	var out struct {
		Session *Session `json:"session"`
	}
	err := c.do(ctx, http.MethodGet, "/api/sessions/current", nil, nil, &out)
	return out.Session, err
}

func cellPath(id string) string {
	return "/api/cells/" + url.PathEscape(id)
}
