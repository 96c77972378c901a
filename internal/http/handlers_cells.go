package httpapi

import (
	"net/http"
	"strings"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

type createCellRequest struct {
	Project     string        `json:"project"`
	Type        core.CellType `json:"type"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Priority    *int          `json:"priority"`
	ParentID    string        `json:"parent_id"`
	Assignee    string        `json:"assignee"`
}

type updateCellRequest struct {
	Project     string  `json:"project"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Priority    *int    `json:"priority"`
	Assignee    *string `json:"assignee"`
}

type cellActionRequest struct {
	Project string          `json:"project"`
	Status  core.CellStatus `json:"status"`
	Reason  string          `json:"reason"`
}

type dependencyRequest struct {
	Project      string            `json:"project"`
	DependsOnID  string            `json:"depends_on_id"`
	Relationship core.Relationship `json:"relationship"`
	CreatedBy    string            `json:"created_by"`
}

type labelRequest struct {
	Project string `json:"project"`
	Label   string `json:"label"`
}

type commentRequest struct {
	Project string `json:"project"`
	Author  string `json:"author"`
	Body    string `json:"body"`
}

type childRequest struct {
	Project string `json:"project"`
	ChildID string `json:"child_id"`
}

type cellsResponse struct {
	Cells []core.Cell `json:"cells"`
}

type blockersResponse struct {
	Blocked  bool     `json:"blocked"`
	Blockers []string `json:"blockers"`
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func writeCells(w http.ResponseWriter, cells []core.Cell) {
	if cells == nil {
		cells = []core.Cell{}
	}
	writeJSON(w, http.StatusOK, cellsResponse{Cells: cells})
}

func (s *Service) handleCells(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		q := r.URL.Query()
		query := storage.CellQuery{
			ParentID:       q.Get("parent_id"),
			Assignee:       q.Get("assignee"),
			Label:          q.Get("label"),
			IncludeDeleted: queryBool(r, "include_deleted"),
		}
		for _, st := range splitList(q.Get("status")) {
			query.Statuses = append(query.Statuses, core.CellStatus(st))
		}
		for _, t := range splitList(q.Get("type")) {
			query.Types = append(query.Types, core.CellType(t))
		}
		if query.Limit, err = queryInt(r, "limit", 0); err != nil {
			s.writeError(w, r, err)
			return
		}
		if query.Offset, err = queryInt(r, "offset", 0); err != nil {
			s.writeError(w, r, err)
			return
		}
		cells, err := s.hive.QueryCells(r.Context(), project, query)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeCells(w, cells)
	case http.MethodPost:
		var req createCellRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cell, err := s.hive.CreateCell(r.Context(), project, storage.CreateCellInput{
			Type:        req.Type,
			Title:       req.Title,
			Description: req.Description,
			Priority:    req.Priority,
			ParentID:    req.ParentID,
			Assignee:    req.Assignee,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, cell)
	default:
		methodNotAllowed(w)
	}
}

// handleCellByID serves /api/cells/{id} and its sub-resources.
func (s *Service) handleCellByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/cells/")
	if len(parts) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleCell(w, r, id)
		return
	}
	switch parts[1] {
	case "status", "close", "reopen":
		if len(parts) != 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.handleCellTransition(w, r, id, parts[1])
	case "dependencies":
		s.handleDependencies(w, r, id)
	case "dependents", "blockers":
		s.handleDependents(w, r, id, parts[1])
	case "labels":
		s.handleLabels(w, r, id, parts[2:])
	case "comments":
		s.handleComments(w, r, id)
	case "children":
		s.handleChildren(w, r, id, parts[2:])
	case "progress":
		s.handleProgress(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) handleCell(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cell, err := s.hive.GetCell(ctx, project, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if cell == nil {
			s.writeError(w, r, &core.NotFoundError{Kind: "cell", ID: id})
			return
		}
		writeJSON(w, http.StatusOK, cell)
	case http.MethodPatch:
		var req updateCellRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cell, err := s.hive.UpdateCell(ctx, project, id, storage.CellUpdate{
			Title:       req.Title,
			Description: req.Description,
			Priority:    req.Priority,
			Assignee:    req.Assignee,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cell)
	case http.MethodDelete:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cell, err := s.hive.DeleteCell(ctx, project, id, r.URL.Query().Get("reason"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cell)
	default:
		methodNotAllowed(w)
	}
}

func (s *Service) handleCellTransition(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req cellActionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := projectFor(r, req.Project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var cell core.Cell
	switch action {
	case "status":
		cell, err = s.hive.ChangeCellStatus(r.Context(), project, id, req.Status)
	case "close":
		cell, err = s.hive.CloseCell(r.Context(), project, id, req.Reason)
	default:
		cell, err = s.hive.ReopenCell(r.Context(), project, id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cell)
}

func (s *Service) handleDependencies(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		deps, err := s.hive.GetDependencies(ctx, project, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if deps == nil {
			deps = []core.Dependency{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"dependencies": deps})
	case http.MethodPost:
		var req dependencyRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		dep, err := s.hive.AddDependency(ctx, project, id, req.DependsOnID, req.Relationship, req.CreatedBy)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, dep)
	case http.MethodDelete:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		q := r.URL.Query()
		err = s.hive.RemoveDependency(ctx, project, id, q.Get("depends_on_id"), core.Relationship(q.Get("relationship")))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Service) handleDependents(w http.ResponseWriter, r *http.Request, id, view string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	project, err := projectFor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if view == "dependents" {
		deps, err := s.hive.GetDependents(r.Context(), project, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if deps == nil {
			deps = []core.Dependency{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"dependents": deps})
		return
	}
	blockers, err := s.hive.GetBlockers(r.Context(), project, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if blockers == nil {
		blockers = []string{}
	}
	writeJSON(w, http.StatusOK, blockersResponse{Blocked: len(blockers) > 0, Blockers: blockers})
}

// handleLabels serves /api/cells/{id}/labels and /api/cells/{id}/labels/{label}.
func (s *Service) handleLabels(w http.ResponseWriter, r *http.Request, id string, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		labels, err := s.hive.GetLabels(ctx, project, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if labels == nil {
			labels = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"labels": labels})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var req labelRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.hive.AddLabel(ctx, project, id, req.Label); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.hive.RemoveLabel(ctx, project, id, rest[0]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(rest) > 1:
		w.WriteHeader(http.StatusNotFound)
	default:
		methodNotAllowed(w)
	}
}

func (s *Service) handleComments(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		comments, err := s.hive.GetComments(r.Context(), project, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if comments == nil {
			comments = []core.Comment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
	case http.MethodPost:
		var req commentRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		c, err := s.hive.AddComment(r.Context(), project, id, req.Author, req.Body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	default:
		methodNotAllowed(w)
	}
}

// handleCommentByID serves PATCH and DELETE on /api/comments/{id}.
func (s *Service) handleCommentByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/comments/")
	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var req commentRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		c, err := s.hive.UpdateComment(r.Context(), project, parts[0], req.Body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case http.MethodDelete:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.hive.DeleteComment(r.Context(), project, parts[0]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// handleChildren serves /api/cells/{epic}/children[/{child}].
func (s *Service) handleChildren(w http.ResponseWriter, r *http.Request, epicID string, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		children, err := s.hive.GetEpicChildren(ctx, project, epicID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeCells(w, children)
	case len(rest) == 0 && r.Method == http.MethodPost:
		var req childRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		child, err := s.hive.AddChildToEpic(ctx, project, epicID, req.ChildID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, child)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		project, err := projectFor(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		child, err := s.hive.RemoveChildFromEpic(ctx, project, epicID, rest[0])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, child)
	case len(rest) > 1:
		w.WriteHeader(http.StatusNotFound)
	default:
		methodNotAllowed(w)
	}
}

func (s *Service) handleProgress(w http.ResponseWriter, r *http.Request, epicID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	project, err := projectFor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	progress, err := s.hive.EpicProgress(r.Context(), project, epicID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if progress == nil {
		s.writeError(w, r, &core.NotFoundError{Kind: "epic", ID: epicID})
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// handleQueue serves the work-queue views under /api/queue/:
// ready, next, blocked, in-progress and count.
func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	parts := pathParts(r.URL.Path, "/api/queue/")
	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	project, err := projectFor(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	switch parts[0] {
	case "ready":
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cells, err := s.hive.ReadyCells(ctx, project, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeCells(w, cells)
	case "next":
		cell, err := s.hive.GetNextReadyCell(ctx, project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cell": cell})
	case "blocked":
		blocked, err := s.hive.BlockedCells(ctx, project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if blocked == nil {
			blocked = []core.BlockedCell{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"cells": blocked})
	case "in-progress":
		cells, err := s.hive.InProgressCells(ctx, project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeCells(w, cells)
	case "count":
		n, err := s.hive.CountCells(ctx, project, core.CellStatus(r.URL.Query().Get("status")))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": n})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
