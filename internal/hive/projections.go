package hive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

// cellProjector maintains cells, edges, labels, comments and the blocked
// cache. The cache is recomputed in the same transaction as the event that
// changes an edge or a blocker's status.
type cellProjector struct{}

func (cellProjector) Name() string { return "cells" }

func (cellProjector) Handles(t core.EventType) bool {
	return strings.HasPrefix(string(t), "cell_")
}

func (p cellProjector) Apply(ctx context.Context, tx storage.Handle, ev core.Event) error {
	ts := storage.Micros(ev.Timestamp)
	switch ev.Type {
	case core.EventCellCreated:
		var d core.CellCreatedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cells (id, project_key, type, status, title, description, priority, parent_id, assignee, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			d.CellID, ev.ProjectKey, string(d.Type), string(core.CellStatusOpen), d.Title, d.Description,
			d.Priority, storage.NullString(d.ParentID), d.Assignee, ts, ts)
		return err

	case core.EventCellUpdated:
		var d core.CellUpdatedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		set := []string{"updated_at = ?"}
		args := []any{ts}
		if d.Title != nil {
			set = append(set, "title = ?")
			args = append(args, *d.Title)
		}
		if d.Description != nil {
			set = append(set, "description = ?")
			args = append(args, *d.Description)
		}
		if d.Priority != nil {
			set = append(set, "priority = ?")
			args = append(args, *d.Priority)
		}
		if d.Assignee != nil {
			set = append(set, "assignee = ?")
			args = append(args, *d.Assignee)
		}
		args = append(args, d.CellID)
		_, err := tx.ExecContext(ctx, "UPDATE cells SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
		return err

	case core.EventCellStatusChanged:
		var d core.CellStatusChangedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE cells SET status = ?, updated_at = ? WHERE id = ?",
			string(d.To), ts, d.CellID); err != nil {
			return err
		}
		return recomputeAround(ctx, tx, ev.ProjectKey, d.CellID, ts)

	case core.EventCellClosed:
		var d core.CellClosedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE cells SET status = ?, closed_at = ?, closed_reason = ?, updated_at = ? WHERE id = ?",
			string(core.CellStatusClosed), ts, d.Reason, ts, d.CellID); err != nil {
			return err
		}
		return recomputeAround(ctx, tx, ev.ProjectKey, d.CellID, ts)

	case core.EventCellReopened:
		var d core.CellReopenedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE cells SET status = ?, closed_at = NULL, closed_reason = NULL, updated_at = ? WHERE id = ?",
			string(core.CellStatusOpen), ts, d.CellID); err != nil {
			return err
		}
		return recomputeAround(ctx, tx, ev.ProjectKey, d.CellID, ts)

	case core.EventCellDeleted:
		var d core.CellDeletedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE cells SET status = ?, deleted_at = ?, closed_at = NULL, updated_at = ? WHERE id = ?",
			string(core.CellStatusTombstone), ts, ts, d.CellID); err != nil {
			return err
		}
		return recomputeAround(ctx, tx, ev.ProjectKey, d.CellID, ts)

	case core.EventCellDependencyAdded:
		var d core.CellDependencyData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cell_dependencies (cell_id, depends_on_id, relationship, project_key, created_at, created_by)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (cell_id, depends_on_id, relationship) DO NOTHING`,
			d.CellID, d.DependsOnID, string(d.Relationship), ev.ProjectKey, ts, d.CreatedBy); err != nil {
			return err
		}
		if d.Relationship == core.RelBlocks {
			return recomputeBlocked(ctx, tx, ev.ProjectKey, d.CellID, ts)
		}
		return nil

	case core.EventCellDependencyRemoved:
		var d core.CellDependencyData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM cell_dependencies WHERE cell_id = ? AND depends_on_id = ? AND relationship = ?",
			d.CellID, d.DependsOnID, string(d.Relationship)); err != nil {
			return err
		}
		if d.Relationship == core.RelBlocks {
			return recomputeBlocked(ctx, tx, ev.ProjectKey, d.CellID, ts)
		}
		return nil

	case core.EventCellLabelAdded:
		var d core.CellLabelData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cell_labels (cell_id, label, project_key, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (cell_id, label) DO NOTHING`,
			d.CellID, d.Label, ev.ProjectKey, ts)
		return err

	case core.EventCellLabelRemoved:
		var d core.CellLabelData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM cell_labels WHERE cell_id = ? AND label = ?", d.CellID, d.Label)
		return err

	case core.EventCellCommentAdded:
		var d core.CellCommentData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cell_comments (id, cell_id, project_key, author, body, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			d.CommentID, d.CellID, ev.ProjectKey, d.Author, d.Body, ts, ts)
		return err

	case core.EventCellCommentUpdated:
		var d core.CellCommentData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "UPDATE cell_comments SET body = ?, updated_at = ? WHERE id = ?", d.Body, ts, d.CommentID)
		return err

	case core.EventCellCommentDeleted:
		var d core.CellCommentData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM cell_comments WHERE id = ?", d.CommentID)
		return err

	case core.EventCellEpicChildAdded:
		var d core.CellEpicChildData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "UPDATE cells SET parent_id = ?, updated_at = ? WHERE id = ?", d.EpicID, ts, d.ChildID)
		return err

	case core.EventCellEpicChildRemoved:
		var d core.CellEpicChildData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "UPDATE cells SET parent_id = NULL, updated_at = ? WHERE id = ? AND parent_id = ?",
			ts, d.ChildID, d.EpicID)
		return err
	}
	return nil
}

func (cellProjector) Reset(ctx context.Context, tx storage.Handle, project string) error {
	where, args := "", []any(nil)
	if project != "" {
		where, args = " WHERE project_key = ?", []any{project}
	}
	stmts := []string{
		"DELETE FROM blocked_cells_cache" + where,
		"DELETE FROM cell_comments" + where,
		"DELETE FROM cell_labels" + where,
		"DELETE FROM cell_dependencies" + where,
		"UPDATE cells SET parent_id = NULL" + where,
		"DELETE FROM cells" + where,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("reset cells: %w", err)
		}
	}
	return nil
}

// recomputeAround refreshes the cache entry of cellID and of every cell it
// blocks, after cellID's status changed.
func recomputeAround(ctx context.Context, tx storage.Handle, project, cellID string, ts int64) error {
	if err := recomputeBlocked(ctx, tx, project, cellID, ts); err != nil {
		return err
	}
	dependents, err := queryStrings(ctx, tx,
		"SELECT cell_id FROM cell_dependencies WHERE depends_on_id = ? AND relationship = ?",
		cellID, string(core.RelBlocks))
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if err := recomputeBlocked(ctx, tx, project, dep, ts); err != nil {
			return err
		}
	}
	return nil
}

// recomputeBlocked rewrites the cache row of cellID from its blocks edges.
// Blockers that are closed or deleted do not count, and deleted cells are
// never cached as blocked.
func recomputeBlocked(ctx context.Context, tx storage.Handle, project, cellID string, ts int64) error {
	var deleted bool
	err := tx.QueryRowContext(ctx,
		"SELECT CASE WHEN deleted_at IS NOT NULL OR status = ? THEN 1 ELSE 0 END FROM cells WHERE id = ?",
		string(core.CellStatusTombstone), cellID).Scan(&deleted)
	if err != nil {
		return fmt.Errorf("load cell %s: %w", cellID, err)
	}
	var blockers []string
	if !deleted {
		blockers, err = queryStrings(ctx, tx,
			`SELECT d.depends_on_id FROM cell_dependencies d JOIN cells c ON c.id = d.depends_on_id
			 WHERE d.cell_id = ? AND d.relationship = ?
			   AND c.status NOT IN (?, ?) AND c.deleted_at IS NULL
			 ORDER BY d.depends_on_id`,
			cellID, string(core.RelBlocks), string(core.CellStatusClosed), string(core.CellStatusTombstone))
		if err != nil {
			return err
		}
	}
	if len(blockers) == 0 {
		_, err := tx.ExecContext(ctx, "DELETE FROM blocked_cells_cache WHERE cell_id = ?", cellID)
		return err
	}
	raw, err := json.Marshal(blockers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO blocked_cells_cache (cell_id, project_key, blocker_ids, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (cell_id) DO UPDATE SET blocker_ids = excluded.blocker_ids, updated_at = excluded.updated_at`,
		cellID, project, string(raw), ts)
	return err
}

func queryStrings(ctx context.Context, h storage.Handle, query string, args ...any) ([]string, error) {
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type sessionProjector struct{}

func (sessionProjector) Name() string { return "sessions" }

func (sessionProjector) Handles(t core.EventType) bool {
	return t == core.EventSessionStarted || t == core.EventSessionEnded
}

func (sessionProjector) Apply(ctx context.Context, tx storage.Handle, ev core.Event) error {
	ts := storage.Micros(ev.Timestamp)
	switch ev.Type {
	case core.EventSessionStarted:
		var d core.SessionStartedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, project_key, started_at, active_cell_id, created_by) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			d.SessionID, ev.ProjectKey, ts, storage.NullString(d.ActiveCellID), d.CreatedBy)
		return err
	case core.EventSessionEnded:
		var d core.SessionEndedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		var notes any
		if d.HandoffNotes != nil {
			notes = *d.HandoffNotes
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE sessions SET ended_at = ?, handoff_notes = ? WHERE id = ? AND ended_at IS NULL",
			ts, notes, d.SessionID)
		return err
	}
	return nil
}

func (sessionProjector) Reset(ctx context.Context, tx storage.Handle, project string) error {
	q, args := "DELETE FROM sessions", []any(nil)
	if project != "" {
		q += " WHERE project_key = ?"
		args = append(args, project)
	}
	_, err := tx.ExecContext(ctx, q, args...)
	return err
}
