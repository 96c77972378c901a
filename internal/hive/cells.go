package hive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/internal/telemetry"
)

const cellColumns = `c.id, c.project_key, c.type, c.status, c.title, c.description, c.priority, c.parent_id,
	c.assignee, c.created_at, c.updated_at, c.closed_at, c.closed_reason, c.deleted_at`

// statusMoves lists the transitions ChangeCellStatus accepts. Closing,
// reopening and deleting have their own operations.
var statusMoves = map[core.CellStatus][]core.CellStatus{
	core.CellStatusOpen:       {core.CellStatusInProgress, core.CellStatusBlocked},
	core.CellStatusInProgress: {core.CellStatusBlocked, core.CellStatusOpen},
	core.CellStatusBlocked:    {core.CellStatusInProgress, core.CellStatusOpen},
}

func canMove(from, to core.CellStatus) bool {
	for _, s := range statusMoves[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s *Store) CreateCell(ctx context.Context, project string, in storage.CreateCellInput) (core.Cell, error) {
	ctx, span := telemetry.StartSpan(ctx, "hive.create_cell", telemetry.AttrProject.String(project))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	title := strings.TrimSpace(in.Title)
	if title == "" {
		err = core.Invalid("title", "required")
		return core.Cell{}, err
	}
	if in.Type == "" {
		err = core.Invalid("type", "required")
		return core.Cell{}, err
	}
	if !in.Type.Valid() {
		err = core.Invalid("type", "unknown cell type %q", in.Type)
		return core.Cell{}, err
	}
	priority := core.DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	if priority < core.MinPriority || priority > core.MaxPriority {
		err = core.Invalid("priority", "must be between %d and %d", core.MinPriority, core.MaxPriority)
		return core.Cell{}, err
	}

	var cell core.Cell
	err = s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		if in.ParentID != "" {
			parent, err := loadLiveCell(ctx, tx, project, in.ParentID)
			if err != nil {
				return err
			}
			if parent.Type != core.CellTypeEpic {
				return core.Invalid("parent_id", "cell %s is a %s, not an epic", in.ParentID, parent.Type)
			}
		}
		id, err := s.freshID(ctx, tx, project)
		if err != nil {
			return err
		}
		if _, err := tx.Emit(ctx, core.EventCellCreated, core.CellCreatedData{
			CellID:      id,
			Type:        in.Type,
			Title:       title,
			Description: in.Description,
			Priority:    priority,
			ParentID:    in.ParentID,
			Assignee:    in.Assignee,
		}); err != nil {
			return err
		}
		cell, err = mustCell(ctx, tx, project, id)
		return err
	})
	if err != nil {
		return core.Cell{}, err
	}
	span.SetAttributes(telemetry.AttrCellID.String(cell.ID))
	return cell, nil
}

func (s *Store) freshID(ctx context.Context, h storage.Handle, project string) (string, error) {
	for i := 0; i < 5; i++ {
		id := s.newID(project)
		c, err := getCell(ctx, h, "", id)
		if err != nil {
			return "", err
		}
		if c == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique cell id for %s", project)
}

// GetCell returns the cell, including soft-deleted ones, or nil.
func (s *Store) GetCell(ctx context.Context, project, id string) (*core.Cell, error) {
	return getCell(ctx, s.db, project, id)
}

func (s *Store) QueryCells(ctx context.Context, project string, q storage.CellQuery) ([]core.Cell, error) {
	query := "SELECT " + cellColumns + " FROM cells c WHERE c.project_key = ?"
	args := []any{project}
	if len(q.Statuses) > 0 {
		query += " AND c.status IN (" + storage.Placeholders(len(q.Statuses)) + ")"
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	}
	if len(q.Types) > 0 {
		query += " AND c.type IN (" + storage.Placeholders(len(q.Types)) + ")"
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if q.ParentID != "" {
		query += " AND c.parent_id = ?"
		args = append(args, q.ParentID)
	}
	if q.Assignee != "" {
		query += " AND c.assignee = ?"
		args = append(args, q.Assignee)
	}
	if q.Label != "" {
		query += " AND EXISTS (SELECT 1 FROM cell_labels l WHERE l.cell_id = c.id AND l.label = ?)"
		args = append(args, q.Label)
	}
	if !q.IncludeDeleted {
		query += " AND c.deleted_at IS NULL"
	}
	query += " ORDER BY c.priority ASC, c.created_at ASC, c.id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}
	return queryCells(ctx, s.db, query, args...)
}

// UpdateCell changes the mutable fields. A nil field is left alone and an
// update that changes nothing appends no event.
func (s *Store) UpdateCell(ctx context.Context, project, id string, upd storage.CellUpdate) (core.Cell, error) {
	if upd.Title != nil && strings.TrimSpace(*upd.Title) == "" {
		return core.Cell{}, core.Invalid("title", "must not be empty")
	}
	if upd.Priority != nil && (*upd.Priority < core.MinPriority || *upd.Priority > core.MaxPriority) {
		return core.Cell{}, core.Invalid("priority", "must be between %d and %d", core.MinPriority, core.MaxPriority)
	}
	var cell core.Cell
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		cur, err := loadLiveCell(ctx, tx, project, id)
		if err != nil {
			return err
		}
		d := core.CellUpdatedData{CellID: id}
		changed := false
		if upd.Title != nil && strings.TrimSpace(*upd.Title) != cur.Title {
			t := strings.TrimSpace(*upd.Title)
			d.Title, changed = &t, true
		}
		if upd.Description != nil && *upd.Description != cur.Description {
			d.Description, changed = upd.Description, true
		}
		if upd.Priority != nil && *upd.Priority != cur.Priority {
			d.Priority, changed = upd.Priority, true
		}
		if upd.Assignee != nil && *upd.Assignee != cur.Assignee {
			d.Assignee, changed = upd.Assignee, true
		}
		if !changed {
			cell = *cur
			return nil
		}
		if _, err := tx.Emit(ctx, core.EventCellUpdated, d); err != nil {
			return err
		}
		cell, err = mustCell(ctx, tx, project, id)
		return err
	})
	return cell, err
}

// ChangeCellStatus moves a cell between open, in_progress and blocked.
// Setting the current status again is a no-op.
func (s *Store) ChangeCellStatus(ctx context.Context, project, id string, status core.CellStatus) (core.Cell, error) {
	if !status.Valid() {
		return core.Cell{}, core.Invalid("status", "unknown status %q", status)
	}
	var cell core.Cell
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		cur, err := loadCell(ctx, tx, project, id)
		if err != nil {
			return err
		}
		if cur.Status == status {
			cell = *cur
			return nil
		}
		if !canMove(cur.Status, status) {
			return &core.TransitionError{CellID: id, From: cur.Status, To: status}
		}
		if _, err := tx.Emit(ctx, core.EventCellStatusChanged, core.CellStatusChangedData{
			CellID: id, From: cur.Status, To: status,
		}); err != nil {
			return err
		}
		cell, err = mustCell(ctx, tx, project, id)
		return err
	})
	return cell, err
}

// CloseCell closes an open, in-progress or blocked cell. Closing a closed
// cell returns core.ErrAlreadyClosed.
func (s *Store) CloseCell(ctx context.Context, project, id, reason string) (core.Cell, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return core.Cell{}, core.Invalid("reason", "required")
	}
	var cell core.Cell
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		cur, err := loadCell(ctx, tx, project, id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case core.CellStatusClosed:
			return core.ErrAlreadyClosed
		case core.CellStatusTombstone:
			return &core.TransitionError{CellID: id, From: cur.Status, To: core.CellStatusClosed}
		}
		if _, err := tx.Emit(ctx, core.EventCellClosed, core.CellClosedData{CellID: id, Reason: reason}); err != nil {
			return err
		}
		cell, err = mustCell(ctx, tx, project, id)
		return err
	})
	return cell, err
}

// ReopenCell moves a closed cell back to open.
func (s *Store) ReopenCell(ctx context.Context, project, id string) (core.Cell, error) {
	var cell core.Cell
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		cur, err := loadCell(ctx, tx, project, id)
		if err != nil {
			return err
		}
		if cur.Status != core.CellStatusClosed {
			return &core.TransitionError{CellID: id, From: cur.Status, To: core.CellStatusOpen}
		}
		if _, err := tx.Emit(ctx, core.EventCellReopened, core.CellReopenedData{CellID: id}); err != nil {
			return err
		}
		cell, err = mustCell(ctx, tx, project, id)
		return err
	})
	return cell, err
}

// DeleteCell soft-deletes a cell that is not closed. Its edges stay for
// audit but no longer block anything.
func (s *Store) DeleteCell(ctx context.Context, project, id, reason string) (core.Cell, error) {
	var cell core.Cell
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		cur, err := loadCell(ctx, tx, project, id)
		if err != nil {
			return err
		}
		if cur.Status == core.CellStatusClosed || cur.Status == core.CellStatusTombstone {
			return &core.TransitionError{CellID: id, From: cur.Status, To: core.CellStatusTombstone}
		}
		if _, err := tx.Emit(ctx, core.EventCellDeleted, core.CellDeletedData{CellID: id, Reason: strings.TrimSpace(reason)}); err != nil {
			return err
		}
		cell, err = mustCell(ctx, tx, project, id)
		return err
	})
	return cell, err
}

// getCell loads a cell by id; project "" matches any project.
func getCell(ctx context.Context, h storage.Handle, project, id string) (*core.Cell, error) {
	query := "SELECT " + cellColumns + " FROM cells c WHERE c.id = ?"
	args := []any{id}
	if project != "" {
		query += " AND c.project_key = ?"
		args = append(args, project)
	}
	c, err := scanCell(h.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// loadCell is getCell for mutations: a missing cell is a NotFoundError.
func loadCell(ctx context.Context, h storage.Handle, project, id string) (*core.Cell, error) {
	if strings.TrimSpace(id) == "" {
		return nil, core.Invalid("cell_id", "required")
	}
	c, err := getCell(ctx, h, project, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &core.NotFoundError{Kind: "cell", ID: id}
	}
	return c, nil
}

// loadLiveCell also treats soft-deleted cells as missing.
func loadLiveCell(ctx context.Context, h storage.Handle, project, id string) (*core.Cell, error) {
	c, err := loadCell(ctx, h, project, id)
	if err != nil {
		return nil, err
	}
	if c.IsDeleted() {
		return nil, &core.NotFoundError{Kind: "cell", ID: id}
	}
	return c, nil
}

func mustCell(ctx context.Context, h storage.Handle, project, id string) (core.Cell, error) {
	c, err := loadCell(ctx, h, project, id)
	if err != nil {
		return core.Cell{}, err
	}
	return *c, nil
}

func queryCells(ctx context.Context, h storage.Handle, query string, args ...any) ([]core.Cell, error) {
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cells: %w", err)
	}
	defer rows.Close()
	var out []core.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCell(sc scanner, extra ...any) (core.Cell, error) {
	var c core.Cell
	var typ, status string
	var parent, reason sql.NullString
	var created, updated int64
	var closed, deleted sql.NullInt64
	dest := append([]any{&c.ID, &c.ProjectKey, &typ, &status, &c.Title, &c.Description, &c.Priority, &parent,
		&c.Assignee, &created, &updated, &closed, &reason, &deleted}, extra...)
	if err := sc.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scan cell: %w", err)
	}
	c.Type = core.CellType(typ)
	c.Status = core.CellStatus(status)
	c.ParentID = parent.String
	c.ClosedReason = reason.String
	c.CreatedAt = storage.FromMicros(created)
	c.UpdatedAt = storage.FromMicros(updated)
	c.ClosedAt = storage.TimePtr(closed)
	c.DeletedAt = storage.TimePtr(deleted)
	return c, nil
}
