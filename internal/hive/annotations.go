package hive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

// AddLabel attaches label to a cell. Adding a label the cell already has is
// a no-op.
func (s *Store) AddLabel(ctx context.Context, project, cellID, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return core.Invalid("label", "required")
	}
	return s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		if _, err := loadLiveCell(ctx, tx, project, cellID); err != nil {
			return err
		}
		has, err := hasLabel(ctx, tx, cellID, label)
		if err != nil || has {
			return err
		}
		_, err = tx.Emit(ctx, core.EventCellLabelAdded, core.CellLabelData{CellID: cellID, Label: label})
		return err
	})
}

// RemoveLabel detaches label. Removing an absent label is a no-op.
func (s *Store) RemoveLabel(ctx context.Context, project, cellID, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return core.Invalid("label", "required")
	}
	return s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		if _, err := loadCell(ctx, tx, project, cellID); err != nil {
			return err
		}
		has, err := hasLabel(ctx, tx, cellID, label)
		if err != nil || !has {
			return err
		}
		_, err = tx.Emit(ctx, core.EventCellLabelRemoved, core.CellLabelData{CellID: cellID, Label: label})
		return err
	})
}

func hasLabel(ctx context.Context, h storage.Handle, cellID, label string) (bool, error) {
	var one int
	err := h.QueryRowContext(ctx, "SELECT 1 FROM cell_labels WHERE cell_id = ? AND label = ?", cellID, label).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load label: %w", err)
	}
	return true, nil
}

func (s *Store) GetLabels(ctx context.Context, project, cellID string) ([]string, error) {
	return queryStrings(ctx, s.db,
		"SELECT label FROM cell_labels WHERE project_key = ? AND cell_id = ? ORDER BY label", project, cellID)
}

// GetCellsByLabel returns the live cells carrying label.
func (s *Store) GetCellsByLabel(ctx context.Context, project, label string) ([]core.Cell, error) {
	return s.QueryCells(ctx, project, storage.CellQuery{Label: label})
}

func (s *Store) AddComment(ctx context.Context, project, cellID, author, body string) (core.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return core.Comment{}, core.Invalid("body", "required")
	}
	var c core.Comment
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		if _, err := loadLiveCell(ctx, tx, project, cellID); err != nil {
			return err
		}
		d := core.CellCommentData{CommentID: uuid.NewString(), CellID: cellID, Author: author, Body: body}
		if _, err := tx.Emit(ctx, core.EventCellCommentAdded, d); err != nil {
			return err
		}
		got, err := getComment(ctx, tx, project, d.CommentID)
		if err != nil {
			return err
		}
		c = *got
		return nil
	})
	return c, err
}

func (s *Store) UpdateComment(ctx context.Context, project, commentID, body string) (core.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return core.Comment{}, core.Invalid("body", "required")
	}
	var c core.Comment
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		cur, err := getComment(ctx, tx, project, commentID)
		if err != nil {
			return err
		}
		if cur == nil {
			return &core.NotFoundError{Kind: "comment", ID: commentID}
		}
		if _, err := tx.Emit(ctx, core.EventCellCommentUpdated, core.CellCommentData{
			CommentID: commentID, CellID: cur.CellID, Body: body,
		}); err != nil {
			return err
		}
		got, err := getComment(ctx, tx, project, commentID)
		if err != nil {
			return err
		}
		c = *got
		return nil
	})
	return c, err
}

func (s *Store) DeleteComment(ctx context.Context, project, commentID string) error {
	return s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		cur, err := getComment(ctx, tx, project, commentID)
		if err != nil {
			return err
		}
		if cur == nil {
			return &core.NotFoundError{Kind: "comment", ID: commentID}
		}
		_, err = tx.Emit(ctx, core.EventCellCommentDeleted, core.CellCommentData{CommentID: commentID, CellID: cur.CellID})
		return err
	})
}

// GetComments lists a cell's comments oldest first.
func (s *Store) GetComments(ctx context.Context, project, cellID string) ([]core.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cell_id, author, body, created_at, updated_at FROM cell_comments
		 WHERE project_key = ? AND cell_id = ? ORDER BY created_at, id`, project, cellID)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()
	var out []core.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func getComment(ctx context.Context, h storage.Handle, project, id string) (*core.Comment, error) {
	c, err := scanComment(h.QueryRowContext(ctx,
		"SELECT id, cell_id, author, body, created_at, updated_at FROM cell_comments WHERE project_key = ? AND id = ?",
		project, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanComment(sc scanner) (core.Comment, error) {
	var c core.Comment
	var created, updated int64
	if err := sc.Scan(&c.ID, &c.CellID, &c.Author, &c.Body, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scan comment: %w", err)
	}
	c.CreatedAt = storage.FromMicros(created)
	c.UpdatedAt = storage.FromMicros(updated)
	return c, nil
}
