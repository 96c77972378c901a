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

const sessionColumns = "id, project_key, started_at, ended_at, active_cell_id, handoff_notes, created_by"

// StartSession opens a session. An open session for the project is ended
// first without notes and marked implicit. The result carries the handoff
// notes of the most recently ended session.
func (s *Store) StartSession(ctx context.Context, project string, opts storage.SessionOptions) (core.SessionStart, error) {
	var out core.SessionStart
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		if opts.ActiveCellID != "" {
			if _, err := loadCell(ctx, tx, project, opts.ActiveCellID); err != nil {
				return err
			}
		}
		open, err := currentSession(ctx, tx, project)
		if err != nil {
			return err
		}
		if open != nil {
			if _, err := tx.Emit(ctx, core.EventSessionEnded, core.SessionEndedData{SessionID: open.ID, Implicit: true}); err != nil {
				return err
			}
			s.logger.InfoContext(ctx, "ended open session implicitly", "project", project, "session", open.ID)
		}
		notes, err := lastHandoffNotes(ctx, tx, project)
		if err != nil {
			return err
		}
		id := uuid.NewString()
		if _, err := tx.Emit(ctx, core.EventSessionStarted, core.SessionStartedData{
			SessionID: id, ActiveCellID: opts.ActiveCellID, CreatedBy: opts.CreatedBy,
		}); err != nil {
			return err
		}
		sess, err := getSession(ctx, tx, project, id)
		if err != nil {
			return err
		}
		out = core.SessionStart{Session: *sess, PreviousHandoffNotes: notes}
		return nil
	})
	return out, err
}

func lastHandoffNotes(ctx context.Context, h storage.Handle, project string) (*string, error) {
	var notes sql.NullString
	err := h.QueryRowContext(ctx,
		`SELECT handoff_notes FROM sessions WHERE project_key = ? AND ended_at IS NOT NULL
		 ORDER BY ended_at DESC, started_at DESC LIMIT 1`, project).Scan(&notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load handoff notes: %w", err)
	}
	return storage.StringPtr(notes), nil
}

// EndSession closes a session. Blank notes are stored as null.
func (s *Store) EndSession(ctx context.Context, project, id, handoffNotes string) (core.Session, error) {
	var out core.Session
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		sess, err := getSession(ctx, tx, project, id)
		if err != nil {
			return err
		}
		if sess == nil {
			return &core.NotFoundError{Kind: "session", ID: id}
		}
		if sess.EndedAt != nil {
			return core.ErrSessionEnded
		}
		d := core.SessionEndedData{SessionID: id}
		if notes := strings.TrimSpace(handoffNotes); notes != "" {
			d.HandoffNotes = &notes
		}
		if _, err := tx.Emit(ctx, core.EventSessionEnded, d); err != nil {
			return err
		}
		sess, err = getSession(ctx, tx, project, id)
		if err != nil {
			return err
		}
		out = *sess
		return nil
	})
	return out, err
}

func (s *Store) GetCurrentSession(ctx context.Context, project string) (*core.Session, error) {
	return currentSession(ctx, s.db, project)
}

func (s *Store) GetSession(ctx context.Context, project, id string) (*core.Session, error) {
	return getSession(ctx, s.db, project, id)
}

// GetSessionHistory lists sessions newest first.
func (s *Store) GetSessionHistory(ctx context.Context, project string, limit, offset int) ([]core.Session, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE project_key = ? ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?",
		project, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	defer rows.Close()
	var out []core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func currentSession(ctx context.Context, h storage.Handle, project string) (*core.Session, error) {
	return oneSession(h.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE project_key = ? AND ended_at IS NULL", project))
}

func getSession(ctx context.Context, h storage.Handle, project, id string) (*core.Session, error) {
	return oneSession(h.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE project_key = ? AND id = ?", project, id))
}

func oneSession(row *sql.Row) (*core.Session, error) {
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanSession(sc scanner) (core.Session, error) {
	var sess core.Session
	var started int64
	var ended sql.NullInt64
	var cell, notes sql.NullString
	if err := sc.Scan(&sess.ID, &sess.ProjectKey, &started, &ended, &cell, &notes, &sess.CreatedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sess, err
		}
		return sess, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = storage.FromMicros(started)
	sess.EndedAt = storage.TimePtr(ended)
	sess.ActiveCellID = cell.String
	sess.HandoffNotes = storage.StringPtr(notes)
	return sess, nil
}
