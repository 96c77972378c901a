package hive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mistakeknot/swarmmail/internal/core"
)

const readyWhere = ` FROM cells c
	WHERE c.project_key = ? AND c.status = 'open' AND c.deleted_at IS NULL
	  AND NOT EXISTS (SELECT 1 FROM blocked_cells_cache b WHERE b.cell_id = c.id)
	ORDER BY c.priority ASC, c.created_at ASC, c.id ASC`

// GetNextReadyCell returns the open, unblocked cell to work on next: lowest
// priority number first, then oldest. It returns nil when none qualifies.
func (s *Store) GetNextReadyCell(ctx context.Context, project string) (*core.Cell, error) {
	cells, err := s.ReadyCells(ctx, project, 1)
	if err != nil || len(cells) == 0 {
		return nil, err
	}
	return &cells[0], nil
}

// ReadyCells lists ready cells in GetNextReadyCell order. limit <= 0 means all.
func (s *Store) ReadyCells(ctx context.Context, project string, limit int) ([]core.Cell, error) {
	query := "SELECT " + cellColumns + readyWhere
	args := []any{project}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return queryCells(ctx, s.db, query, args...)
}

// BlockedCells lists live cells with at least one active blocker.
func (s *Store) BlockedCells(ctx context.Context, project string) ([]core.BlockedCell, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+cellColumns+`, b.blocker_ids FROM cells c JOIN blocked_cells_cache b ON b.cell_id = c.id
		 WHERE c.project_key = ? AND c.deleted_at IS NULL
		 ORDER BY c.priority ASC, c.created_at ASC, c.id ASC`, project)
	if err != nil {
		return nil, fmt.Errorf("query blocked cells: %w", err)
	}
	defer rows.Close()
	var out []core.BlockedCell
	for rows.Next() {
		var raw string
		c, err := scanCell(rows, &raw)
		if err != nil {
			return nil, err
		}
		bc := core.BlockedCell{Cell: c}
		if err := json.Unmarshal([]byte(raw), &bc.BlockerIDs); err != nil {
			return nil, fmt.Errorf("decode blockers of %s: %w", c.ID, err)
		}
		out = append(out, bc)
	}
	return out, rows.Err()
}

func (s *Store) InProgressCells(ctx context.Context, project string) ([]core.Cell, error) {
	return queryCells(ctx, s.db,
		"SELECT "+cellColumns+` FROM cells c
		 WHERE c.project_key = ? AND c.status = ? AND c.deleted_at IS NULL
		 ORDER BY c.priority ASC, c.updated_at DESC, c.id ASC`,
		project, string(core.CellStatusInProgress))
}

// CountCells counts live cells in status, or all live cells when status is empty.
// Counting tombstone includes deleted cells.
func (s *Store) CountCells(ctx context.Context, project string, status core.CellStatus) (int, error) {
	query := "SELECT COUNT(*) FROM cells WHERE project_key = ?"
	args := []any{project}
	switch {
	case status == core.CellStatusTombstone:
		query += " AND status = ?"
		args = append(args, string(status))
	case status != "":
		if !status.Valid() {
			return 0, core.Invalid("status", "unknown status %q", status)
		}
		query += " AND status = ? AND deleted_at IS NULL"
		args = append(args, string(status))
	default:
		query += " AND deleted_at IS NULL"
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cells: %w", err)
	}
	return n, nil
}
