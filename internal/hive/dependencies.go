package hive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

// AddDependency records that cellID depends on dependsOnID. For a blocks
// edge, dependsOnID blocks cellID and the blocked cache is updated before
// the call returns.
func (s *Store) AddDependency(ctx context.Context, project, cellID, dependsOnID string, rel core.Relationship, createdBy string) (core.Dependency, error) {
	if rel == "" {
		rel = core.RelBlocks
	}
	if !rel.Valid() {
		return core.Dependency{}, core.Invalid("relationship", "unknown relationship %q", rel)
	}
	if cellID == dependsOnID && cellID != "" {
		return core.Dependency{}, core.Invalid("depends_on_id", "a cell cannot depend on itself")
	}
	var dep core.Dependency
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		if _, err := loadLiveCell(ctx, tx, project, cellID); err != nil {
			return err
		}
		if _, err := loadLiveCell(ctx, tx, project, dependsOnID); err != nil {
			return err
		}
		exists, err := edgeExists(ctx, tx, cellID, dependsOnID, rel)
		if err != nil {
			return err
		}
		if exists {
			return &core.DuplicateDependencyError{CellID: cellID, DependsOnID: dependsOnID, Relationship: rel}
		}
		if rel == core.RelBlocks {
			cyclic, err := reaches(ctx, tx, project, dependsOnID, cellID)
			if err != nil {
				return err
			}
			if cyclic {
				return core.ErrCycle
			}
		}
		ev, err := tx.Emit(ctx, core.EventCellDependencyAdded, core.CellDependencyData{
			CellID: cellID, DependsOnID: dependsOnID, Relationship: rel, CreatedBy: createdBy,
		})
		if err != nil {
			return err
		}
		dep = core.Dependency{
			CellID:       cellID,
			DependsOnID:  dependsOnID,
			Relationship: rel,
			CreatedAt:    ev.Timestamp,
			CreatedBy:    createdBy,
		}
		return nil
	})
	return dep, err
}

func (s *Store) RemoveDependency(ctx context.Context, project, cellID, dependsOnID string, rel core.Relationship) error {
	if rel == "" {
		rel = core.RelBlocks
	}
	if !rel.Valid() {
		return core.Invalid("relationship", "unknown relationship %q", rel)
	}
	return s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		if _, err := loadCell(ctx, tx, project, cellID); err != nil {
			return err
		}
		exists, err := edgeExists(ctx, tx, cellID, dependsOnID, rel)
		if err != nil {
			return err
		}
		if !exists {
			return &core.NotFoundError{Kind: "dependency", ID: fmt.Sprintf("%s -[%s]-> %s", cellID, rel, dependsOnID)}
		}
		_, err = tx.Emit(ctx, core.EventCellDependencyRemoved, core.CellDependencyData{
			CellID: cellID, DependsOnID: dependsOnID, Relationship: rel,
		})
		return err
	})
}

func edgeExists(ctx context.Context, h storage.Handle, cellID, dependsOnID string, rel core.Relationship) (bool, error) {
	var one int
	err := h.QueryRowContext(ctx,
		"SELECT 1 FROM cell_dependencies WHERE cell_id = ? AND depends_on_id = ? AND relationship = ?",
		cellID, dependsOnID, string(rel)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load dependency: %w", err)
	}
	return true, nil
}

// reaches reports whether from transitively depends on to through blocks
// edges.
func reaches(ctx context.Context, h storage.Handle, project, from, to string) (bool, error) {
	rows, err := h.QueryContext(ctx,
		"SELECT cell_id, depends_on_id FROM cell_dependencies WHERE project_key = ? AND relationship = ?",
		project, string(core.RelBlocks))
	if err != nil {
		return false, fmt.Errorf("load blocks graph: %w", err)
	}
	graph := make(map[string][]string)
	for rows.Next() {
		var c, d string
		if err := rows.Scan(&c, &d); err != nil {
			rows.Close()
			return false, err
		}
		graph[c] = append(graph[c], d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true, nil
		}
		for _, next := range graph[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false, nil
}

// GetDependencies lists the edges out of cellID.
func (s *Store) GetDependencies(ctx context.Context, project, cellID string) ([]core.Dependency, error) {
	return queryDependencies(ctx, s.db,
		`SELECT cell_id, depends_on_id, relationship, created_at, created_by FROM cell_dependencies
		 WHERE project_key = ? AND cell_id = ? ORDER BY created_at, depends_on_id`, project, cellID)
}

// GetDependents lists the edges into cellID.
func (s *Store) GetDependents(ctx context.Context, project, cellID string) ([]core.Dependency, error) {
	return queryDependencies(ctx, s.db,
		`SELECT cell_id, depends_on_id, relationship, created_at, created_by FROM cell_dependencies
		 WHERE project_key = ? AND depends_on_id = ? ORDER BY created_at, cell_id`, project, cellID)
}

func queryDependencies(ctx context.Context, h storage.Handle, query string, args ...any) ([]core.Dependency, error) {
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()
	var out []core.Dependency
	for rows.Next() {
		var d core.Dependency
		var rel string
		var created int64
		if err := rows.Scan(&d.CellID, &d.DependsOnID, &rel, &created, &d.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		d.Relationship = core.Relationship(rel)
		d.CreatedAt = storage.FromMicros(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// IsBlocked reports whether the cell has a blocker that is neither closed
// nor deleted. It reads the blocked cache.
func (s *Store) IsBlocked(ctx context.Context, project, cellID string) (bool, error) {
	blockers, err := s.GetBlockers(ctx, project, cellID)
	if err != nil {
		return false, err
	}
	return len(blockers) > 0, nil
}

// GetBlockers returns the ids of the cells currently blocking cellID.
func (s *Store) GetBlockers(ctx context.Context, project, cellID string) ([]string, error) {
	if _, err := loadCell(ctx, s.db, project, cellID); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT blocker_ids FROM blocked_cells_cache WHERE project_key = ? AND cell_id = ?", project, cellID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load blockers: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode blockers of %s: %w", cellID, err)
	}
	return ids, nil
}
