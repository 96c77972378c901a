package hive

import (
	"context"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

// AddChildToEpic sets the child's parent to epicID and returns the child.
func (s *Store) AddChildToEpic(ctx context.Context, project, epicID, childID string) (core.Cell, error) {
	if epicID == childID && epicID != "" {
		return core.Cell{}, core.Invalid("child_id", "an epic cannot contain itself")
	}
	var child core.Cell
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		epic, err := loadLiveCell(ctx, tx, project, epicID)
		if err != nil {
			return err
		}
		if epic.Type != core.CellTypeEpic {
			return core.Invalid("epic_id", "cell %s is a %s, not an epic", epicID, epic.Type)
		}
		c, err := loadLiveCell(ctx, tx, project, childID)
		if err != nil {
			return err
		}
		if c.ParentID == epicID {
			child = *c
			return nil
		}
		// The epic must not already sit below the child.
		for p := epic.ParentID; p != ""; {
			if p == childID {
				return core.ErrCycle
			}
			parent, err := getCell(ctx, tx, project, p)
			if err != nil {
				return err
			}
			if parent == nil {
				break
			}
			p = parent.ParentID
		}
		if _, err := tx.Emit(ctx, core.EventCellEpicChildAdded, core.CellEpicChildData{EpicID: epicID, ChildID: childID}); err != nil {
			return err
		}
		child, err = mustCell(ctx, tx, project, childID)
		return err
	})
	return child, err
}

// RemoveChildFromEpic clears the child's parent. The child must belong to epicID.
func (s *Store) RemoveChildFromEpic(ctx context.Context, project, epicID, childID string) (core.Cell, error) {
	var child core.Cell
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		if _, err := loadCell(ctx, tx, project, epicID); err != nil {
			return err
		}
		c, err := loadCell(ctx, tx, project, childID)
		if err != nil {
			return err
		}
		if c.ParentID != epicID {
			return &core.NotFoundError{Kind: "epic child", ID: childID}
		}
		if _, err := tx.Emit(ctx, core.EventCellEpicChildRemoved, core.CellEpicChildData{EpicID: epicID, ChildID: childID}); err != nil {
			return err
		}
		child, err = mustCell(ctx, tx, project, childID)
		return err
	})
	return child, err
}

// GetEpicChildren lists the epic's live children.
func (s *Store) GetEpicChildren(ctx context.Context, project, epicID string) ([]core.Cell, error) {
	return s.QueryCells(ctx, project, storage.CellQuery{ParentID: epicID})
}

// IsEpicClosureEligible reports whether every live child is closed. An epic
// without children is eligible. Nothing is closed automatically.
func (s *Store) IsEpicClosureEligible(ctx context.Context, project, epicID string) (bool, error) {
	if _, err := loadCell(ctx, s.db, project, epicID); err != nil {
		return false, err
	}
	p, err := s.EpicProgress(ctx, project, epicID)
	if err != nil {
		return false, err
	}
	return p.Eligible, nil
}

// EpicProgress counts the epic's live children, or returns nil when the epic
// does not exist.
func (s *Store) EpicProgress(ctx context.Context, project, epicID string) (*core.EpicProgress, error) {
	epic, err := getCell(ctx, s.db, project, epicID)
	if err != nil || epic == nil {
		return nil, err
	}
	p := &core.EpicProgress{EpicID: epicID}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM cells WHERE project_key = ? AND parent_id = ? AND deleted_at IS NULL`,
		string(core.CellStatusClosed), project, epicID).Scan(&p.Total, &p.Closed)
	if err != nil {
		return nil, err
	}
	p.Eligible = p.Closed == p.Total
	return p, nil
}
