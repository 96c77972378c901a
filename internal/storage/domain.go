package storage

import (
	"context"

	"github.com/mistakeknot/swarmmail/internal/core"
)

type CreateCellInput struct {
	Type        core.CellType
	Title       string
	Description string
	// Priority defaults to core.DefaultPriority when nil.
	Priority *int
	ParentID string
	Assignee string
}

// CellUpdate holds the mutable fields; nil means unchanged.
type CellUpdate struct {
	Title       *string
	Description *string
	Priority    *int
	Assignee    *string
}

// CellQuery filters QueryCells. Deleted cells are excluded unless IncludeDeleted.
type CellQuery struct {
	Statuses       []core.CellStatus
	Types          []core.CellType
	ParentID       string
	Assignee       string
	Label          string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// CellAdapter manages cell lifecycle
type CellAdapter interface {
	CreateCell(ctx context.Context, project string, in CreateCellInput) (core.Cell, error)
	GetCell(ctx context.Context, project, id string) (*core.Cell, error)
	QueryCells(ctx context.Context, project string, q CellQuery) ([]core.Cell, error)
	UpdateCell(ctx context.Context, project, id string, upd CellUpdate) (core.Cell, error)
	ChangeCellStatus(ctx context.Context, project, id string, status core.CellStatus) (core.Cell, error)
	CloseCell(ctx context.Context, project, id, reason string) (core.Cell, error)
	ReopenCell(ctx context.Context, project, id string) (core.Cell, error)
	DeleteCell(ctx context.Context, project, id, reason string) (core.Cell, error)
}

// DependencyAdapter manages the dependency graph and blocked cache
type DependencyAdapter interface {
	AddDependency(ctx context.Context, project, cellID, dependsOnID string, rel core.Relationship, createdBy string) (core.Dependency, error)
	RemoveDependency(ctx context.Context, project, cellID, dependsOnID string, rel core.Relationship) error
	GetDependencies(ctx context.Context, project, cellID string) ([]core.Dependency, error)
	GetDependents(ctx context.Context, project, cellID string) ([]core.Dependency, error)
	IsBlocked(ctx context.Context, project, cellID string) (bool, error)
	GetBlockers(ctx context.Context, project, cellID string) ([]string, error)
}

type LabelAdapter interface {
	AddLabel(ctx context.Context, project, cellID, label string) error
	RemoveLabel(ctx context.Context, project, cellID, label string) error
	GetLabels(ctx context.Context, project, cellID string) ([]string, error)
	GetCellsByLabel(ctx context.Context, project, label string) ([]core.Cell, error)
}

type CommentAdapter interface {
	AddComment(ctx context.Context, project, cellID, author, body string) (core.Comment, error)
	UpdateComment(ctx context.Context, project, commentID, body string) (core.Comment, error)
	DeleteComment(ctx context.Context, project, commentID string) error
	GetComments(ctx context.Context, project, cellID string) ([]core.Comment, error)
}

// EpicAdapter maintains epic parent-child links. Closing an epic is always
// an explicit CloseCell call.
type EpicAdapter interface {
	AddChildToEpic(ctx context.Context, project, epicID, childID string) (core.Cell, error)
	RemoveChildFromEpic(ctx context.Context, project, epicID, childID string) (core.Cell, error)
	GetEpicChildren(ctx context.Context, project, epicID string) ([]core.Cell, error)
	IsEpicClosureEligible(ctx context.Context, project, epicID string) (bool, error)
	EpicProgress(ctx context.Context, project, epicID string) (*core.EpicProgress, error)
}

type QueryAdapter interface {
	GetNextReadyCell(ctx context.Context, project string) (*core.Cell, error)
	ReadyCells(ctx context.Context, project string, limit int) ([]core.Cell, error)
	BlockedCells(ctx context.Context, project string) ([]core.BlockedCell, error)
	InProgressCells(ctx context.Context, project string) ([]core.Cell, error)
	CountCells(ctx context.Context, project string, status core.CellStatus) (int, error)
}

type SessionOptions struct {
	ActiveCellID string
	CreatedBy    string
}

type SessionAdapter interface {
	StartSession(ctx context.Context, project string, opts SessionOptions) (core.SessionStart, error)
	EndSession(ctx context.Context, project, id, handoffNotes string) (core.Session, error)
	GetCurrentSession(ctx context.Context, project string) (*core.Session, error)
	GetSession(ctx context.Context, project, id string) (*core.Session, error)
	GetSessionHistory(ctx context.Context, project string, limit, offset int) ([]core.Session, error)
}

// HiveSchemaAdapter is the schema surface of the issue tracker. Both
// adapters share one migration history per database.
type HiveSchemaAdapter interface {
	SchemaAdapter
}

// IssueTrackerAdapter is the hive surface: cells and sessions.
type IssueTrackerAdapter interface {
	CellAdapter
	DependencyAdapter
	LabelAdapter
	CommentAdapter
	EpicAdapter
	QueryAdapter
	SessionAdapter
}
