package core

import "time"

// Cell events
const (
	EventCellCreated           EventType = "cell_created"
	EventCellUpdated           EventType = "cell_updated"
	EventCellStatusChanged     EventType = "cell_status_changed"
	EventCellClosed            EventType = "cell_closed"
	EventCellReopened          EventType = "cell_reopened"
	EventCellDeleted           EventType = "cell_deleted"
	EventCellDependencyAdded   EventType = "cell_dependency_added"
	EventCellDependencyRemoved EventType = "cell_dependency_removed"
	EventCellLabelAdded        EventType = "cell_label_added"
	EventCellLabelRemoved      EventType = "cell_label_removed"
	EventCellCommentAdded      EventType = "cell_comment_added"
	EventCellCommentUpdated    EventType = "cell_comment_updated"
	EventCellCommentDeleted    EventType = "cell_comment_deleted"
	EventCellEpicChildAdded    EventType = "cell_epic_child_added"
	EventCellEpicChildRemoved  EventType = "cell_epic_child_removed"

	// Session events
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
)

// CellType is the kind of work a cell tracks
type CellType string

const (
	CellTypeBug     CellType = "bug"
	CellTypeFeature CellType = "feature"
	CellTypeTask    CellType = "task"
	CellTypeEpic    CellType = "epic"
	CellTypeChore   CellType = "chore"
	CellTypeMessage CellType = "message"
)

func (t CellType) Valid() bool {
	switch t {
	case CellTypeBug, CellTypeFeature, CellTypeTask, CellTypeEpic, CellTypeChore, CellTypeMessage:
		return true
	}
	return false
}

// CellStatus represents the lifecycle state of a cell
type CellStatus string

const (
	CellStatusOpen       CellStatus = "open"
	CellStatusInProgress CellStatus = "in_progress"
	CellStatusBlocked    CellStatus = "blocked"
	CellStatusClosed     CellStatus = "closed"
	CellStatusTombstone  CellStatus = "tombstone"
)

func (s CellStatus) Valid() bool {
	switch s {
	case CellStatusOpen, CellStatusInProgress, CellStatusBlocked, CellStatusClosed, CellStatusTombstone:
		return true
	}
	return false
}

const (
	MinPriority     = 0
	MaxPriority     = 3
	DefaultPriority = 2
)

// Cell is a unit of trackable work. Status is closed exactly when ClosedAt is set.
type Cell struct {
	ID           string     `json:"id"`
	ProjectKey   string     `json:"project_key"`
	Type         CellType   `json:"type"`
	Status       CellStatus `json:"status"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Priority     int        `json:"priority"`
	ParentID     string     `json:"parent_id,omitempty"`
	Assignee     string     `json:"assignee,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	ClosedReason string     `json:"closed_reason,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the cell was soft deleted.
func (c Cell) IsDeleted() bool {
	return c.DeletedAt != nil || c.Status == CellStatusTombstone
}

// Relationship is the kind of edge between two cells
type Relationship string

const (
	RelBlocks         Relationship = "blocks"
	RelRelated        Relationship = "related"
	RelParentChild    Relationship = "parent-child"
	RelDiscoveredFrom Relationship = "discovered-from"
	RelRepliesTo      Relationship = "replies-to"
	RelRelatesTo      Relationship = "relates-to"
	RelDuplicates     Relationship = "duplicates"
	RelSupersedes     Relationship = "supersedes"
)

func (r Relationship) Valid() bool {
	switch r {
	case RelBlocks, RelRelated, RelParentChild, RelDiscoveredFrom,
		RelRepliesTo, RelRelatesTo, RelDuplicates, RelSupersedes:
		return true
	}
	return false
}

// Dependency is a directed edge: CellID depends on DependsOnID. For blocks
// edges, DependsOnID blocks CellID.
type Dependency struct {
	CellID       string       `json:"cell_id"`
	DependsOnID  string       `json:"depends_on_id"`
	Relationship Relationship `json:"relationship"`
	CreatedAt    time.Time    `json:"created_at"`
	CreatedBy    string       `json:"created_by,omitempty"`
}

// BlockedCell pairs a cell with the ids of the cells currently blocking it.
type BlockedCell struct {
	Cell       Cell     `json:"cell"`
	BlockerIDs []string `json:"blocker_ids"`
}

type Comment struct {
	ID        string    `json:"id"`
	CellID    string    `json:"cell_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EpicProgress counts an epic's live children by state.
type EpicProgress struct {
	EpicID   string `json:"epic_id"`
	Total    int    `json:"total"`
	Closed   int    `json:"closed"`
	Eligible bool   `json:"closure_eligible"`
}

// Session is a span of work in a project. At most one per project is open.
type Session struct {
	ID           string     `json:"id"`
	ProjectKey   string     `json:"project_key"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ActiveCellID string     `json:"active_cell_id,omitempty"`
	HandoffNotes *string    `json:"handoff_notes,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
}

// SessionStart is the result of starting a session.
type SessionStart struct {
	Session              Session `json:"session"`
	PreviousHandoffNotes *string `json:"previous_handoff_notes"`
}
