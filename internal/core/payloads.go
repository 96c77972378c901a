package core

import "time"

// Event payloads. Each carries everything its projection needs, so replay
// reproduces the same rows. Timestamps come from the enclosing event.

type AgentRegisteredData struct {
	AgentName       string `json:"agent_name"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
}

type AgentActiveData struct {
	AgentName string `json:"agent_name"`
}

type MessageSentData struct {
	MessageID   string     `json:"message_id"`
	FromAgent   string     `json:"from_agent"`
	ToAgents    []string   `json:"to_agents"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Importance  Importance `json:"importance"`
	AckRequired bool       `json:"ack_required"`
}

// MessageReceiptData is the payload of message_read and message_acked.
type MessageReceiptData struct {
	MessageID string `json:"message_id"`
	AgentName string `json:"agent_name"`
}

type ReservedPath struct {
	ReservationID string `json:"reservation_id"`
	Path          string `json:"path"`
}

type FileReservedData struct {
	AgentName string         `json:"agent_name"`
	Paths     []ReservedPath `json:"paths"`
	Exclusive bool           `json:"exclusive"`
	Reason    string         `json:"reason,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
}

type FileReleasedData struct {
	AgentName      string   `json:"agent_name"`
	ReservationIDs []string `json:"reservation_ids"`
}

type CellCreatedData struct {
	CellID      string   `json:"cell_id"`
	Type        CellType `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority"`
	ParentID    string   `json:"parent_id,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
}

// CellUpdatedData carries only the fields that changed.
type CellUpdatedData struct {
	CellID      string  `json:"cell_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
}

type CellStatusChangedData struct {
	CellID string     `json:"cell_id"`
	From   CellStatus `json:"from"`
	To     CellStatus `json:"to"`
}

type CellClosedData struct {
	CellID string `json:"cell_id"`
	Reason string `json:"reason"`
}

type CellReopenedData struct {
	CellID string `json:"cell_id"`
}

type CellDeletedData struct {
	CellID string `json:"cell_id"`
	Reason string `json:"reason,omitempty"`
}

// CellDependencyData is the payload of cell_dependency_added and cell_dependency_removed.
type CellDependencyData struct {
	CellID       string       `json:"cell_id"`
	DependsOnID  string       `json:"depends_on_id"`
	Relationship Relationship `json:"relationship"`
	CreatedBy    string       `json:"created_by,omitempty"`
}

type CellLabelData struct {
	CellID string `json:"cell_id"`
	Label  string `json:"label"`
}

type CellCommentData struct {
	CommentID string `json:"comment_id"`
	CellID    string `json:"cell_id"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body,omitempty"`
}

type CellEpicChildData struct {
	EpicID  string `json:"epic_id"`
	ChildID string `json:"child_id"`
}

type SessionStartedData struct {
	SessionID    string `json:"session_id"`
	ActiveCellID string `json:"active_cell_id,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`
}

type SessionEndedData struct {
	SessionID    string  `json:"session_id"`
	HandoffNotes *string `json:"handoff_notes,omitempty"`
	// Implicit marks a session closed because a new one started.
	Implicit bool `json:"implicit,omitempty"`
}
