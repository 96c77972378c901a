package core

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventAgentRegistered EventType = "agent_registered"
	EventAgentActive     EventType = "agent_active"
	EventMessageSent     EventType = "message_sent"
	EventMessageRead     EventType = "message_read"
	EventMessageAcked    EventType = "message_acked"
	EventFileReserved    EventType = "file_reserved"
	EventFileReleased    EventType = "file_released"
)

// EventReservationExpired is broadcast by the reaper. It is never stored in the log.
const EventReservationExpired EventType = "reservation.expired"

// Event is an immutable fact in the log. ID and Sequence are assigned on append.
type Event struct {
	ID         int64           `json:"id"`
	Sequence   int64           `json:"sequence"`
	Type       EventType       `json:"type"`
	ProjectKey string          `json:"project_key"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

// NewEvent marshals payload into an unsaved event.
func NewEvent(project string, typ EventType, ts time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, ProjectKey: project, Timestamp: ts, Data: data}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type Agent struct {
	ProjectKey      string    `json:"project_key"`
	Name            string    `json:"name"`
	Program         string    `json:"program,omitempty"`
	Model           string    `json:"model,omitempty"`
	TaskDescription string    `json:"task_description,omitempty"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// IsActive reports whether the agent has shown activity within window of now.
func (a Agent) IsActive(now time.Time, window time.Duration) bool {
	return now.Sub(a.LastActiveAt) <= window
}

type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

func (i Importance) Valid() bool {
	switch i {
	case ImportanceLow, ImportanceNormal, ImportanceHigh, ImportanceUrgent:
		return true
	}
	return false
}

// Message is one logical message. Body is nil when the caller asked for
// headers only, so it drops out of the JSON encoding.
type Message struct {
	ID          string     `json:"id"`
	ProjectKey  string     `json:"project_key"`
	From        string     `json:"from"`
	To          []string   `json:"to"`
	Subject     string     `json:"subject"`
	Body        *string    `json:"body,omitempty"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Importance  Importance `json:"importance"`
	AckRequired bool       `json:"ack_required"`
	CreatedAt   time.Time  `json:"created_at"`
	// ReadAt and AckedAt are the viewing recipient's state; nil outside an inbox.
	ReadAt  *time.Time `json:"read_at,omitempty"`
	AckedAt *time.Time `json:"acked_at,omitempty"`
}

// RecipientStatus tracks read/ack state for one recipient of a message.
type RecipientStatus struct {
	AgentName string     `json:"agent_name"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	AckedAt   *time.Time `json:"acked_at,omitempty"`
}

// ThreadSummary summarizes a thread from one participant's point of view.
type ThreadSummary struct {
	ThreadID      string    `json:"thread_id"`
	LastSubject   string    `json:"last_subject"`
	LastFrom      string    `json:"last_from"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}

type Reservation struct {
	ID          string     `json:"id"`
	ProjectKey  string     `json:"project_key"`
	AgentName   string     `json:"agent_name"`
	PathPattern string     `json:"path_pattern"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// IsActive applies lazy expiry: a reservation past expires_at is inactive
// whether or not anything has released it.
func (r Reservation) IsActive(now time.Time) bool {
	return r.ReleasedAt == nil && r.ExpiresAt.After(now)
}

// Stats is a point-in-time count of a project's coordination state.
type Stats struct {
	ProjectKey         string `json:"project_key"`
	Agents             int    `json:"agents"`
	Messages           int    `json:"messages"`
	UnreadDeliveries   int    `json:"unread_deliveries"`
	ActiveReservations int    `json:"active_reservations"`
	Events             int    `json:"events"`
	LatestSequence     int64  `json:"latest_sequence"`
}
