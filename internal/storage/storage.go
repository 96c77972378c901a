// Package storage defines the database-agnostic contracts of the coordination
// store: the DatabaseAdapter every backend implements, the schema migrator,
// and the adapter interfaces external collaborators program against.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/mistakeknot/swarmmail/internal/core"
)

// Handle executes SQL. Queries use "?" placeholders; backends that need a
// different style rewrite them.
type Handle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DatabaseAdapter is the minimal transactional SQL interface every other
// component is built on.
type DatabaseAdapter interface {
	Handle
	// Transaction runs fn inside one transaction. It commits when fn returns
	// nil and rolls back otherwise.
	Transaction(ctx context.Context, fn func(tx Handle) error) error
	Close() error
}

// ReadOptions filters ReadEvents. All set filters must match.
type ReadOptions struct {
	ProjectKey    string
	Types         []core.EventType
	Since         time.Time
	Until         time.Time
	AfterSequence int64
	Limit         int
	Offset        int
}

type ReplayOptions struct {
	ProjectKey   string
	FromSequence int64
	// ClearViews truncates the projections (for ProjectKey, or all) first.
	ClearViews bool
}

type ReplayResult struct {
	EventsReplayed int           `json:"events_replayed"`
	Duration       time.Duration `json:"duration"`
}

// EventStoreAdapter is the append-only log.
type EventStoreAdapter interface {
	AppendEvent(ctx context.Context, ev core.Event) (core.Event, error)
	AppendEvents(ctx context.Context, evs []core.Event) ([]core.Event, error)
	ReadEvents(ctx context.Context, opts ReadOptions) ([]core.Event, error)
	LatestSequence(ctx context.Context, projectKey string) (int64, error)
	ReplayEvents(ctx context.Context, opts ReplayOptions) (ReplayResult, error)
}

type AgentOptions struct {
	Program         string
	Model           string
	TaskDescription string
}

type AgentAdapter interface {
	RegisterAgent(ctx context.Context, project, name string, opts AgentOptions) (core.Agent, error)
	Heartbeat(ctx context.Context, project, name string) (core.Agent, error)
	GetAgents(ctx context.Context, project string) ([]core.Agent, error)
	GetAgent(ctx context.Context, project, name string) (*core.Agent, error)
}

type MessageOptions struct {
	ThreadID    string
	Importance  core.Importance
	AckRequired bool
}

type InboxOptions struct {
	Limit         int
	UrgentOnly    bool
	UnreadOnly    bool
	IncludeBodies bool
	SinceTs       time.Time
}

type MessagingAdapter interface {
	SendMessage(ctx context.Context, project, from string, to []string, subject, body string, opts MessageOptions) (core.Message, error)
	GetInbox(ctx context.Context, project, agent string, opts InboxOptions) ([]core.Message, error)
	GetMessage(ctx context.Context, project, id string) (*core.Message, error)
	MarkMessageAsRead(ctx context.Context, project, id, agent string) error
	AcknowledgeMessage(ctx context.Context, project, id, agent string) error
	GetThread(ctx context.Context, project, threadID, requester string) ([]core.Message, error)
	ListThreads(ctx context.Context, project, agent string, limit int) ([]core.ThreadSummary, error)
	RecipientStatus(ctx context.Context, project, id string) (map[string]*core.RecipientStatus, error)
}

type ReserveOptions struct {
	Reason string
	// Exclusive defaults to true when nil.
	Exclusive *bool
	TTL       time.Duration
}

type ReserveResult struct {
	Event        core.Event         `json:"event"`
	Reservations []core.Reservation `json:"reservations"`
}

// ReleaseOptions selects what to release. Leaving both empty releases every
// active reservation the agent holds in the project.
type ReleaseOptions struct {
	Paths          []string
	ReservationIDs []string
}

type ReleaseResult struct {
	Released       int      `json:"released"`
	ReservationIDs []string `json:"reservation_ids"`
}

type ReservationAdapter interface {
	ReserveFiles(ctx context.Context, project, agent string, paths []string, opts ReserveOptions) (ReserveResult, error)
	ReleaseFiles(ctx context.Context, project, agent string, opts ReleaseOptions) (ReleaseResult, error)
	GetActiveReservations(ctx context.Context, project, agent string) ([]core.Reservation, error)
	CheckConflicts(ctx context.Context, project, agent string, paths []string, exclusive bool) ([]core.ConflictDetail, error)
}

// SchemaAdapter applies and inspects versioned migrations.
type SchemaAdapter interface {
	Migrate(ctx context.Context) ([]int, error)
	Rollback(ctx context.Context, target int) ([]int, error)
	Status(ctx context.Context) (MigrationStatus, error)
}

// CoordinationAdapter is the swarm-mail surface: log, agents, messaging and
// reservations.
type CoordinationAdapter interface {
	EventStoreAdapter
	AgentAdapter
	MessagingAdapter
	ReservationAdapter
	GetStats(ctx context.Context, project string) (core.Stats, error)
}
