// Package hive is the issue tracker: cells, their dependency graph, labels,
// comments, epics and work sessions, all event-sourced through the event
// store.
package hive

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

const defaultHistoryLimit = 20

type Store struct {
	*eventstore.Store
	db     storage.DatabaseAdapter
	logger *slog.Logger
	newID  func(project string) string
}

var _ storage.IssueTrackerAdapter = (*Store)(nil)

// New registers the hive projections with es and returns the adapter.
func New(es *eventstore.Store) *Store {
	s := &Store{
		Store:  es,
		db:     es.DB(),
		logger: es.Logger().With("component", "hive"),
		newID:  NewCellID,
	}
	es.Register(cellProjector{}, sessionProjector{})
	return s
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// NewCellID returns "<project slug>-<8 hex chars>", e.g. "webapp-1f3a9c2e".
func NewCellID(project string) string {
	base := project
	if i := strings.LastIndexAny(base, `/\`); i >= 0 && i < len(base)-1 {
		base = base[i+1:]
	}
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(base), "-"), "-")
	if len(slug) > 24 {
		slug = strings.Trim(slug[:24], "-")
	}
	if slug == "" {
		slug = "cell"
	}
	return slug + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
