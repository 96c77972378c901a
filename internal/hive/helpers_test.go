package hive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/internal/storage/sqlite"
)

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.OpenInMemory(context.Background(), sqlite.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clock := &tickClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	es, err := eventstore.New(db, eventstore.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new event store: %v", err)
	}
	return New(es)
}

func mkCell(t *testing.T, st *Store, title string, typ core.CellType, priority int) core.Cell {
	t.Helper()
	c, err := st.CreateCell(context.Background(), "proj", storage.CreateCellInput{Type: typ, Title: title, Priority: &priority})
	if err != nil {
		t.Fatalf("create %s: %v", title, err)
	}
	return c
}

// assertClosedInvariant checks status == closed iff closed_at is set for
// every cell in the project.
func assertClosedInvariant(t *testing.T, st *Store) {
	t.Helper()
	cells, err := st.QueryCells(context.Background(), "proj", storage.CellQuery{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, c := range cells {
		if (c.Status == core.CellStatusClosed) != (c.ClosedAt != nil) {
			t.Fatalf("closed invariant violated for %s: status=%s closed_at=%v", c.ID, c.Status, c.ClosedAt)
		}
	}
}
