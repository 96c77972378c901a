package swarmmail

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/storage/sqldb"
	"github.com/mistakeknot/swarmmail/internal/storage/sqlite"
)

// testClock advances by one millisecond on every read so event order is
// visible in timestamps.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	db, err := sqlite.OpenInMemory(context.Background(), sqlite.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newStoreOn(t, db)
}

// newFileStore opens a WAL-mode database file so concurrent tests exercise
// the same locking path as a real deployment.
func newFileStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "race.db"), sqlite.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newStoreOn(t, db)
}

func newStoreOn(t *testing.T, db *sqldb.DB) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	es, err := eventstore.New(db, eventstore.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new event store: %v", err)
	}
	return New(es), clock
}

func boolPtr(b bool) *bool { return &b }
