package sqldb

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

const defaultSlowQueryThreshold = 100 * time.Millisecond

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryLogger rewrites placeholders for the backend and logs queries that
// exceed the slow query threshold.
type queryLogger struct {
	inner     execer
	rebind    bool
	threshold time.Duration
	logger    *slog.Logger
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	query = q.bind(query)
	start := time.Now()
	result, err := q.inner.ExecContext(ctx, query, args...)
	q.observe(ctx, start, query)
	return result, err
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	query = q.bind(query)
	start := time.Now()
	rows, err := q.inner.QueryContext(ctx, query, args...)
	q.observe(ctx, start, query)
	return rows, err
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	query = q.bind(query)
	start := time.Now()
	row := q.inner.QueryRowContext(ctx, query, args...)
	q.observe(ctx, start, query)
	return row
}

func (q *queryLogger) bind(query string) string {
	if !q.rebind {
		return query
	}
	return Rebind(query)
}

func (q *queryLogger) observe(ctx context.Context, start time.Time, query string) {
	if d := time.Since(start); d >= q.threshold {
		q.logger.WarnContext(ctx, "slow query", "duration", d.Round(time.Millisecond), "query", truncateQuery(query))
	}
}

func truncateQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
