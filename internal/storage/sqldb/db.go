// Package sqldb implements storage.DatabaseAdapter over database/sql. Backend
// packages open the *sql.DB and choose the placeholder style.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/swarmmail/internal/storage"
)

type Options struct {
	// Backend names the engine in logs, e.g. "sqlite" or "postgres".
	Backend string
	// Rebind rewrites "?" placeholders to "$1, $2, ..." before execution.
	Rebind             bool
	SlowQueryThreshold time.Duration
	Logger             *slog.Logger
}

// DB is a storage.DatabaseAdapter backed by a *sql.DB.
type DB struct {
	*queryLogger
	raw  *sql.DB
	opts Options
}

var _ storage.DatabaseAdapter = (*DB)(nil)

func New(raw *sql.DB, opts Options) *DB {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SlowQueryThreshold <= 0 {
		opts.SlowQueryThreshold = defaultSlowQueryThreshold
	}
	logger := opts.Logger.With("backend", opts.Backend)
	return &DB{
		queryLogger: &queryLogger{inner: raw, rebind: opts.Rebind, threshold: opts.SlowQueryThreshold, logger: logger},
		raw:         raw,
		opts:        opts,
	}
}

// Transaction runs fn in a transaction. A panic inside fn rolls back and
// re-panics.
func (d *DB) Transaction(ctx context.Context, fn func(tx storage.Handle) error) (err error) {
	tx, err := d.raw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	h := &queryLogger{inner: tx, rebind: d.rebind, threshold: d.threshold, logger: d.logger}
	if err := fn(h); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	return d.raw.Close()
}

// Raw exposes the pool for backend setup and tests.
func (d *DB) Raw() *sql.DB {
	return d.raw
}

func (d *DB) Backend() string {
	return d.opts.Backend
}

// Rebind converts "?" placeholders to PostgreSQL "$n" form, leaving quoted
// strings and identifiers untouched.
func Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
