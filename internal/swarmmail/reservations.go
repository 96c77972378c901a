package swarmmail

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/glob"
	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/internal/telemetry"
)

const reservationColumns = "id, project_key, agent_name, path_pattern, exclusive, reason, created_at, expires_at, released_at"

// ReserveFiles reserves every path or none. Active reservations held by
// other agents conflict when either side is exclusive and the patterns
// overlap; the error lists every conflict found.
func (s *Store) ReserveFiles(ctx context.Context, project, agent string, paths []string, opts storage.ReserveOptions) (storage.ReserveResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "swarmmail.reserve_files",
		telemetry.AttrProject.String(project), telemetry.AttrAgent.String(agent), telemetry.AttrCount.Int(len(paths)))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	agent = strings.TrimSpace(agent)
	if agent == "" {
		err = core.Invalid("agent_name", "required")
		return storage.ReserveResult{}, err
	}
	var normalized []string
	normalized, err = normalizePaths(paths)
	if err != nil {
		return storage.ReserveResult{}, err
	}
	exclusive := true
	if opts.Exclusive != nil {
		exclusive = *opts.Exclusive
	}
	ttl := opts.TTL
	if ttl < 0 {
		err = core.Invalid("ttl", "must not be negative")
		return storage.ReserveResult{}, err
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	var result storage.ReserveResult
	err = s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		now := tx.Now()
		conflicts, err := findConflicts(ctx, tx, project, agent, normalized, exclusive, now)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			s.metrics.ReservationConflicts.Add(ctx, 1, metric.WithAttributes(telemetry.AttrProject.String(project)))
			return &core.ReservationConflictError{Conflicts: conflicts}
		}
		data := core.FileReservedData{
			AgentName: agent,
			Exclusive: exclusive,
			Reason:    opts.Reason,
			ExpiresAt: now.Add(ttl),
		}
		for _, p := range normalized {
			data.Paths = append(data.Paths, core.ReservedPath{ReservationID: uuid.NewString(), Path: p})
		}
		ev, err := tx.Append(ctx, mustEvent(project, core.EventFileReserved, now, data))
		if err != nil {
			return err
		}
		result.Event = ev
		for _, p := range data.Paths {
			result.Reservations = append(result.Reservations, core.Reservation{
				ID:          p.ReservationID,
				ProjectKey:  project,
				AgentName:   agent,
				PathPattern: p.Path,
				Exclusive:   exclusive,
				Reason:      opts.Reason,
				CreatedAt:   ev.Timestamp,
				ExpiresAt:   data.ExpiresAt.UTC().Truncate(time.Microsecond),
			})
		}
		return nil
	})
	if err != nil {
		return storage.ReserveResult{}, err
	}
	return result, nil
}

func mustEvent(project string, typ core.EventType, ts time.Time, payload any) core.Event {
	ev, err := core.NewEvent(project, typ, ts, payload)
	if err != nil {
		// Payloads are plain structs; marshalling cannot fail.
		panic(fmt.Sprintf("encode %s: %v", typ, err))
	}
	return ev
}

// normalizePaths cleans, validates and de-duplicates requested paths.
func normalizePaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, core.Invalid("paths", "at least one path required")
	}
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n := glob.Normalize(p)
		if n == "" {
			return nil, core.Invalid("paths", "empty path")
		}
		if err := glob.ValidateComplexity(n); err != nil {
			return nil, core.Invalid("paths", "%s: %v", n, err)
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}

// CheckConflicts runs the reserve conflict check without writing anything.
func (s *Store) CheckConflicts(ctx context.Context, project, agent string, paths []string, exclusive bool) ([]core.ConflictDetail, error) {
	normalized, err := normalizePaths(paths)
	if err != nil {
		return nil, err
	}
	return findConflicts(ctx, s.db, project, agent, normalized, exclusive, s.Now())
}

func findConflicts(ctx context.Context, h storage.Handle, project, agent string, paths []string, exclusive bool, now time.Time) ([]core.ConflictDetail, error) {
	held, err := activeReservations(ctx, h, project, "", now)
	if err != nil {
		return nil, err
	}
	var conflicts []core.ConflictDetail
	for _, p := range paths {
		for _, r := range held {
			if r.AgentName == agent {
				continue
			}
			if !exclusive && !r.Exclusive {
				continue
			}
			overlap, err := glob.PatternsOverlap(p, r.PathPattern)
			if err != nil {
				return nil, core.Invalid("paths", "%s: %v", p, err)
			}
			if !overlap {
				continue
			}
			conflicts = append(conflicts, core.ConflictDetail{
				Path:          p,
				Holder:        r.AgentName,
				Pattern:       r.PathPattern,
				Exclusive:     r.Exclusive,
				ReservationID: r.ID,
				ExpiresAt:     r.ExpiresAt,
			})
		}
	}
	return conflicts, nil
}

// ReleaseFiles releases the agent's active reservations matching the given
// paths or ids, or all of them when neither is given. Releasing nothing
// appends no event.
func (s *Store) ReleaseFiles(ctx context.Context, project, agent string, opts storage.ReleaseOptions) (storage.ReleaseResult, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return storage.ReleaseResult{}, core.Invalid("agent_name", "required")
	}
	wantPaths := make(map[string]struct{}, len(opts.Paths))
	for _, p := range opts.Paths {
		if n := glob.Normalize(p); n != "" {
			wantPaths[n] = struct{}{}
		}
	}
	wantIDs := make(map[string]struct{}, len(opts.ReservationIDs))
	for _, id := range opts.ReservationIDs {
		wantIDs[id] = struct{}{}
	}
	all := len(wantPaths) == 0 && len(wantIDs) == 0

	var result storage.ReleaseResult
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		held, err := activeReservations(ctx, tx, project, agent, tx.Now())
		if err != nil {
			return err
		}
		var ids []string
		for _, r := range held {
			_, byPath := wantPaths[r.PathPattern]
			_, byID := wantIDs[r.ID]
			if all || byPath || byID {
				ids = append(ids, r.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.Emit(ctx, core.EventFileReleased, core.FileReleasedData{AgentName: agent, ReservationIDs: ids}); err != nil {
			return err
		}
		result = storage.ReleaseResult{Released: len(ids), ReservationIDs: ids}
		return nil
	})
	if err != nil {
		return storage.ReleaseResult{}, err
	}
	if result.Released > 0 {
		s.metrics.ReservationsReleased.Add(ctx, int64(result.Released), metric.WithAttributes(telemetry.AttrProject.String(project)))
	}
	return result, nil
}

// GetActiveReservations lists unreleased, unexpired reservations, narrowed to
// one holder when agent is set.
func (s *Store) GetActiveReservations(ctx context.Context, project, agent string) ([]core.Reservation, error) {
	return activeReservations(ctx, s.db, project, agent, s.Now())
}

func activeReservations(ctx context.Context, h storage.Handle, project, agent string, now time.Time) ([]core.Reservation, error) {
	query := "SELECT " + reservationColumns + " FROM reservations WHERE project_key = ? AND released_at IS NULL AND expires_at > ?"
	args := []any{project, storage.Micros(now)}
	if agent != "" {
		query += " AND agent_name = ?"
		args = append(args, agent)
	}
	query += " ORDER BY created_at ASC, id ASC"
	return queryReservations(ctx, h, query, args...)
}

func queryReservations(ctx context.Context, h storage.Handle, query string, args ...any) ([]core.Reservation, error) {
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()
	var out []core.Reservation
	for rows.Next() {
		var r core.Reservation
		var created, expires int64
		var released sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ProjectKey, &r.AgentName, &r.PathPattern, &r.Exclusive, &r.Reason,
			&created, &expires, &released); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		r.CreatedAt = storage.FromMicros(created)
		r.ExpiresAt = storage.FromMicros(expires)
		r.ReleasedAt = storage.TimePtr(released)
		out = append(out, r)
	}
	return out, rows.Err()
}
