package swarmmail

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/internal/telemetry"
)

const messageColumns = "m.id, m.project_key, m.from_agent, m.to_agents, m.subject, m.body, m.thread_id, m.importance, m.ack_required, m.created_at"

// SendMessage delivers one message to every recipient. Recipients are
// de-duplicated in order.
func (s *Store) SendMessage(ctx context.Context, project, from string, to []string, subject, body string, opts storage.MessageOptions) (core.Message, error) {
	ctx, span := telemetry.StartSpan(ctx, "swarmmail.send_message",
		telemetry.AttrProject.String(project), telemetry.AttrAgent.String(from))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	from = strings.TrimSpace(from)
	if from == "" {
		err = core.Invalid("from_agent", "required")
		return core.Message{}, err
	}
	recipients := dedupe(to)
	if len(recipients) == 0 {
		err = core.Invalid("to_agents", "at least one recipient required")
		return core.Message{}, err
	}
	if strings.TrimSpace(subject) == "" {
		err = core.Invalid("subject", "required")
		return core.Message{}, err
	}
	if strings.TrimSpace(body) == "" {
		err = core.Invalid("body", "required")
		return core.Message{}, err
	}
	importance := opts.Importance
	if importance == "" {
		importance = core.ImportanceNormal
	}
	if !importance.Valid() {
		err = core.Invalid("importance", "must be one of low, normal, high, urgent")
		return core.Message{}, err
	}

	data := core.MessageSentData{
		MessageID:   uuid.NewString(),
		FromAgent:   from,
		ToAgents:    recipients,
		Subject:     subject,
		Body:        body,
		ThreadID:    strings.TrimSpace(opts.ThreadID),
		Importance:  importance,
		AckRequired: opts.AckRequired,
	}
	var msg core.Message
	err = s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		ev, err := tx.Emit(ctx, core.EventMessageSent, data)
		if err != nil {
			return err
		}
		b := body
		msg = core.Message{
			ID:          data.MessageID,
			ProjectKey:  project,
			From:        from,
			To:          recipients,
			Subject:     subject,
			Body:        &b,
			ThreadID:    data.ThreadID,
			Importance:  importance,
			AckRequired: opts.AckRequired,
			CreatedAt:   ev.Timestamp,
		}
		return nil
	})
	if err != nil {
		return core.Message{}, err
	}
	return msg, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// GetInbox returns messages addressed to agent, newest first, with that
// agent's read and ack state.
func (s *Store) GetInbox(ctx context.Context, project, agent string, opts storage.InboxOptions) ([]core.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultInboxLimit
	}
	query := "SELECT " + messageColumns + `, r.read_at, r.acked_at
		FROM message_recipients r JOIN messages m ON m.id = r.message_id
		WHERE r.project_key = ? AND r.agent_name = ?`
	args := []any{project, agent}
	if opts.UrgentOnly {
		query += " AND m.importance = ?"
		args = append(args, string(core.ImportanceUrgent))
	}
	if opts.UnreadOnly {
		query += " AND r.read_at IS NULL"
	}
	if !opts.SinceTs.IsZero() {
		query += " AND m.created_at > ?"
		args = append(args, storage.Micros(opts.SinceTs))
	}
	query += " ORDER BY m.created_at DESC, m.id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}
	defer rows.Close()
	var out []core.Message
	for rows.Next() {
		var readAt, ackedAt sql.NullInt64
		m, err := scanMessage(rows, &readAt, &ackedAt)
		if err != nil {
			return nil, err
		}
		m.ReadAt = storage.TimePtr(readAt)
		m.AckedAt = storage.TimePtr(ackedAt)
		if !opts.IncludeBodies {
			m.Body = nil
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage returns the full message, or nil when it does not exist.
func (s *Store) GetMessage(ctx context.Context, project, id string) (*core.Message, error) {
	return getMessage(ctx, s.db, project, id)
}

func getMessage(ctx context.Context, h storage.Handle, project, id string) (*core.Message, error) {
	row := h.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages m WHERE m.project_key = ? AND m.id = ?", project, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) MarkMessageAsRead(ctx context.Context, project, id, agent string) error {
	return s.receipt(ctx, project, id, agent, core.EventMessageRead)
}

// AcknowledgeMessage records an ack. Acking also marks the message read.
func (s *Store) AcknowledgeMessage(ctx context.Context, project, id, agent string) error {
	return s.receipt(ctx, project, id, agent, core.EventMessageAcked)
}

// receipt emits typ only the first time agent reads or acks the message.
func (s *Store) receipt(ctx context.Context, project, id, agent string, typ core.EventType) error {
	if strings.TrimSpace(id) == "" {
		return core.Invalid("message_id", "required")
	}
	if strings.TrimSpace(agent) == "" {
		return core.Invalid("agent_name", "required")
	}
	return s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		var readAt, ackedAt sql.NullInt64
		err := tx.QueryRowContext(ctx,
			"SELECT read_at, acked_at FROM message_recipients WHERE project_key = ? AND message_id = ? AND agent_name = ?",
			project, id, agent).Scan(&readAt, &ackedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return &core.NotFoundError{Kind: "message", ID: id}
		}
		if err != nil {
			return fmt.Errorf("load receipt: %w", err)
		}
		if (typ == core.EventMessageRead && readAt.Valid) || (typ == core.EventMessageAcked && ackedAt.Valid) {
			return nil
		}
		_, err = tx.Emit(ctx, typ, core.MessageReceiptData{MessageID: id, AgentName: agent})
		return err
	})
}

// GetThread returns a thread's messages oldest first. A non-empty requester
// must have sent or received at least one of them.
func (s *Store) GetThread(ctx context.Context, project, threadID, requester string) ([]core.Message, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, core.Invalid("thread_id", "required")
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages m WHERE m.project_key = ? AND m.thread_id = ? ORDER BY m.created_at ASC, m.id ASC",
		project, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}
	defer rows.Close()
	var out []core.Message
	participant := requester == ""
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if !participant && (m.From == requester || contains(m.To, requester)) {
			participant = true
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	if !participant {
		return nil, &core.NotFoundError{Kind: "thread", ID: threadID}
	}
	return out, nil
}

// ListThreads summarizes the threads agent took part in, most recent first.
func (s *Store) ListThreads(ctx context.Context, project, agent string, limit int) ([]core.ThreadSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.thread_id, COUNT(*), MAX(m.created_at)
		FROM messages m
		WHERE m.project_key = ? AND m.thread_id IS NOT NULL
		  AND m.thread_id IN (
		    SELECT DISTINCT m2.thread_id FROM messages m2
		    LEFT JOIN message_recipients r ON r.message_id = m2.id
		    WHERE m2.project_key = ? AND m2.thread_id IS NOT NULL AND (m2.from_agent = ? OR r.agent_name = ?)
		  )
		GROUP BY m.thread_id
		ORDER BY MAX(m.created_at) DESC
		LIMIT ?`, project, project, agent, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	var out []core.ThreadSummary
	for rows.Next() {
		var ts core.ThreadSummary
		var last int64
		if err := rows.Scan(&ts.ThreadID, &ts.MessageCount, &last); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		ts.LastMessageAt = storage.FromMicros(last)
		out = append(out, ts)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Filled after the cursor closes; SQLite runs on a single connection.
	for i := range out {
		if err := s.db.QueryRowContext(ctx,
			`SELECT subject, from_agent FROM messages WHERE project_key = ? AND thread_id = ?
			 ORDER BY created_at DESC, id DESC LIMIT 1`,
			project, out[i].ThreadID).Scan(&out[i].LastSubject, &out[i].LastFrom); err != nil {
			return nil, fmt.Errorf("thread summary: %w", err)
		}
	}
	return out, nil
}

// RecipientStatus returns read and ack state per recipient, or nil when the
// message does not exist.
func (s *Store) RecipientStatus(ctx context.Context, project, id string) (map[string]*core.RecipientStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT agent_name, read_at, acked_at FROM message_recipients WHERE project_key = ? AND message_id = ?",
		project, id)
	if err != nil {
		return nil, fmt.Errorf("recipient status: %w", err)
	}
	defer rows.Close()
	var out map[string]*core.RecipientStatus
	for rows.Next() {
		var st core.RecipientStatus
		var readAt, ackedAt sql.NullInt64
		if err := rows.Scan(&st.AgentName, &readAt, &ackedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		st.ReadAt = storage.TimePtr(readAt)
		st.AckedAt = storage.TimePtr(ackedAt)
		if out == nil {
			out = make(map[string]*core.RecipientStatus)
		}
		out[st.AgentName] = &st
	}
	return out, rows.Err()
}

// scanMessage reads messageColumns followed by any extra destinations.
func scanMessage(sc scanner, extra ...any) (core.Message, error) {
	var m core.Message
	var to, importance, body string
	var thread sql.NullString
	var created int64
	dest := append([]any{&m.ID, &m.ProjectKey, &m.From, &to, &m.Subject, &body, &thread, &importance, &m.AckRequired, &created}, extra...)
	if err := sc.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(to), &m.To); err != nil {
		return m, fmt.Errorf("decode recipients of %s: %w", m.ID, err)
	}
	m.Body = &body
	m.ThreadID = thread.String
	m.Importance = core.Importance(importance)
	m.CreatedAt = storage.FromMicros(created)
	return m, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
