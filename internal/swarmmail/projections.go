package swarmmail

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

// Projections are upserts keyed by natural identity so a replayed event
// leaves the tables unchanged.

type agentProjector struct{}

func (agentProjector) Name() string { return "agents" }

func (agentProjector) Handles(t core.EventType) bool {
	switch t {
	case core.EventAgentRegistered, core.EventAgentActive, core.EventMessageSent,
		core.EventFileReserved, core.EventFileReleased:
		return true
	}
	return false
}

func (agentProjector) Apply(ctx context.Context, tx storage.Handle, ev core.Event) error {
	ts := storage.Micros(ev.Timestamp)
	var agent string
	switch ev.Type {
	case core.EventAgentRegistered:
		var d core.AgentRegisteredData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agents (project_key, name, program, model, task_description, registered_at, last_active_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (project_key, name) DO UPDATE SET
			   program = excluded.program,
			   model = excluded.model,
			   task_description = excluded.task_description,
			   last_active_at = CASE WHEN excluded.last_active_at > agents.last_active_at
			     THEN excluded.last_active_at ELSE agents.last_active_at END`,
			ev.ProjectKey, d.AgentName, d.Program, d.Model, d.TaskDescription, ts, ts)
		return err
	case core.EventAgentActive:
		var d core.AgentActiveData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		agent = d.AgentName
	case core.EventMessageSent:
		var d core.MessageSentData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		agent = d.FromAgent
	case core.EventFileReserved:
		var d core.FileReservedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		agent = d.AgentName
	case core.EventFileReleased:
		var d core.FileReleasedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		agent = d.AgentName
	}
	_, err := tx.ExecContext(ctx,
		"UPDATE agents SET last_active_at = ? WHERE project_key = ? AND name = ? AND last_active_at < ?",
		ts, ev.ProjectKey, agent, ts)
	return err
}

func (agentProjector) Reset(ctx context.Context, tx storage.Handle, project string) error {
	return resetTables(ctx, tx, project, "agents")
}

type messageProjector struct{}

func (messageProjector) Name() string { return "messages" }

func (messageProjector) Handles(t core.EventType) bool {
	return t == core.EventMessageSent || t == core.EventMessageRead || t == core.EventMessageAcked
}

func (messageProjector) Apply(ctx context.Context, tx storage.Handle, ev core.Event) error {
	ts := storage.Micros(ev.Timestamp)
	switch ev.Type {
	case core.EventMessageSent:
		var d core.MessageSentData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		to, err := json.Marshal(d.ToAgents)
		if err != nil {
			return err
		}
		importance := d.Importance
		if importance == "" {
			importance = core.ImportanceNormal
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, project_key, from_agent, to_agents, subject, body, thread_id, importance, ack_required, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			d.MessageID, ev.ProjectKey, d.FromAgent, string(to), d.Subject, d.Body,
			storage.NullString(d.ThreadID), string(importance), d.AckRequired, ts); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		for _, r := range d.ToAgents {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO message_recipients (message_id, project_key, agent_name) VALUES (?, ?, ?)
				 ON CONFLICT (message_id, agent_name) DO NOTHING`,
				d.MessageID, ev.ProjectKey, r); err != nil {
				return fmt.Errorf("insert recipient: %w", err)
			}
		}
		return nil
	case core.EventMessageRead:
		var d core.MessageReceiptData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE message_recipients SET read_at = ? WHERE message_id = ? AND agent_name = ? AND read_at IS NULL",
			ts, d.MessageID, d.AgentName)
		return err
	case core.EventMessageAcked:
		var d core.MessageReceiptData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		// An ack implies the message was read.
		_, err := tx.ExecContext(ctx,
			`UPDATE message_recipients SET acked_at = ?, read_at = COALESCE(read_at, ?)
			 WHERE message_id = ? AND agent_name = ? AND acked_at IS NULL`,
			ts, ts, d.MessageID, d.AgentName)
		return err
	}
	return nil
}

func (messageProjector) Reset(ctx context.Context, tx storage.Handle, project string) error {
	return resetTables(ctx, tx, project, "message_recipients", "messages")
}

type reservationProjector struct{}

func (reservationProjector) Name() string { return "reservations" }

func (reservationProjector) Handles(t core.EventType) bool {
	return t == core.EventFileReserved || t == core.EventFileReleased
}

func (reservationProjector) Apply(ctx context.Context, tx storage.Handle, ev core.Event) error {
	ts := storage.Micros(ev.Timestamp)
	switch ev.Type {
	case core.EventFileReserved:
		var d core.FileReservedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		for _, p := range d.Paths {
			// Re-reserving a pattern supersedes the agent's earlier hold on it.
			if _, err := tx.ExecContext(ctx,
				`UPDATE reservations SET released_at = ?
				 WHERE project_key = ? AND agent_name = ? AND path_pattern = ?
				   AND released_at IS NULL AND id <> ? AND created_at <= ?`,
				ts, ev.ProjectKey, d.AgentName, p.Path, p.ReservationID, ts); err != nil {
				return fmt.Errorf("supersede reservation: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO reservations (id, project_key, agent_name, path_pattern, exclusive, reason, created_at, expires_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (id) DO NOTHING`,
				p.ReservationID, ev.ProjectKey, d.AgentName, p.Path, d.Exclusive, d.Reason,
				ts, storage.Micros(d.ExpiresAt)); err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
		}
		return nil
	case core.EventFileReleased:
		var d core.FileReleasedData
		if err := ev.Decode(&d); err != nil {
			return err
		}
		if len(d.ReservationIDs) == 0 {
			return nil
		}
		args := []any{ts, ev.ProjectKey, d.AgentName}
		for _, id := range d.ReservationIDs {
			args = append(args, id)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE reservations SET released_at = ?
			 WHERE project_key = ? AND agent_name = ? AND released_at IS NULL
			   AND id IN (`+storage.Placeholders(len(d.ReservationIDs))+`)`,
			args...)
		return err
	}
	return nil
}

func (reservationProjector) Reset(ctx context.Context, tx storage.Handle, project string) error {
	return resetTables(ctx, tx, project, "reservations")
}

// resetTables deletes a project's rows, or every row when project is empty.
func resetTables(ctx context.Context, tx storage.Handle, project string, tables ...string) error {
	for _, table := range tables {
		query := "DELETE FROM " + table
		var args []any
		if project != "" {
			query += " WHERE project_key = ?"
			args = append(args, project)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}
