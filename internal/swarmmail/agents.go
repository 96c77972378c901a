package swarmmail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/eventstore"
	"github.com/mistakeknot/swarmmail/internal/names"
	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/internal/telemetry"
)

const agentColumns = "project_key, name, program, model, task_description, registered_at, last_active_at"

// RegisterAgent records an agent_registered event. Registering an existing
// name refreshes its metadata and activity time and keeps registered_at.
// An empty name is replaced with a generated one not yet used in the project.
func (s *Store) RegisterAgent(ctx context.Context, project, name string, opts storage.AgentOptions) (core.Agent, error) {
	ctx, span := telemetry.StartSpan(ctx, "swarmmail.register_agent",
		telemetry.AttrProject.String(project), telemetry.AttrAgent.String(name))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	name = strings.TrimSpace(name)
	if name != "" && !names.Valid(name) {
		err = core.Invalid("agent_name", "%q: use letters, digits, '-', '_' or '.'", name)
		return core.Agent{}, err
	}
	var agent core.Agent
	err = s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		if name == "" {
			generated, err := s.uniqueName(ctx, tx, project)
			if err != nil {
				return err
			}
			name = generated
		}
		if _, err := tx.Emit(ctx, core.EventAgentRegistered, core.AgentRegisteredData{
			AgentName:       name,
			Program:         opts.Program,
			Model:           opts.Model,
			TaskDescription: opts.TaskDescription,
		}); err != nil {
			return err
		}
		a, err := getAgent(ctx, tx, project, name)
		if err != nil {
			return err
		}
		agent = *a
		return nil
	})
	if err != nil {
		return core.Agent{}, err
	}
	return agent, nil
}

func (s *Store) uniqueName(ctx context.Context, h storage.Handle, project string) (string, error) {
	var last string
	for i := 0; i < 8; i++ {
		last = s.genName()
		a, err := getAgent(ctx, h, project, last)
		if err != nil {
			return "", err
		}
		if a == nil {
			return last, nil
		}
	}
	return fmt.Sprintf("%s%d", last, s.Now().UnixNano()%1000), nil
}

// Heartbeat marks a registered agent as active now.
func (s *Store) Heartbeat(ctx context.Context, project, name string) (core.Agent, error) {
	if strings.TrimSpace(name) == "" {
		return core.Agent{}, core.Invalid("agent_name", "required")
	}
	var agent core.Agent
	err := s.Tx(ctx, project, func(tx *eventstore.Tx) error {
		a, err := getAgent(ctx, tx, project, name)
		if err != nil {
			return err
		}
		if a == nil {
			return &core.NotFoundError{Kind: "agent", ID: name}
		}
		if _, err := tx.Emit(ctx, core.EventAgentActive, core.AgentActiveData{AgentName: name}); err != nil {
			return err
		}
		a, err = getAgent(ctx, tx, project, name)
		if err != nil {
			return err
		}
		agent = *a
		return nil
	})
	if err != nil {
		return core.Agent{}, err
	}
	return agent, nil
}

// GetAgents lists a project's agents, most recently active first.
func (s *Store) GetAgents(ctx context.Context, project string) ([]core.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE project_key = ? ORDER BY last_active_at DESC, name ASC", project)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetAgent(ctx context.Context, project, name string) (*core.Agent, error) {
	return getAgent(ctx, s.db, project, name)
}

func getAgent(ctx context.Context, h storage.Handle, project, name string) (*core.Agent, error) {
	row := h.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE project_key = ? AND name = ?", project, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc scanner) (core.Agent, error) {
	var a core.Agent
	var registered, active int64
	if err := sc.Scan(&a.ProjectKey, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &registered, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("scan agent: %w", err)
	}
	a.RegisteredAt = storage.FromMicros(registered)
	a.LastActiveAt = storage.FromMicros(active)
	return a, nil
}
