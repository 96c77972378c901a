package eventstore

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mistakeknot/swarmmail/internal/core"
)

const (
	idProp       = `{"type": "string", "minLength": 1}`
	strProp      = `{"type": "string"}`
	idArrayProp  = `{"type": "array", "items": {"type": "string", "minLength": 1}}`
	cellStatuses = `{"enum": ["open", "in_progress", "blocked", "closed", "tombstone"]}`
)

func object(required string, props string) string {
	return `{"type": "object", "required": [` + required + `], "properties": {` + props + `}}`
}

// payloadSchemas constrains the data of every event type the log accepts.
var payloadSchemas = map[core.EventType]string{
	core.EventAgentRegistered: object(`"agent_name"`,
		`"agent_name": `+idProp+`, "program": `+strProp+`, "model": `+strProp+`, "task_description": `+strProp),
	core.EventAgentActive: object(`"agent_name"`, `"agent_name": `+idProp),
	core.EventMessageSent: object(`"message_id", "from_agent", "to_agents", "subject", "body"`,
		`"message_id": `+idProp+`, "from_agent": `+idProp+`,
		 "to_agents": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
		 "subject": `+idProp+`, "body": `+idProp+`, "thread_id": `+strProp+`,
		 "importance": {"enum": ["low", "normal", "high", "urgent"]}, "ack_required": {"type": "boolean"}`),
	core.EventMessageRead:  object(`"message_id", "agent_name"`, `"message_id": `+idProp+`, "agent_name": `+idProp),
	core.EventMessageAcked: object(`"message_id", "agent_name"`, `"message_id": `+idProp+`, "agent_name": `+idProp),
	core.EventFileReserved: object(`"agent_name", "paths", "exclusive", "expires_at"`,
		`"agent_name": `+idProp+`,
		 "paths": {"type": "array", "minItems": 1, "items": {"type": "object", "required": ["reservation_id", "path"],
		   "properties": {"reservation_id": `+idProp+`, "path": `+idProp+`}}},
		 "exclusive": {"type": "boolean"}, "reason": `+strProp+`, "expires_at": `+idProp),
	core.EventFileReleased: object(`"agent_name", "reservation_ids"`,
		`"agent_name": `+idProp+`, "reservation_ids": `+idArrayProp),
	core.EventCellCreated: object(`"cell_id", "type", "title", "priority"`,
		`"cell_id": `+idProp+`, "type": {"enum": ["bug", "feature", "task", "epic", "chore", "message"]},
		 "title": `+idProp+`, "description": `+strProp+`,
		 "priority": {"type": "integer", "minimum": 0, "maximum": 3},
		 "parent_id": `+strProp+`, "assignee": `+strProp),
	core.EventCellUpdated: object(`"cell_id"`,
		`"cell_id": `+idProp+`, "title": `+idProp+`, "description": `+strProp+`,
		 "priority": {"type": "integer", "minimum": 0, "maximum": 3}, "assignee": `+strProp),
	core.EventCellStatusChanged: object(`"cell_id", "from", "to"`,
		`"cell_id": `+idProp+`, "from": `+cellStatuses+`, "to": {"enum": ["open", "in_progress", "blocked"]}`),
	core.EventCellClosed:   object(`"cell_id", "reason"`, `"cell_id": `+idProp+`, "reason": `+idProp),
	core.EventCellReopened: object(`"cell_id"`, `"cell_id": `+idProp),
	core.EventCellDeleted:  object(`"cell_id"`, `"cell_id": `+idProp+`, "reason": `+strProp),
	core.EventCellDependencyAdded: object(`"cell_id", "depends_on_id", "relationship"`,
		dependencyProps),
	core.EventCellDependencyRemoved: object(`"cell_id", "depends_on_id", "relationship"`,
		dependencyProps),
	core.EventCellLabelAdded:   object(`"cell_id", "label"`, `"cell_id": `+idProp+`, "label": `+idProp),
	core.EventCellLabelRemoved: object(`"cell_id", "label"`, `"cell_id": `+idProp+`, "label": `+idProp),
	core.EventCellCommentAdded: object(`"comment_id", "cell_id", "body"`,
		`"comment_id": `+idProp+`, "cell_id": `+idProp+`, "author": `+strProp+`, "body": `+idProp),
	core.EventCellCommentUpdated: object(`"comment_id", "cell_id", "body"`,
		`"comment_id": `+idProp+`, "cell_id": `+idProp+`, "body": `+idProp),
	core.EventCellCommentDeleted: object(`"comment_id", "cell_id"`,
		`"comment_id": `+idProp+`, "cell_id": `+idProp),
	core.EventCellEpicChildAdded:   object(`"epic_id", "child_id"`, `"epic_id": `+idProp+`, "child_id": `+idProp),
	core.EventCellEpicChildRemoved: object(`"epic_id", "child_id"`, `"epic_id": `+idProp+`, "child_id": `+idProp),
	core.EventSessionStarted: object(`"session_id"`,
		`"session_id": `+idProp+`, "active_cell_id": `+strProp+`, "created_by": `+strProp),
	core.EventSessionEnded: object(`"session_id"`,
		`"session_id": `+idProp+`, "handoff_notes": `+strProp+`, "implicit": {"type": "boolean"}`),
}

const dependencyProps = `"cell_id": ` + idProp + `, "depends_on_id": ` + idProp + `,
	"relationship": {"enum": ["blocks", "related", "parent-child", "discovered-from", "replies-to", "relates-to", "duplicates", "supersedes"]},
	"created_by": ` + strProp

// validator checks event payloads against payloadSchemas.
type validator struct {
	schemas map[core.EventType]*jsonschema.Schema
}

var (
	compiledOnce sync.Once
	compiled     *validator
	compileErr   error
)

func defaultValidator() (*validator, error) {
	compiledOnce.Do(func() {
		compiled, compileErr = compileSchemas(payloadSchemas)
	})
	return compiled, compileErr
}

func compileSchemas(src map[core.EventType]string) (*validator, error) {
	c := jsonschema.NewCompiler()
	for typ, raw := range src {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", typ, err)
		}
		if err := c.AddResource(string(typ)+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", typ, err)
		}
	}
	v := &validator{schemas: make(map[core.EventType]*jsonschema.Schema, len(src))}
	for typ := range src {
		sch, err := c.Compile(string(typ) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", typ, err)
		}
		v.schemas[typ] = sch
	}
	return v, nil
}

// Known reports whether the log accepts events of type t.
func Known(t core.EventType) bool {
	_, ok := payloadSchemas[t]
	return ok
}

func (v *validator) validate(ev core.Event) error {
	sch, ok := v.schemas[ev.Type]
	if !ok {
		return core.Invalid("type", "unknown event type %q", ev.Type)
	}
	data := ev.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return core.Invalid("data", "not valid JSON: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return core.Invalid("data", "%s payload: %v", ev.Type, err)
	}
	return nil
}
