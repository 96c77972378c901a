package mcptools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

func (t *Toolset) mailTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: mcp.NewTool("swarmmail_init",
			mcp.WithDescription("Register this agent in the project. Omit agent_name to get a generated one."),
			projectArg(),
			mcp.WithString("agent_name", mcp.Description("Agent name: letters, digits, '-', '_' or '.'")),
			mcp.WithString("program", mcp.Description("Program running the agent")),
			mcp.WithString("model", mcp.Description("Model behind the agent")),
			mcp.WithString("task_description", mcp.Description("What the agent is working on")),
		), Handler: t.handleInit},
		{Tool: mcp.NewTool("swarmmail_send",
			mcp.WithDescription("Send a message to one or more agents."),
			projectArg(),
			mcp.WithString("from", mcp.Required(), mcp.Description("Sending agent")),
			mcp.WithArray("to", mcp.Required(), mcp.WithStringItems(), mcp.Description("Recipient agents")),
			mcp.WithString("subject", mcp.Required()),
			mcp.WithString("body", mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Thread to group the message under")),
			mcp.WithString("importance", mcp.Enum("low", "normal", "high", "urgent")),
			mcp.WithBoolean("ack_required", mcp.Description("Ask recipients to acknowledge")),
		), Handler: t.handleSend},
		{Tool: mcp.NewTool("swarmmail_inbox",
			mcp.WithDescription("List messages addressed to an agent, newest first. Bodies are omitted unless include_bodies is set."),
			projectArg(),
			mcp.WithString("agent", mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum messages (default 5)")),
			mcp.WithBoolean("urgent_only"),
			mcp.WithBoolean("unread_only"),
			mcp.WithBoolean("include_bodies"),
		), Handler: t.handleInbox},
		{Tool: mcp.NewTool("swarmmail_read_message",
			mcp.WithDescription("Fetch one message with its body and mark it read for the agent."),
			projectArg(),
			mcp.WithString("message_id", mcp.Required()),
			mcp.WithString("agent", mcp.Required()),
		), Handler: t.handleReadMessage},
		{Tool: mcp.NewTool("swarmmail_ack",
			mcp.WithDescription("Acknowledge a message. Also marks it read."),
			projectArg(),
			mcp.WithString("message_id", mcp.Required()),
			mcp.WithString("agent", mcp.Required()),
		), Handler: t.handleAck},
		{Tool: mcp.NewTool("swarmmail_thread",
			mcp.WithDescription("Read a whole thread, oldest first."),
			projectArg(),
			mcp.WithString("thread_id", mcp.Required()),
			mcp.WithString("agent", mcp.Description("Only return the thread if this agent took part")),
		), Handler: t.handleThread},
		{Tool: mcp.NewTool("swarmmail_reserve",
			mcp.WithDescription("Reserve files or glob patterns before editing. Fails with the list of conflicts when another agent holds them."),
			projectArg(),
			mcp.WithString("agent", mcp.Required()),
			mcp.WithArray("paths", mcp.Required(), mcp.WithStringItems()),
			mcp.WithString("reason"),
			mcp.WithBoolean("exclusive", mcp.Description("Default true")),
			mcp.WithNumber("ttl_seconds", mcp.Description("Default is the server's reservation TTL")),
		), Handler: t.handleReserve},
		{Tool: mcp.NewTool("swarmmail_release",
			mcp.WithDescription("Release reservations. With no paths or ids, releases everything the agent holds."),
			projectArg(),
			mcp.WithString("agent", mcp.Required()),
			mcp.WithArray("paths", mcp.WithStringItems()),
			mcp.WithArray("reservation_ids", mcp.WithStringItems()),
		), Handler: t.handleRelease},
		{Tool: mcp.NewTool("swarmmail_check",
			mcp.WithDescription("Check whether paths are free without reserving them."),
			projectArg(),
			mcp.WithString("agent", mcp.Required()),
			mcp.WithArray("paths", mcp.Required(), mcp.WithStringItems()),
			mcp.WithBoolean("exclusive", mcp.Description("Default true")),
		), Handler: t.handleCheck},
	}
}

func (t *Toolset) handleInit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	agent, err := t.mail.RegisterAgent(ctx, project, req.GetString("agent_name", ""), storage.AgentOptions{
		Program:         req.GetString("program", ""),
		Model:           req.GetString("model", ""),
		TaskDescription: req.GetString("task_description", ""),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(agent)
}

func (t *Toolset) handleSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	msg, err := t.mail.SendMessage(ctx, project,
		req.GetString("from", ""),
		req.GetStringSlice("to", nil),
		req.GetString("subject", ""),
		req.GetString("body", ""),
		storage.MessageOptions{
			ThreadID:    req.GetString("thread_id", ""),
			Importance:  core.Importance(req.GetString("importance", "")),
			AckRequired: req.GetBool("ack_required", false),
		})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(msg)
}

func (t *Toolset) handleInbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	msgs, err := t.mail.GetInbox(ctx, project, req.GetString("agent", ""), storage.InboxOptions{
		Limit:         intArg(req, "limit", 0),
		UrgentOnly:    req.GetBool("urgent_only", false),
		UnreadOnly:    req.GetBool("unread_only", false),
		IncludeBodies: req.GetBool("include_bodies", false),
	})
	if err != nil {
		return errorResult(err)
	}
	if msgs == nil {
		msgs = []core.Message{}
	}
	return jsonResult(msgs)
}

func (t *Toolset) handleReadMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	id := req.GetString("message_id", "")
	if err := t.mail.MarkMessageAsRead(ctx, project, id, req.GetString("agent", "")); err != nil {
		return errorResult(err)
	}
	msg, err := t.mail.GetMessage(ctx, project, id)
	if err != nil {
		return errorResult(err)
	}
	if msg == nil {
		return errorResult(&core.NotFoundError{Kind: "message", ID: id})
	}
	return jsonResult(msg)
}

func (t *Toolset) handleAck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	id := req.GetString("message_id", "")
	if err := t.mail.AcknowledgeMessage(ctx, project, id, req.GetString("agent", "")); err != nil {
		return errorResult(err)
	}
	return mcp.NewToolResultText("acknowledged " + id), nil
}

func (t *Toolset) handleThread(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	id := req.GetString("thread_id", "")
	msgs, err := t.mail.GetThread(ctx, project, id, req.GetString("agent", ""))
	if err != nil {
		return errorResult(err)
	}
	if msgs == nil {
		return errorResult(&core.NotFoundError{Kind: "thread", ID: id})
	}
	return jsonResult(msgs)
}

func (t *Toolset) handleReserve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	ttl := intArg(req, "ttl_seconds", 0)
	if ttl < 0 {
		return errorResult(core.Invalid("ttl_seconds", "must not be negative"))
	}
	res, err := t.mail.ReserveFiles(ctx, project, req.GetString("agent", ""), req.GetStringSlice("paths", nil), storage.ReserveOptions{
		Reason:    req.GetString("reason", ""),
		Exclusive: optBool(req, "exclusive"),
		TTL:       time.Duration(ttl) * time.Second,
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res.Reservations)
}

func (t *Toolset) handleRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	res, err := t.mail.ReleaseFiles(ctx, project, req.GetString("agent", ""), storage.ReleaseOptions{
		Paths:          req.GetStringSlice("paths", nil),
		ReservationIDs: req.GetStringSlice("reservation_ids", nil),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

func (t *Toolset) handleCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	conflicts, err := t.mail.CheckConflicts(ctx, project, req.GetString("agent", ""),
		req.GetStringSlice("paths", nil), req.GetBool("exclusive", true))
	if err != nil {
		return errorResult(err)
	}
	if conflicts == nil {
		conflicts = []core.ConflictDetail{}
	}
	return jsonResult(conflicts)
}
