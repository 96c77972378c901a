package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

func (t *Toolset) hiveTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: mcp.NewTool("hive_create",
			mcp.WithDescription("Create a cell (bug, feature, task, epic, chore or message)."),
			projectArg(),
			mcp.WithString("title", mcp.Required()),
			mcp.WithString("type", mcp.Required(), mcp.Enum("bug", "feature", "task", "epic", "chore", "message")),
			mcp.WithString("description"),
			mcp.WithNumber("priority", mcp.Description("0 (highest) to 3, default 2")),
			mcp.WithString("parent_id", mcp.Description("Epic this cell belongs to")),
			mcp.WithString("assignee"),
		), Handler: t.handleCreateCell},
		{Tool: mcp.NewTool("hive_query",
			mcp.WithDescription("List cells, optionally filtered by status, type, parent, assignee or label."),
			projectArg(),
			mcp.WithArray("statuses", mcp.WithStringItems()),
			mcp.WithArray("types", mcp.WithStringItems()),
			mcp.WithString("parent_id"),
			mcp.WithString("assignee"),
			mcp.WithString("label"),
			mcp.WithNumber("limit"),
		), Handler: t.handleQueryCells},
		{Tool: mcp.NewTool("hive_update",
			mcp.WithDescription("Update a cell's title, description, priority or assignee. Omitted fields are unchanged."),
			projectArg(),
			mcp.WithString("id", mcp.Required()),
			mcp.WithString("title"),
			mcp.WithString("description"),
			mcp.WithNumber("priority"),
			mcp.WithString("assignee"),
		), Handler: t.handleUpdateCell},
		{Tool: mcp.NewTool("hive_status",
			mcp.WithDescription("Move a cell to open, in_progress or blocked."),
			projectArg(),
			mcp.WithString("id", mcp.Required()),
			mcp.WithString("status", mcp.Required(), mcp.Enum("open", "in_progress", "blocked")),
		), Handler: t.handleCellStatus},
		{Tool: mcp.NewTool("hive_close",
			mcp.WithDescription("Close a cell with a reason."),
			projectArg(),
			mcp.WithString("id", mcp.Required()),
			mcp.WithString("reason", mcp.Required()),
		), Handler: t.handleCloseCell},
		{Tool: mcp.NewTool("hive_depend",
			mcp.WithDescription("Record that a cell depends on another. 'blocks' edges keep the cell out of the ready queue."),
			projectArg(),
			mcp.WithString("id", mcp.Required()),
			mcp.WithString("depends_on_id", mcp.Required()),
			mcp.WithString("relationship", mcp.Description("Default blocks")),
		), Handler: t.handleDepend},
		{Tool: mcp.NewTool("hive_comment",
			mcp.WithDescription("Add a comment to a cell."),
			projectArg(),
			mcp.WithString("id", mcp.Required()),
			mcp.WithString("author", mcp.Required()),
			mcp.WithString("body", mcp.Required()),
		), Handler: t.handleComment},
		{Tool: mcp.NewTool("hive_ready",
			mcp.WithDescription("Return the highest-priority unblocked open cell, or nothing when the queue is empty."),
			projectArg(),
		), Handler: t.handleReady},
		{Tool: mcp.NewTool("hive_session_start",
			mcp.WithDescription("Start a working session. Ends any open session and returns the previous handoff notes."),
			projectArg(),
			mcp.WithString("active_cell_id"),
			mcp.WithString("created_by"),
		), Handler: t.handleSessionStart},
		{Tool: mcp.NewTool("hive_session_end",
			mcp.WithDescription("End a session, leaving handoff notes for the next one."),
			projectArg(),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithString("handoff_notes"),
		), Handler: t.handleSessionEnd},
	}
}

func (t *Toolset) handleCreateCell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	cell, err := t.hive.CreateCell(ctx, project, storage.CreateCellInput{
		Type:        core.CellType(req.GetString("type", "")),
		Title:       req.GetString("title", ""),
		Description: req.GetString("description", ""),
		Priority:    optInt(req, "priority"),
		ParentID:    req.GetString("parent_id", ""),
		Assignee:    req.GetString("assignee", ""),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(cell)
}

func (t *Toolset) handleQueryCells(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	q := storage.CellQuery{
		ParentID: req.GetString("parent_id", ""),
		Assignee: req.GetString("assignee", ""),
		Label:    req.GetString("label", ""),
		Limit:    intArg(req, "limit", 0),
	}
	for _, s := range req.GetStringSlice("statuses", nil) {
		q.Statuses = append(q.Statuses, core.CellStatus(s))
	}
	for _, s := range req.GetStringSlice("types", nil) {
		q.Types = append(q.Types, core.CellType(s))
	}
	cells, err := t.hive.QueryCells(ctx, project, q)
	if err != nil {
		return errorResult(err)
	}
	if cells == nil {
		cells = []core.Cell{}
	}
	return jsonResult(cells)
}

func (t *Toolset) handleUpdateCell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	cell, err := t.hive.UpdateCell(ctx, project, req.GetString("id", ""), storage.CellUpdate{
		Title:       optString(req, "title"),
		Description: optString(req, "description"),
		Priority:    optInt(req, "priority"),
		Assignee:    optString(req, "assignee"),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(cell)
}

func (t *Toolset) handleCellStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	cell, err := t.hive.ChangeCellStatus(ctx, project, req.GetString("id", ""), core.CellStatus(req.GetString("status", "")))
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(cell)
}

func (t *Toolset) handleCloseCell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	cell, err := t.hive.CloseCell(ctx, project, req.GetString("id", ""), req.GetString("reason", ""))
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(cell)
}

func (t *Toolset) handleDepend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	dep, err := t.hive.AddDependency(ctx, project,
		req.GetString("id", ""),
		req.GetString("depends_on_id", ""),
		core.Relationship(req.GetString("relationship", "")),
		"")
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(dep)
}

func (t *Toolset) handleComment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	c, err := t.hive.AddComment(ctx, project, req.GetString("id", ""), req.GetString("author", ""), req.GetString("body", ""))
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(c)
}

func (t *Toolset) handleReady(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	cell, err := t.hive.GetNextReadyCell(ctx, project)
	if err != nil {
		return errorResult(err)
	}
	if cell == nil {
		return mcp.NewToolResultText("no ready cells"), nil
	}
	return jsonResult(cell)
}

func (t *Toolset) handleSessionStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	started, err := t.hive.StartSession(ctx, project, storage.SessionOptions{
		ActiveCellID: req.GetString("active_cell_id", ""),
		CreatedBy:    req.GetString("created_by", ""),
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(started)
}

func (t *Toolset) handleSessionEnd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := t.project(req)
	if err != nil {
		return errorResult(err)
	}
	sess, err := t.hive.EndSession(ctx, project, req.GetString("session_id", ""), req.GetString("handoff_notes", ""))
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(sess)
}
