package mcptools

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mistakeknot/swarmmail/internal/core"
	"github.com/mistakeknot/swarmmail/internal/storage"
)

// Toolset binds the tools to one coordination store and one issue tracker.
type Toolset struct {
	mail           storage.CoordinationAdapter
	hive           storage.IssueTrackerAdapter
	defaultProject string
}

func New(mail storage.CoordinationAdapter, hive storage.IssueTrackerAdapter) *Toolset {
	return &Toolset{mail: mail, hive: hive}
}

// WithDefaultProject sets the project used when a call omits "project".
func (t *Toolset) WithDefaultProject(project string) *Toolset {
	t.defaultProject = strings.TrimSpace(project)
	return t
}

func (t *Toolset) project(req mcp.CallToolRequest) (string, error) {
	p := strings.TrimSpace(req.GetString("project", ""))
	if p == "" {
		p = t.defaultProject
	}
	if p == "" {
		return "", core.Invalid("project", "required")
	}
	return p, nil
}

func projectArg() mcp.ToolOption {
	return mcp.WithString("project",
		mcp.Description("Project key. Defaults to the server's project."),
	)
}

// Tools lists every tool with its handler.
func (t *Toolset) Tools() []server.ServerTool {
	return append(t.mailTools(), t.hiveTools()...)
}

// NewServer builds an MCP server exposing the toolset.
func NewServer(version string, t *Toolset) *server.MCPServer {
	s := server.NewMCPServer(
		"swarmmail",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.AddTools(t.Tools()...)
	return s
}

const instructions = `Coordinate with other agents working in the same project.
Register with swarmmail_init first, then check swarmmail_inbox regularly.
Reserve files with swarmmail_reserve before editing them and release them when done.
Track work as hive cells: hive_ready returns the next unblocked cell.
Start each working session with hive_session_start to read the previous handoff notes.`
