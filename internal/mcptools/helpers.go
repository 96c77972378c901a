// Package mcptools exposes the coordination store as MCP tools.
//
// Every tool follows one pattern:
//   - the definition names its arguments with mcp.With* options
//   - the handler resolves the project, calls one adapter method and
//     returns the result as JSON text
//
// Store errors come back as tool errors, never as protocol errors, so the
// calling model can read them and correct its arguments.
package mcptools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mistakeknot/swarmmail/internal/core"
)

// intArg extracts an integer argument, returning def when the key is
// missing (JSON numbers arrive as float64).
func intArg(req mcp.CallToolRequest, key string, def int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return def
	}
	return int(v)
}

// optBool returns nil when key is absent.
func optBool(req mcp.CallToolRequest, key string) *bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return nil
	}
	return &v
}

// optString returns nil when key is absent, so "" can clear a field.
func optString(req mcp.CallToolRequest, key string) *string {
	v, ok := req.GetArguments()[key].(string)
	if !ok {
		return nil
	}
	return &v
}

func optInt(req mcp.CallToolRequest, key string) *int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return nil
	}
	n := int(v)
	return &n
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// errorResult turns a store error into a tool error with a short kind prefix.
func errorResult(err error) (*mcp.CallToolResult, error) {
	var (
		verr *core.ValidationError
		cerr *core.ReservationConflictError
	)
	switch {
	case errors.As(err, &verr):
		return mcp.NewToolResultError(fmt.Sprintf("validation: %s: %s", verr.Field, verr.Message)), nil
	case errors.As(err, &cerr):
		lines := make([]string, 0, len(cerr.Conflicts))
		for _, c := range cerr.Conflicts {
			lines = append(lines, fmt.Sprintf("- %s held by %s via %s until %s",
				c.Path, c.Holder, c.Pattern, c.ExpiresAt.Format("15:04:05")))
		}
		return mcp.NewToolResultError("conflict: paths are reserved\n" + strings.Join(lines, "\n")), nil
	case errors.Is(err, core.ErrNotFound):
		return mcp.NewToolResultError("not found: " + err.Error()), nil
	case errors.Is(err, core.ErrConflict):
		return mcp.NewToolResultError("conflict: " + err.Error()), nil
	default:
		return mcp.NewToolResultError("error: " + err.Error()), nil
	}
}
