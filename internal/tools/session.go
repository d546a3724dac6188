package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/editbridge/internal/worker"
)

// --- close_edit_session ---

// CloseSessionTool ends a session left open by start_edit_session.
type CloseSessionTool struct {
	pool SessionPool
}

// NewCloseSessionTool creates a CloseSessionTool.
func NewCloseSessionTool(pool SessionPool) *CloseSessionTool {
	return &CloseSessionTool{pool: pool}
}

// Definition returns the MCP tool definition for registration.
func (t *CloseSessionTool) Definition() mcp.Tool {
	return mcp.NewTool("close_edit_session",
		mcp.WithDescription("Terminate an editor session and release its worker."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("Session returned by start_edit_session"),
		),
	)
}

// Handle processes the close_edit_session tool call.
func (t *CloseSessionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("sessionId", ""))
	if id == "" {
		return nil, invalidParams("'sessionId' is required")
	}
	if err := t.pool.DestroyInstance(ctx, id); err != nil {
		return nil, wireError(err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Session %s closed", id)), nil
}

// --- execute_edit_command ---

// ExecuteCommandTool sends one structured command to an open session.
type ExecuteCommandTool struct {
	pool SessionPool
}

// NewExecuteCommandTool creates an ExecuteCommandTool.
func NewExecuteCommandTool(pool SessionPool) *ExecuteCommandTool {
	return &ExecuteCommandTool{pool: pool}
}

// Definition returns the MCP tool definition for registration.
func (t *ExecuteCommandTool) Definition() mcp.Tool {
	return mcp.NewTool("execute_edit_command",
		mcp.WithDescription(
			"Send one command to an open editor session. "+
				"Command types: open, close, save, edit, find, replace, goto. "+
				"A failed command is reported in the result, not as a protocol error.",
		),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("Session returned by start_edit_session"),
		),
		mcp.WithObject("command",
			mcp.Required(),
			mcp.Description("{type, path, text, action, pattern, replacement, all, line, column}"),
		),
	)
}

// Handle processes the execute_edit_command tool call.
func (t *ExecuteCommandTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, _ := args["sessionId"].(string)
	if strings.TrimSpace(id) == "" {
		return nil, invalidParams("'sessionId' is required")
	}

	raw, ok := args["command"]
	if !ok || raw == nil {
		return nil, invalidParams("'command' is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, invalidParams("'command': %v", err)
	}
	var cmd worker.EditCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
		return nil, invalidParams("'command' must be an object with a type")
	}

	res := t.pool.ExecuteEditCommand(ctx, id, cmd)
	out, err := textResult(res)
	if err != nil {
		return nil, err
	}
	out.IsError = !res.Success
	return out, nil
}
