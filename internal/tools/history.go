package tools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// SessionHistoryTool reads the session journal.
type SessionHistoryTool struct {
	history History
}

// NewSessionHistoryTool creates a SessionHistoryTool. history may be nil
// when the journal is disabled.
func NewSessionHistoryTool(history History) *SessionHistoryTool {
	return &SessionHistoryTool{history: history}
}

// Definition returns the MCP tool definition for registration.
func (t *SessionHistoryTool) Definition() mcp.Tool {
	return mcp.NewTool("edit_session_history",
		mcp.WithDescription(
			"List recent editor sessions, or the commands sent to one session. "+
				"Covers sessions that already ended.",
		),
		mcp.WithString("sessionId",
			mcp.Description("Show commands for this session instead of the session list"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum entries (default: 10 sessions or 20 commands)"),
		),
	)
}

// Handle processes the edit_session_history tool call.
func (t *SessionHistoryTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if t.history == nil {
		return mcp.NewToolResultError("The session journal is disabled (journal.enabled=false)."), nil
	}

	limit := int(req.GetFloat("limit", 0))
	if id := strings.TrimSpace(req.GetString("sessionId", "")); id != "" {
		commands, err := t.history.Commands(id, limit)
		if err != nil {
			return nil, wireError(err)
		}
		if len(commands) == 0 {
			return mcp.NewToolResultText("No commands recorded for session " + id), nil
		}
		return textResult(commands)
	}

	sessions, err := t.history.RecentSessions(limit)
	if err != nil {
		return nil, wireError(err)
	}
	if len(sessions) == 0 {
		return mcp.NewToolResultText("No sessions recorded yet."), nil
	}
	return textResult(sessions)
}
