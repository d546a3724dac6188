// Package tools exposes the router's file operations, the editor session
// pool and the session journal as MCP tools.
//
// Each tool is a struct that receives its dependencies at construction and
// offers Definition() for registration and Handle() as the call handler.
// Domain errors are mapped onto protocol error codes; see wireError.
package tools

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"gitlab.com/tozd/go/errors"

	"github.com/HendryAvila/editbridge/internal/journal"
	"github.com/HendryAvila/editbridge/internal/protocol"
	"github.com/HendryAvila/editbridge/internal/router"
	"github.com/HendryAvila/editbridge/internal/worker"
)

// OperationRouter plans and executes operations.
type OperationRouter interface {
	Execute(ctx context.Context, op router.Operation) (any, error)
	Optimize(ctx context.Context, op router.Operation) router.OptimizedOperation
	BuildFileContext(ctx context.Context, op router.Operation) router.FileContext
}

// SessionPool is the part of the worker pool that session tools drive.
type SessionPool interface {
	ExecuteEditCommand(ctx context.Context, sessionID string, cmd worker.EditCommand) worker.EditResult
	DestroyInstance(ctx context.Context, sessionID string) error
}

// History reads the session journal.
type History interface {
	RecentSessions(limit int) ([]journal.Session, error)
	Commands(sessionID string, limit int) ([]journal.Command, error)
}

// wireError maps a domain error onto the protocol error code the caller sees.
func wireError(err error) error {
	code := protocol.CodeInternalError
	switch {
	case errors.Is(err, router.ErrValidation):
		code = protocol.CodeInvalidParams
	case errors.Is(err, worker.ErrSessionNotFound), errors.Is(err, os.ErrNotExist):
		code = protocol.CodeNotFound
	case errors.Is(err, worker.ErrCapacity):
		code = protocol.CodeCapacity
	case errors.Is(err, worker.ErrProcessExited), errors.Is(err, worker.ErrNotRunning),
		errors.Is(err, worker.ErrSpawnFailed), errors.Is(err, router.ErrEditFailed):
		code = protocol.CodeProcessFailure
	case errors.Is(err, router.ErrUnsupportedOperation):
		code = protocol.CodeUnsupported
	}
	return protocol.NewError(code, err.Error(), nil)
}

// invalidParams reports a malformed tool argument.
func invalidParams(format string, args ...any) error {
	return protocol.Errorf(protocol.CodeInvalidParams, format, args...)
}

// textResult returns strings verbatim and everything else as indented JSON.
func textResult(v any) (*mcp.CallToolResult, error) {
	if s, ok := v.(string); ok {
		return mcp.NewToolResultText(s), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// stringList reads a string or an array of strings.
func stringList(args map[string]any, key string) ([]string, error) {
	switch v := args[key].(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, invalidParams("%s[%d] must be a non-empty string", key, i)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, invalidParams("%s must be a string or an array of strings", key)
}

// affectedFiles merges the files and path arguments, in that order.
func affectedFiles(args map[string]any) ([]string, error) {
	files, err := stringList(args, "files")
	if err != nil {
		return nil, err
	}
	path, err := stringList(args, "path")
	if err != nil {
		return nil, err
	}
	return append(files, path...), nil
}

// withTargetOptions appends the arguments shared by every operation tool.
func withTargetOptions(opts []mcp.ToolOption) []mcp.ToolOption {
	return append(opts,
		mcp.WithArray("files",
			mcp.Description("Files the operation touches"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("path",
			mcp.Description("Single file (or directory for list_files); appended to files"),
		),
		mcp.WithBoolean("realtime",
			mcp.Description("Caller needs a low-latency answer; hybrid plans fall back to plain file I/O"),
		),
		mcp.WithString("priority",
			mcp.Description("Scheduling hint"),
			mcp.Enum("low", "normal", "high"),
		),
	)
}

// baseOperation builds an Operation from the shared target arguments.
func baseOperation(typ string, args map[string]any) (router.Operation, error) {
	files, err := affectedFiles(args)
	if err != nil {
		return router.Operation{}, err
	}
	realtime, _ := args["realtime"].(bool)
	priority, _ := args["priority"].(string)
	return router.Operation{
		Type:                     typ,
		Params:                   map[string]any{},
		AffectedFiles:            files,
		RequiresRealTimeResponse: realtime,
		Priority:                 priority,
	}, nil
}
