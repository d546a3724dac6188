package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/HendryAvila/editbridge/internal/config"
	"github.com/HendryAvila/editbridge/internal/filesystem"
	"github.com/HendryAvila/editbridge/internal/journal"
	"github.com/HendryAvila/editbridge/internal/protocol"
	"github.com/HendryAvila/editbridge/internal/router"
	"github.com/HendryAvila/editbridge/internal/worker"
)

// --- Fakes ---

type recordingRouter struct {
	mu     sync.Mutex
	ops    []router.Operation
	result any
	err    error
}

func (r *recordingRouter) Execute(_ context.Context, op router.Operation) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return r.result, r.err
}

func (r *recordingRouter) Optimize(_ context.Context, op router.Operation) router.OptimizedOperation {
	return router.OptimizedOperation{Original: op, Plan: router.ExecutionPlan{Executor: router.ExecutorEdit}}
}

func (r *recordingRouter) BuildFileContext(_ context.Context, op router.Operation) router.FileContext {
	return router.FileContext{FileCount: len(op.AffectedFiles), IsMultiFile: len(op.AffectedFiles) > 1}
}

type stubPool struct {
	destroyed []string
	commands  []worker.EditCommand
	destroy   error
	result    worker.EditResult
}

func (p *stubPool) ExecuteEditCommand(_ context.Context, _ string, cmd worker.EditCommand) worker.EditResult {
	p.commands = append(p.commands, cmd)
	return p.result
}

func (p *stubPool) DestroyInstance(_ context.Context, id string) error {
	p.destroyed = append(p.destroyed, id)
	return p.destroy
}

// editOnlyPool serves the router's EditPool interface for end-to-end tests.
type editOnlyPool struct{ stubPool }

func (p *editOnlyPool) CreateEditSession(context.Context, []string) (string, error) {
	return "s-1", nil
}

func (p *editOnlyPool) CoordinateMultiFileEdit(context.Context, worker.MultiFileEdit) ([]worker.EditResult, error) {
	return nil, nil
}

type stubHistory struct {
	sessions []journal.Session
	commands []journal.Command
	asked    string
}

func (h *stubHistory) RecentSessions(int) ([]journal.Session, error) { return h.sessions, nil }
func (h *stubHistory) Commands(id string, _ int) ([]journal.Command, error) {
	h.asked = id
	return h.commands, nil
}

func call(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var werr *protocol.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, code, werr.Code, werr.Message)
}

func operationTool(t *testing.T, r OperationRouter, typ string) *OperationTool {
	t.Helper()
	for _, tool := range NewOperationTools(r) {
		if tool.Name() == typ {
			return tool
		}
	}
	t.Fatalf("no tool for %s", typ)
	return nil
}

// --- Catalog ---

func TestOperationTools_CoverEveryFixedType(t *testing.T) {
	var want []string
	want = append(want, router.SimpleTypes()...)
	want = append(want, router.ComplexTypes()...)
	want = append(want, router.HybridTypes()...)

	var got []string
	for _, tool := range NewOperationTools(&recordingRouter{}) {
		def := tool.Definition()
		assert.Equal(t, tool.Name(), def.Name)
		assert.Contains(t, def.InputSchema.Properties, "files")
		assert.Contains(t, def.InputSchema.Properties, "path")
		got = append(got, def.Name)
	}
	assert.ElementsMatch(t, want, got)
}

func TestOperationTool_RequiredParamsInDefinition(t *testing.T) {
	def := operationTool(t, &recordingRouter{}, router.TypeReplaceInFile).Definition()
	assert.Contains(t, def.InputSchema.Required, "pattern")
	assert.NotContains(t, def.InputSchema.Required, "replacement")
}

// --- Operation tools ---

func TestOperationTool_BuildsOperation(t *testing.T) {
	r := &recordingRouter{result: map[string]int{"replacements": 2}}
	tool := operationTool(t, r, router.TypeReplaceInFile)

	res, err := tool.Handle(context.Background(), call(map[string]any{
		"files":       []any{"a.txt"},
		"path":        "b.txt",
		"pattern":     "foo",
		"replacement": "bar",
		"priority":    "high",
		"realtime":    true,
		"ignored":     "x",
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"replacements":2}`, text(t, res))

	require.Len(t, r.ops, 1)
	op := r.ops[0]
	assert.Equal(t, router.TypeReplaceInFile, op.Type)
	assert.Equal(t, []string{"a.txt", "b.txt"}, op.AffectedFiles)
	assert.Equal(t, map[string]any{"pattern": "foo", "replacement": "bar"}, op.Params)
	assert.Equal(t, "high", op.Priority)
	assert.True(t, op.RequiresRealTimeResponse)
}

func TestOperationTool_ArgumentValidation(t *testing.T) {
	r := &recordingRouter{}
	tool := operationTool(t, r, router.TypeFindInFile)

	_, err := tool.Handle(context.Background(), call(map[string]any{"pattern": "x"}))
	requireCode(t, err, protocol.CodeInvalidParams)

	_, err = tool.Handle(context.Background(), call(map[string]any{"path": "a.txt"}))
	requireCode(t, err, protocol.CodeInvalidParams)

	_, err = tool.Handle(context.Background(), call(map[string]any{"files": []any{"a", 3}, "pattern": "x"}))
	requireCode(t, err, protocol.CodeInvalidParams)

	assert.Empty(t, r.ops)
}

func TestOperationTool_StringResultIsVerbatim(t *testing.T) {
	r := &recordingRouter{result: "hello\n"}
	res, err := operationTool(t, r, router.TypeReadFile).Handle(context.Background(), call(map[string]any{"path": "a.txt"}))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", text(t, res))
}

func TestWireError_Mapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", errors.Errorf("bad: %w", router.ErrValidation), protocol.CodeInvalidParams},
		{"session", errors.Errorf("x: %w", worker.ErrSessionNotFound), protocol.CodeNotFound},
		{"missing file", errors.Errorf("reading: %w", os.ErrNotExist), protocol.CodeNotFound},
		{"capacity", errors.Errorf("opening edit session: %w", worker.ErrCapacity), protocol.CodeCapacity},
		{"exit", &worker.ExitError{SessionID: "s", Code: 2}, protocol.CodeProcessFailure},
		{"spawn", &worker.SpawnError{SessionID: "s", Err: errors.New("no such file")}, protocol.CodeProcessFailure},
		{"edit failed", errors.Errorf("save: %w", router.ErrEditFailed), protocol.CodeProcessFailure},
		{"unsupported", errors.Errorf("x: %w", router.ErrUnsupportedOperation), protocol.CodeUnsupported},
		{"other", errors.New("boom"), protocol.CodeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &recordingRouter{err: tc.err}
			_, err := operationTool(t, r, router.TypeFormatCode).Handle(context.Background(), call(map[string]any{"path": "main.rs"}))
			requireCode(t, err, tc.code)
		})
	}
}

func TestOperationTool_EndToEndThroughRouter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	r := router.New(filesystem.NewLocalFS(), &editOnlyPool{}, config.Default().Router)

	_, err := operationTool(t, r, router.TypeWriteFile).Handle(context.Background(), call(map[string]any{
		"path":    path,
		"content": "hello",
	}))
	require.NoError(t, err)

	res, err := operationTool(t, r, router.TypeReadFile).Handle(context.Background(), call(map[string]any{"path": path}))
	require.NoError(t, err)
	assert.Equal(t, "hello", text(t, res))

	_, err = operationTool(t, r, router.TypeReadFile).Handle(context.Background(), call(map[string]any{
		"path": filepath.Join(dir, "missing.txt"),
	}))
	require.Error(t, err)
}

// --- route_operation / explain_plan ---

func TestRouteOperation_PassesGenericFields(t *testing.T) {
	r := &recordingRouter{result: "ok"}
	tool := NewRouteOperationTool(r)

	_, err := tool.Handle(context.Background(), call(map[string]any{
		"type":   "custom_transform",
		"method": "formatDocument",
		"files":  []any{"x.go"},
		"params": map[string]any{"contextAware": true},
	}))
	require.NoError(t, err)
	require.Len(t, r.ops, 1)
	assert.Equal(t, "custom_transform", r.ops[0].Type)
	assert.Equal(t, "formatDocument", r.ops[0].Method)
	assert.Equal(t, true, r.ops[0].Params["contextAware"])

	_, err = tool.Handle(context.Background(), call(map[string]any{"files": []any{"x.go"}}))
	requireCode(t, err, protocol.CodeInvalidParams)

	_, err = tool.Handle(context.Background(), call(map[string]any{"type": "t", "params": "nope"}))
	requireCode(t, err, protocol.CodeInvalidParams)
}

func TestExplainPlan_DoesNotExecute(t *testing.T) {
	r := &recordingRouter{}
	res, err := NewExplainPlanTool(r).Handle(context.Background(), call(map[string]any{
		"type":   "custom_transform",
		"method": "editAndFormat",
		"files":  []any{"a.go", "b.go"},
		"params": map[string]any{"contextAware": true, "pattern": "x"},
	}))
	require.NoError(t, err)
	assert.Empty(t, r.ops)

	var got PlanExplanation
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	assert.Equal(t, router.Complex, got.Class)
	assert.InDelta(t, 1.0, got.Score, 1e-9)
	assert.Equal(t, 2, got.FileContext.FileCount)
	assert.Equal(t, router.ExecutorEdit, got.Plan.Executor)
	assert.Equal(t, "executor=edit", got.Summary)
}

// --- Sessions ---

func TestCloseSession(t *testing.T) {
	pool := &stubPool{}
	tool := NewCloseSessionTool(pool)

	res, err := tool.Handle(context.Background(), call(map[string]any{"sessionId": "s-9"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "s-9")
	assert.Equal(t, []string{"s-9"}, pool.destroyed)

	pool.destroy = errors.Errorf("destroying session s-10: %w", worker.ErrSessionNotFound)
	_, err = tool.Handle(context.Background(), call(map[string]any{"sessionId": "s-10"}))
	requireCode(t, err, protocol.CodeNotFound)

	_, err = tool.Handle(context.Background(), call(map[string]any{}))
	requireCode(t, err, protocol.CodeInvalidParams)
}

func TestExecuteCommand_FailureIsData(t *testing.T) {
	pool := &stubPool{result: worker.EditResult{Success: false, Message: "edit session not found"}}
	tool := NewExecuteCommandTool(pool)

	res, err := tool.Handle(context.Background(), call(map[string]any{
		"sessionId": "ghost",
		"command":   map[string]any{"type": "goto", "line": float64(12), "path": "a.go"},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "edit session not found")

	require.Len(t, pool.commands, 1)
	assert.Equal(t, worker.EditCommand{Type: "goto", Path: "a.go", Line: 12}, pool.commands[0])
}

func TestExecuteCommand_RequiresTypedCommand(t *testing.T) {
	tool := NewExecuteCommandTool(&stubPool{})
	_, err := tool.Handle(context.Background(), call(map[string]any{"sessionId": "s", "command": map[string]any{"path": "a"}}))
	requireCode(t, err, protocol.CodeInvalidParams)

	_, err = tool.Handle(context.Background(), call(map[string]any{"sessionId": "s"}))
	requireCode(t, err, protocol.CodeInvalidParams)
}

// --- History ---

func TestSessionHistory(t *testing.T) {
	h := &stubHistory{
		sessions: []journal.Session{{ID: "s1", Files: []string{"a.go"}}},
		commands: []journal.Command{{SessionID: "s1", Type: "save", Success: true}},
	}
	tool := NewSessionHistoryTool(h)

	res, err := tool.Handle(context.Background(), call(map[string]any{}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"s1"`)

	res, err = tool.Handle(context.Background(), call(map[string]any{"sessionId": "s1"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"save"`)
	assert.Equal(t, "s1", h.asked)
}

func TestSessionHistory_Disabled(t *testing.T) {
	res, err := NewSessionHistoryTool(nil).Handle(context.Background(), call(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
