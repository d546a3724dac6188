package tools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/editbridge/internal/router"
)

// operationFromArgs reads the generic operation arguments shared by
// route_operation and explain_plan.
func operationFromArgs(args map[string]any) (router.Operation, error) {
	typ, _ := args["type"].(string)
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return router.Operation{}, invalidParams("'type' is required")
	}
	op, err := baseOperation(typ, args)
	if err != nil {
		return router.Operation{}, err
	}
	op.Method, _ = args["method"].(string)

	switch params := args["params"].(type) {
	case nil:
	case map[string]any:
		op.Params = params
	default:
		return router.Operation{}, invalidParams("'params' must be an object")
	}
	return op, nil
}

func withOperationOptions(desc string) []mcp.ToolOption {
	return withTargetOptions([]mcp.ToolOption{
		mcp.WithDescription(desc),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Operation type; unlisted types are classified by method and params"),
		),
		mcp.WithString("method",
			mcp.Description("Free-form method name used when scoring unlisted types"),
		),
		mcp.WithObject("params",
			mcp.Description("Operation parameters"),
		),
	})
}

// --- route_operation ---

// RouteOperationTool executes an arbitrary operation, including types not
// covered by a dedicated tool.
type RouteOperationTool struct {
	router OperationRouter
}

// NewRouteOperationTool creates a RouteOperationTool.
func NewRouteOperationTool(r OperationRouter) *RouteOperationTool {
	return &RouteOperationTool{router: r}
}

// Definition returns the MCP tool definition for registration.
func (t *RouteOperationTool) Definition() mcp.Tool {
	return mcp.NewTool("route_operation", withOperationOptions(
		"Run any file operation. The router picks plain file I/O, an editor session or a multi-step recipe.",
	)...)
}

// Handle processes the route_operation tool call.
func (t *RouteOperationTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := operationFromArgs(req.GetArguments())
	if err != nil {
		return nil, err
	}
	res, err := t.router.Execute(ctx, op)
	if err != nil {
		return nil, wireError(err)
	}
	return textResult(res)
}

// --- explain_plan ---

// PlanExplanation is the explain_plan result.
type PlanExplanation struct {
	Type        string                         `json:"type"`
	Class       router.ComplexityClass         `json:"class"`
	Score       float64                        `json:"score"`
	FileContext router.FileContext             `json:"fileContext"`
	Performance router.PerformanceRequirements `json:"performance"`
	Plan        router.ExecutionPlan           `json:"plan"`
	Summary     string                         `json:"summary"`
	Batches     int                            `json:"batches,omitempty"`
}

// ExplainPlanTool reports how an operation would be routed without running it.
type ExplainPlanTool struct {
	router OperationRouter
}

// NewExplainPlanTool creates an ExplainPlanTool.
func NewExplainPlanTool(r OperationRouter) *ExplainPlanTool {
	return &ExplainPlanTool{router: r}
}

// Definition returns the MCP tool definition for registration.
func (t *ExplainPlanTool) Definition() mcp.Tool {
	return mcp.NewTool("explain_plan", withOperationOptions(
		"Show the complexity class, file context and execution plan for an operation without executing it.",
	)...)
}

// Handle processes the explain_plan tool call.
func (t *ExplainPlanTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := operationFromArgs(req.GetArguments())
	if err != nil {
		return nil, err
	}
	opt := t.router.Optimize(ctx, op)
	return textResult(PlanExplanation{
		Type:        op.Type,
		Class:       router.Classify(op),
		Score:       router.Score(op),
		FileContext: t.router.BuildFileContext(ctx, op),
		Performance: router.Performance(op),
		Plan:        opt.Plan,
		Summary:     opt.Plan.String(),
		Batches:     len(opt.Batches),
	})
}
