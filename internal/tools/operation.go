package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/editbridge/internal/router"
)

type paramKind int

const (
	kindString paramKind = iota
	kindNumber
	kindBool
	kindObjects
)

type paramSpec struct {
	name     string
	kind     paramKind
	desc     string
	required bool
}

type operationSpec struct {
	typ    string
	desc   string
	params []paramSpec
}

var (
	contentParam     = paramSpec{name: "content", kind: kindString, desc: "Full text to write", required: true}
	editContentParam = paramSpec{name: "content", kind: kindString, desc: "Replacement text for the whole file"}
	patternParam     = paramSpec{name: "pattern", kind: kindString, desc: "Regular expression to search for"}
	replacementParam = paramSpec{name: "replacement", kind: kindString, desc: "Replacement text; $1 style group references are expanded"}
	lineParam        = paramSpec{name: "line", kind: kindNumber, desc: "1-based line"}
	columnParam      = paramSpec{name: "column", kind: kindNumber, desc: "1-based column"}
	textParam        = paramSpec{name: "text", kind: kindString, desc: "Text to insert or apply"}
	commandsParam    = paramSpec{name: "commands", kind: kindObjects, desc: "Explicit editor commands; overrides the default translation"}
	oldNameParam     = paramSpec{name: "oldName", kind: kindString, desc: "Identifier to rename", required: true}
	newNameParam     = paramSpec{name: "newName", kind: kindString, desc: "New identifier", required: true}
)

// operationSpecs lists one tool per fixed operation type.
var operationSpecs = []operationSpec{
	// Simple
	{typ: router.TypeReadFile, desc: "Read a file's content"},
	{typ: router.TypeWriteFile, desc: "Replace a file's content, creating it if needed", params: []paramSpec{contentParam}},
	{typ: router.TypeAppendFile, desc: "Append text to a file, creating it if needed", params: []paramSpec{contentParam}},
	{typ: router.TypeGetFileInfo, desc: "Report size, timestamps and permissions of a file"},
	{typ: router.TypeListFiles, desc: "List files under a directory, honoring .gitignore", params: []paramSpec{
		{name: "pattern", kind: kindString, desc: "Glob pattern relative to the directory, e.g. **/*.go"},
	}},
	{typ: router.TypeFindInFile, desc: "Find regex matches with optional context lines", params: []paramSpec{
		{name: "pattern", kind: kindString, desc: "Regular expression to search for", required: true},
		{name: "contextLines", kind: kindNumber, desc: "Lines of context around each match"},
	}},
	{typ: router.TypeReplaceInFile, desc: "Replace every regex match in a file", params: []paramSpec{
		{name: "pattern", kind: kindString, desc: "Regular expression to search for", required: true},
		replacementParam,
	}},
	{typ: router.TypeCreateBackup, desc: "Copy a file to a timestamped .bak next to it"},
	{typ: router.TypeRestoreBackup, desc: "Restore a file from a backup", params: []paramSpec{
		{name: "backupPath", kind: kindString, desc: "Backup file to restore from", required: true},
	}},
	{typ: router.TypeWatchFiles, desc: "Collect change events on files for a while", params: []paramSpec{
		{name: "durationMs", kind: kindNumber, desc: "How long to watch, default 1000"},
	}},

	// Complex
	{typ: router.TypeFormatCode, desc: "Format files with the editor's formatter", params: []paramSpec{commandsParam}},
	{typ: router.TypeRefactorCode, desc: "Rename an identifier in files through the editor", params: []paramSpec{oldNameParam, newNameParam}},
	{typ: router.TypeSyntaxAwareEdit, desc: "Apply a syntax-aware edit at a position", params: []paramSpec{textParam, lineParam, columnParam, commandsParam}},
	{typ: router.TypeMultiCursorEdit, desc: "Apply the same edit at several cursors", params: []paramSpec{textParam, lineParam, columnParam, commandsParam}},
	{typ: router.TypeEditInteractive, desc: "Open files in an editor session positioned at a line", params: []paramSpec{lineParam, columnParam}},
	{typ: router.TypeStartSession, desc: "Open files in an editor session that stays alive; close it with close_edit_session"},

	// Hybrid
	{typ: router.TypeSmartRefactor, desc: "Rename an identifier only in files that contain it", params: []paramSpec{oldNameParam, newNameParam}},
	{typ: router.TypeValidateAndEdit, desc: "Check files against rules, then edit them", params: []paramSpec{
		{name: "rules", kind: kindObjects, desc: "Validation rules: {pattern, message, forbid}"},
		editContentParam, patternParam, replacementParam,
	}},
	{typ: router.TypeBackupAndEdit, desc: "Back up files, edit them, and restore the backups if the edit fails", params: []paramSpec{
		editContentParam, patternParam, replacementParam,
	}},
	{typ: router.TypeAtomicMultiEdit, desc: "Run a sequence of operations, stopping at the first failure", params: []paramSpec{
		{name: "operations", kind: kindObjects, desc: "Operations: {type, affectedFiles, params}", required: true},
	}},
}

// OperationTool runs one fixed operation type through the router.
type OperationTool struct {
	router OperationRouter
	def    operationSpec
}

// NewOperationTools returns one tool per fixed operation type.
func NewOperationTools(r OperationRouter) []*OperationTool {
	out := make([]*OperationTool, 0, len(operationSpecs))
	for _, def := range operationSpecs {
		out = append(out, &OperationTool{router: r, def: def})
	}
	return out
}

// Name returns the tool name, which is also the operation type.
func (t *OperationTool) Name() string { return t.def.typ }

// Definition returns the MCP tool definition for registration.
func (t *OperationTool) Definition() mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.def.desc)}
	for _, p := range t.def.params {
		popts := []mcp.PropertyOption{mcp.Description(p.desc)}
		if p.required {
			popts = append(popts, mcp.Required())
		}
		switch p.kind {
		case kindString:
			opts = append(opts, mcp.WithString(p.name, popts...))
		case kindNumber:
			opts = append(opts, mcp.WithNumber(p.name, popts...))
		case kindBool:
			opts = append(opts, mcp.WithBoolean(p.name, popts...))
		case kindObjects:
			popts = append(popts, mcp.Items(map[string]any{"type": "object"}))
			opts = append(opts, mcp.WithArray(p.name, popts...))
		}
	}
	return mcp.NewTool(t.def.typ, withTargetOptions(opts)...)
}

// Handle builds the operation from the arguments and executes it.
func (t *OperationTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	op, err := baseOperation(t.def.typ, args)
	if err != nil {
		return nil, err
	}
	if len(op.AffectedFiles) == 0 {
		return nil, invalidParams("%s requires files or path", t.def.typ)
	}

	for _, p := range t.def.params {
		v, ok := args[p.name]
		if !ok || v == nil {
			if p.required {
				return nil, invalidParams("%s requires %s", t.def.typ, p.name)
			}
			continue
		}
		op.Params[p.name] = v
	}

	res, err := t.router.Execute(ctx, op)
	if err != nil {
		return nil, wireError(err)
	}
	return textResult(res)
}
