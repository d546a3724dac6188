// Package router classifies file operations and decides, per operation,
// whether plain file I/O, an editor worker session, or a multi-step hybrid
// recipe serves it.
package router

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Operation is one incoming file operation. Treat it as immutable; use Clone
// to derive per-file or per-batch copies.
type Operation struct {
	Type                     string         `json:"type"`
	Method                   string         `json:"method,omitempty"`
	Params                   map[string]any `json:"params,omitempty"`
	AffectedFiles            []string       `json:"affectedFiles"`
	RequiresRealTimeResponse bool           `json:"requiresRealTimeResponse,omitempty"`
	Priority                 string         `json:"priority,omitempty"`
}

// Clone returns a copy of op scoped to files. Params are shared read-only.
func (op Operation) Clone(files []string) Operation {
	op.AffectedFiles = slices.Clone(files)
	return op
}

// --- Classification vocabulary ---

// ComplexityClass is derived from an operation, never stored.
type ComplexityClass string

const (
	Simple  ComplexityClass = "simple"
	Medium  ComplexityClass = "medium"
	Complex ComplexityClass = "complex"
)

// Executor names a strategy for carrying out an operation.
type Executor string

const (
	ExecutorFilesystem Executor = "filesystem"
	ExecutorEdit       Executor = "edit"
	ExecutorHybrid     Executor = "hybrid"
)

// Strategy controls how multi-part work is coordinated.
type Strategy string

const (
	Sequential  Strategy = "sequential"
	Parallel    Strategy = "parallel"
	Intelligent Strategy = "intelligent"
)

// Operation types with fixed routing.
const (
	TypeReadFile        = "read_file_content"
	TypeWriteFile       = "write_file_content"
	TypeAppendFile      = "append_file_content"
	TypeGetFileInfo     = "get_file_info"
	TypeListFiles       = "list_files"
	TypeFindInFile      = "find_in_file"
	TypeReplaceInFile   = "replace_in_file"
	TypeCreateBackup    = "create_backup"
	TypeRestoreBackup   = "restore_backup"
	TypeWatchFiles      = "watch_files"
	TypeFormatCode      = "format_code"
	TypeRefactorCode    = "refactor_code"
	TypeSyntaxAwareEdit = "syntax_aware_edit"
	TypeMultiCursorEdit = "multi_cursor_edit"
	TypeEditInteractive = "edit_file_interactive"
	TypeStartSession    = "start_edit_session"
	TypeSmartRefactor   = "smart_refactor"
	TypeValidateAndEdit = "validate_and_edit"
	TypeBackupAndEdit   = "backup_and_edit"
	TypeAtomicMultiEdit = "atomic_multi_file_edit"
)

var (
	simpleTypes = []string{
		TypeReadFile, TypeWriteFile, TypeAppendFile, TypeGetFileInfo, TypeListFiles,
		TypeFindInFile, TypeReplaceInFile, TypeCreateBackup, TypeRestoreBackup, TypeWatchFiles,
	}
	complexTypes = []string{
		TypeFormatCode, TypeRefactorCode, TypeSyntaxAwareEdit,
		TypeMultiCursorEdit, TypeEditInteractive, TypeStartSession,
	}
	hybridTypes = []string{
		TypeSmartRefactor, TypeValidateAndEdit, TypeBackupAndEdit, TypeAtomicMultiEdit,
	}
	highPriorityTypes = []string{TypeReadFile, TypeGetFileInfo, TypeFindInFile}

	// Formats where whitespace or markup structure carries meaning.
	structuralExtensions = []string{
		".py", ".yaml", ".yml", ".json", ".jsonc", ".toml", ".xml",
		".html", ".vue", ".svelte", ".ipynb", ".mk",
	}
	advancedParams = []string{"syntax", "formatting", "indentation", "contextAware"}
)

// SimpleTypes, ComplexTypes and HybridTypes return copies of the fixed lists.
func SimpleTypes() []string  { return slices.Clone(simpleTypes) }
func ComplexTypes() []string { return slices.Clone(complexTypes) }
func HybridTypes() []string  { return slices.Clone(hybridTypes) }

// --- Plan model ---

// FileContext summarizes the files an operation touches.
type FileContext struct {
	FileCount                int   `json:"fileCount"`
	IsMultiFile              bool  `json:"isMultiFile"`
	TotalFileSize            int64 `json:"totalFileSize"`
	RequiresAdvancedFeatures bool  `json:"requiresAdvancedFeatures"`
}

// PerformanceRequirements capture latency expectations.
type PerformanceRequirements struct {
	RequiresRealTimeResponse bool `json:"requiresRealTimeResponse"`
	IsHighPriority           bool `json:"isHighPriority"`
}

// ExecutionPlan says which executor runs an operation and how.
type ExecutionPlan struct {
	Executor             Executor `json:"executor"`
	Fallback             Executor `json:"fallback,omitempty"`
	Preprocessing        Executor `json:"preprocessing,omitempty"`
	CoordinationStrategy Strategy `json:"coordinationStrategy,omitempty"`
}

func (p ExecutionPlan) String() string {
	s := "executor=" + string(p.Executor)
	if p.Fallback != "" {
		s += " fallback=" + string(p.Fallback)
	}
	if p.Preprocessing != "" {
		s += " preprocessing=" + string(p.Preprocessing)
	}
	if p.CoordinationStrategy != "" {
		s += " strategy=" + string(p.CoordinationStrategy)
	}
	return s
}

// OptimizedOperation is an operation with its final plan and optional batches.
type OptimizedOperation struct {
	Original Operation     `json:"original"`
	Plan     ExecutionPlan `json:"plan"`
	// Batches is set only for very large file sets. Each batch is a
	// singleton list holding a clone scoped to one slice of files.
	Batches [][]Operation `json:"batches,omitempty"`
}

// --- Param helpers ---

func hasFlag(params map[string]any, key string) bool {
	v, ok := params[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	return true
}

func paramString(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	}
	return fmt.Sprint(v), true
}

func paramInt(params map[string]any, key string, def int) int {
	switch t := params[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// decodeParam re-decodes params[key] into out via JSON.
func decodeParam(params map[string]any, key string, out any) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return false, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return true, err
	}
	return true, json.Unmarshal(data, out)
}

func extension(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
