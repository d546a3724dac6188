package router

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/editbridge/internal/config"
	"github.com/HendryAvila/editbridge/internal/filesystem"
	"github.com/HendryAvila/editbridge/internal/worker"
)

// --- smart_refactor ---

func TestSmartRefactor_NoOccurrencesNeverAllocates(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.ts", "const bar = 1\n")
	b := writeFile(t, dir, "b.ts", "export {}\n")
	r, pool := newTestRouter(t, nil)

	res, err := r.Execute(context.Background(), Operation{
		Type:          TypeSmartRefactor,
		AffectedFiles: []string{a, b},
		Params:        map[string]any{"oldName": "foo", "newName": "baz"},
	})
	require.NoError(t, err)
	assert.Equal(t, NoOccurrencesMessage, res.(*RefactorResult).Message)
	assert.Zero(t, pool.sessionsCreated())
	assert.Empty(t, pool.multi)
}

func TestSmartRefactor_OnlyMatchingFilesAreEdited(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "call foo.bar() then foo.bar()\n")
	b := writeFile(t, dir, "b.txt", "nothing here\n")
	c := writeFile(t, dir, "c.txt", "fooXbar\n")
	r, pool := newTestRouter(t, nil)

	res, err := r.executeHybrid(context.Background(), Operation{
		Type:          TypeSmartRefactor,
		AffectedFiles: []string{a, b, c},
		Params:        map[string]any{"oldName": "foo.bar", "newName": "qux"},
	}, Intelligent)
	require.NoError(t, err)

	// The old name is searched literally, so "fooXbar" does not match.
	out := res.(*RefactorResult)
	assert.Equal(t, []string{a}, out.Files)
	assert.Equal(t, map[string]int{a: 2}, out.Occurrences)

	require.Len(t, pool.multi, 1)
	assert.Equal(t, []string{a}, pool.multi[0].Files)
	assert.True(t, pool.multi[0].Save)
	assert.Equal(t, worker.EditCommand{Type: worker.CommandReplace, Pattern: "foo.bar", Replacement: "qux", All: true}, pool.multi[0].Operation)
}

func TestSmartRefactor_RequiresOldName(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	_, err := r.executeHybrid(context.Background(), Operation{Type: TypeSmartRefactor, AffectedFiles: []string{"a"}}, Sequential)
	assert.ErrorIs(t, err, ErrValidation)
}

// --- validate_and_edit ---

func TestValidateAndEdit_FailingRuleAbortsBeforeSession(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "package main\n")
	b := writeFile(t, dir, "b.txt", "TODO: fix\n")
	r, pool := newTestRouter(t, nil)

	_, err := r.Execute(context.Background(), Operation{
		Type:          TypeValidateAndEdit,
		AffectedFiles: []string{a, b},
		Params: map[string]any{
			"content": "replaced",
			"rules": []any{
				map[string]any{"pattern": `\S`, "message": "file must not be empty"},
				map[string]any{"pattern": "TODO", "message": "unresolved TODO", "forbid": true},
			},
		},
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "unresolved TODO")
	assert.Contains(t, err.Error(), b)
	assert.Zero(t, pool.sessionsCreated())
}

func TestValidateAndEdit_PassingRulesDelegateToEditor(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "hello\n")
	b := writeFile(t, dir, "b.txt", "hello again\n")
	r, pool := newTestRouter(t, nil)

	res, err := r.Execute(context.Background(), Operation{
		Type:          TypeValidateAndEdit,
		AffectedFiles: []string{a, b},
		Params: map[string]any{
			"pattern":     "hello",
			"replacement": "bye",
			"rules":       []any{map[string]any{"pattern": "^hello", "message": "must greet"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pool.sessionsCreated())
	assert.Len(t, res.(*EditOutcome).Results, 4)
	assert.Len(t, pool.destroyed, 1)
}

func TestValidateAndEdit_BadPattern(t *testing.T) {
	a := writeFile(t, t.TempDir(), "a.txt", "x")
	r, _ := newTestRouter(t, nil)
	_, err := r.validateAndEdit(context.Background(), Operation{
		Type:          TypeValidateAndEdit,
		AffectedFiles: []string{a},
		Params:        map[string]any{"rules": []any{map[string]any{"pattern": "("}}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

// --- backup_and_edit ---

func TestBackupAndEdit_SuccessReturnsBackupsAndDiffs(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "hello world\n")
	r, pool := newTestRouter(t, nil)
	pool.handle = func(cmd worker.EditCommand) worker.EditResult {
		if cmd.Type == worker.CommandEdit {
			_ = os.WriteFile(cmd.Path, []byte(cmd.Text), 0o644)
		}
		return worker.EditResult{Success: true}
	}

	var observed []string
	r.onBackup = func(original, backup string, restored bool) {
		observed = append(observed, original)
		assert.False(t, restored)
	}

	res, err := r.Execute(context.Background(), Operation{
		Type:          TypeBackupAndEdit,
		AffectedFiles: []string{a},
		Params:        map[string]any{"content": "hello there\n"},
	})
	require.NoError(t, err)

	out := res.(*BackupEditResult)
	require.Len(t, out.Backups, 1)
	assert.True(t, strings.HasPrefix(out.Backups[0], a+"."))
	assert.Equal(t, "hello world\n", readFile(t, out.Backups[0]))
	assert.Contains(t, out.Diffs[a], "+there")
	assert.Equal(t, []string{a}, observed)
}

func TestBackupAndEdit_FailureRestoresEveryFile(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "alpha")
	b := writeFile(t, dir, "b.txt", "beta")
	r, pool := newTestRouter(t, nil)
	pool.handle = func(cmd worker.EditCommand) worker.EditResult {
		if cmd.Type == worker.CommandEdit {
			_ = os.WriteFile(cmd.Path, []byte("clobbered"), 0o644)
			if cmd.Path == b {
				return worker.EditResult{Success: false, Message: "worker crashed"}
			}
		}
		return worker.EditResult{Success: true}
	}

	var restored []string
	r.onBackup = func(original, _ string, wasRestored bool) {
		if wasRestored {
			restored = append(restored, original)
		}
	}

	_, err := r.Execute(context.Background(), Operation{
		Type:          TypeBackupAndEdit,
		AffectedFiles: []string{a, b},
		Params:        map[string]any{"content": "new"},
	})
	require.ErrorIs(t, err, ErrEditFailed)
	assert.Equal(t, "alpha", readFile(t, a))
	assert.Equal(t, "beta", readFile(t, b))
	assert.Equal(t, []string{a, b}, restored)
}

// --- atomic_multi_file_edit ---

func TestSequence_StopsAtFailureWithoutCompensation(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "one")
	r, _ := newTestRouter(t, nil)

	_, err := r.Execute(context.Background(), Operation{
		Type: TypeAtomicMultiEdit,
		Params: map[string]any{"operations": []any{
			map[string]any{"type": TypeWriteFile, "affectedFiles": []any{a}, "params": map[string]any{"content": "two"}},
			map[string]any{"type": TypeRestoreBackup, "affectedFiles": []any{a}},
			map[string]any{"type": TypeWriteFile, "affectedFiles": []any{a}, "params": map[string]any{"content": "three"}},
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
	assert.Equal(t, "two", readFile(t, a))
}

func TestSequence_ReturnsStepResultsInOrder(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "one")
	r, _ := newTestRouter(t, nil)

	res, err := r.Execute(context.Background(), Operation{
		Type: TypeAtomicMultiEdit,
		Params: map[string]any{"operations": []any{
			map[string]any{"type": TypeAppendFile, "affectedFiles": []any{a}, "params": map[string]any{"content": "+two"}},
			map[string]any{"type": TypeReadFile, "affectedFiles": []any{a}},
		}},
	})
	require.NoError(t, err)
	steps := res.([]StepResult)
	require.Len(t, steps, 2)
	assert.Equal(t, TypeReadFile, steps[1].Type)
	assert.Equal(t, "one+two", steps[1].Result)
}

func TestSequence_RequiresOperations(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	_, err := r.sequence(context.Background(), Operation{Type: TypeAtomicMultiEdit})
	assert.ErrorIs(t, err, ErrValidation)
}

// --- fan-out ---

func TestFanOut_IntelligentRunsEveryFile(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "A")
	b := writeFile(t, dir, "b.txt", "B")
	c := writeFile(t, dir, "c.txt", "C")
	r, _ := newTestRouter(t, filesystem.NewLocalFS())

	res, err := r.fanOut(context.Background(), Operation{Type: TypeReadFile, AffectedFiles: []string{a, b, c}}, Intelligent)
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B", "C"}, res)
}

func TestFanOut_EditorTypesGetOneSessionPerFile(t *testing.T) {
	r, pool := newTestRouter(t, nil)
	res, err := r.fanOut(context.Background(), Operation{
		Type:          "lint_fix",
		Method:        "edit",
		AffectedFiles: []string{"a.txt", "b.txt"},
		Params: map[string]any{"commands": []any{
			map[string]any{"type": "replace", "pattern": "var ", "replacement": "let ", "all": true},
			map[string]any{"type": "save"},
		}},
	}, Sequential)
	require.NoError(t, err)
	assert.Len(t, res, 2)
	assert.Equal(t, [][]string{{"a.txt"}, {"b.txt"}}, pool.created)
	assert.Len(t, pool.destroyed, 2)
	require.Len(t, pool.commands, 4)
	assert.Equal(t, "b.txt", pool.commands[3].Path)
}

func TestFanOut_StaysWithinPoolCapacity(t *testing.T) {
	workers := &pipeWorkers{}
	pool := worker.NewPool(worker.Options{
		MaxInstances:    2,
		InstanceTimeout: time.Minute,
		ShutdownGrace:   time.Second,
		Spawner:         workers.Spawn,
		Logger:          zerolog.Nop(),
	})
	t.Cleanup(pool.Dispose)
	r := New(filesystem.NewLocalFS(), pool, config.Default().Router)

	op := Operation{
		Type:          "custom_fix",
		AffectedFiles: []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"},
		Params: map[string]any{
			"advanced": true,
			"commands": []any{
				map[string]any{"type": "edit", "action": "replace_all", "text": "y"},
				map[string]any{"type": "save"},
			},
		},
	}
	require.Equal(t, ExecutionPlan{Executor: ExecutorHybrid, CoordinationStrategy: Intelligent}, r.BuildPlan(context.Background(), op))

	res, err := r.Execute(context.Background(), op)
	require.NoError(t, err)
	assert.Len(t, res, 5)
	assert.LessOrEqual(t, workers.peak.Load(), int32(2))
	assert.Zero(t, pool.Len())
}

func TestSessionLimit_WaitRespectsContext(t *testing.T) {
	src := writeFile(t, t.TempDir(), "main.rs", "fn main() {}\n")
	r, pool := newTestRouter(t, nil)
	WithSessionLimit(1)(r)

	release, err := r.acquireSession(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Execute(ctx, Operation{Type: TypeFormatCode, AffectedFiles: []string{src}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, pool.sessionsCreated())
}
