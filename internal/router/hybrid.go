package router

import (
	"context"
	"fmt"
	"regexp"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/editbridge/internal/filesystem"
	"github.com/HendryAvila/editbridge/internal/worker"
)

// NoOccurrencesMessage is returned by smart_refactor when nothing matches.
const NoOccurrencesMessage = "No occurrences found to refactor"

// RefactorResult is returned by smart_refactor.
type RefactorResult struct {
	Message     string              `json:"message"`
	Files       []string            `json:"files,omitempty"`
	Occurrences map[string]int      `json:"occurrences,omitempty"`
	Results     []worker.EditResult `json:"results,omitempty"`
}

// BackupEditResult is returned by backup_and_edit.
type BackupEditResult struct {
	Edit    any               `json:"edit"`
	Backups []string          `json:"backups"`
	Diffs   map[string]string `json:"diffs,omitempty"`
}

// StepResult is one sub-operation of atomic_multi_file_edit.
type StepResult struct {
	Type   string `json:"type"`
	Result any    `json:"result"`
}

// ValidationRule is one check applied by validate_and_edit. The rule passes
// when Pattern matches the file, or when it does not match and Forbid is set.
type ValidationRule struct {
	Pattern string `json:"pattern"`
	Message string `json:"message"`
	Forbid  bool   `json:"forbid,omitempty"`
}

func (r *Router) executeHybrid(ctx context.Context, op Operation, strategy Strategy) (any, error) {
	switch op.Type {
	case TypeSmartRefactor:
		return r.smartRefactor(ctx, op)
	case TypeValidateAndEdit:
		return r.validateAndEdit(ctx, op)
	case TypeBackupAndEdit:
		return r.backupAndEdit(ctx, op)
	case TypeAtomicMultiEdit:
		return r.sequence(ctx, op)
	}
	return r.fanOut(ctx, op, strategy)
}

// --- smart_refactor ---

func (r *Router) smartRefactor(ctx context.Context, op Operation) (any, error) {
	oldName, ok := paramString(op.Params, "oldName")
	if !ok || oldName == "" {
		return nil, errors.Errorf("smart_refactor: oldName is required: %w", ErrValidation)
	}
	newName, ok := paramString(op.Params, "newName")
	if !ok {
		return nil, errors.Errorf("smart_refactor: newName is required: %w", ErrValidation)
	}

	pattern := regexp.QuoteMeta(oldName)
	counts := make(map[string]int)
	var matched []string
	for _, path := range op.AffectedFiles {
		matches, err := r.fs.FindInFile(ctx, path, pattern, 0)
		if err != nil {
			return nil, errors.Errorf("searching %s: %w", path, err)
		}
		if len(matches) > 0 {
			counts[path] = len(matches)
			matched = append(matched, path)
		}
	}
	if len(matched) == 0 {
		return &RefactorResult{Message: NoOccurrencesMessage}, nil
	}

	release, err := r.acquireSession(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	results, err := r.pool.CoordinateMultiFileEdit(ctx, worker.MultiFileEdit{
		Files: matched,
		Operation: worker.EditCommand{
			Type:        worker.CommandReplace,
			Pattern:     oldName,
			Replacement: newName,
			All:         true,
		},
		Save: true,
	})
	if err != nil {
		return nil, errors.Errorf("refactoring %q: %w", oldName, err)
	}

	return &RefactorResult{
		Message:     fmt.Sprintf("Renamed %q to %q in %d file(s)", oldName, newName, len(matched)),
		Files:       matched,
		Occurrences: counts,
		Results:     results,
	}, nil
}

// --- validate_and_edit ---

func (r *Router) validateAndEdit(ctx context.Context, op Operation) (any, error) {
	var rules []ValidationRule
	if _, err := decodeParam(op.Params, "rules", &rules); err != nil {
		return nil, errors.Errorf("decoding rules (%s): %w", err.Error(), ErrValidation)
	}

	compiled := make([]*regexp.Regexp, len(rules))
	for i, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, errors.Errorf("rule %d pattern %q (%s): %w", i, rule.Pattern, err.Error(), ErrValidation)
		}
		compiled[i] = re
	}

	for _, path := range op.AffectedFiles {
		content, err := r.fs.ReadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		for i, rule := range rules {
			if compiled[i].MatchString(content) == rule.Forbid {
				msg := rule.Message
				if msg == "" {
					msg = "rule " + rule.Pattern + " failed"
				}
				return nil, errors.Errorf("%s: %s: %w", path, msg, ErrValidation)
			}
		}
	}

	return r.executeEdit(ctx, op)
}

// --- backup_and_edit ---

func (r *Router) backupAndEdit(ctx context.Context, op Operation) (any, error) {
	backups := make([]string, 0, len(op.AffectedFiles))
	for _, path := range op.AffectedFiles {
		backup, err := r.fs.CreateBackup(ctx, path)
		if err != nil {
			return nil, errors.Errorf("backing up %s: %w", path, err)
		}
		backups = append(backups, backup)
		r.observeBackup(path, backup, false)
	}

	edited, err := r.executeEdit(ctx, op)
	if err != nil {
		r.restoreAll(ctx, op.AffectedFiles, backups)
		return nil, err
	}

	diffs := make(map[string]string, len(backups))
	for i, path := range op.AffectedFiles {
		before, berr := r.fs.ReadFile(ctx, backups[i])
		after, aerr := r.fs.ReadFile(ctx, path)
		if berr != nil || aerr != nil {
			r.logger.Warn().Str("path", path).Msg("cannot diff edited file against backup")
			continue
		}
		if d := filesystem.Diff(before, after); d != "" {
			diffs[path] = d
		}
	}

	return &BackupEditResult{Edit: edited, Backups: backups, Diffs: diffs}, nil
}

// restoreAll is best-effort: failures are logged and the remaining backups
// are still restored.
func (r *Router) restoreAll(ctx context.Context, paths, backups []string) {
	ctx = context.WithoutCancel(ctx)
	for i, backup := range backups {
		if err := r.fs.RestoreBackup(ctx, backup, paths[i]); err != nil {
			r.logger.Warn().Err(err).Str("path", paths[i]).Str("backup", backup).Msg("restoring backup")
			continue
		}
		r.observeBackup(paths[i], backup, true)
	}
}

func (r *Router) observeBackup(path, backup string, restored bool) {
	if r.onBackup != nil {
		r.onBackup(path, backup, restored)
	}
}

// --- atomic_multi_file_edit ---

// sequence runs params.operations one at a time. A failing step stops the
// sequence; steps already applied stay applied.
func (r *Router) sequence(ctx context.Context, op Operation) (any, error) {
	var steps []Operation
	found, err := decodeParam(op.Params, "operations", &steps)
	if err != nil {
		return nil, errors.Errorf("decoding operations (%s): %w", err.Error(), ErrValidation)
	}
	if !found || len(steps) == 0 {
		return nil, errors.Errorf("atomic_multi_file_edit: operations are required: %w", ErrValidation)
	}

	results := make([]StepResult, 0, len(steps))
	for i, step := range steps {
		if step.Type == TypeAtomicMultiEdit {
			return nil, errors.Errorf("step %d: nested %s: %w", i, TypeAtomicMultiEdit, ErrValidation)
		}
		if step.Method == "" {
			step.Method = step.Type
		}
		res, err := r.Execute(ctx, step)
		if err != nil {
			return nil, errors.Errorf("step %d (%s): %w", i, step.Type, err)
		}
		results = append(results, StepResult{Type: step.Type, Result: res})
	}
	return results, nil
}

// --- generic fan-out ---

// fanOut runs one clone per file, on the filesystem executor when it knows
// the type and in an editor session otherwise. Intelligent coordination runs
// clones concurrently; anything else runs them in order.
func (r *Router) fanOut(ctx context.Context, op Operation, strategy Strategy) (any, error) {
	ex := ExecutorEdit
	if fsSupported(op.Type) {
		ex = ExecutorFilesystem
	}

	if op.Type == TypeListFiles || op.Type == TypeWatchFiles || len(op.AffectedFiles) <= 1 {
		return r.run(ctx, ex, op, "")
	}

	results := make([]any, len(op.AffectedFiles))
	if strategy == Intelligent {
		g, gctx := errgroup.WithContext(ctx)
		for i, f := range op.AffectedFiles {
			g.Go(func() error {
				res, err := r.run(gctx, ex, op.Clone([]string{f}), "")
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	}

	for i, f := range op.AffectedFiles {
		res, err := r.run(ctx, ex, op.Clone([]string{f}), "")
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}
