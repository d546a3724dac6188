package router

import (
	"context"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/HendryAvila/editbridge/internal/worker"
)

// EditOutcome is the result of running an operation in an editor session.
type EditOutcome struct {
	SessionID string `json:"sessionId"`
	// Open is true when the session was left running for further commands.
	Open    bool                `json:"open"`
	Files   []string            `json:"files"`
	Results []worker.EditResult `json:"results"`
}

// Output joins the non-empty outputs of every command.
func (o *EditOutcome) Output() string {
	var parts []string
	for _, r := range o.Results {
		if r.Output != "" {
			parts = append(parts, r.Output)
		}
	}
	return strings.Join(parts, "\n")
}

// executeEdit opens a session over the affected files, sends the translated
// commands and closes the session unless op starts an interactive session.
func (r *Router) executeEdit(ctx context.Context, op Operation) (any, error) {
	if len(op.AffectedFiles) == 0 {
		return nil, errors.Errorf("%s requires at least one file: %w", op.Type, ErrValidation)
	}

	// Translate first so an unsupported type never allocates a worker.
	perFile := make([][]worker.EditCommand, len(op.AffectedFiles))
	for i, path := range op.AffectedFiles {
		cmds, err := translate(op, path)
		if err != nil {
			return nil, err
		}
		perFile[i] = cmds
	}

	release, err := r.acquireSession(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	sessionID, err := r.pool.CreateEditSession(ctx, op.AffectedFiles)
	if err != nil {
		return nil, errors.Errorf("opening edit session: %w", err)
	}

	keep := op.Type == TypeStartSession
	if !keep {
		defer r.closeSession(ctx, sessionID)
	}

	out := &EditOutcome{SessionID: sessionID, Open: keep, Files: op.AffectedFiles}
	for _, cmds := range perFile {
		for _, cmd := range cmds {
			res := r.pool.ExecuteEditCommand(ctx, sessionID, cmd)
			out.Results = append(out.Results, res)
			if !res.Success {
				return nil, errors.Errorf("%s %s: %s: %w", cmd.Type, cmd.Path, res.Message, ErrEditFailed)
			}
		}
	}
	return out, nil
}

func (r *Router) closeSession(ctx context.Context, sessionID string) {
	if err := r.pool.DestroyInstance(context.WithoutCancel(ctx), sessionID); err != nil {
		r.logger.Warn().Err(err).Str("session", sessionID).Msg("closing edit session")
	}
}

// translate turns op into the editor commands for one file. An explicit
// params.commands list always wins; without one, only listed types are
// translated.
func translate(op Operation, path string) ([]worker.EditCommand, error) {
	var explicit []worker.EditCommand
	found, err := decodeParam(op.Params, "commands", &explicit)
	if found {
		if err != nil {
			return nil, errors.Errorf("decoding commands (%s): %w", err.Error(), ErrValidation)
		}
		for i := range explicit {
			if explicit[i].Path == "" {
				explicit[i].Path = path
			}
		}
		return explicit, nil
	}

	save := worker.EditCommand{Type: worker.CommandSave, Path: path}
	text, hasText := paramString(op.Params, "content")
	if !hasText {
		text, hasText = paramString(op.Params, "text")
	}

	switch op.Type {
	case TypeStartSession:
		return nil, nil
	case TypeReadFile:
		return []worker.EditCommand{{Type: worker.CommandOpen, Path: path}}, nil
	case TypeWriteFile, TypeAppendFile:
		if !hasText {
			return nil, errors.Errorf("%s: content is required: %w", op.Type, ErrValidation)
		}
		action := "replace_all"
		if op.Type == TypeAppendFile {
			action = "append"
		}
		return []worker.EditCommand{{Type: worker.CommandEdit, Path: path, Action: action, Text: text}, save}, nil
	case TypeFindInFile:
		pattern, ok := paramString(op.Params, "pattern")
		if !ok || pattern == "" {
			return nil, errors.Errorf("find_in_file: pattern is required: %w", ErrValidation)
		}
		return []worker.EditCommand{{Type: worker.CommandFind, Path: path, Pattern: pattern}}, nil
	case TypeReplaceInFile:
		return replaceCommands(op, path, "pattern", "replacement")
	case TypeFormatCode:
		return []worker.EditCommand{{Type: worker.CommandEdit, Path: path, Action: "format"}, save}, nil
	case TypeRefactorCode, TypeSmartRefactor:
		return replaceCommands(op, path, "oldName", "newName")
	case TypeSyntaxAwareEdit, TypeMultiCursorEdit:
		action := "syntax_aware"
		if op.Type == TypeMultiCursorEdit {
			action = "multi_cursor"
		}
		return []worker.EditCommand{{
			Type:   worker.CommandEdit,
			Path:   path,
			Action: action,
			Text:   text,
			Line:   paramInt(op.Params, "line", 0),
			Column: paramInt(op.Params, "column", 0),
		}, save}, nil
	case TypeEditInteractive:
		return []worker.EditCommand{{
			Type:   worker.CommandGoto,
			Path:   path,
			Line:   paramInt(op.Params, "line", 1),
			Column: paramInt(op.Params, "column", 1),
		}}, nil
	case TypeValidateAndEdit, TypeBackupAndEdit:
		if hasText {
			return []worker.EditCommand{{Type: worker.CommandEdit, Path: path, Action: "replace_all", Text: text}, save}, nil
		}
		if _, ok := op.Params["replacement"]; !ok {
			return nil, errors.Errorf("%s: content, or pattern with replacement, is required: %w", op.Type, ErrValidation)
		}
		return replaceCommands(op, path, "pattern", "replacement")
	}

	// Any other type only reaches the editor through explicit commands.
	return nil, errors.Errorf("edit executor: %s: %w", op.Type, ErrUnsupportedOperation)
}

func replaceCommands(op Operation, path, fromKey, toKey string) ([]worker.EditCommand, error) {
	from, ok := paramString(op.Params, fromKey)
	if !ok || from == "" {
		return nil, errors.Errorf("%s: %s is required: %w", op.Type, fromKey, ErrValidation)
	}
	to, _ := paramString(op.Params, toKey)
	return []worker.EditCommand{
		{Type: worker.CommandReplace, Path: path, Pattern: from, Replacement: to, All: true},
		{Type: worker.CommandSave, Path: path},
	}, nil
}
