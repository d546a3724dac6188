package router

import (
	"context"
	"os"
	"slices"
	"time"

	"gitlab.com/tozd/go/errors"
)

// Result shapes returned by the filesystem executor.
type (
	WriteResult struct {
		Path  string `json:"path"`
		Bytes int    `json:"bytes"`
	}
	FindResult struct {
		Path    string `json:"path"`
		Matches any    `json:"matches"`
	}
	ReplaceResult struct {
		Path         string `json:"path"`
		Replacements int    `json:"replacements"`
	}
	BackupResult struct {
		Path       string `json:"path"`
		BackupPath string `json:"backupPath"`
	}
	RestoreResult struct {
		Path       string `json:"path"`
		BackupPath string `json:"backupPath"`
		Restored   bool   `json:"restored"`
	}
)

const defaultWatchDuration = time.Second

// fsSupported reports whether the filesystem executor maps typ.
func fsSupported(typ string) bool {
	return slices.Contains(simpleTypes, typ)
}

// executeFilesystem makes one capability call per affected file. A single
// file yields a single result; several yield an ordered list.
func (r *Router) executeFilesystem(ctx context.Context, op Operation) (any, error) {
	switch op.Type {
	case TypeListFiles:
		dir := "."
		if len(op.AffectedFiles) > 0 {
			dir = op.AffectedFiles[0]
		}
		pattern, _ := paramString(op.Params, "pattern")
		return r.fs.ListFiles(ctx, dir, pattern)
	case TypeWatchFiles:
		d := time.Duration(paramInt(op.Params, "durationMs", int(defaultWatchDuration/time.Millisecond))) * time.Millisecond
		return r.fs.Watch(ctx, op.AffectedFiles, d)
	}

	if !fsSupported(op.Type) {
		return nil, errors.Errorf("filesystem executor: %s: %w", op.Type, ErrUnsupportedOperation)
	}
	if len(op.AffectedFiles) == 0 {
		return nil, errors.Errorf("%s requires at least one file: %w", op.Type, ErrValidation)
	}

	results := make([]any, 0, len(op.AffectedFiles))
	for _, path := range op.AffectedFiles {
		res, err := r.filesystemCall(ctx, op, path)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

func (r *Router) filesystemCall(ctx context.Context, op Operation, path string) (any, error) {
	switch op.Type {
	case TypeReadFile:
		return r.fs.ReadFile(ctx, path)
	case TypeWriteFile, TypeAppendFile:
		content, ok := paramString(op.Params, "content")
		if !ok {
			return nil, errors.Errorf("%s: content is required: %w", op.Type, ErrValidation)
		}
		write := r.fs.WriteFile
		if op.Type == TypeAppendFile {
			write = r.fs.AppendFile
		}
		if err := write(ctx, path, content); err != nil {
			return nil, err
		}
		return WriteResult{Path: path, Bytes: len(content)}, nil
	case TypeGetFileInfo:
		return r.fs.GetFileStats(ctx, path)
	case TypeFindInFile:
		pattern, ok := paramString(op.Params, "pattern")
		if !ok || pattern == "" {
			return nil, errors.Errorf("find_in_file: pattern is required: %w", ErrValidation)
		}
		matches, err := r.fs.FindInFile(ctx, path, pattern, paramInt(op.Params, "contextLines", 0))
		if err != nil {
			return nil, err
		}
		return FindResult{Path: path, Matches: matches}, nil
	case TypeReplaceInFile:
		pattern, ok := paramString(op.Params, "pattern")
		if !ok || pattern == "" {
			return nil, errors.Errorf("replace_in_file: pattern is required: %w", ErrValidation)
		}
		replacement, _ := paramString(op.Params, "replacement")
		n, err := r.fs.ReplaceInFile(ctx, path, pattern, replacement)
		if err != nil {
			return nil, err
		}
		return ReplaceResult{Path: path, Replacements: n}, nil
	case TypeCreateBackup:
		backup, err := r.fs.CreateBackup(ctx, path)
		if err != nil {
			return nil, err
		}
		return BackupResult{Path: path, BackupPath: backup}, nil
	case TypeRestoreBackup:
		backup, ok := paramString(op.Params, "backupPath")
		if !ok || backup == "" {
			return nil, errors.Errorf("restore_backup: backupPath is required: %w", ErrValidation)
		}
		if err := r.fs.RestoreBackup(ctx, backup, path); err != nil {
			return nil, err
		}
		return RestoreResult{Path: path, BackupPath: backup, Restored: true}, nil
	}
	return nil, errors.Errorf("filesystem executor: %s: %w", op.Type, ErrUnsupportedOperation)
}

// preprocess runs op through ex ahead of the main executor, discarding the
// result. Filesystem preprocessing checks that every affected path is a
// usable file; paths that do not exist yet pass only for types that create
// files.
func (r *Router) preprocess(ctx context.Context, op Operation, ex Executor) error {
	if ex != ExecutorFilesystem {
		_, err := r.run(ctx, ex, op, "")
		return err
	}

	creates := op.Type == TypeWriteFile || op.Type == TypeAppendFile || op.Type == TypeStartSession
	for _, path := range op.AffectedFiles {
		st, err := r.fs.GetFileStats(ctx, path)
		switch {
		case err != nil && creates && errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			return errors.Errorf("preprocessing %s: %w", path, err)
		case st.IsDirectory:
			return errors.Errorf("preprocessing %s: is a directory: %w", path, ErrValidation)
		}
	}
	return nil
}
