// Package filesystem implements the local file capability used by the router.
//
// Every operation is a single, independent call: there is no locking across
// calls, so multi-step callers must not assume atomicity. All errors name the
// path involved and wrap the underlying cause.
package filesystem

import (
	"context"
	"time"
)

// FileStats is the metadata returned by GetFileStats.
type FileStats struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	IsDirectory bool      `json:"isDirectory"`
	IsFile      bool      `json:"isFile"`
	CreatedAt   time.Time `json:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
	AccessedAt  time.Time `json:"accessedAt"`
}

// Match is one FindInFile hit. Line and Column are 1-based.
type Match struct {
	Line        int      `json:"line"`
	Column      int      `json:"column"`
	Text        string   `json:"text"`
	LinesBefore []string `json:"linesBefore,omitempty"`
	LinesAfter  []string `json:"linesAfter,omitempty"`
}

// WatchEvent is a single change observed by Watch.
type WatchEvent struct {
	Path string    `json:"path"`
	Op   string    `json:"op"`
	At   time.Time `json:"at"`
}

// Capability is the set of plain file operations the router consumes.
// Patterns passed to FindInFile and ReplaceInFile are regular expressions.
type Capability interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	AppendFile(ctx context.Context, path, content string) error
	GetFileStats(ctx context.Context, path string) (*FileStats, error)
	ListFiles(ctx context.Context, dir, pattern string) ([]string, error)
	FindInFile(ctx context.Context, path, pattern string, contextLines int) ([]Match, error)
	ReplaceInFile(ctx context.Context, path, pattern, replacement string) (int, error)
	CreateBackup(ctx context.Context, path string) (string, error)
	RestoreBackup(ctx context.Context, backupPath, originalPath string) error
	Watch(ctx context.Context, paths []string, d time.Duration) ([]WatchEvent, error)
}
