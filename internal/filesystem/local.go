package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"
	"gitlab.com/tozd/go/errors"
)

// LocalFS implements Capability on the local disk.
type LocalFS struct {
	// now is swappable so backup names are deterministic in tests.
	now func() time.Time
}

// NewLocalFS creates a LocalFS.
func NewLocalFS() *LocalFS {
	return &LocalFS{now: time.Now}
}

var _ Capability = (*LocalFS)(nil)

// ReadFile returns the whole file as text.
func (l *LocalFS) ReadFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile replaces the file content, creating parent directories as needed.
func (l *LocalFS) WriteFile(ctx context.Context, path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Errorf("creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), filePerm(path)); err != nil {
		return errors.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// appender is the part of *os.File that AppendFile uses.
type appender interface {
	io.StringWriter
	io.Closer
}

var openAppend = func(path string) (appender, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// AppendFile appends content, creating the file if it does not exist.
func (l *LocalFS) AppendFile(ctx context.Context, path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Errorf("creating directory for %s: %w", path, err)
	}
	f, err := openAppend(path)
	if err != nil {
		return errors.Errorf("opening %s for append: %w", path, err)
	}

	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return errors.Errorf("appending to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return errors.Errorf("closing %s after append: %w", path, err)
	}
	return nil
}

// GetFileStats fails when the path does not exist.
func (l *LocalFS) GetFileStats(ctx context.Context, path string) (*FileStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Errorf("stat %s: %w", path, err)
	}
	created, accessed := fileTimes(info)
	return &FileStats{
		Path:        path,
		Size:        info.Size(),
		IsDirectory: info.IsDir(),
		IsFile:      info.Mode().IsRegular(),
		CreatedAt:   created,
		ModifiedAt:  info.ModTime(),
		AccessedAt:  accessed,
	}, nil
}

// ListFiles walks dir and returns regular files whose slash-separated path
// relative to dir matches pattern (doublestar syntax, default "**").
// .git directories are skipped and a .gitignore at dir is honored.
func (l *LocalFS) ListFiles(ctx context.Context, dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "**"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, errors.Errorf("listing %s: invalid pattern %q", dir, pattern)
	}

	var gi *ignore.GitIgnore
	if compiled, err := ignore.CompileIgnoreFile(filepath.Join(dir, ".gitignore")); err == nil {
		gi = compiled
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if d.Name() == ".git" || (gi != nil && gi.MatchesPath(rel+"/")) {
				return filepath.SkipDir
			}
			return nil
		}
		if gi != nil && gi.MatchesPath(rel) {
			return nil
		}

		ok, err := doublestar.Match(pattern, rel)
		if err != nil {
			return err
		}
		if ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Errorf("listing %s: %w", dir, err)
	}
	return files, nil
}

// FindInFile returns every match of pattern with up to contextLines of
// surrounding text on each side.
func (l *LocalFS) FindInFile(ctx context.Context, path, pattern string, contextLines int) ([]Match, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Errorf("searching %s: invalid pattern %q: %w", path, pattern, err)
	}

	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for i, line := range lines {
		for _, loc := range re.FindAllStringIndex(line, -1) {
			m := Match{
				Line:   i + 1,
				Column: loc[0] + 1,
				Text:   line,
			}
			if contextLines > 0 {
				m.LinesBefore = append([]string(nil), lines[max(0, i-contextLines):i]...)
				m.LinesAfter = append([]string(nil), lines[i+1:min(len(lines), i+1+contextLines)]...)
			}
			matches = append(matches, m)
		}
	}
	return matches, nil
}

// ReplaceInFile replaces every match of pattern and returns the match count.
// The file is only rewritten when something matched.
func (l *LocalFS) ReplaceInFile(ctx context.Context, path, pattern, replacement string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, errors.Errorf("replacing in %s: invalid pattern %q: %w", path, pattern, err)
	}

	content, err := l.ReadFile(ctx, path)
	if err != nil {
		return 0, err
	}

	count := len(re.FindAllStringIndex(content, -1))
	if count == 0 {
		return 0, nil
	}

	if err := l.WriteFile(ctx, path, re.ReplaceAllString(content, replacement)); err != nil {
		return 0, err
	}
	return count, nil
}

// CreateBackup copies path to a sibling "<path>.<unix-nanos>.bak" file.
func (l *LocalFS) CreateBackup(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Errorf("backing up %s: %w", path, err)
	}
	backupPath := fmt.Sprintf("%s.%d.bak", path, l.now().UnixNano())
	if err := os.WriteFile(backupPath, data, filePerm(path)); err != nil {
		return "", errors.Errorf("writing backup of %s: %w", path, err)
	}
	return backupPath, nil
}

// RestoreBackup overwrites originalPath with the backup content.
func (l *LocalFS) RestoreBackup(ctx context.Context, backupPath, originalPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return errors.Errorf("reading backup %s: %w", backupPath, err)
	}
	if err := os.WriteFile(originalPath, data, filePerm(originalPath)); err != nil {
		return errors.Errorf("restoring %s from %s: %w", originalPath, backupPath, err)
	}
	return nil
}

// Watch collects change events on paths until d elapses or ctx is done.
func (l *LocalFS) Watch(ctx context.Context, paths []string, d time.Duration) ([]WatchEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			return nil, errors.Errorf("watching %s: %w", p, err)
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	var events []WatchEvent
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return events, nil
			}
			events = append(events, WatchEvent{Path: ev.Name, Op: ev.Op.String(), At: l.now()})
		case werr, ok := <-watcher.Errors:
			if !ok {
				return events, nil
			}
			return events, errors.Errorf("watching %s: %w", strings.Join(paths, ", "), werr)
		case <-timer.C:
			return events, nil
		case <-ctx.Done():
			return events, nil
		}
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Errorf("reading %s: %w", path, err)
	}
	return lines, nil
}

// filePerm keeps the mode of an existing file, else 0644.
func filePerm(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}
