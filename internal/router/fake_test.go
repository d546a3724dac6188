package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/editbridge/internal/config"
	"github.com/HendryAvila/editbridge/internal/filesystem"
	"github.com/HendryAvila/editbridge/internal/worker"
)

// fakePool records every call the router makes into the editor pool.
type fakePool struct {
	mu        sync.Mutex
	nextID    int
	created   [][]string
	destroyed []string
	commands  []worker.EditCommand
	multi     []worker.MultiFileEdit

	createErr  error
	destroyErr error
	handle     func(cmd worker.EditCommand) worker.EditResult
}

func (p *fakePool) CreateEditSession(_ context.Context, files []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.nextID++
	p.created = append(p.created, files)
	return fmt.Sprintf("session-%d", p.nextID), nil
}

func (p *fakePool) ExecuteEditCommand(_ context.Context, _ string, cmd worker.EditCommand) worker.EditResult {
	p.mu.Lock()
	p.commands = append(p.commands, cmd)
	handle := p.handle
	p.mu.Unlock()
	if handle != nil {
		return handle(cmd)
	}
	return worker.EditResult{Success: true, Message: cmd.Type + " ok"}
}

func (p *fakePool) DestroyInstance(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, sessionID)
	return p.destroyErr
}

func (p *fakePool) CoordinateMultiFileEdit(ctx context.Context, op worker.MultiFileEdit) ([]worker.EditResult, error) {
	p.mu.Lock()
	p.multi = append(p.multi, op)
	p.mu.Unlock()

	var results []worker.EditResult
	for _, f := range op.Files {
		res := p.ExecuteEditCommand(ctx, "multi", op.Operation.WithPath(f))
		results = append(results, res)
		if !res.Success {
			return results, fmt.Errorf("%s: %s", f, res.Message)
		}
	}
	return results, nil
}

func (p *fakePool) sessionsCreated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

// pipeWorkers spawns in-memory editor workers that acknowledge every
// request, for tests that drive a real worker.Pool. It tracks how many are
// alive at once.
type pipeWorkers struct {
	live atomic.Int32
	peak atomic.Int32
}

func (w *pipeWorkers) Spawn(context.Context, string) (*worker.Process, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	exited := make(chan int, 1)

	n := w.live.Add(1)
	for {
		peak := w.peak.Load()
		if n <= peak || w.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	var once sync.Once
	stop := func(code int) {
		once.Do(func() {
			w.live.Add(-1)
			_ = inR.Close()
			_ = outW.Close()
			_ = errW.Close()
			exited <- code
		})
	}
	go func() {
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
			var req struct {
				ID      uint64 `json:"id"`
				Command string `json:"command"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			_, _ = fmt.Fprintf(outW, "{\"id\":%d,\"ok\":true}\n", req.ID)
			if req.Command == "exit" {
				break
			}
		}
		stop(0)
	}()

	return &worker.Process{
		PID:    1,
		Stdin:  inW,
		Stdout: outR,
		Stderr: errR,
		Wait:   func() (int, error) { return <-exited, nil },
		Kill: func() error {
			stop(-1)
			return nil
		},
	}, nil
}

// countingFS records the peak number of concurrent ReadFile calls.
type countingFS struct {
	filesystem.Capability
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingFS) ReadFile(ctx context.Context, path string) (string, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return c.Capability.ReadFile(ctx, path)
}

// sizedFS reports fixed sizes for selected paths and delegates the rest.
type sizedFS struct {
	filesystem.Capability
	sizes map[string]int64
}

func (s sizedFS) GetFileStats(ctx context.Context, path string) (*filesystem.FileStats, error) {
	if size, ok := s.sizes[path]; ok {
		return &filesystem.FileStats{Path: path, Size: size, IsFile: true}, nil
	}
	return s.Capability.GetFileStats(ctx, path)
}

func newTestRouter(t *testing.T, fs filesystem.Capability) (*Router, *fakePool) {
	t.Helper()
	if fs == nil {
		fs = filesystem.NewLocalFS()
	}
	pool := &fakePool{}
	return New(fs, pool, config.Default().Router), pool
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
