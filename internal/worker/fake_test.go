package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeWorker is an in-memory worker process wired through io.Pipe.
//
// With a nil handler every request is delivered on requests and the test
// answers with respond. With a handler requests are answered automatically
// and "exit" makes the worker exit with code 0.
type fakeWorker struct {
	proc     *Process
	requests chan requestFrame

	stdinR *io.PipeReader
	stdout *io.PipeWriter
	stderr *io.PipeWriter
	exitCh chan int
	once   sync.Once

	writeMu sync.Mutex
	handler func(command string) (string, bool)
}

func newFakeWorker(handler func(command string) (string, bool)) *fakeWorker {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	w := &fakeWorker{
		requests: make(chan requestFrame, 64),
		stdinR:   inR,
		stdout:   outW,
		stderr:   errW,
		exitCh:   make(chan int, 1),
		handler:  handler,
	}
	w.proc = &Process{
		PID:    4242,
		Stdin:  inW,
		Stdout: outR,
		Stderr: errR,
		Wait:   func() (int, error) { return <-w.exitCh, nil },
		Kill: func() error {
			w.exit(-1)
			return nil
		},
	}
	go w.serve()
	return w
}

func (w *fakeWorker) serve() {
	scanner := bufio.NewScanner(w.stdinR)
	for scanner.Scan() {
		var req requestFrame
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if w.handler == nil {
			w.requests <- req
			continue
		}
		if req.Command == "exit" {
			w.respond(req.ID, true, "bye", "")
			w.exit(0)
			return
		}
		out, ok := w.handler(req.Command)
		if ok {
			w.respond(req.ID, true, out, "")
		} else {
			w.respond(req.ID, false, "", out)
		}
	}
}

func (w *fakeWorker) respond(id uint64, ok bool, output, errMsg string) {
	data, _ := json.Marshal(responseFrame{ID: id, OK: ok, Output: output, Error: errMsg})
	w.writeLine(string(data))
}

func (w *fakeWorker) writeLine(line string) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, _ = w.stdout.Write([]byte(line + "\n"))
}

func (w *fakeWorker) writeStderr(line string) {
	_, _ = w.stderr.Write([]byte(line + "\n"))
}

func (w *fakeWorker) exit(code int) {
	w.once.Do(func() {
		_ = w.stdinR.CloseWithError(io.ErrClosedPipe)
		w.writeMu.Lock()
		_ = w.stdout.Close()
		w.writeMu.Unlock()
		_ = w.stderr.Close()
		w.exitCh <- code
	})
}

func (w *fakeWorker) nextRequest(t *testing.T) requestFrame {
	t.Helper()
	select {
	case req := <-w.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request frame")
		return requestFrame{}
	}
}

func (w *fakeWorker) assertNoRequest(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case req := <-w.requests:
		t.Fatalf("unexpected request frame %+v", req)
	case <-time.After(d):
	}
}

func echoHandler(command string) (string, bool) {
	return "ok: " + command, true
}

// fakeSpawner hands out auto-answering fake workers and counts spawns.
type fakeSpawner struct {
	mu      sync.Mutex
	spawned int
	workers map[string]*fakeWorker
	handler func(command string) (string, bool)
}

func newFakeSpawner(handler func(command string) (string, bool)) *fakeSpawner {
	return &fakeSpawner{workers: make(map[string]*fakeWorker), handler: handler}
}

func (s *fakeSpawner) Spawn(_ context.Context, sessionID string) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned++
	w := newFakeWorker(s.handler)
	s.workers[sessionID] = w
	return w.proc, nil
}

func (s *fakeSpawner) Spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

func (s *fakeSpawner) Worker(sessionID string) *fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[sessionID]
}

func newTestPool(t *testing.T, spawner Spawner, mutate func(*Options)) *Pool {
	t.Helper()
	opts := Options{
		MaxInstances:    5,
		InstanceTimeout: time.Minute,
		ShutdownGrace:   100 * time.Millisecond,
		Spawner:         spawner,
		Logger:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	p := NewPool(opts)
	t.Cleanup(p.Dispose)
	return p
}
