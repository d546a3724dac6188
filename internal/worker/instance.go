package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// maxFrameBytes bounds one stdout or stderr line.
var maxFrameBytes = 16 * 1024 * 1024

// InstanceHooks are callbacks the owning pool uses to observe an instance.
// They run outside the instance lock.
type InstanceHooks struct {
	// OnActivity fires when a command is dispatched and when it completes.
	OnActivity func()
	// OnExit fires once, after every pending command has been rejected.
	OnExit func(code int)
}

type commandResult struct {
	output string
	err    error
}

type pendingCommand struct {
	id     uint64
	text   string
	result chan commandResult
}

// Instance is one worker process plus its serialized command queue.
//
// At most one command is in flight at a time and commands are dispatched in
// submission order. Once the process exits the instance is permanently not
// running and every queued command has been rejected.
type Instance struct {
	sessionID string
	proc      *Process
	hooks     InstanceHooks
	logger    zerolog.Logger
	createdAt time.Time

	mu                sync.Mutex
	running           bool
	openFiles         map[string]struct{}
	activeFile        string
	output            strings.Builder
	errOutput         strings.Builder
	queue             []*pendingCommand
	inFlight          *pendingCommand
	commandInProgress bool
	nextID            uint64
	exitCode          int
	lastActivity      time.Time

	writeMu sync.Mutex
	done    chan struct{}
}

// NewInstance wraps a started process and begins reading its streams.
func NewInstance(sessionID string, proc *Process, hooks InstanceHooks, logger zerolog.Logger) *Instance {
	now := time.Now()
	inst := &Instance{
		sessionID:    sessionID,
		proc:         proc,
		hooks:        hooks,
		logger:       logger.With().Str("session", sessionID).Logger(),
		createdAt:    now,
		lastActivity: now,
		running:      true,
		openFiles:    make(map[string]struct{}),
		done:         make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		inst.readStdout()
	}()
	go func() {
		defer readers.Done()
		inst.readStderr()
	}()
	go func() {
		readers.Wait()
		code, err := proc.Wait()
		if err != nil {
			inst.logger.Warn().Err(err).Msg("waiting for worker process")
		}
		inst.handleExit(code)
	}()

	return inst
}

// SessionID returns the session this instance serves.
func (i *Instance) SessionID() string { return i.sessionID }

// Done is closed once the process has exited and pending commands are rejected.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Running reports whether the process is still alive.
func (i *Instance) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

// ExitCode is meaningful only after Done is closed.
func (i *Instance) ExitCode() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitCode
}

// OpenFiles returns the open paths in sorted order.
func (i *Instance) OpenFiles() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	files := make([]string, 0, len(i.openFiles))
	for f := range i.openFiles {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// ActiveFile returns the file most recently opened or targeted.
func (i *Instance) ActiveFile() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.activeFile
}

// QueueLen returns the number of commands waiting behind the in-flight one.
func (i *Instance) QueueLen() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.queue)
}

// Snapshot describes the instance for status reporting.
func (i *Instance) Snapshot() SessionInfo {
	files := i.OpenFiles()
	i.mu.Lock()
	defer i.mu.Unlock()
	return SessionInfo{
		ID:           i.sessionID,
		PID:          i.proc.PID,
		Files:        files,
		ActiveFile:   i.activeFile,
		Running:      i.running,
		Queued:       len(i.queue),
		Busy:         i.commandInProgress,
		CreatedAt:    i.createdAt,
		LastActivity: i.lastActivity,
	}
}

// ExecuteCommand queues text and waits for the worker's response.
// If ctx ends first the command is dropped from the queue when it has not
// been dispatched yet; an in-flight command keeps its place and its response
// is discarded.
func (i *Instance) ExecuteCommand(ctx context.Context, text string) (string, error) {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return "", errors.Errorf("executing %q on %s: %w", text, i.sessionID, ErrNotRunning)
	}
	i.nextID++
	p := &pendingCommand{id: i.nextID, text: text, result: make(chan commandResult, 1)}
	i.queue = append(i.queue, p)
	i.mu.Unlock()

	i.advance()

	select {
	case res := <-p.result:
		return res.output, res.err
	case <-ctx.Done():
		i.dropQueued(p)
		return "", errors.Errorf("executing %q on %s: %w", text, i.sessionID, ctx.Err())
	}
}

// advance dispatches the next queued command if nothing is in flight.
// The frame is written outside the lock so a slow pipe never blocks the
// stdout reader that completes commands.
func (i *Instance) advance() {
	i.mu.Lock()
	if !i.running || i.commandInProgress || len(i.queue) == 0 {
		i.mu.Unlock()
		return
	}
	p := i.queue[0]
	i.queue = i.queue[1:]
	i.inFlight = p
	i.commandInProgress = true
	i.lastActivity = time.Now()
	i.mu.Unlock()

	i.fireActivity()

	frame, err := encodeRequest(p.id, p.text)
	if err == nil {
		i.writeMu.Lock()
		_, err = i.proc.Stdin.Write(frame)
		i.writeMu.Unlock()
	}
	if err != nil {
		i.complete(p.id, "", errors.Errorf("writing command to %s: %w", i.sessionID, err))
	}
}

// complete resolves the in-flight command and dispatches the next one.
func (i *Instance) complete(id uint64, output string, cmdErr error) {
	i.mu.Lock()
	if i.inFlight == nil || i.inFlight.id != id {
		i.mu.Unlock()
		return
	}
	p := i.inFlight
	i.inFlight = nil
	i.commandInProgress = false
	i.lastActivity = time.Now()
	if i.output.Len() > 0 {
		i.logger.Debug().Str("diagnostic", i.output.String()).Msg("worker output")
		i.output.Reset()
	}
	i.mu.Unlock()

	p.result <- commandResult{output: output, err: cmdErr}
	i.fireActivity()
	i.advance()
}

func (i *Instance) dropQueued(p *pendingCommand) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, q := range i.queue {
		if q == p {
			i.queue = append(i.queue[:idx], i.queue[idx+1:]...)
			return
		}
	}
}

func lineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxFrameBytes)), maxFrameBytes)
	return scanner
}

func (i *Instance) readStdout() {
	scanner := lineScanner(i.proc.Stdout)
	for scanner.Scan() {
		line := scanner.Text()
		frame, ok := decodeResponse(line)
		if !ok {
			i.mu.Lock()
			i.output.WriteString(line)
			i.output.WriteByte('\n')
			i.mu.Unlock()
			continue
		}

		i.mu.Lock()
		text := ""
		if i.inFlight != nil && i.inFlight.id == frame.ID {
			text = i.inFlight.text
		}
		i.mu.Unlock()

		if frame.OK {
			i.complete(frame.ID, frame.Output, nil)
		} else {
			i.complete(frame.ID, frame.Output, &CommandError{Command: text, Message: frame.Error})
		}
	}
	if err := scanner.Err(); err != nil {
		i.abandonStream("stdout", err)
	}
}

func (i *Instance) readStderr() {
	scanner := lineScanner(i.proc.Stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		i.mu.Lock()
		i.errOutput.WriteString(line)
		i.errOutput.WriteByte('\n')
		i.mu.Unlock()
		i.logger.Debug().Str("stderr", line).Msg("worker stderr")
	}
	if err := scanner.Err(); err != nil {
		i.abandonStream("stderr", err)
	}
}

// abandonStream kills a worker whose output can no longer be read, so the
// exit path rejects its pending commands.
func (i *Instance) abandonStream(stream string, err error) {
	i.logger.Warn().Err(err).Str("stream", stream).Msg("unreadable worker output, killing worker")
	if kerr := i.Kill(); kerr != nil {
		i.logger.Warn().Err(kerr).Msg("killing worker")
	}
}

// handleExit makes the instance terminal and rejects everything pending.
func (i *Instance) handleExit(code int) {
	i.mu.Lock()
	i.running = false
	i.exitCode = code
	i.commandInProgress = false
	pending := make([]*pendingCommand, 0, len(i.queue)+1)
	if i.inFlight != nil {
		pending = append(pending, i.inFlight)
		i.inFlight = nil
	}
	pending = append(pending, i.queue...)
	i.queue = nil
	stderr := tail(i.errOutput.String(), 512)
	i.mu.Unlock()

	for _, p := range pending {
		p.result <- commandResult{err: &ExitError{SessionID: i.sessionID, Code: code, Stderr: stderr}}
	}

	i.logger.Info().Int("code", code).Int("rejected", len(pending)).Msg("worker exited")
	close(i.done)
	if i.hooks.OnExit != nil {
		i.hooks.OnExit(code)
	}
}

// Kill terminates the process without the exit handshake.
func (i *Instance) Kill() error {
	if !i.Running() {
		return nil
	}
	return i.proc.Kill()
}

// Terminate asks the worker to exit, then kills it if it is still running
// after grace. A failing exit command is tolerated.
func (i *Instance) Terminate(ctx context.Context, grace time.Duration) error {
	if !i.Running() {
		return nil
	}

	exitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if _, err := i.ExecuteCommand(exitCtx, "exit"); err != nil {
		i.logger.Debug().Err(err).Msg("exit command")
	}
	_ = i.proc.Stdin.Close()

	select {
	case <-i.done:
		return nil
	case <-exitCtx.Done():
	}

	if err := i.Kill(); err != nil {
		return errors.Errorf("killing worker %s: %w", i.sessionID, err)
	}

	select {
	case <-i.done:
	case <-time.After(grace):
		i.logger.Warn().Msg("worker did not report exit after kill")
	}
	return nil
}

func (i *Instance) fireActivity() {
	if i.hooks.OnActivity != nil {
		i.hooks.OnActivity()
	}
}

// --- instance-level editor calls ---

func (i *Instance) send(ctx context.Context, verb string, args map[string]any) (string, error) {
	text := verb
	if len(args) > 0 {
		data, err := json.Marshal(args)
		if err != nil {
			return "", errors.Errorf("encoding %s arguments: %w", verb, err)
		}
		text += " " + string(data)
	}
	return i.ExecuteCommand(ctx, text)
}

func (i *Instance) targetPath(path string) string {
	if path != "" {
		return path
	}
	return i.ActiveFile()
}

// OpenFile opens path in the worker and makes it the active file.
func (i *Instance) OpenFile(ctx context.Context, path string) (string, error) {
	out, err := i.send(ctx, "open", map[string]any{"path": path})
	if err != nil {
		return "", err
	}
	i.mu.Lock()
	i.openFiles[path] = struct{}{}
	i.activeFile = path
	i.mu.Unlock()
	return out, nil
}

// CloseFile closes path (or the active file).
func (i *Instance) CloseFile(ctx context.Context, path string) (string, error) {
	path = i.targetPath(path)
	out, err := i.send(ctx, "close", map[string]any{"path": path})
	if err != nil {
		return "", err
	}
	i.mu.Lock()
	delete(i.openFiles, path)
	if i.activeFile == path {
		i.activeFile = ""
	}
	i.mu.Unlock()
	return out, nil
}

// SaveFile writes the worker's buffer for path (or the active file) to disk.
func (i *Instance) SaveFile(ctx context.Context, path string) (string, error) {
	return i.send(ctx, "save", map[string]any{"path": i.targetPath(path)})
}

// Edit applies an editor action (insert, replace_all, format, ...) to path.
func (i *Instance) Edit(ctx context.Context, path, action, text string, line, column int) (string, error) {
	args := map[string]any{"path": i.targetPath(path), "action": action}
	if text != "" {
		args["text"] = text
	}
	if line > 0 {
		args["line"] = line
	}
	if column > 0 {
		args["column"] = column
	}
	return i.send(ctx, "edit", args)
}

// Find searches path for pattern.
func (i *Instance) Find(ctx context.Context, path, pattern string) (string, error) {
	return i.send(ctx, "find", map[string]any{"path": i.targetPath(path), "pattern": pattern})
}

// Replace replaces pattern with replacement, once or everywhere.
func (i *Instance) Replace(ctx context.Context, path, pattern, replacement string, all bool) (string, error) {
	return i.send(ctx, "replace", map[string]any{
		"path":        i.targetPath(path),
		"pattern":     pattern,
		"replacement": replacement,
		"all":         all,
	})
}

// Goto moves the cursor in path.
func (i *Instance) Goto(ctx context.Context, path string, line, column int) (string, error) {
	return i.send(ctx, "goto", map[string]any{"path": i.targetPath(path), "line": line, "column": column})
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
