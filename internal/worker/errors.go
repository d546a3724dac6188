package worker

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
)

var (
	// ErrCapacity is returned when the pool already holds MaxInstances workers.
	ErrCapacity = errors.New("worker pool at capacity")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("edit session not found")
	// ErrSessionExists is returned when a session id is already registered.
	ErrSessionExists = errors.New("edit session already exists")
	// ErrNotRunning is returned when a command is issued to an exited worker.
	ErrNotRunning = errors.New("worker not running")
	// ErrProcessExited matches every *ExitError.
	ErrProcessExited = errors.New("worker process exited")
	// ErrPoolDisposed is returned after Dispose.
	ErrPoolDisposed = errors.New("worker pool disposed")
	// ErrSpawnFailed matches every *SpawnError.
	ErrSpawnFailed = errors.New("worker process could not be started")
)

// SpawnError reports a worker process that never started.
type SpawnError struct {
	SessionID string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning worker for %s: %v", e.SessionID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSpawnFailed) hold for any SpawnError.
func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawnFailed
}

// ExitError rejects commands that were queued or in flight when the worker
// process exited.
type ExitError struct {
	SessionID string
	Code      int
	Stderr    string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("worker %s exited with code %d", e.SessionID, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Is makes errors.Is(err, ErrProcessExited) hold for any ExitError.
func (e *ExitError) Is(target error) bool {
	return target == ErrProcessExited
}

// CommandError is a failure reported by the worker in a response frame.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("worker rejected %q: %s", e.Command, e.Message)
}
