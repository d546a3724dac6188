package worker

import (
	"context"
	"io"
	"os"
	"os/exec"

	"gitlab.com/tozd/go/errors"
)

// Process is a started worker process with independent streams.
type Process struct {
	PID    int
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
	// Wait blocks until the process exits and returns its exit code.
	// It is called once, after Stdout and Stderr have reached EOF.
	Wait func() (int, error)
	// Kill terminates the process immediately.
	Kill func() error
}

// Spawner starts the worker process for a new session.
type Spawner func(ctx context.Context, sessionID string) (*Process, error)

// ExecSpawner spawns command with args as an OS process. The process is not
// bound to ctx: its lifetime is owned by the pool.
func ExecSpawner(command string, args ...string) Spawner {
	return func(ctx context.Context, sessionID string) (*Process, error) {
		cmd := exec.Command(command, args...)
		cmd.Env = append(os.Environ(), "EDITBRIDGE_SESSION_ID="+sessionID)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, errors.Errorf("creating stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, errors.Errorf("creating stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, errors.Errorf("creating stderr pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, errors.Errorf("starting worker %s: %w", command, err)
		}

		return &Process{
			PID:    cmd.Process.Pid,
			Stdin:  stdin,
			Stdout: stdout,
			Stderr: stderr,
			Wait: func() (int, error) {
				err := cmd.Wait()
				if cmd.ProcessState == nil {
					return -1, err
				}
				var exitErr *exec.ExitError
				if err != nil && !errors.As(err, &exitErr) {
					return cmd.ProcessState.ExitCode(), err
				}
				return cmd.ProcessState.ExitCode(), nil
			},
			Kill: func() error {
				if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					return err
				}
				return nil
			},
		}, nil
	}
}
