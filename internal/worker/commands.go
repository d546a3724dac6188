package worker

import (
	"context"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"
)

// Edit command types accepted by Apply.
const (
	CommandOpen    = "open"
	CommandClose   = "close"
	CommandSave    = "save"
	CommandEdit    = "edit"
	CommandFind    = "find"
	CommandReplace = "replace"
	CommandGoto    = "goto"
)

// EditCommand is a structured editor operation on one session.
type EditCommand struct {
	Type        string `json:"type"`
	Path        string `json:"path,omitempty"`
	Text        string `json:"text,omitempty"`
	Action      string `json:"action,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	All         bool   `json:"all,omitempty"`
	Line        int    `json:"line,omitempty"`
	Column      int    `json:"column,omitempty"`
}

// WithPath returns a copy of c targeting path.
func (c EditCommand) WithPath(path string) EditCommand {
	c.Path = path
	return c
}

// EditResult is the outcome of an EditCommand. Failures are data, not errors.
type EditResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Output  string `json:"output,omitempty"`
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID           string    `json:"id"`
	PID          int       `json:"pid"`
	Files        []string  `json:"files"`
	ActiveFile   string    `json:"active_file,omitempty"`
	Running      bool      `json:"running"`
	Queued       int       `json:"queued"`
	Busy         bool      `json:"busy"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// EventKind names a pool lifecycle event.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventOpened    EventKind = "opened"
	EventExited    EventKind = "exited"
	EventDestroyed EventKind = "destroyed"
	EventReclaimed EventKind = "reclaimed"
	EventCommand   EventKind = "command"
)

// Event is published to pool subscribers.
type Event struct {
	Kind      EventKind
	SessionID string
	Files     []string
	ExitCode  int
	Reason    string
	Command   string
	Success   bool
	At        time.Time
}

// Apply runs one structured command against the instance.
func (i *Instance) Apply(ctx context.Context, cmd EditCommand) (string, error) {
	switch cmd.Type {
	case CommandOpen:
		if cmd.Path == "" {
			return "", errors.New("open requires a path")
		}
		return i.OpenFile(ctx, cmd.Path)
	case CommandClose:
		return i.CloseFile(ctx, cmd.Path)
	case CommandSave:
		return i.SaveFile(ctx, cmd.Path)
	case CommandEdit:
		action := cmd.Action
		if action == "" {
			action = "insert"
		}
		return i.Edit(ctx, cmd.Path, action, cmd.Text, cmd.Line, cmd.Column)
	case CommandFind:
		if cmd.Pattern == "" {
			return "", errors.New("find requires a pattern")
		}
		return i.Find(ctx, cmd.Path, cmd.Pattern)
	case CommandReplace:
		if cmd.Pattern == "" {
			return "", errors.New("replace requires a pattern")
		}
		return i.Replace(ctx, cmd.Path, cmd.Pattern, cmd.Replacement, cmd.All)
	case CommandGoto:
		return i.Goto(ctx, cmd.Path, cmd.Line, cmd.Column)
	default:
		return "", errors.Errorf("unknown edit command type %q", cmd.Type)
	}
}

func describe(cmd EditCommand) string {
	parts := []string{cmd.Type}
	if cmd.Path != "" {
		parts = append(parts, cmd.Path)
	}
	if cmd.Action != "" {
		parts = append(parts, cmd.Action)
	}
	return strings.Join(parts, " ")
}
