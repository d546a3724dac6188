// Package resources implements read-only MCP resources describing the
// worker pool and the session journal.
//
// Resources use URI-based addressing (editbridge://...) following MCP
// conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"gitlab.com/tozd/go/errors"

	"github.com/HendryAvila/editbridge/internal/config"
	"github.com/HendryAvila/editbridge/internal/journal"
	"github.com/HendryAvila/editbridge/internal/worker"
)

const (
	PoolStatusURI    = "editbridge://pool/status"
	JournalRecentURI = "editbridge://journal/recent"
)

// PoolView is the part of the worker pool the status resource reads.
type PoolView interface {
	Sessions() []worker.SessionInfo
	MaxInstances() int
	Policy() config.TimeoutPolicy
	InstanceTimeout() time.Duration
}

// JournalView is the part of the journal the history resource reads.
type JournalView interface {
	RecentSessions(limit int) ([]journal.Session, error)
	Commands(sessionID string, limit int) ([]journal.Command, error)
	Backups(limit int) ([]journal.Backup, error)
}

// Handler serves the editbridge resources.
type Handler struct {
	pool    PoolView
	journal JournalView
}

// NewHandler creates a resource Handler. journal may be nil when the journal
// is disabled.
func NewHandler(pool PoolView, journal JournalView) *Handler {
	return &Handler{pool: pool, journal: journal}
}

// PoolStatus is the body of the pool status resource.
type PoolStatus struct {
	Capacity        int                  `json:"capacity"`
	Live            int                  `json:"live"`
	TimeoutPolicy   config.TimeoutPolicy `json:"timeout_policy"`
	InstanceTimeout string               `json:"instance_timeout"`
	Sessions        []worker.SessionInfo `json:"sessions"`
}

// JournalRecent is the body of the journal resource.
type JournalRecent struct {
	Sessions []journal.Session `json:"sessions"`
	Commands []journal.Command `json:"commands"`
	Backups  []journal.Backup  `json:"backups"`
}

// --- Pool status ---

// PoolStatusResource returns the MCP resource definition for pool status.
func (h *Handler) PoolStatusResource() mcp.Resource {
	return mcp.NewResource(
		PoolStatusURI,
		"Editor Worker Pool Status",
		mcp.WithResourceDescription("Live editor sessions, their open files, and pool capacity"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandlePoolStatus returns the current pool state as JSON.
func (h *Handler) HandlePoolStatus(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	sessions := h.pool.Sessions()
	if sessions == nil {
		sessions = []worker.SessionInfo{}
	}
	return jsonResource(req.Params.URI, PoolStatus{
		Capacity:        h.pool.MaxInstances(),
		Live:            len(sessions),
		TimeoutPolicy:   h.pool.Policy(),
		InstanceTimeout: h.pool.InstanceTimeout().String(),
		Sessions:        sessions,
	})
}

// --- Journal ---

// JournalResource returns the MCP resource definition for recent history.
func (h *Handler) JournalResource() mcp.Resource {
	return mcp.NewResource(
		JournalRecentURI,
		"Edit Session Journal",
		mcp.WithResourceDescription("Recently closed and live editor sessions, commands sent, and backups taken"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleJournal returns recent journal entries as JSON.
func (h *Handler) HandleJournal(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if h.journal == nil {
		return errorResource(req.Params.URI, "journal is disabled"), nil
	}

	sessions, err := h.journal.RecentSessions(10)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	commands, err := h.journal.Commands("", 50)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	backups, err := h.journal.Backups(20)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, JournalRecent{Sessions: sessions, Commands: commands, Backups: backups})
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
