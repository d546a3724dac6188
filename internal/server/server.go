// Package server wires all components and creates protocol sessions.
//
// This is the composition root: it creates the concrete filesystem, worker
// pool, router and journal and injects them into the tools and resources
// that depend on abstractions. No business logic lives here, only wiring.
package server

import (
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/HendryAvila/editbridge/internal/config"
	"github.com/HendryAvila/editbridge/internal/filesystem"
	"github.com/HendryAvila/editbridge/internal/journal"
	"github.com/HendryAvila/editbridge/internal/protocol"
	"github.com/HendryAvila/editbridge/internal/resources"
	"github.com/HendryAvila/editbridge/internal/router"
	"github.com/HendryAvila/editbridge/internal/tools"
	"github.com/HendryAvila/editbridge/internal/worker"
)

// Name is the server name reported during initialize.
const Name = "editbridge"

// Version is set at build time via ldflags.
var Version = "dev"

// App holds the long-lived components shared by every protocol session.
type App struct {
	Pool    *worker.Pool
	Router  *router.Router
	Journal *journal.Store

	logger zerolog.Logger
}

// Option customizes New.
type Option func(*options)

type options struct {
	spawner worker.Spawner
	fs      filesystem.Capability
}

// WithSpawner replaces the configured worker command.
func WithSpawner(s worker.Spawner) Option {
	return func(o *options) { o.spawner = s }
}

// WithFilesystem replaces the local filesystem.
func WithFilesystem(fs filesystem.Capability) Option {
	return func(o *options) { o.fs = fs }
}

// New creates the shared components.
//
// The returned cleanup function disposes the worker pool and closes the
// journal. It is always non-nil and safe to call even if the journal failed
// to open.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, noop, errors.Errorf("invalid configuration: %w", err)
	}

	o := options{fs: filesystem.NewLocalFS()}
	for _, opt := range opts {
		opt(&o)
	}

	// --- Worker pool ---

	poolOpts := worker.OptionsFromConfig(cfg.Worker, logger)
	if o.spawner != nil {
		poolOpts.Spawner = o.spawner
	}
	pool := worker.NewPool(poolOpts)
	app := &App{Pool: pool, logger: logger}

	// --- Journal ---
	//
	// The journal is optional: if it cannot be opened the server keeps
	// working without history.

	routerOpts := []router.Option{router.WithLogger(logger.With().Str("component", "router").Logger())}
	if cfg.Journal.Enabled {
		store, err := journal.New(cfg.Journal, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("journal disabled")
		} else {
			app.Journal = store
			pool.Subscribe(store.Record)
			routerOpts = append(routerOpts, router.WithBackupObserver(store.RecordBackup))
		}
	}

	// --- Router ---

	app.Router = router.New(o.fs, pool, cfg.Router, routerOpts...)

	cleanup := func() {
		pool.Dispose()
		if app.Journal != nil {
			if err := app.Journal.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing journal")
			}
		}
	}
	return app, cleanup, nil
}

// noop is the cleanup returned when nothing was created.
func noop() {}

// NewProtocolServer returns a protocol session with every tool and resource
// registered. Each client connection gets its own session and handshake.
func (a *App) NewProtocolServer() *protocol.Server {
	s := protocol.NewServer(Name, Version,
		protocol.WithInstructions(serverInstructions()),
		protocol.WithLogger(a.logger.With().Str("component", "protocol").Logger()),
	)

	// --- Operation tools ---

	for _, tool := range tools.NewOperationTools(a.Router) {
		s.AddTool(tool.Definition(), tool.Handle)
	}

	routeTool := tools.NewRouteOperationTool(a.Router)
	s.AddTool(routeTool.Definition(), routeTool.Handle)

	explainTool := tools.NewExplainPlanTool(a.Router)
	s.AddTool(explainTool.Definition(), explainTool.Handle)

	// --- Session tools ---

	closeTool := tools.NewCloseSessionTool(a.Pool)
	s.AddTool(closeTool.Definition(), closeTool.Handle)

	commandTool := tools.NewExecuteCommandTool(a.Pool)
	s.AddTool(commandTool.Definition(), commandTool.Handle)

	// A nil *journal.Store must not become a non-nil interface.
	var history tools.History
	var journalView resources.JournalView
	if a.Journal != nil {
		history = a.Journal
		journalView = a.Journal
	}
	historyTool := tools.NewSessionHistoryTool(history)
	s.AddTool(historyTool.Definition(), historyTool.Handle)

	// --- Resources ---

	resourceHandler := resources.NewHandler(a.Pool, journalView)
	s.AddResource(resourceHandler.PoolStatusResource(), resourceHandler.HandlePoolStatus)
	s.AddResource(resourceHandler.JournalResource(), resourceHandler.HandleJournal)

	return s
}

// serverInstructions tells the client how the tools fit together.
func serverInstructions() string {
	return `editbridge edits files either directly or through long-lived editor sessions.

Use the operation tools (read_file_content, replace_in_file, format_code, smart_refactor, ...)
and let the server pick the strategy. Plain reads and writes go straight to disk; formatting,
refactoring and syntax-aware edits run in an editor worker.

start_edit_session keeps a worker open: send commands with execute_edit_command and always
finish with close_edit_session. Workers are reclaimed after a period of inactivity.

Use explain_plan to see how an operation would be routed, and route_operation for operation
types without a dedicated tool. edit_session_history lists past sessions.`
}
