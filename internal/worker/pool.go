package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/HendryAvila/editbridge/internal/config"
)

// Options configure a Pool.
type Options struct {
	MaxInstances    int
	InstanceTimeout time.Duration
	Policy          config.TimeoutPolicy
	ShutdownGrace   time.Duration
	Spawner         Spawner
	Logger          zerolog.Logger
}

// OptionsFromConfig builds pool options for the external editor in cfg.
func OptionsFromConfig(cfg config.WorkerConfig, logger zerolog.Logger) Options {
	return Options{
		MaxInstances:    cfg.MaxInstances,
		InstanceTimeout: cfg.InstanceTimeout,
		Policy:          cfg.TimeoutPolicy,
		ShutdownGrace:   cfg.ShutdownGrace,
		Spawner:         ExecSpawner(cfg.Command, cfg.Args...),
		Logger:          logger,
	}
}

type entry struct {
	inst  *Instance
	timer *time.Timer
}

// Pool is the bounded registry of worker instances keyed by session id.
type Pool struct {
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	instances   map[string]*entry
	reserved    map[string]struct{}
	disposed    bool
	subscribers []func(Event)
}

// NewPool returns an empty pool.
func NewPool(opts Options) *Pool {
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 5
	}
	if opts.InstanceTimeout <= 0 {
		opts.InstanceTimeout = 5 * time.Minute
	}
	if opts.Policy == "" {
		opts.Policy = config.PolicyIdle
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 2 * time.Second
	}
	return &Pool{
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "worker-pool").Logger(),
		instances: make(map[string]*entry),
		reserved:  make(map[string]struct{}),
	}
}

// MaxInstances returns the capacity.
func (p *Pool) MaxInstances() int { return p.opts.MaxInstances }

// Policy returns the reclamation timeout policy.
func (p *Pool) Policy() config.TimeoutPolicy { return p.opts.Policy }

// InstanceTimeout returns the reclamation timeout.
func (p *Pool) InstanceTimeout() time.Duration { return p.opts.InstanceTimeout }

// Subscribe registers fn for every lifecycle event. fn must not block.
func (p *Pool) Subscribe(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

func (p *Pool) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	p.mu.Lock()
	subs := make([]func(Event), len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Len returns the number of registered instances.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// Sessions returns a snapshot of every registered session, ordered by id.
func (p *Pool) Sessions() []SessionInfo {
	p.mu.Lock()
	insts := make([]*Instance, 0, len(p.instances))
	for _, e := range p.instances {
		insts = append(insts, e.inst)
	}
	p.mu.Unlock()

	infos := make([]SessionInfo, 0, len(insts))
	for _, inst := range insts {
		infos = append(infos, inst.Snapshot())
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].ID < infos[b].ID })
	return infos
}

// Instance returns the registered instance for sessionID.
func (p *Pool) Instance(sessionID string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.instances[sessionID]
	if !ok {
		return nil, errors.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return e.inst, nil
}

// CreateInstance spawns and registers a worker for sessionID. At capacity it
// fails with ErrCapacity without spawning anything.
func (p *Pool) CreateInstance(ctx context.Context, sessionID string) (*Instance, error) {
	inst, err := p.createInstance(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	p.emit(Event{Kind: EventCreated, SessionID: sessionID})
	return inst, nil
}

func (p *Pool) createInstance(ctx context.Context, sessionID string) (*Instance, error) {
	if err := p.reserve(sessionID); err != nil {
		return nil, err
	}

	// Spawning can be slow; the reservation holds the slot without the lock.
	proc, err := p.opts.Spawner(ctx, sessionID)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, sessionID)
	if err != nil {
		return nil, &SpawnError{SessionID: sessionID, Err: err}
	}
	if p.disposed {
		if kerr := proc.Kill(); kerr != nil {
			p.logger.Warn().Err(kerr).Str("session", sessionID).Msg("killing worker spawned during dispose")
		}
		return nil, ErrPoolDisposed
	}

	e := &entry{}
	hooks := InstanceHooks{
		OnExit: func(code int) { p.handleExit(sessionID, e, code) },
	}
	if p.opts.Policy == config.PolicyIdle {
		hooks.OnActivity = func() { p.touch(e) }
	}
	e.inst = NewInstance(sessionID, proc, hooks, p.logger)
	e.timer = time.AfterFunc(p.opts.InstanceTimeout, func() { p.reclaim(sessionID, e) })
	p.instances[sessionID] = e

	p.logger.Info().Str("session", sessionID).Int("pid", proc.PID).Msg("worker created")
	return e.inst, nil
}

// reserve claims a slot for sessionID. Reserved slots count toward capacity
// until the spawn finishes.
func (p *Pool) reserve(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return ErrPoolDisposed
	}
	_, live := p.instances[sessionID]
	_, pending := p.reserved[sessionID]
	if live || pending {
		return errors.Errorf("session %s: %w", sessionID, ErrSessionExists)
	}
	if len(p.instances)+len(p.reserved) >= p.opts.MaxInstances {
		return errors.Errorf("creating session %s (max %d): %w", sessionID, p.opts.MaxInstances, ErrCapacity)
	}
	p.reserved[sessionID] = struct{}{}
	return nil
}

// touch restarts the idle deadline.
func (p *Pool) touch(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.timer != nil {
		e.timer.Reset(p.opts.InstanceTimeout)
	}
}

// reclaim force-kills an instance whose deadline passed. Any in-flight
// command is rejected by the resulting exit.
func (p *Pool) reclaim(sessionID string, e *entry) {
	p.mu.Lock()
	cur, ok := p.instances[sessionID]
	if !ok || cur != e {
		p.mu.Unlock()
		return
	}
	delete(p.instances, sessionID)
	p.mu.Unlock()

	p.logger.Warn().Str("session", sessionID).Str("policy", string(p.opts.Policy)).
		Dur("timeout", p.opts.InstanceTimeout).Msg("reclaiming worker")
	if err := e.inst.Kill(); err != nil {
		p.logger.Warn().Err(err).Str("session", sessionID).Msg("killing reclaimed worker")
	}
	p.emit(Event{Kind: EventReclaimed, SessionID: sessionID, Reason: "timeout"})
}

// handleExit unregisters an instance whose process exited on its own.
func (p *Pool) handleExit(sessionID string, e *entry, code int) {
	p.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	if cur, ok := p.instances[sessionID]; ok && cur == e {
		delete(p.instances, sessionID)
	}
	p.mu.Unlock()
	p.emit(Event{Kind: EventExited, SessionID: sessionID, ExitCode: code})
}

// DestroyInstance gracefully terminates and unregisters sessionID.
func (p *Pool) DestroyInstance(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	e, ok := p.instances[sessionID]
	if !ok {
		p.mu.Unlock()
		return errors.Errorf("destroying session %s: %w", sessionID, ErrSessionNotFound)
	}
	delete(p.instances, sessionID)
	e.timer.Stop()
	p.mu.Unlock()

	err := e.inst.Terminate(ctx, p.opts.ShutdownGrace)
	p.emit(Event{Kind: EventDestroyed, SessionID: sessionID, Reason: "closed"})
	if err != nil {
		return errors.Errorf("destroying session %s: %w", sessionID, err)
	}
	return nil
}

// ExecuteEditCommand runs cmd on sessionID. Every failure, including an
// unknown session, is reported in the result rather than as an error.
func (p *Pool) ExecuteEditCommand(ctx context.Context, sessionID string, cmd EditCommand) EditResult {
	res := p.executeEditCommand(ctx, sessionID, cmd)
	p.emit(Event{
		Kind:      EventCommand,
		SessionID: sessionID,
		Command:   describe(cmd),
		Success:   res.Success,
		Reason:    res.Message,
	})
	return res
}

func (p *Pool) executeEditCommand(ctx context.Context, sessionID string, cmd EditCommand) EditResult {
	inst, err := p.Instance(sessionID)
	if err != nil {
		return EditResult{Success: false, Message: err.Error()}
	}
	out, err := inst.Apply(ctx, cmd)
	if err != nil {
		return EditResult{Success: false, Message: err.Error(), Output: out}
	}
	return EditResult{Success: true, Message: cmd.Type + " ok", Output: out}
}

// CreateEditSession allocates a session and opens files in order. If any open
// fails the session is destroyed and the error returned.
func (p *Pool) CreateEditSession(ctx context.Context, files []string) (string, error) {
	sessionID := uuid.NewString()
	inst, err := p.CreateInstance(ctx, sessionID)
	if err != nil {
		return "", err
	}

	for _, f := range files {
		if _, err := inst.OpenFile(ctx, f); err != nil {
			if derr := p.DestroyInstance(context.WithoutCancel(ctx), sessionID); derr != nil {
				p.logger.Warn().Err(derr).Str("session", sessionID).Msg("destroying failed session")
			}
			return "", errors.Errorf("opening %s in session %s: %w", f, sessionID, err)
		}
	}

	p.emit(Event{Kind: EventOpened, SessionID: sessionID, Files: files})
	return sessionID, nil
}

// MultiFileEdit applies one command to each file in order. With Save set
// each file is saved right after its command succeeds.
type MultiFileEdit struct {
	Files     []string
	Operation EditCommand
	Save      bool
}

// CoordinateMultiFileEdit runs op.Operation once per file in a dedicated
// session and always destroys that session afterward.
func (p *Pool) CoordinateMultiFileEdit(ctx context.Context, op MultiFileEdit) (results []EditResult, err error) {
	sessionID, err := p.CreateEditSession(ctx, op.Files)
	if err != nil {
		return nil, err
	}
	defer func() {
		if derr := p.DestroyInstance(context.WithoutCancel(ctx), sessionID); derr != nil {
			p.logger.Warn().Err(derr).Str("session", sessionID).Msg("closing multi-file session")
		}
	}()

	results = make([]EditResult, 0, len(op.Files))
	for _, f := range op.Files {
		res := p.ExecuteEditCommand(ctx, sessionID, op.Operation.WithPath(f))
		results = append(results, res)
		if !res.Success {
			return results, errors.Errorf("%s on %s: %s", op.Operation.Type, f, res.Message)
		}
		if !op.Save {
			continue
		}
		if res := p.ExecuteEditCommand(ctx, sessionID, EditCommand{Type: CommandSave, Path: f}); !res.Success {
			return results, errors.Errorf("saving %s: %s", f, res.Message)
		}
	}
	return results, nil
}

// Dispose terminates every live instance without waiting for them.
func (p *Pool) Dispose() {
	p.mu.Lock()
	p.disposed = true
	entries := make(map[string]*entry, len(p.instances))
	for id, e := range p.instances {
		entries[id] = e
		e.timer.Stop()
	}
	p.instances = make(map[string]*entry)
	p.mu.Unlock()

	for id, e := range entries {
		go func() {
			if err := e.inst.Terminate(context.Background(), p.opts.ShutdownGrace); err != nil {
				p.logger.Warn().Err(err).Str("session", id).Msg("terminating worker on dispose")
			}
			p.emit(Event{Kind: EventDestroyed, SessionID: id, Reason: "dispose"})
		}()
	}
}
