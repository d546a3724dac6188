package router

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/editbridge/internal/config"
	"github.com/HendryAvila/editbridge/internal/filesystem"
	"github.com/HendryAvila/editbridge/internal/worker"
)

var (
	// ErrValidation marks bad or missing params and failed validation rules.
	ErrValidation = errors.New("validation failed")
	// ErrUnsupportedOperation is returned when an executor does not know a type.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrEditFailed wraps an edit command the worker reported as unsuccessful.
	ErrEditFailed = errors.New("edit command failed")
)

// EditPool is the subset of *worker.Pool the router drives.
type EditPool interface {
	CreateEditSession(ctx context.Context, files []string) (string, error)
	ExecuteEditCommand(ctx context.Context, sessionID string, cmd worker.EditCommand) worker.EditResult
	DestroyInstance(ctx context.Context, sessionID string) error
	CoordinateMultiFileEdit(ctx context.Context, op worker.MultiFileEdit) ([]worker.EditResult, error)
}

// capacityReporter is implemented by pools with a fixed number of sessions.
type capacityReporter interface {
	MaxInstances() int
}

// BackupObserver is told about every backup a recipe creates or restores.
type BackupObserver func(originalPath, backupPath string, restored bool)

// Router plans and executes operations.
type Router struct {
	fs       filesystem.Capability
	pool     EditPool
	cfg      config.RouterConfig
	logger   zerolog.Logger
	onBackup BackupObserver

	// sessions bounds the editor sessions the router holds at once; nil
	// means unbounded.
	sessions chan struct{}
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithSessionLimit bounds the editor sessions the router opens
// concurrently. By default the limit is the pool's MaxInstances when the
// pool reports one; n <= 0 removes the limit.
func WithSessionLimit(n int) Option {
	return func(r *Router) {
		r.sessions = nil
		if n > 0 {
			r.sessions = make(chan struct{}, n)
		}
	}
}

// WithBackupObserver registers fn for backups made by backup_and_edit.
func WithBackupObserver(fn BackupObserver) Option {
	return func(r *Router) { r.onBackup = fn }
}

// New creates a Router over a file capability and an editor pool.
func New(fs filesystem.Capability, pool EditPool, cfg config.RouterConfig, opts ...Option) *Router {
	if cfg.SimpleOperationThreshold <= 0 {
		cfg.SimpleOperationThreshold = 1 << 20
	}
	if cfg.BatchThreshold <= 0 {
		cfg.BatchThreshold = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	r := &Router{fs: fs, pool: pool, cfg: cfg, logger: zerolog.Nop()}
	if c, ok := pool.(capacityReporter); ok && c.MaxInstances() > 0 {
		r.sessions = make(chan struct{}, c.MaxInstances())
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// acquireSession waits for a free editor session slot. Fan-out and batches
// queue here instead of failing on pool capacity.
func (r *Router) acquireSession(ctx context.Context) (release func(), err error) {
	if r.sessions == nil {
		return func() {}, nil
	}
	select {
	case r.sessions <- struct{}{}:
		return func() { <-r.sessions }, nil
	case <-ctx.Done():
		return nil, errors.Errorf("waiting for an editor session: %w", ctx.Err())
	}
}

// Classify is a convenience wrapper around the package-level Classify.
func (r *Router) Classify(op Operation) ComplexityClass { return Classify(op) }

// BuildFileContext stats every affected file. Stat failures, including
// missing files, count as size 0 and never fail the call.
func (r *Router) BuildFileContext(ctx context.Context, op Operation) FileContext {
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, f := range op.AffectedFiles {
		g.Go(func() error {
			st, err := r.fs.GetFileStats(gctx, f)
			if err != nil {
				return nil
			}
			total.Add(st.Size)
			return nil
		})
	}
	_ = g.Wait()

	n := len(op.AffectedFiles)
	return FileContext{
		FileCount:                n,
		IsMultiFile:              n > 1,
		TotalFileSize:            total.Load(),
		RequiresAdvancedFeatures: RequiresAdvancedFeatures(op),
	}
}

// BuildPlan applies the first matching routing rule.
func (r *Router) BuildPlan(ctx context.Context, op Operation) ExecutionPlan {
	return PlanFor(Classify(op), r.BuildFileContext(ctx, op), Performance(op), r.cfg.SimpleOperationThreshold)
}

// PlanFor is the pure routing rule list. Order matters: the first matching
// rule wins.
func PlanFor(class ComplexityClass, fc FileContext, perf PerformanceRequirements, threshold int64) ExecutionPlan {
	switch {
	case class == Simple && !fc.RequiresAdvancedFeatures && fc.TotalFileSize < threshold:
		return ExecutionPlan{Executor: ExecutorFilesystem, Fallback: ExecutorEdit}
	case class == Complex || fc.RequiresAdvancedFeatures:
		return ExecutionPlan{Executor: ExecutorEdit, Preprocessing: ExecutorFilesystem}
	case class == Medium && fc.IsMultiFile:
		return ExecutionPlan{Executor: ExecutorHybrid, CoordinationStrategy: Intelligent}
	case perf.RequiresRealTimeResponse && fc.TotalFileSize < threshold:
		return ExecutionPlan{Executor: ExecutorFilesystem, Fallback: ExecutorEdit}
	default:
		return ExecutionPlan{Executor: ExecutorHybrid, CoordinationStrategy: Sequential}
	}
}

// Optimize plans op and applies batching or the real-time downgrade.
func (r *Router) Optimize(ctx context.Context, op Operation) OptimizedOperation {
	plan := r.BuildPlan(ctx, op)
	out := OptimizedOperation{Original: op, Plan: plan}

	switch {
	case len(op.AffectedFiles) > r.cfg.BatchThreshold:
		for start := 0; start < len(op.AffectedFiles); start += r.cfg.BatchSize {
			end := min(start+r.cfg.BatchSize, len(op.AffectedFiles))
			out.Batches = append(out.Batches, []Operation{op.Clone(op.AffectedFiles[start:end])})
		}
		out.Plan.CoordinationStrategy = Parallel
	case op.RequiresRealTimeResponse && plan.Executor == ExecutorHybrid:
		out.Plan.Executor = ExecutorFilesystem
	}
	return out
}

// Execute optimizes and runs op.
func (r *Router) Execute(ctx context.Context, op Operation) (any, error) {
	opt := r.Optimize(ctx, op)
	logger := r.logger.With().Str("type", op.Type).Str("plan", opt.Plan.String()).Logger()
	logger.Debug().Int("files", len(op.AffectedFiles)).Int("batches", len(opt.Batches)).Msg("executing operation")

	if len(opt.Batches) > 0 {
		return r.executeBatches(ctx, opt)
	}
	return r.runPlan(logger.WithContext(ctx), op, opt.Plan)
}

// runPlan runs preprocessing, the executor, then the fallback on failure.
func (r *Router) runPlan(ctx context.Context, op Operation, plan ExecutionPlan) (any, error) {
	if plan.Preprocessing != "" {
		if err := r.preprocess(ctx, op, plan.Preprocessing); err != nil {
			return nil, err
		}
	}

	res, err := r.run(ctx, plan.Executor, op, plan.CoordinationStrategy)
	if err == nil || plan.Fallback == "" {
		return res, err
	}

	zerolog.Ctx(ctx).Info().Err(err).Str("fallback", string(plan.Fallback)).Msg("executor failed, retrying with fallback")
	return r.run(ctx, plan.Fallback, op, plan.CoordinationStrategy)
}

func (r *Router) run(ctx context.Context, ex Executor, op Operation, strategy Strategy) (any, error) {
	switch ex {
	case ExecutorFilesystem:
		return r.executeFilesystem(ctx, op)
	case ExecutorEdit:
		return r.executeEdit(ctx, op)
	case ExecutorHybrid:
		return r.executeHybrid(ctx, op, strategy)
	default:
		return nil, errors.Errorf("executor %q: %w", ex, ErrUnsupportedOperation)
	}
}

// executeBatches fans batches out per the plan strategy and joins results
// positionally. Optimize always asks for parallel batches; a sequential
// strategy runs them one after another.
func (r *Router) executeBatches(ctx context.Context, opt OptimizedOperation) (any, error) {
	plan := opt.Plan
	plan.CoordinationStrategy = ""
	results := make([][]any, len(opt.Batches))

	runBatch := func(ctx context.Context, bi int) error {
		batch := opt.Batches[bi]
		out := make([]any, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for oi, op := range batch {
			g.Go(func() error {
				res, err := r.runPlan(gctx, op, plan)
				if err != nil {
					return errors.Errorf("batch %d: %w", bi, err)
				}
				out[oi] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		results[bi] = out
		return nil
	}

	if opt.Plan.CoordinationStrategy == Sequential {
		for bi := range opt.Batches {
			if err := runBatch(ctx, bi); err != nil {
				return nil, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for bi := range opt.Batches {
			g.Go(func() error { return runBatch(gctx, bi) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	var flat []any
	for _, batch := range results {
		for _, res := range batch {
			if list, ok := res.([]any); ok {
				flat = append(flat, list...)
			} else {
				flat = append(flat, res)
			}
		}
	}
	return flat, nil
}
