package orchestrator

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/agentgrid/bus"
	"github.com/BaSui01/agentgrid/contextstore"
	"github.com/BaSui01/agentgrid/types"
	"github.com/BaSui01/agentgrid/workflow"
)

const tracerName = "github.com/BaSui01/agentgrid/orchestrator"

// Options configures an Engine.
type Options struct {
	// Bus receives lifecycle events. Nil disables them.
	Bus *bus.Bus
	// Store is the shared context store. A memory store is created if nil.
	Store    *contextstore.Store
	Observer Observer
	// Archive holds runs evicted by retention. Defaults to a memory archive.
	Archive Archive
	Tracer  trace.Tracer
	Logger  *zap.Logger

	// MaxWorkers bounds concurrently executing steps across all runs.
	// 0 means unbounded.
	MaxWorkers int64
	// DefaultMaxParallel applies to runs created without a limit.
	DefaultMaxParallel int
	// DefaultRetry fills retry fields a step leaves unset.
	DefaultRetry *workflow.RetryPolicy

	// RetentionTTL archives terminal runs this long after they finish.
	// 0 keeps them until RetentionMaxRuns is exceeded.
	RetentionTTL time.Duration
	// RetentionMaxRuns bounds terminal runs kept live. 0 means unbounded.
	RetentionMaxRuns int
	// JanitorInterval is how often retention runs after Start. Defaults to
	// one minute.
	JanitorInterval time.Duration
}

// RunOption customizes CreateRun.
type RunOption func(*runOptions)

type runOptions struct {
	maxParallel *int
}

// WithMaxParallel caps concurrently running steps in the run, overriding the
// definition's max_parallel. 0 means unbounded.
func WithMaxParallel(n int) RunOption {
	return func(o *runOptions) {
		o.maxParallel = &n
	}
}

// Engine is the inbound interface of the orchestration core: it registers
// definitions and agents, creates and controls runs, and reports status.
type Engine struct {
	opts     Options
	store    *contextstore.Store
	archive  Archive
	sched    *Scheduler
	logger   *zap.Logger
	retryDef workflow.RetryPolicy

	mu          sync.RWMutex
	definitions map[string]*workflow.Graph
	agents      map[string]AgentHandler
	runs        map[string]*runState

	startOnce sync.Once
	stop      context.CancelFunc
	bg        sync.WaitGroup
	closed    atomic.Bool
}

// New creates an Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "engine"))

	store := opts.Store
	if store == nil {
		store = contextstore.New(contextstore.Options{Logger: opts.Logger})
	}
	archive := opts.Archive
	if archive == nil {
		archive = NewMemoryArchive(0)
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}
	retryDef := workflow.DefaultRetryPolicy()
	if opts.DefaultRetry != nil {
		retryDef = *opts.DefaultRetry
	}

	e := &Engine{
		opts:        opts,
		store:       store,
		archive:     archive,
		logger:      logger,
		retryDef:    retryDef,
		definitions: make(map[string]*workflow.Graph),
		agents:      make(map[string]AgentHandler),
		runs:        make(map[string]*runState),
	}

	var sem *semaphore.Weighted
	if opts.MaxWorkers > 0 {
		sem = semaphore.NewWeighted(opts.MaxWorkers)
	}
	schedLogger := opts.Logger
	if schedLogger == nil {
		schedLogger = zap.NewNop()
	}
	e.sched = &Scheduler{
		agents:   e.agent,
		store:    store,
		recovery: NewRecoveryManager(opts.Logger),
		events:   &lifecycle{bus: opts.Bus, logger: logger},
		observer: observer,
		sem:      sem,
		tracer:   tracer,
		logger:   schedLogger.With(zap.String("component", "scheduler")),
	}
	return e
}

// Store returns the engine's context store.
func (e *Engine) Store() *contextstore.Store { return e.store }

// RegisterDefinition validates def and makes it available to CreateRun.
// Definitions are immutable once registered.
func (e *Engine) RegisterDefinition(def *workflow.Definition) (*workflow.Graph, error) {
	if def == nil {
		return nil, types.NewError(types.ErrInvalidDefinition, "definition is nil")
	}
	g, err := workflow.Build(def, e.retryDef)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.definitions[g.Name()]; ok {
		return nil, types.Errorf(types.ErrAlreadyExists, "workflow %q already registered", g.Name())
	}
	e.definitions[g.Name()] = g
	e.logger.Info("workflow registered", zap.String("workflow", g.Name()), zap.Int("steps", g.Len()))
	return g, nil
}

// Definition returns a copy of a registered definition.
func (e *Engine) Definition(name string) (*workflow.Definition, error) {
	e.mu.RLock()
	g, ok := e.definitions[name]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NewNotFoundError("workflow", name)
	}
	return g.Definition().Clone(), nil
}

// Definitions returns the registered workflow names in ascending order.
func (e *Engine) Definitions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.definitions))
}

// RegisterAgent binds handler to agentID. Re-registering replaces the
// handler for steps dispatched afterwards.
func (e *Engine) RegisterAgent(agentID string, handler AgentHandler) error {
	if agentID == "" || handler == nil {
		return types.NewError(types.ErrInvalidRequest, "agent id and handler are required")
	}
	e.mu.Lock()
	e.agents[agentID] = handler
	e.mu.Unlock()
	e.logger.Debug("agent registered", zap.String("agent_id", agentID))
	return nil
}

// UnregisterAgent removes an agent. Steps dispatched to it afterwards fail
// with AGENT_NOT_REGISTERED.
func (e *Engine) UnregisterAgent(agentID string) {
	e.mu.Lock()
	delete(e.agents, agentID)
	e.mu.Unlock()
}

// Agents returns registered agent ids in ascending order.
func (e *Engine) Agents() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.agents))
}

func (e *Engine) agent(id string) (AgentHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.agents[id]
	return h, ok
}

// CreateRun starts a run of the named workflow. initialContext is written to
// the context store before the first step is dispatched.
func (e *Engine) CreateRun(ctx context.Context, workflowName string, initialContext map[string]any, opts ...RunOption) (string, error) {
	if e.closed.Load() {
		return "", types.NewError(types.ErrServiceUnavailable, "engine is closed")
	}
	var ro runOptions
	for _, o := range opts {
		o(&ro)
	}

	e.mu.RLock()
	g, ok := e.definitions[workflowName]
	var missing []string
	if ok {
		for _, id := range g.StepIDs() {
			n, _ := g.Node(id)
			if _, found := e.agents[n.Step.AgentID]; !found {
				missing = append(missing, n.Step.AgentID)
			}
		}
	}
	e.mu.RUnlock()
	if !ok {
		return "", types.NewNotFoundError("workflow", workflowName)
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return "", types.Errorf(types.ErrAgentNotRegistered, "agents not registered: %v", slices.Compact(missing))
	}

	maxParallel := e.opts.DefaultMaxParallel
	switch {
	case ro.maxParallel != nil:
		maxParallel = *ro.maxParallel
	case g.Definition().MaxParallel > 0:
		maxParallel = g.Definition().MaxParallel
	}
	if maxParallel < 0 {
		return "", types.Errorf(types.ErrInvalidRequest, "max_parallel must be >= 0, got %d", maxParallel)
	}

	id := uuid.NewString()
	writer := "run/" + id
	for _, k := range slices.Sorted(maps.Keys(initialContext)) {
		v := initialContext[k]
		if _, err := e.store.Update(ctx, k, writer, func(any, bool) (any, error) { return v, nil }); err != nil {
			return "", err
		}
	}

	r := newRunState(id, g, maxParallel)
	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()

	e.sched.start(r)
	return id, nil
}

func (e *Engine) live(runID string) (*runState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[runID]
	return r, ok
}

// ControlRun pauses, resumes or cancels a live run.
func (e *Engine) ControlRun(_ context.Context, runID string, action Action) error {
	r, ok := e.live(runID)
	if !ok {
		if _, err := e.archive.Get(context.Background(), runID); err == nil {
			return types.Errorf(types.ErrInvalidTransition, "run %s is archived", runID)
		}
		return types.NewNotFoundError("run", runID)
	}
	if err := e.sched.control(r, action); err != nil {
		return err
	}
	e.logger.Info("run control applied", zap.String("run_id", runID), zap.String("action", string(action)))
	return nil
}

// GetRunStatus returns a snapshot of a run, live or archived.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*Run, error) {
	if r, ok := e.live(runID); ok {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.snapshot(), nil
	}
	return e.archive.Get(ctx, runID)
}

// ListRuns returns live runs by creation time followed by archived runs.
func (e *Engine) ListRuns(ctx context.Context) ([]RunSummary, error) {
	e.mu.RLock()
	live := slices.Collect(maps.Values(e.runs))
	e.mu.RUnlock()

	out := make([]RunSummary, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, r := range live {
		r.mu.Lock()
		out = append(out, r.snapshot().Summary())
		r.mu.Unlock()
		seen[r.id] = true
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	archived, err := e.archive.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, s := range archived {
		if !seen[s.ID] {
			out = append(out, s)
		}
	}
	return out, nil
}

// Wait blocks until the run is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) (*Run, error) {
	r, ok := e.live(runID)
	if !ok {
		return e.archive.Get(ctx, runID)
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, types.NewError(types.ErrCancelled, "wait cancelled").WithCause(ctx.Err())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), nil
}

// Start launches the retention janitor and the context watcher. Conditions
// are decided when a step's dependencies settle; on every context change
// the watcher re-checks steps that are Ready but still waiting for a
// dispatch slot.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		ctx, e.stop = context.WithCancel(ctx)

		var changes iter.Seq[contextstore.Entry]
		changes, err = e.store.Watch(ctx, "*")
		if err != nil {
			e.stop()
			return
		}

		e.bg.Add(2)
		go func() {
			defer e.bg.Done()
			for range changes {
				e.poke()
			}
		}()
		go func() {
			defer e.bg.Done()
			t := time.NewTicker(e.opts.JanitorInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if n, err := e.Sweep(ctx); err != nil {
						e.logger.Warn("retention sweep failed", zap.Error(err))
					} else if n > 0 {
						e.logger.Debug("runs archived", zap.Int("count", n))
					}
				}
			}
		}()
		e.logger.Info("engine started",
			zap.Int64("max_workers", e.opts.MaxWorkers),
			zap.Duration("retention_ttl", e.opts.RetentionTTL),
			zap.Int("retention_max_runs", e.opts.RetentionMaxRuns),
		)
	})
	return err
}

// poke re-checks undispatched Ready steps of active runs.
func (e *Engine) poke() {
	e.mu.RLock()
	live := slices.Collect(maps.Values(e.runs))
	e.mu.RUnlock()
	for _, r := range live {
		r.mu.Lock()
		e.sched.recheck(r)
		e.sched.unlock(r)
	}
}

// Sweep archives terminal runs past RetentionTTL and the oldest terminal
// runs beyond RetentionMaxRuns. It returns how many runs were archived.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	type finished struct {
		run *Run
		at  time.Time
	}

	e.mu.RLock()
	live := slices.Collect(maps.Values(e.runs))
	e.mu.RUnlock()

	var terminal []finished
	for _, r := range live {
		r.mu.Lock()
		if r.status.IsTerminal() {
			terminal = append(terminal, finished{run: r.snapshot(), at: *r.finishedAt})
		}
		r.mu.Unlock()
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].at.Before(terminal[j].at) })

	now := time.Now().UTC()
	excess := 0
	if e.opts.RetentionMaxRuns > 0 && len(terminal) > e.opts.RetentionMaxRuns {
		excess = len(terminal) - e.opts.RetentionMaxRuns
	}

	archived := 0
	for i, f := range terminal {
		expired := e.opts.RetentionTTL > 0 && now.Sub(f.at) >= e.opts.RetentionTTL
		if !expired && i >= excess {
			continue
		}
		if err := e.archive.Save(ctx, f.run); err != nil {
			return archived, err
		}
		e.mu.Lock()
		delete(e.runs, f.run.ID)
		e.mu.Unlock()
		archived++
	}
	return archived, nil
}

// Close cancels active runs and waits for running steps to return or ctx to
// expire. The context store and bus are owned by the caller.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.stop != nil {
		e.stop()
	}

	e.mu.RLock()
	live := slices.Collect(maps.Values(e.runs))
	e.mu.RUnlock()
	for _, r := range live {
		_ = e.sched.control(r, ActionCancel)
	}

	done := make(chan struct{})
	go func() {
		e.sched.inflight.Wait()
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine closed")
		return nil
	case <-ctx.Done():
		return types.NewError(types.ErrTimeout, "engine close timed out").WithCause(ctx.Err())
	}
}
