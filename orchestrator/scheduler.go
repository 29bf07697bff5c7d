package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/agentgrid/bus"
	"github.com/BaSui01/agentgrid/contextstore"
	"github.com/BaSui01/agentgrid/types"
	"github.com/BaSui01/agentgrid/workflow"
)

// stepRuntime is the scheduler's mutable view of one step. Guarded by the
// owning runState's mutex.
type stepRuntime struct {
	node       *workflow.Node
	status     StepStatus
	attempts   int
	startedAt  *time.Time
	finishedAt *time.Time
	readyAt    time.Time
	err        error
	reason     string
	history    []Attempt

	retryAt    *time.Time
	retryTimer *time.Timer
	retryGen   int
	backoff    *backoff.ExponentialBackOff

	// compensating is set on a primary step whose compensation is pending.
	compensating bool
}

// runState is one live run. Every transition happens under mu, which makes
// readiness computation and dispatch a single critical section per run.
type runState struct {
	mu sync.Mutex

	id          string
	graph       *workflow.Graph
	order       []string // topological, dependency steps only
	ids         []string // ascending, all steps
	maxParallel int

	status  RunStatus
	closing RunStatus // terminal status to enter once running steps drain
	steps   map[string]*stepRuntime
	running int

	createdAt  time.Time
	startedAt  *time.Time
	finishedAt *time.Time
	failedStep string
	err        error
	history    []HistoryEntry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// outbox holds lifecycle events emitted under mu; one flusher at a
	// time publishes them after releasing mu. finished asks the flusher to
	// close done once the events queued before it are published.
	outbox     []bus.Event
	flushing   bool
	finished   bool
	doneClosed bool
}

func newRunState(id string, g *workflow.Graph, maxParallel int) *runState {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runState{
		id:          id,
		graph:       g,
		order:       g.Order(),
		ids:         g.StepIDs(),
		maxParallel: maxParallel,
		status:      RunPending,
		steps:       make(map[string]*stepRuntime),
		createdAt:   time.Now().UTC(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	for _, sid := range r.ids {
		n, _ := g.Node(sid)
		r.steps[sid] = &stepRuntime{node: n, status: StepWaiting}
	}
	r.record(HistoryCreated, "", fmt.Sprintf("workflow %s", g.Name()))
	return r
}

func (r *runState) record(action, stepID, detail string) {
	r.history = append(r.history, HistoryEntry{
		At:     time.Now().UTC(),
		Action: action,
		StepID: stepID,
		Detail: detail,
	})
}

func (r *runState) snapshot() *Run {
	out := &Run{
		ID:          r.id,
		Workflow:    r.graph.Name(),
		Status:      r.status,
		MaxParallel: r.maxParallel,
		Steps:       make(map[string]StepState, len(r.steps)),
		CreatedAt:   r.createdAt,
		StartedAt:   r.startedAt,
		FinishedAt:  r.finishedAt,
		FailedStep:  r.failedStep,
		History:     slices.Clone(r.history),
	}
	if r.err != nil {
		out.Error = r.err.Error()
		out.ErrorCode = types.CodeOf(r.err)
	}
	for id, st := range r.steps {
		s := StepState{
			StepID:          id,
			AgentID:         st.node.Step.AgentID,
			Status:          st.status,
			Attempts:        st.attempts,
			StartedAt:       st.startedAt,
			FinishedAt:      st.finishedAt,
			Reason:          st.reason,
			NextAttemptAt:   st.retryAt,
			CompensationFor: st.node.CompensationFor,
			History:         slices.Clone(st.history),
		}
		if st.err != nil {
			s.Error = st.err.Error()
			s.ErrorCode = types.CodeOf(st.err)
		}
		out.Steps[id] = s
	}
	return out
}

// agentLookup resolves agent handlers at dispatch time.
type agentLookup func(agentID string) (AgentHandler, bool)

// Scheduler drives runs: it computes readiness, dispatches steps, and hands
// failures to the recovery manager.
type Scheduler struct {
	agents   agentLookup
	store    *contextstore.Store
	recovery *RecoveryManager
	events   *lifecycle
	observer Observer
	sem      *semaphore.Weighted
	tracer   trace.Tracer
	logger   *zap.Logger

	inflight sync.WaitGroup
}

// unlock releases r.mu and publishes the run's outbox. Only one caller
// flushes at a time; events queued meanwhile are picked up by that caller,
// so a run's events reach the bus in emit order.
func (s *Scheduler) unlock(r *runState) {
	if r.flushing {
		r.mu.Unlock()
		return
	}
	r.flushing = true
	for {
		events := r.outbox
		r.outbox = nil
		closeDone := r.finished && !r.doneClosed
		if closeDone {
			r.doneClosed = true
		}
		if len(events) == 0 && !closeDone {
			r.flushing = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		if len(events) > 0 {
			s.events.publish(r.id, events)
		}
		if closeDone {
			close(r.done)
		}
		r.mu.Lock()
	}
}

func (s *Scheduler) start(r *runState) {
	r.mu.Lock()
	defer s.unlock(r)

	now := time.Now().UTC()
	r.status = RunRunning
	r.startedAt = &now
	r.record(HistoryStarted, "", "")
	s.observer.RunTransitioned(r.graph.Name(), string(RunRunning))
	s.events.emit(TopicWorkflowStarted, r, map[string]any{"steps": len(r.ids)})
	s.logger.Info("run started", zap.String("run_id", r.id), zap.String("workflow", r.graph.Name()))

	s.advance(r)
}

// advance marks waiting steps ready or skipped, dispatches ready steps up to
// the parallelism limit in ascending id order, and detects completion. It is
// idempotent; callers hold r.mu.
func (s *Scheduler) advance(r *runState) {
	if r.closing != "" {
		s.finalize(r)
		return
	}
	if r.status != RunRunning && r.status != RunPaused {
		return
	}

	var vars map[string]any
	for _, id := range r.order {
		st := r.steps[id]
		if st.status != StepWaiting || !r.depsSatisfied(st) {
			continue
		}
		ok, err := s.gate(r, st, &vars)
		if err != nil {
			s.conditionFailed(r, st, err)
			if r.closing != "" {
				s.finalize(r)
				return
			}
			continue
		}
		if !ok {
			s.skip(r, st, ReasonConditionFalse)
			// Later steps in the order may depend on this one.
			continue
		}
		s.markReady(r, st)
	}

	if r.status == RunRunning {
		for _, id := range r.ids {
			if r.maxParallel > 0 && r.running >= r.maxParallel {
				break
			}
			if st := r.steps[id]; st.status == StepReady {
				s.dispatch(r, st)
			}
		}
	}

	s.checkCompletion(r)
}

// recheck re-evaluates the conditions of steps that are Ready but not yet
// dispatched, typically because of the parallelism limit or a pause, and
// skips those whose conditions no longer hold. Retried steps and activated
// compensations keep their earlier decision. Callers hold r.mu.
func (s *Scheduler) recheck(r *runState) {
	if r.closing != "" || (r.status != RunRunning && r.status != RunPaused) {
		return
	}
	var vars map[string]any
	for _, id := range r.ids {
		st := r.steps[id]
		if st.status != StepReady || st.attempts > 0 || st.node.IsCompensation() {
			continue
		}
		ok, err := s.gate(r, st, &vars)
		if err != nil {
			s.conditionFailed(r, st, err)
			if r.closing != "" {
				s.finalize(r)
				return
			}
			continue
		}
		if !ok {
			s.skip(r, st, ReasonConditionFalse)
			r.record(HistoryConditionRechecked, id, "condition no longer holds")
		}
	}
	s.advance(r)
}

func (r *runState) depsSatisfied(st *stepRuntime) bool {
	for _, p := range st.node.Predecessors {
		if !r.steps[p].status.satisfies() {
			return false
		}
	}
	return true
}

// conditionVars is the context snapshot plus run metadata seen by
// conditions.
func (s *Scheduler) conditionVars(r *runState) (map[string]any, error) {
	snap, err := s.store.Snapshot(r.ctx)
	if err != nil {
		return nil, types.NewError(types.ErrStepExecution, "read context for condition").WithCause(err)
	}
	steps := make(map[string]any, len(r.steps))
	for id, st := range r.steps {
		steps[id] = string(st.status)
	}
	snap["_run_id"] = r.id
	snap["_steps"] = steps
	return snap, nil
}

func (s *Scheduler) gate(r *runState, st *stepRuntime, vars *map[string]any) (bool, error) {
	n := st.node
	if n.Condition.IsZero() && len(n.Gates) == 0 {
		return true, nil
	}
	if *vars == nil {
		v, err := s.conditionVars(r)
		if err != nil {
			return false, err
		}
		*vars = v
	}
	// _steps must reflect skips made earlier in this pass.
	if steps, ok := (*vars)["_steps"].(map[string]any); ok {
		for id, other := range r.steps {
			steps[id] = string(other.status)
		}
	}

	ok, err := n.Condition.Eval(*vars)
	if err != nil || !ok {
		return false, err
	}
	for _, g := range n.Gates {
		ok, err := g.Condition.Eval(*vars)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (s *Scheduler) markReady(r *runState, st *stepRuntime) {
	st.status = StepReady
	st.readyAt = time.Now()
	s.observer.StepTransitioned(r.graph.Name(), st.node.Step.ID, string(StepReady))
}

func (s *Scheduler) skip(r *runState, st *stepRuntime, reason string) {
	now := time.Now().UTC()
	st.status = StepSkipped
	st.reason = reason
	if st.finishedAt == nil {
		st.finishedAt = &now
	}
	s.observer.StepTransitioned(r.graph.Name(), st.node.Step.ID, string(StepSkipped))
	s.events.emit(TopicStepSkipped, r, map[string]any{"step_id": st.node.Step.ID, "reason": reason})
}

func (s *Scheduler) dispatch(r *runState, st *stepRuntime) {
	now := time.Now().UTC()
	st.status = StepRunning
	st.attempts++
	if st.startedAt == nil {
		st.startedAt = &now
	}
	st.finishedAt = nil
	st.history = append(st.history, Attempt{Number: st.attempts, StartedAt: now, Status: StepRunning})
	r.running++

	ctx, cancel := context.WithCancel(r.ctx)
	id := st.node.Step.ID
	s.observer.StepTransitioned(r.graph.Name(), id, string(StepRunning))
	s.events.emit(TopicStepStarted, r, map[string]any{
		"step_id":  id,
		"agent_id": st.node.Step.AgentID,
		"attempt":  st.attempts,
	})
	s.logger.Debug("step dispatched",
		zap.String("run_id", r.id),
		zap.String("step_id", id),
		zap.Int("attempt", st.attempts),
	)

	s.inflight.Add(1)
	go s.execute(ctx, cancel, r, st.node, st.attempts, st.readyAt)
}

type outcome struct {
	res AgentResult
	err error
}

// execute runs one attempt outside the run lock and reports back through
// complete.
func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, r *runState, node *workflow.Node, attempt int, readyAt time.Time) {
	defer s.inflight.Done()
	defer cancel()

	id := node.Step.ID
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.complete(r, id, types.NewError(types.ErrCancelled, "cancelled before start").WithCause(err), 0)
			return
		}
		defer s.sem.Release(1)
	}

	started := time.Now()
	s.observer.StepQueued(r.graph.Name(), started.Sub(readyAt))

	ctx, span := s.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("agentgrid.run_id", r.id),
		attribute.String("agentgrid.workflow", r.graph.Name()),
		attribute.String("agentgrid.step_id", id),
		attribute.String("agentgrid.agent_id", node.Step.AgentID),
		attribute.Int("agentgrid.attempt", attempt),
	))

	res, err := s.call(ctx, r, node, attempt)
	if err == nil && len(res.ContextUpdates) > 0 {
		err = s.applyUpdates(ctx, r.id, id, res.ContextUpdates)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	s.complete(r, id, err, time.Since(started))
}

// call invokes the agent, enforcing the step timeout. A handler that
// outlives its timeout is signalled through ctx and its late result dropped.
func (s *Scheduler) call(ctx context.Context, r *runState, node *workflow.Node, attempt int) (AgentResult, error) {
	handler, ok := s.agents(node.Step.AgentID)
	if !ok {
		return AgentResult{}, types.Errorf(types.ErrAgentNotRegistered, "agent %q is not registered", node.Step.AgentID)
	}

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return AgentResult{}, types.NewError(types.ErrStepExecution, "read context snapshot").WithCause(err)
	}
	req := AgentRequest{
		RunID:           r.id,
		Workflow:        r.graph.Name(),
		StepID:          node.Step.ID,
		Attempt:         attempt,
		Command:         node.Step.Command,
		Input:           node.Step.Input,
		Context:         snap,
		CompensationFor: node.CompensationFor,
	}

	hctx, cancel := context.WithCancel(types.WithRunID(ctx, r.id))
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		res, err := invoke(hctx, handler, req)
		ch <- outcome{res, err}
	}()

	var deadline <-chan time.Time
	if timeout := node.Step.Timeout.Std(); timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case o := <-ch:
		return o.res, o.err
	case <-deadline:
		return AgentResult{}, types.Errorf(types.ErrTimeout, "step %q exceeded timeout %s", node.Step.ID, node.Step.Timeout)
	}
}

func (s *Scheduler) applyUpdates(ctx context.Context, runID, stepID string, updates map[string]any) error {
	ctx = context.WithoutCancel(ctx)
	writer := runID + "/" + stepID

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		v := updates[k]
		if _, err := s.store.Update(ctx, k, writer, func(any, bool) (any, error) { return v, nil }); err != nil {
			return types.Errorf(types.ErrStepExecution, "write context key %q", k).WithCause(err)
		}
	}
	return nil
}

// complete records the outcome of an attempt and moves the run forward.
func (s *Scheduler) complete(r *runState, id string, err error, d time.Duration) {
	r.mu.Lock()
	defer s.unlock(r)

	st := r.steps[id]
	r.running--
	now := time.Now().UTC()
	st.finishedAt = &now
	rec := &st.history[len(st.history)-1]
	rec.FinishedAt = &now

	wf := r.graph.Name()
	if err == nil {
		st.status = StepSucceeded
		st.err = nil
		rec.Status = StepSucceeded
		s.observer.StepExecuted(wf, id, "success", d)
		s.observer.StepTransitioned(wf, id, string(StepSucceeded))
		s.events.emit(TopicStepCompleted, r, map[string]any{"step_id": id, "attempt": st.attempts})
		if st.node.IsCompensation() && r.closing == "" {
			s.compensated(r, st)
		}
	} else {
		st.status = StepFailed
		st.err = err
		rec.Status = StepFailed
		rec.Error = err.Error()
		rec.ErrorCode = types.CodeOf(err)
		s.observer.StepExecuted(wf, id, "failure", d)
		s.observer.StepTransitioned(wf, id, string(StepFailed))
		s.events.emit(TopicStepFailed, r, map[string]any{
			"step_id": id,
			"attempt": st.attempts,
			"error":   err.Error(),
		})
		s.logger.Warn("step attempt failed",
			zap.String("run_id", r.id),
			zap.String("step_id", id),
			zap.Int("attempt", st.attempts),
			zap.Error(err),
		)
		if r.closing == "" {
			s.recover(r, st, err)
		}
	}

	s.advance(r)
}

func (s *Scheduler) conditionFailed(r *runState, st *stepRuntime, err error) {
	now := time.Now().UTC()
	st.status = StepFailed
	st.err = err
	st.finishedAt = &now
	s.observer.StepTransitioned(r.graph.Name(), st.node.Step.ID, string(StepFailed))
	s.events.emit(TopicStepFailed, r, map[string]any{"step_id": st.node.Step.ID, "error": err.Error()})
	s.recover(r, st, err)
}

// recover hands a failed step to the recovery manager and applies its
// decision.
func (s *Scheduler) recover(r *runState, st *stepRuntime, cause error) {
	id := st.node.Step.ID
	d := s.recovery.Decide(st.node, st, cause)

	switch d.Action {
	case RecoverRetry:
		at := time.Now().UTC().Add(d.Delay)
		st.retryAt = &at
		st.retryGen++
		gen := st.retryGen
		st.retryTimer = time.AfterFunc(d.Delay, func() { s.retryDue(r, id, gen) })

		r.record(HistoryRetryScheduled, id,
			fmt.Sprintf("attempt %d failed: %v; next attempt in %s", st.attempts, cause, d.Delay))
		s.observer.RetryScheduled(r.graph.Name(), id)
		s.events.emit(TopicStepRetryScheduled, r, map[string]any{
			"step_id":      id,
			"attempt":      st.attempts,
			"next_attempt": st.attempts + 1,
			"delay_ms":     d.Delay.Milliseconds(),
		})

	case RecoverCompensate:
		r.record(HistoryRetryExhausted, id, fmt.Sprintf("%d attempt(s): %v", st.attempts, cause))
		r.record(HistoryCompensationStarted, d.Compensation, "compensating "+id)
		st.compensating = true
		s.events.emit(TopicStepCompensation, r, map[string]any{"step_id": id, "compensation": d.Compensation})
		s.activateCompensation(r, r.steps[d.Compensation])

	default:
		r.record(HistoryRetryExhausted, id, fmt.Sprintf("%d attempt(s): %v", st.attempts, cause))
		runErr := types.Errorf(types.ErrRetryExhausted, "step %q failed after %d attempt(s)", id, st.attempts).
			WithCause(cause)
		s.logger.Error("run failed",
			zap.String("run_id", r.id),
			zap.String("step_id", id),
			zap.Error(cause),
		)
		s.closeRun(r, RunFailed, id, ReasonRunFailed, runErr)
	}
}

func (s *Scheduler) retryDue(r *runState, id string, gen int) {
	r.mu.Lock()
	defer s.unlock(r)

	st := r.steps[id]
	if st.retryAt == nil || st.retryGen != gen || r.closing != "" {
		return
	}
	st.retryAt = nil
	st.retryTimer = nil
	s.markReady(r, st)
	s.advance(r)
}

func (s *Scheduler) activateCompensation(r *runState, comp *stepRuntime) {
	var vars map[string]any
	ok, err := s.gate(r, comp, &vars)
	if err != nil {
		s.conditionFailed(r, comp, err)
		return
	}
	if !ok {
		s.skip(r, comp, ReasonConditionFalse)
		s.compensated(r, comp)
		return
	}
	s.markReady(r, comp)
}

// compensated resolves the primary step of a finished compensation as
// Skipped so its successors proceed.
func (s *Scheduler) compensated(r *runState, comp *stepRuntime) {
	primary := r.steps[comp.node.CompensationFor]
	if primary == nil || !primary.compensating {
		return
	}
	primary.compensating = false
	s.skip(r, primary, ReasonCompensated)
	r.record(HistoryCompensated, primary.node.Step.ID, "compensated by "+comp.node.Step.ID)
}

// checkCompletion completes the run once nothing is running, ready or
// pending. Waiting steps that can no longer become ready fail the run.
func (s *Scheduler) checkCompletion(r *runState) {
	if r.running > 0 || r.closing != "" {
		return
	}
	waiting, pending := false, false
	for _, st := range r.steps {
		if st.retryAt != nil || st.compensating || st.status == StepReady {
			pending = true
		}
		if st.status == StepWaiting && !st.node.IsCompensation() {
			waiting = true
		}
	}
	if pending {
		return
	}
	if waiting {
		s.closeRun(r, RunFailed, "", ReasonRunFailed,
			types.NewError(types.ErrInternalError, "run stalled with unreachable steps"))
		return
	}

	for _, id := range r.ids {
		if st := r.steps[id]; st.status == StepWaiting {
			s.skip(r, st, ReasonCompensationNotRequired)
		}
	}
	r.closing = RunCompleted
	s.finalize(r)
}

// closeRun stops further dispatch, skips every step that has not started,
// signals running steps, and finalizes once they drain.
func (s *Scheduler) closeRun(r *runState, target RunStatus, stepID, reason string, err error) {
	if r.closing != "" || r.status.IsTerminal() {
		return
	}
	r.closing = target
	r.failedStep = stepID
	r.err = err

	// Cancellation is reported on every step it skips.
	var skipErr error
	if target == RunCancelled {
		skipErr = err
	}
	for _, id := range r.ids {
		st := r.steps[id]
		switch {
		case st.retryAt != nil:
			st.retryTimer.Stop()
			st.retryAt = nil
			st.retryTimer = nil
		case st.status == StepWaiting || st.status == StepReady:
		default:
			st.compensating = false
			continue
		}
		if skipErr != nil {
			st.err = skipErr
		}
		s.skip(r, st, reason)
		st.compensating = false
	}
	r.cancel()
	s.finalize(r)
}

func (s *Scheduler) finalize(r *runState) {
	if r.closing == "" || r.running > 0 || r.status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	r.status = r.closing
	r.finishedAt = &now
	r.record(HistoryFinished, "", string(r.status))
	r.cancel()

	wf := r.graph.Name()
	var d time.Duration
	if r.startedAt != nil {
		d = now.Sub(*r.startedAt)
	}
	s.observer.RunTransitioned(wf, string(r.status))
	s.observer.RunFinished(wf, string(r.status), d)

	fields := map[string]any{"status": string(r.status), "duration_ms": d.Milliseconds()}
	if r.failedStep != "" {
		fields["step_id"] = r.failedStep
	}
	if r.err != nil {
		fields["error"] = r.err.Error()
	}
	s.events.emit(runTopic(r.status), r, fields)

	level := zap.InfoLevel
	if r.status == RunFailed {
		level = zap.ErrorLevel
	}
	s.logger.Log(level, "run finished",
		zap.String("run_id", r.id),
		zap.String("workflow", wf),
		zap.String("status", string(r.status)),
		zap.Duration("duration", d),
	)
	r.finished = true
}

// control applies pause, resume or cancel.
func (s *Scheduler) control(r *runState, action Action) error {
	r.mu.Lock()
	defer s.unlock(r)

	invalid := func() error {
		return types.Errorf(types.ErrInvalidTransition, "cannot %s run %s in status %s", action, r.id, r.status)
	}
	wf := r.graph.Name()

	switch action {
	case ActionPause:
		if r.status != RunRunning || r.closing != "" {
			return invalid()
		}
		r.status = RunPaused
		r.record(HistoryPaused, "", "")
		s.observer.RunTransitioned(wf, string(RunPaused))
		s.events.emit(TopicWorkflowPaused, r, nil)
		return nil

	case ActionResume:
		if r.status != RunPaused || r.closing != "" {
			return invalid()
		}
		r.status = RunRunning
		r.record(HistoryResumed, "", "")
		s.observer.RunTransitioned(wf, string(RunRunning))
		s.events.emit(TopicWorkflowResumed, r, nil)
		s.advance(r)
		return nil

	case ActionCancel:
		if r.status.IsTerminal() || r.closing != "" {
			return invalid()
		}
		r.record(HistoryCancelRequested, "", fmt.Sprintf("%d step(s) running", r.running))
		s.closeRun(r, RunCancelled, "", ReasonCancelled, types.NewError(types.ErrCancelled, "run cancelled"))
		return nil

	default:
		return types.Errorf(types.ErrInvalidRequest, "unknown action %q", action)
	}
}
