package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ljquan/aitu-sub000/internal/expressions"
	"github.com/ljquan/aitu-sub000/internal/logging"
	"github.com/ljquan/aitu-sub000/internal/store"
	"github.com/ljquan/aitu-sub000/internal/tools"
	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// Engine is the central workflow execution coordinator. A submitted workflow
// runs as a single pass over its step array: pending steps execute in order,
// surface-bound steps are parked pending_foreground for the polling bridge,
// and deferred tool calls stay running until the task bridge resolves them.
// After the pass no step is left pending; the workflow completes when the
// bridges resolve the last outstanding step.
type Engine interface {
	// Submit accepts a new workflow, persists it and starts its execution
	// pass in the background. Returns the accepted workflow snapshot.
	Submit(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error)

	// RunStep claims one pending_foreground step and executes it
	// synchronously. Only steps in exactly that state can be claimed, so a
	// second claim of the same step fails with a conflict.
	RunStep(ctx context.Context, workflowID, stepID string) error

	// RetryFrom rebuilds a terminal workflow: steps before startIndex keep
	// their prior outcome, steps from startIndex on are reset to pending,
	// and a fresh pass starts at startIndex.
	RetryFrom(ctx context.Context, workflowID string, startIndex int) (*schema.Workflow, error)

	// Abort cancels a workflow: no further steps are dispatched and every
	// non-terminal step is skipped. An in-flight tool call is not
	// interrupted; its eventual result resolves against a skipped step and
	// is discarded.
	Abort(ctx context.Context, workflowID string) error

	// ApplyTaskEvent folds one external task queue observation into the
	// step holding the matching task id.
	ApplyTaskEvent(ctx context.Context, event *schema.TaskEvent) error

	// Status returns a snapshot of the workflow's current state.
	Status(ctx context.Context, workflowID string) (*schema.Workflow, error)

	// List returns snapshots of every stored workflow.
	List(ctx context.Context) ([]*schema.Workflow, error)

	// Shutdown stops dispatching and waits for in-flight passes to finish,
	// up to the context deadline.
	Shutdown(ctx context.Context) error
}

// Validator checks a workflow record before the engine accepts it.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
}

// Config holds engine configuration.
type Config struct {
	// ContextID identifies this foreground instance. Stamped as
	// InitiatorContextID on submitted workflows so the polling bridge can
	// tell its own workflows apart from another instance's.
	ContextID string

	Validator Validator
	Logger    *slog.Logger
}

// engineImpl is the concrete Engine implementation.
type engineImpl struct {
	store     store.Store
	events    store.EventLog
	fsm       *FSM
	tools     *tools.Registry
	interp    *expressions.Interpolator
	sink      Sink
	validator Validator
	logger    *slog.Logger
	contextID string

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	// mu guards runs.
	mu   sync.Mutex
	runs map[string]*laneRun
}

// laneRun serializes all in-process mutation of one workflow. The engine
// pass, the polling bridge's claims and the task bridge's event applies all
// go through run.mu, so the record is never written from two goroutines at
// once. wf is the live copy; the store holds what was last persisted.
type laneRun struct {
	mu     sync.Mutex
	wf     *schema.Workflow
	cancel context.CancelFunc // non-nil while a pass goroutine is active
}

// NewEngine creates an Engine with the given dependencies. sink may be nil.
func NewEngine(s store.Store, events store.EventLog, registry *tools.Registry, sink Sink, cfg Config) Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = NopSink{}
	}
	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &engineImpl{
		store:      s,
		events:     events,
		fsm:        NewFSM(events, logger),
		tools:      registry,
		interp:     expressions.NewInterpolator(),
		sink:       sink,
		validator:  cfg.Validator,
		logger:     logger,
		contextID:  cfg.ContextID,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
		runs:       make(map[string]*laneRun),
	}
}

// Submit accepts a new workflow and starts its execution pass.
func (e *engineImpl) Submit(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	wf = wf.Clone()
	now := time.Now().UTC()
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowPending
	}
	if wf.Status != schema.WorkflowPending {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s submitted with status %q, want pending", wf.ID, wf.Status)
	}
	if wf.InitiatorContextID == "" {
		wf.InitiatorContextID = e.contextID
	}
	wf.CreatedAt = now
	wf.UpdatedAt = now
	for _, step := range wf.Steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		if step.Status == "" {
			step.Status = schema.StepPending
		}
	}

	if e.validator != nil {
		if err := e.validator.ValidateWorkflow(wf); err != nil {
			return nil, err
		}
	}

	if existing, err := e.store.Get(ctx, wf.ID); err == nil && existing != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already exists", wf.ID)
	}
	if err := e.store.Put(ctx, wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist workflow: %s", err.Error()).WithCause(err)
	}

	accepted := wf.Clone()
	run := &laneRun{wf: wf}
	e.mu.Lock()
	if _, exists := e.runs[wf.ID]; exists {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already running", wf.ID)
	}
	e.runs[wf.ID] = run
	e.mu.Unlock()

	e.startPass(run, 0)
	return accepted, nil
}

// startPass promotes the workflow to running and spawns the pass goroutine.
// The pass derives its context from the engine's base context, not the
// submitter's: the workflow outlives the request that created it.
func (e *engineImpl) startPass(run *laneRun, start int) {
	run.mu.Lock()
	laneCtx, cancel := context.WithCancel(e.baseCtx)
	run.cancel = cancel
	laneCtx = logging.WithIDs(laneCtx, run.wf.ID, "", e.contextID)
	if run.wf.Status == schema.WorkflowPending {
		if err := e.fsm.TransitionWorkflow(laneCtx, run.wf, schema.WorkflowRunning); err == nil {
			e.persistLocked(laneCtx, run)
		}
	}
	run.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.runPass(laneCtx, run, start)
		run.mu.Lock()
		run.cancel = nil
		run.mu.Unlock()
		e.finalize(laneCtx, run)
	}()
}

// runPass walks the step array once, starting at start. Each pending step is
// executed or parked; terminal, running and already-parked steps are passed
// over. Steps appended mid-pass by add_steps are picked up because the bound
// is re-read every iteration.
func (e *engineImpl) runPass(ctx context.Context, run *laneRun, start int) {
	for i := start; ; i++ {
		run.mu.Lock()
		if i >= len(run.wf.Steps) || ctx.Err() != nil {
			run.mu.Unlock()
			return
		}
		step := run.wf.Steps[i]
		status := step.Status
		run.mu.Unlock()

		if status != schema.StepPending {
			continue
		}
		if !e.runStep(ctx, run, step, false) {
			run.mu.Lock()
			skipped := e.fsm.SkipFrom(ctx, run.wf, 0, "preceding step failed")
			if step.BatchID != "" {
				skipped = append(skipped, e.fsm.SkipBatchSiblings(ctx, run.wf, step.BatchID, step.ID, "preceding task failed")...)
			}
			e.persistLocked(ctx, run)
			wfID := run.wf.ID
			run.mu.Unlock()
			e.notifySteps(wfID, skipped)
			return
		}
	}
}

// runStep executes one step. fromClaim marks the polling bridge path, where
// the step arrives as pending_foreground instead of pending. Returns false
// only when the step failed and the caller should fail fast; parked and
// deferred outcomes return true.
func (e *engineImpl) runStep(ctx context.Context, run *laneRun, step *schema.Step, fromClaim bool) bool {
	run.mu.Lock()
	wf := run.wf
	wfID := wf.ID
	ctx = logging.WithIDs(ctx, wfID, step.ID, e.contextID)

	tool, err := e.tools.Get(step.Tool)
	if err != nil {
		e.failStepLocked(ctx, run, step, fmt.Sprintf("tool %q not registered", step.Tool))
		clone := step.Clone()
		run.mu.Unlock()
		e.sink.NotifyStepUpdate(wfID, clone)
		return false
	}

	// Surface-bound work is always parked for the bridge; the engine pass
	// never touches the rendering surface itself.
	if !fromClaim && tool.RequiresSurface() {
		if terr := e.fsm.TransitionStep(ctx, wf, step, schema.StepPendingForeground); terr == nil {
			e.persistLocked(ctx, run)
			e.logger.InfoContext(ctx, "step parked for foreground", "tool", step.Tool)
		}
		clone := step.Clone()
		run.mu.Unlock()
		e.sink.NotifyStepUpdate(wfID, clone)
		return true
	}

	resolved, err := e.interp.ResolveArgs(ctx, wf, step.Args)
	if err != nil {
		if expressions.IsUnresolved(err) {
			if fromClaim {
				// The dependency is still in flight. Leave the step
				// parked; the bridge retries next tick.
				run.mu.Unlock()
				e.logger.DebugContext(ctx, "claim deferred, dependency unresolved", "error", err)
				return true
			}
			// A pending step whose dependency is a still-running
			// deferred call cannot execute in this pass. Park it so the
			// bridge retries it once the dependency resolves.
			if terr := e.fsm.TransitionStep(ctx, wf, step, schema.StepPendingForeground); terr == nil {
				e.persistLocked(ctx, run)
				e.logger.InfoContext(ctx, "step parked, dependency unresolved", "tool", step.Tool)
			}
			clone := step.Clone()
			run.mu.Unlock()
			e.sink.NotifyStepUpdate(wfID, clone)
			return true
		}
		e.failStepLocked(ctx, run, step, err.Error())
		clone := step.Clone()
		run.mu.Unlock()
		e.sink.NotifyStepUpdate(wfID, clone)
		return false
	}

	if terr := e.fsm.TransitionStep(ctx, wf, step, schema.StepRunning); terr != nil {
		// Claimed twice, or moved by another writer since the caller
		// checked. Nothing to do.
		run.mu.Unlock()
		return true
	}
	e.persistLocked(ctx, run)

	stepID := step.ID
	inv := &tools.Invocation{
		WorkflowID:  wfID,
		StepID:      stepID,
		Call:        schema.ToolCall{Name: step.Tool, Args: resolved},
		Options:     step.Options,
		RetryTaskID: wf.RetryTaskIDs[stepID],
		Emitter: tools.EmitterFunc(func(cmd *schema.StepCommand) {
			e.applyCommand(ctx, run, stepID, cmd)
		}),
	}
	started := step.Clone()
	run.mu.Unlock()
	e.sink.NotifyStepUpdate(wfID, started)

	result, invErr := e.invoke(ctx, tool, inv)

	run.mu.Lock()
	defer func() {
		clone := step.Clone()
		run.mu.Unlock()
		e.sink.NotifyStepUpdate(wfID, clone)
	}()

	// A command or an abort may have moved the step while the call was in
	// flight; the late result is discarded.
	if step.Status != schema.StepRunning {
		e.logger.DebugContext(ctx, "discarding result for resolved step", "status", step.Status)
		return step.Status != schema.StepFailed
	}

	switch {
	case invErr != nil && schema.IsSurfaceNotReady(invErr):
		// The surface detached mid-call. Park the step for the bridge to
		// pick up again once it re-attaches.
		if terr := e.fsm.TransitionStep(ctx, wf, step, schema.StepPendingForeground); terr == nil {
			e.persistLocked(ctx, run)
			e.logger.InfoContext(ctx, "step deferred, surface not attached")
		}
		return true

	case invErr != nil:
		e.failStepResolvedLocked(ctx, run, step, invErr.Error())
		return false

	case result == nil:
		e.failStepResolvedLocked(ctx, run, step, "tool returned no result")
		return false

	case !result.Success:
		msg := result.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		e.failStepResolvedLocked(ctx, run, step, msg)
		return false

	case result.TaskID != "":
		// Deferred: the step stays running until the task bridge
		// resolves the remote task.
		step.TaskID = result.TaskID
		step.Result = taskIDResult(result.TaskID)
		wf.UpdatedAt = time.Now().UTC()
		e.persistLocked(ctx, run)
		e.logger.InfoContext(ctx, "step deferred to task queue", "task_id", result.TaskID)
		return true

	default:
		if terr := e.fsm.TransitionStep(ctx, wf, step, schema.StepCompleted); terr == nil {
			step.Result = result.Data
			e.persistLocked(ctx, run)
		}
		return true
	}
}

// invoke calls the tool, converting a panic into a step failure instead of
// taking down the process.
func (e *engineImpl) invoke(ctx context.Context, tool tools.Tool, inv *tools.Invocation) (result *schema.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "tool panicked", "tool", inv.Call.Name, "panic", r)
			result = nil
			err = schema.NewErrorf(schema.ErrCodeTool, "tool %s panicked: %v", inv.Call.Name, r)
		}
	}()
	return tool.Execute(ctx, inv)
}

// failStepLocked fails a step that has not started yet. The transition table
// has no pending -> failed edge, so the step is marked running first, same
// order as a normal execution that fails immediately.
func (e *engineImpl) failStepLocked(ctx context.Context, run *laneRun, step *schema.Step, msg string) {
	_ = e.fsm.TransitionStep(ctx, run.wf, step, schema.StepRunning)
	e.failStepResolvedLocked(ctx, run, step, msg)
}

// failStepResolvedLocked fails a running step and persists.
func (e *engineImpl) failStepResolvedLocked(ctx context.Context, run *laneRun, step *schema.Step, msg string) {
	if err := e.fsm.TransitionStep(ctx, run.wf, step, schema.StepFailed); err != nil {
		return
	}
	step.Error = msg
	e.persistLocked(ctx, run)
	e.logger.WarnContext(ctx, "step failed", "tool", step.Tool, "error", msg)
}

// applyCommand applies one command emitted by a running tool. Commands are
// applied synchronously under the run lock before the tool call continues.
func (e *engineImpl) applyCommand(ctx context.Context, run *laneRun, stepID string, cmd *schema.StepCommand) {
	if cmd == nil {
		return
	}
	switch cmd.Kind {
	case schema.CommandChunk:
		e.applyChunk(run, stepID, cmd.Chunk)
	case schema.CommandAddSteps:
		e.applyAddSteps(ctx, run, stepID, cmd.NewSteps)
	case schema.CommandUpdateStep:
		e.applyUpdateStep(ctx, run, cmd)
	default:
		e.logger.WarnContext(ctx, "unknown step command", "kind", cmd.Kind, "step_id", stepID)
	}
}

// applyChunk accumulates streaming output on the emitting step. Chunks never
// advance the step's status and are not persisted on their own; the
// accumulated text rides along with the next transition.
func (e *engineImpl) applyChunk(run *laneRun, stepID string, chunk string) {
	if chunk == "" {
		return
	}
	run.mu.Lock()
	step := run.wf.Step(stepID)
	if step == nil || step.Status != schema.StepRunning {
		run.mu.Unlock()
		return
	}
	step.StreamText += chunk
	clone := step.Clone()
	wfID := run.wf.ID
	run.mu.Unlock()
	e.sink.NotifyStepUpdate(wfID, clone)
}

// applyAddSteps appends dynamically planned steps to the workflow. The
// emitting step is marked completed: an analysis step that decided on
// further work is itself done. New steps share a batch id and fail together.
func (e *engineImpl) applyAddSteps(ctx context.Context, run *laneRun, stepID string, newSteps []*schema.Step) {
	if len(newSteps) == 0 {
		return
	}
	run.mu.Lock()
	wf := run.wf
	emitting := wf.Step(stepID)
	if emitting == nil || emitting.Status != schema.StepRunning {
		run.mu.Unlock()
		e.logger.WarnContext(ctx, "add_steps from non-running step dropped", "step_id", stepID)
		return
	}

	batchID := uuid.NewString()
	appended := make([]*schema.Step, 0, len(newSteps))
	for _, ns := range newSteps {
		if ns == nil {
			continue
		}
		ns = ns.Clone()
		if ns.ID == "" {
			ns.ID = uuid.NewString()
		}
		// A retried analysis step re-plans deterministically; steps that
		// survived from the prior run keep their slot.
		if wf.Step(ns.ID) != nil {
			continue
		}
		if ns.Status == "" {
			ns.Status = schema.StepPending
		}
		appended = append(appended, ns)
	}
	// Batch tags count only what actually joins the batch; dropped entries
	// must not leave index gaps or inflate the total.
	for i, ns := range appended {
		ns.BatchID = batchID
		ns.BatchIndex = i
		ns.BatchTotal = len(appended)
		wf.Steps = append(wf.Steps, ns)
	}

	if terr := e.fsm.TransitionStep(ctx, wf, emitting, schema.StepCompleted); terr == nil {
		emitting.Result = mustMarshal(map[string]any{
			"added_steps": len(appended),
			"batch_id":    batchID,
		})
	}
	e.fsm.append(ctx, wf.ID, stepID, schema.EventStepsAdded,
		mustMarshal(map[string]any{"batch_id": batchID, "count": len(appended)}))
	e.persistLocked(ctx, run)

	id := wf.ID
	notify := make([]*schema.Step, 0, len(appended)+1)
	notify = append(notify, emitting.Clone())
	for _, ns := range appended {
		notify = append(notify, ns.Clone())
	}
	run.mu.Unlock()

	e.logger.InfoContext(ctx, "steps added", "batch_id", batchID, "count", len(appended))
	e.notifySteps(id, notify)
}

// applyUpdateStep applies a tool-driven status change to another step.
func (e *engineImpl) applyUpdateStep(ctx context.Context, run *laneRun, cmd *schema.StepCommand) {
	run.mu.Lock()
	wf := run.wf
	target := wf.Step(cmd.StepID)
	if target == nil {
		run.mu.Unlock()
		e.logger.WarnContext(ctx, "update_step for unknown step dropped", "step_id", cmd.StepID)
		return
	}
	if cmd.Status != "" && cmd.Status != target.Status {
		if err := e.fsm.TransitionStep(ctx, wf, target, cmd.Status); err != nil {
			run.mu.Unlock()
			e.logger.WarnContext(ctx, "update_step transition rejected",
				"step_id", cmd.StepID, "from", target.Status, "to", cmd.Status, "error", err)
			return
		}
	}
	if len(cmd.Result) > 0 {
		target.Result = cmd.Result
	}
	if cmd.Error != "" {
		target.Error = cmd.Error
	}
	e.persistLocked(ctx, run)
	clone := target.Clone()
	id := wf.ID
	run.mu.Unlock()
	e.sink.NotifyStepUpdate(id, clone)
}

// RunStep claims one pending_foreground step for the polling bridge and
// executes it. After the step resolves, the workflow is finalized if nothing
// is outstanding.
func (e *engineImpl) RunStep(ctx context.Context, workflowID, stepID string) error {
	run, err := e.getRun(ctx, workflowID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	step := run.wf.Step(stepID)
	if step == nil {
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %s not found in workflow %s", stepID, workflowID)
	}
	if step.Status != schema.StepPendingForeground {
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "step %s is %s, not awaiting foreground", stepID, step.Status).WithStep(stepID)
	}
	run.mu.Unlock()

	if !e.runStep(ctx, run, step, true) {
		run.mu.Lock()
		skipped := e.fsm.SkipFrom(ctx, run.wf, 0, "preceding step failed")
		if step.BatchID != "" {
			skipped = append(skipped, e.fsm.SkipBatchSiblings(ctx, run.wf, step.BatchID, step.ID, "preceding task failed")...)
		}
		e.persistLocked(ctx, run)
		run.mu.Unlock()
		e.notifySteps(workflowID, skipped)
	}
	e.finalize(ctx, run)
	return nil
}

// Abort cancels a workflow.
func (e *engineImpl) Abort(ctx context.Context, workflowID string) error {
	run, err := e.getRun(ctx, workflowID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.wf.Terminal() {
		status := run.wf.Status
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is already %s", workflowID, status)
	}
	if err := e.fsm.CancelWorkflow(ctx, run.wf); err != nil {
		run.mu.Unlock()
		return err
	}
	e.persistLocked(ctx, run)
	snapshot := run.wf.Clone()
	cancel := run.cancel
	run.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.logger.InfoContext(ctx, "workflow aborted", "workflow_id", workflowID)
	e.sink.NotifyWorkflowCancelled(workflowID, snapshot)
	e.dropRun(workflowID)
	return nil
}

// Status returns a snapshot of the workflow, preferring the live in-memory
// copy over the last persisted one.
func (e *engineImpl) Status(ctx context.Context, workflowID string) (*schema.Workflow, error) {
	e.mu.Lock()
	run, ok := e.runs[workflowID]
	e.mu.Unlock()
	if ok {
		run.mu.Lock()
		snapshot := run.wf.Clone()
		run.mu.Unlock()
		return snapshot, nil
	}
	return e.store.Get(ctx, workflowID)
}

// List returns all stored workflows.
func (e *engineImpl) List(ctx context.Context) ([]*schema.Workflow, error) {
	return e.store.GetAll(ctx)
}

// Shutdown cancels all passes and waits for them to drain.
func (e *engineImpl) Shutdown(ctx context.Context) error {
	e.cancelBase()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeTimeout, "shutdown timed out waiting for passes to drain")
	}
}

// finalize transitions the workflow to its aggregate terminal status once
// every step is terminal. Safe to call at any time; it does nothing while
// work is still outstanding.
func (e *engineImpl) finalize(ctx context.Context, run *laneRun) {
	run.mu.Lock()
	wf := run.wf
	if wf.Terminal() {
		id := wf.ID
		run.mu.Unlock()
		e.dropRun(id)
		return
	}
	agg := wf.Aggregate()
	if !agg.Terminal() {
		run.mu.Unlock()
		return
	}
	if err := e.fsm.TransitionWorkflow(ctx, wf, agg); err != nil {
		run.mu.Unlock()
		return
	}
	e.persistLocked(ctx, run)
	snapshot := wf.Clone()
	id := wf.ID
	run.mu.Unlock()

	switch agg {
	case schema.WorkflowCompleted:
		e.logger.InfoContext(ctx, "workflow completed", "workflow_id", id)
		e.sink.NotifyWorkflowCompleted(id, snapshot)
	case schema.WorkflowFailed:
		err := firstStepFailure(snapshot)
		e.logger.WarnContext(ctx, "workflow failed", "workflow_id", id, "error", err)
		e.sink.NotifyWorkflowFailed(id, err)
	}
	e.dropRun(id)
}

// getRun returns the live run for a workflow, loading it from the store when
// the engine has no in-memory copy (after a restart, or for a workflow
// initiated by another context).
func (e *engineImpl) getRun(ctx context.Context, workflowID string) (*laneRun, error) {
	e.mu.Lock()
	run, ok := e.runs[workflowID]
	e.mu.Unlock()
	if ok {
		return run, nil
	}

	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Terminal() {
		// Nothing mutates a terminal record; hand back a detached run so
		// the registry holds live workflows only.
		return &laneRun{wf: wf}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.runs[workflowID]; ok {
		return run, nil
	}
	run = &laneRun{wf: wf}
	e.runs[workflowID] = run
	return run, nil
}

// dropRun removes a terminal workflow's run from the registry.
func (e *engineImpl) dropRun(workflowID string) {
	e.mu.Lock()
	delete(e.runs, workflowID)
	e.mu.Unlock()
}

// persistLocked writes the live workflow back to the store. Callers hold
// run.mu. A store failure does not halt execution; the in-memory copy stays
// authoritative and the next boundary retries the write.
func (e *engineImpl) persistLocked(ctx context.Context, run *laneRun) {
	run.wf.UpdatedAt = time.Now().UTC()
	if err := e.store.Put(ctx, run.wf); err != nil {
		e.logger.WarnContext(ctx, "persist workflow failed", "workflow_id", run.wf.ID, "error", err)
	}
}

func (e *engineImpl) notifySteps(workflowID string, steps []*schema.Step) {
	for _, s := range steps {
		e.sink.NotifyStepUpdate(workflowID, s.Clone())
	}
}

// firstStepFailure builds the workflow-level error from the first failed step.
func firstStepFailure(wf *schema.Workflow) error {
	for _, s := range wf.Steps {
		if s.Status == schema.StepFailed {
			msg := s.Error
			if msg == "" {
				msg = "step failed"
			}
			return schema.NewErrorf(schema.ErrCodeStepFailed, "%s", msg).WithStep(s.ID)
		}
	}
	return schema.NewError(schema.ErrCodeStepFailed, "workflow failed")
}

func taskIDResult(taskID string) json.RawMessage {
	return mustMarshal(map[string]any{"task_id": taskID})
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
