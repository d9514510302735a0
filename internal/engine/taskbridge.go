package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ljquan/aitu-sub000/internal/logging"
	"github.com/ljquan/aitu-sub000/internal/streaming"
	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// ApplyTaskEvent folds one task queue observation into the step holding the
// matching task id. Events for unknown task ids and for steps that already
// resolved are dropped: an in-flight task whose workflow was aborted or
// retried lands here as a no-op apply.
func (e *engineImpl) ApplyTaskEvent(ctx context.Context, event *schema.TaskEvent) error {
	if event == nil || event.TaskID == "" {
		return schema.NewError(schema.ErrCodeValidation, "task event has no task id")
	}
	mapped, ok := event.Status.StepStatus()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown task status %q", event.Status)
	}

	run := e.findRunByTask(event.TaskID)
	if run == nil {
		var err error
		run, err = e.loadRunByTask(ctx, event.TaskID)
		if err != nil {
			return err
		}
	}
	if run == nil {
		e.logger.DebugContext(ctx, "task event matches no step, dropped", "task_id", event.TaskID, "status", event.Status)
		return nil
	}

	run.mu.Lock()
	wf := run.wf
	step := wf.StepByTaskID(event.TaskID)
	if step == nil || step.Status != schema.StepRunning {
		run.mu.Unlock()
		e.logger.DebugContext(ctx, "task event for resolved step, dropped", "task_id", event.TaskID)
		return nil
	}

	ctx = logging.WithIDs(ctx, wf.ID, step.ID, e.contextID)
	e.fsm.append(ctx, wf.ID, step.ID, schema.EventTaskStatusApplied,
		mustMarshal(map[string]any{"task_id": event.TaskID, "status": event.Status}))

	switch mapped {
	case schema.StepRunning:
		// Progress report; the step is already running. Surface it to
		// observers without touching the record.
		clone := step.Clone()
		id := wf.ID
		run.mu.Unlock()
		e.sink.NotifyStepUpdate(id, clone)
		return nil

	case schema.StepCompleted:
		if err := e.fsm.TransitionStep(ctx, wf, step, schema.StepCompleted); err != nil {
			run.mu.Unlock()
			return err
		}
		step.Result = mergeTaskResult(event.TaskID, event.Result)
		e.persistLocked(ctx, run)
		clone := step.Clone()
		id := wf.ID
		run.mu.Unlock()
		e.logger.InfoContext(ctx, "task completed", "task_id", event.TaskID)
		e.sink.NotifyStepUpdate(id, clone)
		e.finalize(ctx, run)
		return nil

	case schema.StepFailed:
		if err := e.fsm.TransitionStep(ctx, wf, step, schema.StepFailed); err != nil {
			run.mu.Unlock()
			return err
		}
		msg := event.Error
		if msg == "" {
			msg = "task failed"
		}
		step.Error = msg
		// Batch siblings share fate, then the usual fail-fast sweep takes
		// out everything not yet started.
		affected := e.fsm.SkipBatchSiblings(ctx, wf, step.BatchID, step.ID, "preceding task failed")
		affected = append(affected, e.fsm.SkipFrom(ctx, wf, 0, "preceding step failed")...)
		e.persistLocked(ctx, run)
		notify := make([]*schema.Step, 0, len(affected)+1)
		notify = append(notify, step.Clone())
		for _, s := range affected {
			notify = append(notify, s.Clone())
		}
		id := wf.ID
		run.mu.Unlock()
		e.logger.WarnContext(ctx, "task failed", "task_id", event.TaskID, "error", msg)
		e.notifySteps(id, notify)
		e.finalize(ctx, run)
		return nil

	case schema.StepSkipped:
		if err := e.fsm.TransitionStep(ctx, wf, step, schema.StepSkipped); err != nil {
			run.mu.Unlock()
			return err
		}
		step.Error = "task cancelled"
		e.persistLocked(ctx, run)
		clone := step.Clone()
		id := wf.ID
		run.mu.Unlock()
		e.sink.NotifyStepUpdate(id, clone)
		e.finalize(ctx, run)
		return nil
	}

	run.mu.Unlock()
	return nil
}

// findRunByTask scans live runs for the one whose workflow holds the task id.
func (e *engineImpl) findRunByTask(taskID string) *laneRun {
	e.mu.Lock()
	runs := make([]*laneRun, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		found := r.wf.StepByTaskID(taskID) != nil
		r.mu.Unlock()
		if found {
			return r
		}
	}
	return nil
}

// loadRunByTask scans the store for a non-terminal workflow holding the task
// id and registers a run for it. Returns nil when no workflow matches.
func (e *engineImpl) loadRunByTask(ctx context.Context, taskID string) (*laneRun, error) {
	all, err := e.store.GetAll(ctx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list workflows: %s", err.Error()).WithCause(err)
	}
	for _, wf := range all {
		if wf.Terminal() || wf.StepByTaskID(taskID) == nil {
			continue
		}
		return e.getRun(ctx, wf.ID)
	}
	return nil, nil
}

// mergeTaskResult combines the task queue's result payload with the task id
// the step was deferred under. Object payloads are annotated with the id;
// anything else replaces the placeholder as-is.
func mergeTaskResult(taskID string, result json.RawMessage) json.RawMessage {
	if len(result) == 0 {
		return taskIDResult(taskID)
	}
	var obj map[string]any
	if err := json.Unmarshal(result, &obj); err != nil || obj == nil {
		return result
	}
	if _, ok := obj["task_id"]; !ok {
		obj["task_id"] = taskID
	}
	return mustMarshal(obj)
}

// TaskBridge consumes task queue observations from the streaming hub and
// applies them to the engine. It owns one consumer goroutine.
type TaskBridge struct {
	engine Engine
	hub    streaming.Hub
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTaskBridge creates a bridge between the hub's task topic and the engine.
func NewTaskBridge(engine Engine, hub streaming.Hub, logger *slog.Logger) *TaskBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskBridge{engine: engine, hub: hub, logger: logger}
}

// Start subscribes to the task topic and begins applying events. Stop (or
// cancelling ctx) ends the consumer.
func (b *TaskBridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := b.hub.Subscribe(ctx, streaming.Filter{Topic: streaming.TopicTasks})
	if err != nil {
		cancel()
		return schema.NewErrorf(schema.ErrCodeTask, "subscribe to task topic: %s", err.Error()).WithCause(err)
	}

	b.cancel = cancel
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				task := decodeTaskEvent(ev.Payload)
				if task == nil {
					b.logger.WarnContext(ctx, "undecodable task event dropped", "workflow_id", ev.WorkflowID)
					continue
				}
				if err := b.engine.ApplyTaskEvent(ctx, task); err != nil {
					b.logger.WarnContext(ctx, "apply task event failed", "task_id", task.TaskID, "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop ends the consumer and waits for it to drain.
func (b *TaskBridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
}

// decodeTaskEvent extracts a TaskEvent from a hub payload, which may be the
// typed struct or re-marshalled JSON depending on the publisher.
func decodeTaskEvent(payload any) *schema.TaskEvent {
	switch v := payload.(type) {
	case *schema.TaskEvent:
		return v
	case schema.TaskEvent:
		return &v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var task schema.TaskEvent
	if err := json.Unmarshal(data, &task); err != nil || task.TaskID == "" {
		return nil
	}
	return &task
}
