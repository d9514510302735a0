package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ljquan/aitu-sub000/internal/store"
	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// ValidWorkflowTransitions defines the allowed state transitions for workflows.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowPending:   {schema.WorkflowRunning, schema.WorkflowCancelled},
	schema.WorkflowRunning:   {schema.WorkflowCompleted, schema.WorkflowFailed, schema.WorkflowCancelled},
	schema.WorkflowCompleted: {},
	schema.WorkflowFailed:    {},
	schema.WorkflowCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// pending_foreground is reachable from pending (a surface-bound step parked
// for the foreground poll) and from running (a tool discovered mid-flight
// that the surface detached); both resume to running.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:           {schema.StepRunning, schema.StepPendingForeground, schema.StepSkipped},
	schema.StepRunning:           {schema.StepPendingForeground, schema.StepCompleted, schema.StepFailed, schema.StepSkipped},
	schema.StepPendingForeground: {schema.StepRunning, schema.StepSkipped},
	schema.StepCompleted:         {},
	schema.StepFailed:            {},
	schema.StepSkipped:           {},
}

// FSM validates and applies status transitions on workflow records, stamping
// timestamps and durations and appending lifecycle events. Event appends are
// best-effort: the event log observes execution, it does not gate it.
type FSM struct {
	events store.EventLog
	logger *slog.Logger
}

// NewFSM creates an FSM appending events to the given log. A nil log disables
// event recording.
func NewFSM(events store.EventLog, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{events: events, logger: logger}
}

// TransitionStep validates and applies a step transition, mutating the step
// in place. On entering running the start time is stamped; on reaching a
// terminal status the duration is computed from it.
func (f *FSM) TransitionStep(ctx context.Context, wf *schema.Workflow, step *schema.Step, to schema.StepStatus) error {
	from := step.Status
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(step.ID).
			WithDetails(map[string]any{"workflow_id": wf.ID, "from": string(from), "to": string(to)})
	}

	now := time.Now().UTC()
	step.Status = to
	wf.UpdatedAt = now

	switch {
	case to == schema.StepRunning:
		if step.StartedAt == nil {
			t := now
			step.StartedAt = &t
		}
	case to.Terminal():
		if step.StartedAt != nil && step.DurationMS == 0 {
			step.DurationMS = now.Sub(*step.StartedAt).Milliseconds()
		}
	}

	f.append(ctx, wf.ID, step.ID, stepEventType(from, to), nil)
	return nil
}

// TransitionWorkflow validates and applies a workflow transition, stamping
// CompletedAt on terminal statuses.
func (f *FSM) TransitionWorkflow(ctx context.Context, wf *schema.Workflow, to schema.WorkflowStatus) error {
	from := wf.Status
	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": wf.ID, "from": string(from), "to": string(to)})
	}

	now := time.Now().UTC()
	wf.Status = to
	wf.UpdatedAt = now
	if to.Terminal() && wf.CompletedAt == nil {
		t := now
		wf.CompletedAt = &t
	}

	f.append(ctx, wf.ID, "", workflowEventType(to), nil)
	return nil
}

// SkipFrom transitions every not-yet-started step at index >= start to
// skipped with the given reason. Running steps are left alone; their eventual
// results resolve against the terminal statuses around them. Returns the
// steps it skipped.
func (f *FSM) SkipFrom(ctx context.Context, wf *schema.Workflow, start int, reason string) []*schema.Step {
	var skipped []*schema.Step
	for i := start; i < len(wf.Steps); i++ {
		step := wf.Steps[i]
		if step.Status != schema.StepPending && step.Status != schema.StepPendingForeground {
			continue
		}
		if err := f.TransitionStep(ctx, wf, step, schema.StepSkipped); err != nil {
			continue
		}
		step.Error = reason
		skipped = append(skipped, step)
	}
	return skipped
}

// SkipBatchSiblings skips every running or not-yet-started sibling sharing
// batchID, except the step that triggered the skip. Batches are
// all-or-nothing: one failed sibling dooms the rest. Returns the steps it
// skipped.
func (f *FSM) SkipBatchSiblings(ctx context.Context, wf *schema.Workflow, batchID, exceptStepID, reason string) []*schema.Step {
	if batchID == "" {
		return nil
	}
	var skipped []*schema.Step
	for _, step := range wf.Steps {
		if step.BatchID != batchID || step.ID == exceptStepID || step.Terminal() {
			continue
		}
		if err := f.TransitionStep(ctx, wf, step, schema.StepSkipped); err != nil {
			continue
		}
		step.Error = reason
		skipped = append(skipped, step)
	}
	return skipped
}

// CancelWorkflow transitions a workflow to cancelled and skips every
// non-terminal step, including running ones; an in-flight tool call resolving
// against a skipped step becomes a no-op apply.
func (f *FSM) CancelWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if err := f.TransitionWorkflow(ctx, wf, schema.WorkflowCancelled); err != nil {
		return err
	}
	for _, step := range wf.Steps {
		if step.Terminal() {
			continue
		}
		if err := f.TransitionStep(ctx, wf, step, schema.StepSkipped); err != nil {
			continue
		}
		step.Error = "workflow cancelled"
	}
	return nil
}

func (f *FSM) append(ctx context.Context, workflowID, stepID, eventType string, payload json.RawMessage) {
	if f.events == nil || eventType == "" {
		return
	}
	event := &store.Event{
		WorkflowID: workflowID,
		StepID:     stepID,
		Type:       eventType,
		Payload:    payload,
	}
	if err := f.events.Append(ctx, event); err != nil {
		f.logger.WarnContext(ctx, "event append failed",
			"workflow_id", workflowID, "step_id", stepID, "event_type", eventType, "error", err)
	}
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidWorkflowTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func workflowEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

func stepEventType(from, to schema.StepStatus) string {
	switch to {
	case schema.StepRunning:
		if from == schema.StepPendingForeground {
			return schema.EventStepResumed
		}
		return schema.EventStepStarted
	case schema.StepPendingForeground:
		return schema.EventStepDeferred
	case schema.StepCompleted:
		return schema.EventStepCompleted
	case schema.StepFailed:
		return schema.EventStepFailed
	case schema.StepSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}
