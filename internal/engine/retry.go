package engine

import (
	"context"
	"time"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// RetryFrom rebuilds a terminal workflow from its stored snapshot and starts
// a fresh pass at startIndex. Steps before the index keep their prior
// outcome untouched; steps from the index on are reset to pending. The retry
// context rides along unchanged so the rebuilt workflow does not depend on
// current UI state, and task ids recorded on the previous run are kept as
// re-attach hints for the tools.
func (e *engineImpl) RetryFrom(ctx context.Context, workflowID string, startIndex int) (*schema.Workflow, error) {
	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is %s, retry requires a terminal workflow", workflowID, wf.Status)
	}
	if startIndex < 0 || startIndex >= len(wf.Steps) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "retry index %d out of range, workflow has %d steps", startIndex, len(wf.Steps))
	}

	rebuilt := RebuildFrom(wf, startIndex)
	if err := e.store.Put(ctx, rebuilt); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist rebuilt workflow: %s", err.Error()).WithCause(err)
	}

	accepted := rebuilt.Clone()
	run := &laneRun{wf: rebuilt}
	e.mu.Lock()
	if _, exists := e.runs[workflowID]; exists {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already running", workflowID)
	}
	e.runs[workflowID] = run
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "retrying workflow", "workflow_id", workflowID, "start_index", startIndex)
	e.startPass(run, startIndex)
	return accepted, nil
}

// RebuildFrom derives a runnable workflow from a terminal snapshot. Pure: the
// snapshot is not modified. Steps with index < startIndex carry over exactly
// as recorded; steps with index >= startIndex are reset to pending with
// result, error, duration, stream text and task linkage cleared. Task ids
// observed on the reset steps are folded into RetryTaskIDs so tools can poll
// the existing remote task instead of starting a new one.
func RebuildFrom(snapshot *schema.Workflow, startIndex int) *schema.Workflow {
	wf := snapshot.Clone()

	hints := make(map[string]string, len(wf.RetryTaskIDs))
	for id, taskID := range wf.RetryTaskIDs {
		hints[id] = taskID
	}

	for i := startIndex; i < len(wf.Steps); i++ {
		step := wf.Steps[i]
		if step.TaskID != "" {
			hints[step.ID] = step.TaskID
		}
		step.Status = schema.StepPending
		step.Result = nil
		step.Error = ""
		step.DurationMS = 0
		step.StartedAt = nil
		step.TaskID = ""
		step.StreamText = ""
	}

	if len(hints) > 0 {
		wf.RetryTaskIDs = hints
	}
	wf.Status = schema.WorkflowPending
	wf.CompletedAt = nil
	wf.UpdatedAt = time.Now().UTC()
	return wf
}
