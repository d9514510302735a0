package schema

import (
	"encoding/json"
	"time"
)

// Step is one tool invocation inside a workflow. Args are opaque to the
// engine; only Status, Result, Error and the batch/task fields are inspected.
type Step struct {
	ID         string          `json:"id"`
	Tool       string          `json:"tool"`
	Args       map[string]any  `json:"args,omitempty"`
	Status     StepStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`

	// Options is free-form step metadata passed through to the tool.
	Options map[string]any `json:"options,omitempty"`

	// Batch tags group steps added together by a dynamic fan-out.
	// Siblings share fate: one failure skips the rest of the batch.
	BatchID    string `json:"batch_id,omitempty"`
	BatchIndex int    `json:"batch_index,omitempty"`
	BatchTotal int    `json:"batch_total,omitempty"`

	// TaskID references an entry in the external task queue. While set and
	// the step is running, only the task bridge may resolve the step.
	TaskID string `json:"task_id,omitempty"`

	// StreamText accumulates partial output emitted by the tool while the
	// call is still in flight.
	StreamText string `json:"stream_text,omitempty"`
}

// Terminal reports whether the step has reached a final state.
func (s *Step) Terminal() bool {
	return s.Status.Terminal()
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Args = cloneMap(s.Args)
	cp.Options = cloneMap(s.Options)
	cp.Result = cloneRaw(s.Result)
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	return &cp
}

// Workflow is an ordered, append-only sequence of steps representing one
// generation request. Index order is significant: execution is strictly
// positional and retry addresses steps by index.
type Workflow struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Steps  []*Step        `json:"steps"`
	Status WorkflowStatus `json:"status"`

	// InitiatorContextID identifies the foreground instance that created
	// (or adopted) the workflow. The polling bridge only acts on workflows
	// it owns.
	InitiatorContextID string `json:"initiator_context_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// RetryContext is a snapshot of the original request (raw input,
	// resolved parameters, reference media) sufficient to rebuild the
	// workflow without consulting live UI state.
	RetryContext json.RawMessage `json:"retry_context,omitempty"`

	// RetryTaskIDs maps step ID to the task ID recorded on a previous run.
	// Passed to tools as a hint so they may poll the existing remote task
	// instead of starting a new one.
	RetryTaskIDs map[string]string `json:"retry_task_ids,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (w *Workflow) Step(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepByTaskID returns the step whose TaskID matches, or nil.
func (w *Workflow) StepByTaskID(taskID string) *Step {
	if taskID == "" {
		return nil
	}
	for _, s := range w.Steps {
		if s.TaskID == taskID {
			return s
		}
	}
	return nil
}

// Aggregate derives the workflow status from its steps: completed iff every
// step is terminal and none failed, failed iff every step is terminal and at
// least one failed. A cancelled workflow keeps its status regardless of step
// states. An empty workflow aggregates to its current status.
func (w *Workflow) Aggregate() WorkflowStatus {
	if w.Status == WorkflowCancelled {
		return WorkflowCancelled
	}
	if len(w.Steps) == 0 {
		return w.Status
	}

	allTerminal := true
	anyFailed := false
	anyStarted := false
	for _, s := range w.Steps {
		if !s.Terminal() {
			allTerminal = false
		}
		if s.Status == StepFailed {
			anyFailed = true
		}
		if s.Status != StepPending {
			anyStarted = true
		}
	}

	switch {
	case allTerminal && anyFailed:
		return WorkflowFailed
	case allTerminal:
		return WorkflowCompleted
	case anyStarted:
		return WorkflowRunning
	default:
		return WorkflowPending
	}
}

// Terminal reports whether the workflow has reached a final state.
func (w *Workflow) Terminal() bool {
	return w.Status.Terminal()
}

// Clone returns a deep copy of the workflow. Store reads hand out clones so
// callers never alias persisted state.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		cp.Steps[i] = s.Clone()
	}
	cp.RetryContext = cloneRaw(w.RetryContext)
	if w.RetryTaskIDs != nil {
		cp.RetryTaskIDs = make(map[string]string, len(w.RetryTaskIDs))
		for k, v := range w.RetryTaskIDs {
			cp.RetryTaskIDs[k] = v
		}
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// ToolCall is the invocation payload handed to the tool registry.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is what a tool returns. The engine only inspects Success,
// TaskID and Error; Data is opaque.
type ToolResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
}

// cloneMap deep-copies a JSON-shaped map (nested maps, slices, scalars).
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case json.RawMessage:
		return cloneRaw(val)
	default:
		return v
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
