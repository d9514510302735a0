package schema

import "encoding/json"

// Event type constants for the transition log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowAdopted   = "workflow_adopted"

	EventStepStarted       = "step_started"
	EventStepCompleted     = "step_completed"
	EventStepFailed        = "step_failed"
	EventStepSkipped       = "step_skipped"
	EventStepDeferred      = "step_deferred" // parked for the foreground bridge
	EventStepResumed       = "step_resumed"  // claimed back from pending_foreground
	EventStepsAdded        = "steps_added"
	EventTaskStatusApplied = "task_status_applied"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// StepStatus represents the lifecycle state of a step. Statuses only move
// forward; the single allowed detour is running -> pending_foreground ->
// running for surface-bound work scheduled from the background lane.
type StepStatus string

const (
	StepPending           StepStatus = "pending"
	StepRunning           StepStatus = "running"
	StepPendingForeground StepStatus = "pending_foreground"
	StepCompleted         StepStatus = "completed"
	StepFailed            StepStatus = "failed"
	StepSkipped           StepStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// TaskStatus is the state reported by the external task queue for a
// long-running remote job.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskRetrying   TaskStatus = "retrying"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// StepStatus maps a task queue status onto the step status it implies.
// Non-terminal task states keep the step running.
func (t TaskStatus) StepStatus() (StepStatus, bool) {
	switch t {
	case TaskPending, TaskProcessing, TaskRetrying:
		return StepRunning, true
	case TaskCompleted:
		return StepCompleted, true
	case TaskFailed:
		return StepFailed, true
	case TaskCancelled:
		return StepSkipped, true
	default:
		return "", false
	}
}

// TaskEvent is one observation from the external task queue.
type TaskEvent struct {
	TaskID string          `json:"task_id"`
	Status TaskStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
