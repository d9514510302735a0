package schema

import "encoding/json"

// CommandKind enumerates the commands a tool may emit mid-invocation.
type CommandKind string

const (
	// CommandChunk streams a fragment of partial output. It never advances
	// the step's status.
	CommandChunk CommandKind = "chunk"

	// CommandAddSteps appends new steps to the running workflow. The
	// emitting step is considered done: it decided on further work.
	CommandAddSteps CommandKind = "add_steps"

	// CommandUpdateStep sets another step's status/result/error, for tools
	// that manage their own sub-step progress.
	CommandUpdateStep CommandKind = "update_step"
)

// StepCommand is an explicit instruction emitted by a tool during execution
// and applied synchronously by the executor before the lane continues. It
// replaces free-form callbacks so the transition logic stays total and
// testable.
type StepCommand struct {
	Kind CommandKind `json:"kind"`

	// Chunk payload.
	Chunk string `json:"chunk,omitempty"`

	// AddSteps payload. Batch tags are stamped by the executor.
	NewSteps []*Step `json:"new_steps,omitempty"`

	// UpdateStep payload.
	StepID string          `json:"step_id,omitempty"`
	Status StepStatus      `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ChunkCommand builds a streaming-output command.
func ChunkCommand(text string) *StepCommand {
	return &StepCommand{Kind: CommandChunk, Chunk: text}
}

// AddStepsCommand builds a dynamic-append command.
func AddStepsCommand(steps ...*Step) *StepCommand {
	return &StepCommand{Kind: CommandAddSteps, NewSteps: steps}
}

// UpdateStepCommand builds a sub-step progress command.
func UpdateStepCommand(stepID string, status StepStatus, result json.RawMessage, errMsg string) *StepCommand {
	return &StepCommand{Kind: CommandUpdateStep, StepID: stepID, Status: status, Result: result, Error: errMsg}
}
