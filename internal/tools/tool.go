package tools

import (
	"context"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// Tool is an executable capability resolved by name from a step. The engine
// is agnostic to what a tool does; it only inspects Success, TaskID and
// Error on the result.
type Tool interface {
	Name() string
	Description() string
	// RequiresSurface marks tools that touch the rendering surface. Steps
	// using such a tool are parked pending_foreground when the surface is
	// not attached and claimed later by the polling bridge.
	RequiresSurface() bool
	Execute(ctx context.Context, inv *Invocation) (*schema.ToolResult, error)
}

// Emitter delivers commands from a running tool back to the executor, which
// applies them synchronously on the workflow's lane before continuing.
type Emitter interface {
	Emit(cmd *schema.StepCommand)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(cmd *schema.StepCommand)

func (f EmitterFunc) Emit(cmd *schema.StepCommand) { f(cmd) }

// Invocation is the data provided to a tool at execution time: the call
// itself, the step's free-form options, and the command channel.
type Invocation struct {
	WorkflowID string
	StepID     string
	Call       schema.ToolCall
	Options    map[string]any

	// RetryTaskID carries the task id recorded for this step on a previous
	// run, so the tool may re-attach to the existing remote task instead of
	// starting a new one.
	RetryTaskID string

	Emitter Emitter
}

// Emit sends a command if an emitter is wired; tools may call it freely.
func (inv *Invocation) Emit(cmd *schema.StepCommand) {
	if inv.Emitter != nil {
		inv.Emitter.Emit(cmd)
	}
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	RequiresSurface bool   `json:"requires_surface"`
}
