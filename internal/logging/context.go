package logging

import (
	"context"
	"log/slog"
)

// IDs is the correlation triple carried through a context: the workflow being
// worked on, the step within it, and the engine instance doing the work.
// Empty fields never reach the log output.
type IDs struct {
	WorkflowID string
	StepID     string
	ContextID  string
}

type idsKey struct{}

// attrs returns the non-empty fields as slog attributes.
func (ids IDs) attrs() []slog.Attr {
	out := make([]slog.Attr, 0, 3)
	if ids.WorkflowID != "" {
		out = append(out, slog.String("workflow_id", ids.WorkflowID))
	}
	if ids.StepID != "" {
		out = append(out, slog.String("step_id", ids.StepID))
	}
	if ids.ContextID != "" {
		out = append(out, slog.String("context_id", ids.ContextID))
	}
	return out
}

// WithIDs attaches correlation IDs to the context. An empty argument keeps
// whatever an outer WithIDs already set, so narrowing from workflow scope to
// step scope only needs the step id.
func WithIDs(ctx context.Context, workflowID, stepID, contextID string) context.Context {
	ids := FromContext(ctx)
	if workflowID != "" {
		ids.WorkflowID = workflowID
	}
	if stepID != "" {
		ids.StepID = stepID
	}
	if contextID != "" {
		ids.ContextID = contextID
	}
	return context.WithValue(ctx, idsKey{}, ids)
}

// FromContext returns the correlation IDs on the context, zero if none.
func FromContext(ctx context.Context) IDs {
	ids, _ := ctx.Value(idsKey{}).(IDs)
	return ids
}

// CorrelationHandler wraps an slog.Handler so records logged through
// InfoContext and friends pick up the context's correlation IDs without the
// caller naming them. Install with slog.New(NewCorrelationHandler(inner)).
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(FromContext(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
