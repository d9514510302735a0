package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithIDsRoundTrip(t *testing.T) {
	assert.Equal(t, IDs{}, FromContext(context.Background()))

	ctx := WithIDs(context.Background(), "wf-1", "step-2", "ctx-3")
	assert.Equal(t, IDs{WorkflowID: "wf-1", StepID: "step-2", ContextID: "ctx-3"}, FromContext(ctx))
}

func TestWithIDsNarrowsWithoutClearing(t *testing.T) {
	ctx := WithIDs(context.Background(), "wf-outer", "", "ctx-7")
	ctx = WithIDs(ctx, "", "step-x", "")

	ids := FromContext(ctx)
	assert.Equal(t, "wf-outer", ids.WorkflowID)
	assert.Equal(t, "step-x", ids.StepID)
	assert.Equal(t, "ctx-7", ids.ContextID)
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithIDs(context.Background(), "wf-auto", "step-auto", "ctx-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"workflow_id":"wf-auto"`)
	assert.Contains(t, output, `"step_id":"step-auto"`)
	assert.Contains(t, output, `"context_id":"ctx-auto"`)
	assert.Contains(t, output, "auto inject")
}

func TestCorrelationHandlerOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(WithIDs(context.Background(), "wf-only", "", ""), "partial")
	assert.Contains(t, buf.String(), `"workflow_id":"wf-only"`)
	assert.NotContains(t, buf.String(), "step_id")
	assert.NotContains(t, buf.String(), "context_id")

	buf.Reset()
	logger.InfoContext(context.Background(), "bare log")
	assert.NotContains(t, buf.String(), "workflow_id")
	assert.Contains(t, buf.String(), "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "bridge")}))

	ctx := WithIDs(context.Background(), "wf-attr", "", "")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"workflow_id":"wf-attr"`)
	assert.Contains(t, output, `"component":"bridge"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithGroup("engine"))

	ctx := WithIDs(context.Background(), "wf-grp", "", "")
	logger.InfoContext(ctx, "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "wf-grp")
	assert.Contains(t, output, "grouped")
}
