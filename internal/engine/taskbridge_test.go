package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljquan/aitu-sub000/internal/streaming"
	"github.com/ljquan/aitu-sub000/internal/tools"
	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// deferringTool submits to the fake task queue: every execution returns a
// task id derived from the step, leaving the step running.
func deferringTool(name string) *stubTool {
	return &stubTool{name: name, execute: func(_ context.Context, inv *tools.Invocation) (*schema.ToolResult, error) {
		return &schema.ToolResult{Success: true, TaskID: "task-" + inv.StepID}, nil
	}}
}

// submitDeferred runs a single-step workflow up to its deferred state and
// returns once the task id is recorded.
func submitDeferred(t *testing.T, fix *engineFixture, workflowID, stepID string) {
	t.Helper()
	_, err := fix.engine.Submit(context.Background(), &schema.Workflow{
		ID:    workflowID,
		Steps: []*schema.Step{{ID: stepID, Tool: "generate_video"}},
	})
	require.NoError(t, err)
	fix.sink.awaitStep(t, func(s *schema.Step) bool {
		return s.ID == stepID && s.TaskID != ""
	}, "step deferred to task queue")
}

// --- ApplyTaskEvent ---

func TestApplyTaskEvent_Validation(t *testing.T) {
	fix := newEngineFixture(t)

	err := fix.engine.ApplyTaskEvent(context.Background(), nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = fix.engine.ApplyTaskEvent(context.Background(), &schema.TaskEvent{Status: schema.TaskCompleted})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = fix.engine.ApplyTaskEvent(context.Background(), &schema.TaskEvent{TaskID: "task-1", Status: "exploded"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestApplyTaskEvent_UnknownTaskDropped(t *testing.T) {
	fix := newEngineFixture(t, okTool("generate_image"))

	// A workflow without task-backed steps exists; the event matches nothing.
	_, err := fix.engine.Submit(context.Background(), &schema.Workflow{
		ID:    "wf-plain",
		Steps: []*schema.Step{{ID: "s1", Tool: "generate_image"}},
	})
	require.NoError(t, err)
	waitCompleted(t, fix.sink)

	err = fix.engine.ApplyTaskEvent(context.Background(), &schema.TaskEvent{
		TaskID: "task-ghost",
		Status: schema.TaskCompleted,
	})
	assert.NoError(t, err)
}

func TestApplyTaskEvent_ProgressKeepsStepRunning(t *testing.T) {
	fix := newEngineFixture(t, deferringTool("generate_video"))
	submitDeferred(t, fix, "wf-progress", "v1")

	for _, status := range []schema.TaskStatus{schema.TaskPending, schema.TaskProcessing, schema.TaskRetrying} {
		require.NoError(t, fix.engine.ApplyTaskEvent(context.Background(), &schema.TaskEvent{
			TaskID: "task-v1",
			Status: status,
		}))
	}

	snapshot, err := fix.engine.Status(context.Background(), "wf-progress")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowRunning, snapshot.Status)
	assert.Equal(t, schema.StepRunning, snapshot.Steps[0].Status)

	require.NoError(t, fix.engine.ApplyTaskEvent(context.Background(), &schema.TaskEvent{
		TaskID: "task-v1",
		Status: schema.TaskCompleted,
	}))
	waitCompleted(t, fix.sink)
}

func TestApplyTaskEvent_SecondTerminalEventDropped(t *testing.T) {
	fix := newEngineFixture(t, deferringTool("generate_video"))
	submitDeferred(t, fix, "wf-idem", "v1")

	first := &schema.TaskEvent{
		TaskID: "task-v1",
		Status: schema.TaskCompleted,
		Result: json.RawMessage(`{"url":"https://cdn/a.png"}`),
	}
	require.NoError(t, fix.engine.ApplyTaskEvent(context.Background(), first))
	waitCompleted(t, fix.sink)

	// A duplicate delivery finds the step already resolved and changes nothing.
	require.NoError(t, fix.engine.ApplyTaskEvent(context.Background(), &schema.TaskEvent{
		TaskID: "task-v1",
		Status: schema.TaskFailed,
		Error:  "late duplicate",
	}))

	snapshot, err := fix.engine.Status(context.Background(), "wf-idem")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowCompleted, snapshot.Status)
	assert.Equal(t, schema.StepCompleted, snapshot.Steps[0].Status)
	assert.Empty(t, snapshot.Steps[0].Error)
}

func TestApplyTaskEvent_FailedSkipsBatchAndRest(t *testing.T) {
	plan := &stubTool{name: "analyze_prompt", execute: func(_ context.Context, inv *tools.Invocation) (*schema.ToolResult, error) {
		inv.Emit(schema.AddStepsCommand(
			&schema.Step{ID: "b1", Tool: "generate_video"},
			&schema.Step{ID: "b2", Tool: "generate_video"},
		))
		return &schema.ToolResult{Success: true}, nil
	}}
	fix := newEngineFixture(t, plan, deferringTool("generate_video"), &stubTool{name: "canvas_insert", surface: true})

	_, err := fix.engine.Submit(context.Background(), &schema.Workflow{
		ID: "wf-batch",
		Steps: []*schema.Step{
			{ID: "a1", Tool: "analyze_prompt"},
			{ID: "c1", Tool: "canvas_insert"},
		},
	})
	require.NoError(t, err)
	fix.sink.awaitStep(t, func(s *schema.Step) bool {
		return s.ID == "b2" && s.TaskID != ""
	}, "batch deferred to task queue")

	require.NoError(t, fix.engine.ApplyTaskEvent(context.Background(), &schema.TaskEvent{
		TaskID: "task-b1",
		Status: schema.TaskFailed,
		Error:  "video encode failed",
	}))

	failure := waitFailed(t, fix.sink)
	assert.True(t, schema.HasCode(failure, schema.ErrCodeStepFailed))
	assert.Contains(t, failure.Error(), "video encode failed")

	snapshot, err := fix.engine.Status(context.Background(), "wf-batch")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowFailed, snapshot.Status)
	assert.Equal(t, schema.StepCompleted, snapshot.Step("a1").Status)
	assert.Equal(t, schema.StepFailed, snapshot.Step("b1").Status)
	assert.Equal(t, "video encode failed", snapshot.Step("b1").Error)

	// The in-flight batch sibling shares the failure's fate.
	assert.Equal(t, schema.StepSkipped, snapshot.Step("b2").Status)
	assert.Equal(t, "preceding task failed", snapshot.Step("b2").Error)

	// The parked surface step is swept by the usual fail-fast rule.
	assert.Equal(t, schema.StepSkipped, snapshot.Step("c1").Status)
	assert.Equal(t, "preceding step failed", snapshot.Step("c1").Error)
}

func TestApplyTaskEvent_CancelledSkipsStep(t *testing.T) {
	fix := newEngineFixture(t, okTool("generate_image"), deferringTool("generate_video"))

	_, err := fix.engine.Submit(context.Background(), &schema.Workflow{
		ID: "wf-taskcancel",
		Steps: []*schema.Step{
			{ID: "s1", Tool: "generate_image"},
			{ID: "v1", Tool: "generate_video"},
		},
	})
	require.NoError(t, err)
	fix.sink.awaitStep(t, func(s *schema.Step) bool {
		return s.ID == "v1" && s.TaskID != ""
	}, "v1 deferred to task queue")

	require.NoError(t, fix.engine.ApplyTaskEvent(context.Background(), &schema.TaskEvent{
		TaskID: "task-v1",
		Status: schema.TaskCancelled,
	}))

	// A cancelled task skips its step without dooming the workflow.
	snapshot := waitCompleted(t, fix.sink)
	assert.Equal(t, schema.StepCompleted, snapshot.Steps[0].Status)
	assert.Equal(t, schema.StepSkipped, snapshot.Steps[1].Status)
	assert.Equal(t, "task cancelled", snapshot.Steps[1].Error)
}

func TestApplyTaskEvent_LoadsWorkflowFromStore(t *testing.T) {
	fix := newEngineFixture(t)

	// A workflow deferred before a restart exists only in the store.
	now := time.Now().UTC()
	require.NoError(t, fix.store.Put(context.Background(), &schema.Workflow{
		ID:                 "wf-revived",
		Status:             schema.WorkflowRunning,
		InitiatorContextID: "ctx-other",
		CreatedAt:          now,
		UpdatedAt:          now,
		Steps: []*schema.Step{
			{ID: "v1", Tool: "generate_video", Status: schema.StepRunning, TaskID: "task-z", StartedAt: &now},
		},
	}))

	require.NoError(t, fix.engine.ApplyTaskEvent(context.Background(), &schema.TaskEvent{
		TaskID: "task-z",
		Status: schema.TaskCompleted,
		Result: json.RawMessage(`{"video_url":"https://cdn/r.mp4"}`),
	}))

	snapshot := waitCompleted(t, fix.sink)
	assert.Equal(t, schema.WorkflowCompleted, snapshot.Status)
	assert.JSONEq(t, `{"video_url":"https://cdn/r.mp4","task_id":"task-z"}`, string(snapshot.Steps[0].Result))

	stored, err := fix.store.Get(context.Background(), "wf-revived")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowCompleted, stored.Status)
}

// --- Result merging ---

func TestMergeTaskResult(t *testing.T) {
	cases := []struct {
		name   string
		result string
		want   string
	}{
		{
			name:   "empty result falls back to the task id",
			result: "",
			want:   `{"task_id":"task-1"}`,
		},
		{
			name:   "object payload is annotated with the task id",
			result: `{"url":"https://cdn/a.png"}`,
			want:   `{"url":"https://cdn/a.png","task_id":"task-1"}`,
		},
		{
			name:   "existing task id is not overwritten",
			result: `{"task_id":"task-original","url":"u"}`,
			want:   `{"task_id":"task-original","url":"u"}`,
		},
		{
			name:   "array payload passes through untouched",
			result: `[{"url":"a"},{"url":"b"}]`,
			want:   `[{"url":"a"},{"url":"b"}]`,
		},
		{
			name:   "scalar payload passes through untouched",
			result: `"https://cdn/a.png"`,
			want:   `"https://cdn/a.png"`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var in json.RawMessage
			if tc.result != "" {
				in = json.RawMessage(tc.result)
			}
			got := mergeTaskResult("task-1", in)
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

// --- TaskBridge ---

func TestTaskBridge_AppliesHubEvents(t *testing.T) {
	fix := newEngineFixture(t, deferringTool("generate_video"))
	hub := streaming.NewMemoryHub()

	bridge := NewTaskBridge(fix.engine, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, bridge.Start(context.Background()))
	defer bridge.Stop()

	submitDeferred(t, fix, "wf-hub-a", "va")
	submitDeferred(t, fix, "wf-hub-b", "vb")

	// Typed payload, the usual in-process publisher.
	require.NoError(t, hub.Publish(context.Background(), streaming.Event{
		Topic:   streaming.TopicTasks,
		Type:    "task_status",
		Payload: &schema.TaskEvent{TaskID: "task-va", Status: schema.TaskCompleted},
	}))

	// Undecodable payloads are dropped without stalling the consumer.
	require.NoError(t, hub.Publish(context.Background(), streaming.Event{
		Topic:   streaming.TopicTasks,
		Type:    "task_status",
		Payload: make(chan int),
	}))

	// Map payload, as a JSON transport would deliver it.
	require.NoError(t, hub.Publish(context.Background(), streaming.Event{
		Topic: streaming.TopicTasks,
		Type:  "task_status",
		Payload: map[string]any{
			"task_id": "task-vb",
			"status":  "completed",
		},
	}))

	waitCompleted(t, fix.sink)
	waitCompleted(t, fix.sink)

	for _, id := range []string{"wf-hub-a", "wf-hub-b"} {
		snapshot, err := fix.engine.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, schema.WorkflowCompleted, snapshot.Status, "workflow %s", id)
	}
}

func TestTaskBridge_StopIsIdempotent(t *testing.T) {
	fix := newEngineFixture(t)
	hub := streaming.NewMemoryHub()

	bridge := NewTaskBridge(fix.engine, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, bridge.Start(context.Background()))

	bridge.Stop()
	bridge.Stop()

	// Publishing after the consumer is gone is harmless.
	assert.NoError(t, hub.Publish(context.Background(), streaming.Event{
		Topic:   streaming.TopicTasks,
		Type:    "task_status",
		Payload: &schema.TaskEvent{TaskID: "task-x", Status: schema.TaskCompleted},
	}))
}
