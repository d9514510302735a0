package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

func newWorkflow(id string, created time.Time) *schema.Workflow {
	return &schema.Workflow{
		ID:        id,
		Name:      "generate",
		Status:    schema.WorkflowRunning,
		CreatedAt: created,
		UpdatedAt: created,
		Steps: []*schema.Step{
			{ID: "s1", Tool: "generate_image", Status: schema.StepPending},
		},
	}
}

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	wf := newWorkflow("wf-1", time.Now())
	require.NoError(t, s.Put(ctx, wf))

	got, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.ID)
	assert.Equal(t, schema.WorkflowRunning, got.Status)

	// Mutating the returned record must not touch stored state.
	got.Steps[0].Status = schema.StepFailed
	again, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StepPending, again.Steps[0].Status)

	// Put on an existing id replaces the whole record.
	wf.Status = schema.WorkflowCompleted
	require.NoError(t, s.Put(ctx, wf))
	again, err = s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowCompleted, again.Status)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestMemoryStoreGetAllOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now()

	require.NoError(t, s.Put(ctx, newWorkflow("wf-b", base.Add(2*time.Second))))
	require.NoError(t, s.Put(ctx, newWorkflow("wf-a", base)))
	require.NoError(t, s.Put(ctx, newWorkflow("wf-c", base.Add(time.Second))))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "wf-a", all[0].ID)
	assert.Equal(t, "wf-c", all[1].ID)
	assert.Equal(t, "wf-b", all[2].ID)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, newWorkflow("wf-1", time.Now())))
	require.NoError(t, s.Append(ctx, &Event{WorkflowID: "wf-1", Type: schema.EventWorkflowStarted}))

	require.NoError(t, s.Delete(ctx, "wf-1"))

	_, err := s.Get(ctx, "wf-1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	events, err := s.List(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	err = s.Delete(ctx, "wf-1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestMemoryStoreEventSequence(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, typ := range []string{
		schema.EventWorkflowStarted,
		schema.EventStepStarted,
		schema.EventStepCompleted,
	} {
		require.NoError(t, s.Append(ctx, &Event{WorkflowID: "wf-1", Type: typ}))
	}
	require.NoError(t, s.Append(ctx, &Event{WorkflowID: "wf-other", Type: schema.EventWorkflowStarted}))

	events, err := s.List(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, schema.EventStepCompleted, events[0].Type)
	assert.Equal(t, int64(3), events[0].Sequence)
	assert.Equal(t, int64(1), events[2].Sequence)

	limited, err := s.List(ctx, "wf-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	other, err := s.List(ctx, "wf-other", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)
}
