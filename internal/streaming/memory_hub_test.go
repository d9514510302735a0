package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeByTopic(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()

	tasks, cancelTasks, err := hub.Subscribe(ctx, Filter{Topic: TopicTasks})
	require.NoError(t, err)
	defer cancelTasks()

	engine, cancelEngine, err := hub.Subscribe(ctx, Filter{Topic: TopicEngine})
	require.NoError(t, err)
	defer cancelEngine()

	require.NoError(t, hub.Publish(ctx, Event{Topic: TopicTasks, Type: "task_status", WorkflowID: "wf-1"}))
	require.NoError(t, hub.Publish(ctx, Event{Topic: TopicEngine, Type: "step_completed", WorkflowID: "wf-1"}))

	select {
	case e := <-tasks:
		assert.Equal(t, "task_status", e.Type)
	case <-time.After(time.Second):
		t.Fatal("task subscriber got nothing")
	}

	select {
	case e := <-engine:
		assert.Equal(t, "step_completed", e.Type)
	case <-time.After(time.Second):
		t.Fatal("engine subscriber got nothing")
	}

	// Topic isolation: nothing else should arrive on either channel.
	select {
	case e := <-tasks:
		t.Fatalf("unexpected cross-topic event: %+v", e)
	default:
	}
}

func TestSubscribeFilterByWorkflowAndType(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		Topic:      TopicEngine,
		WorkflowID: "wf-1",
		Types:      []string{"step_failed"},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{Topic: TopicEngine, WorkflowID: "wf-2", Type: "step_failed"}))
	require.NoError(t, hub.Publish(ctx, Event{Topic: TopicEngine, WorkflowID: "wf-1", Type: "step_completed"}))
	require.NoError(t, hub.Publish(ctx, Event{Topic: TopicEngine, WorkflowID: "wf-1", Type: "step_failed"}))

	select {
	case e := <-ch:
		assert.Equal(t, "wf-1", e.WorkflowID)
		assert.Equal(t, "step_failed", e.Type)
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}

	select {
	case e := <-ch:
		t.Fatalf("filter leaked event: %+v", e)
	default:
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()

	_, cancel, err := hub.Subscribe(ctx, Filter{Topic: TopicTasks})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+5; i++ {
		require.NoError(t, hub.Publish(ctx, Event{Topic: TopicTasks, Type: "task_status"}))
	}

	assert.Equal(t, uint64(5), hub.Dropped())
}

func TestCancelRemovesSubscriber(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, Event{Topic: TopicTasks, Type: "task_status"}))

	select {
	case e, ok := <-ch:
		if ok {
			t.Fatalf("cancelled subscriber got event: %+v", e)
		}
	default:
	}
}
