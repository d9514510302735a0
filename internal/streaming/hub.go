package streaming

import "context"

// Topic names carried by the hub.
const (
	// TopicTasks carries observations from the external task queue.
	TopicTasks = "tasks"
	// TopicEngine carries step and workflow transition events.
	TopicEngine = "engine"
)

// Event is a real-time message published on a topic.
type Event struct {
	Topic      string `json:"topic"`
	WorkflowID string `json:"workflow_id,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	Type       string `json:"type"`
	Payload    any    `json:"payload,omitempty"`
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	Topic      string   `json:"topic,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// Hub provides pub/sub between the engine, the task bridge and any attached
// observers.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
