package engine

import (
	"context"
	"log/slog"

	"github.com/ljquan/aitu-sub000/internal/streaming"
	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// Sink receives step and workflow transition notifications. Calls are
// fire-and-forget: the engine never consumes a return value and expects
// implementations not to block.
type Sink interface {
	NotifyStepUpdate(workflowID string, step *schema.Step)
	NotifyWorkflowCompleted(workflowID string, snapshot *schema.Workflow)
	NotifyWorkflowFailed(workflowID string, err error)
	NotifyWorkflowCancelled(workflowID string, snapshot *schema.Workflow)
}

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) NotifyStepUpdate(string, *schema.Step)            {}
func (NopSink) NotifyWorkflowCompleted(string, *schema.Workflow) {}
func (NopSink) NotifyWorkflowFailed(string, error)               {}
func (NopSink) NotifyWorkflowCancelled(string, *schema.Workflow) {}

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) NotifyStepUpdate(workflowID string, step *schema.Step) {
	s.logger.Info("step update",
		"workflow_id", workflowID,
		"step_id", step.ID,
		"tool", step.Tool,
		"status", step.Status,
		"duration_ms", step.DurationMS,
		"error", step.Error)
}

func (s *LogSink) NotifyWorkflowCompleted(workflowID string, snapshot *schema.Workflow) {
	s.logger.Info("workflow completed", "workflow_id", workflowID, "steps", len(snapshot.Steps))
}

func (s *LogSink) NotifyWorkflowFailed(workflowID string, err error) {
	s.logger.Warn("workflow failed", "workflow_id", workflowID, "error", err)
}

func (s *LogSink) NotifyWorkflowCancelled(workflowID string, snapshot *schema.Workflow) {
	s.logger.Info("workflow cancelled", "workflow_id", workflowID, "steps", len(snapshot.Steps))
}

// HubSink publishes notifications to the streaming hub's engine topic so
// attached subscribers (UI, MCP sessions) observe transitions live.
type HubSink struct {
	hub streaming.Hub
}

// NewHubSink creates a sink publishing to the given hub.
func NewHubSink(hub streaming.Hub) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) NotifyStepUpdate(workflowID string, step *schema.Step) {
	_ = s.hub.Publish(context.Background(), streaming.Event{
		Topic:      streaming.TopicEngine,
		WorkflowID: workflowID,
		StepID:     step.ID,
		Type:       "step_update",
		Payload:    step,
	})
}

func (s *HubSink) NotifyWorkflowCompleted(workflowID string, snapshot *schema.Workflow) {
	_ = s.hub.Publish(context.Background(), streaming.Event{
		Topic:      streaming.TopicEngine,
		WorkflowID: workflowID,
		Type:       "workflow_completed",
		Payload:    snapshot,
	})
}

func (s *HubSink) NotifyWorkflowFailed(workflowID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_ = s.hub.Publish(context.Background(), streaming.Event{
		Topic:      streaming.TopicEngine,
		WorkflowID: workflowID,
		Type:       "workflow_failed",
		Payload:    msg,
	})
}

func (s *HubSink) NotifyWorkflowCancelled(workflowID string, snapshot *schema.Workflow) {
	_ = s.hub.Publish(context.Background(), streaming.Event{
		Topic:      streaming.TopicEngine,
		WorkflowID: workflowID,
		Type:       "workflow_cancelled",
		Payload:    snapshot,
	})
}

// MultiSink fans notifications out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) NotifyStepUpdate(workflowID string, step *schema.Step) {
	for _, s := range m {
		s.NotifyStepUpdate(workflowID, step)
	}
}

func (m MultiSink) NotifyWorkflowCompleted(workflowID string, snapshot *schema.Workflow) {
	for _, s := range m {
		s.NotifyWorkflowCompleted(workflowID, snapshot)
	}
}

func (m MultiSink) NotifyWorkflowFailed(workflowID string, err error) {
	for _, s := range m {
		s.NotifyWorkflowFailed(workflowID, err)
	}
}

func (m MultiSink) NotifyWorkflowCancelled(workflowID string, snapshot *schema.Workflow) {
	for _, s := range m {
		s.NotifyWorkflowCancelled(workflowID, snapshot)
	}
}

var (
	_ Sink = NopSink{}
	_ Sink = (*LogSink)(nil)
	_ Sink = (*HubSink)(nil)
	_ Sink = MultiSink(nil)
)
