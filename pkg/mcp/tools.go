package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ljquan/aitu-sub000/internal/streaming"
	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// handleAttach registers the calling session as the rendering surface for a
// foreground context.
func (s *AituServer) handleAttach(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contextID, err := req.RequireString("context_id")
	if err != nil {
		return mcp.NewToolResultError("context_id is required"), nil
	}

	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("no active MCP session to attach"), nil
	}

	s.sessions.Register(contextID, session.SessionID())
	s.logger.InfoContext(ctx, "surface attached",
		"context_id", contextID, "session_id", session.SessionID())

	return marshalResult(map[string]any{
		"attached":   true,
		"context_id": contextID,
	})
}

// handleDetach drops the surface registration for a foreground context.
func (s *AituServer) handleDetach(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contextID, err := req.RequireString("context_id")
	if err != nil {
		return mcp.NewToolResultError("context_id is required"), nil
	}

	s.sessions.Unregister(contextID)
	s.logger.InfoContext(ctx, "surface detached", "context_id", contextID)

	return marshalResult(map[string]any{
		"attached":   false,
		"context_id": contextID,
	})
}

// handleGenerate builds a workflow from the request and submits it.
func (s *AituServer) handleGenerate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	rawSteps, ok := args["steps"]
	if !ok {
		return mcp.NewToolResultError("steps is required"), nil
	}

	steps, err := decodeSteps(rawSteps)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid steps: %v", err)), nil
	}

	wf := &schema.Workflow{
		Name:               req.GetString("name", ""),
		Steps:              steps,
		InitiatorContextID: req.GetString("context_id", ""),
	}
	if rc := mcp.ParseStringMap(req, "retry_context", nil); rc != nil {
		raw, merr := json.Marshal(rc)
		if merr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid retry_context: %v", merr)), nil
		}
		wf.RetryContext = raw
	}

	accepted, subErr := s.engine.Submit(ctx, wf)
	if subErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", subErr)), nil
	}

	s.captureSession(ctx, accepted.InitiatorContextID)
	if s.notifier != nil {
		s.notifier.Track(accepted.ID, accepted.InitiatorContextID)
	}

	return marshalResult(map[string]any{
		"workflow_id": accepted.ID,
		"status":      accepted.Status,
		"steps":       len(accepted.Steps),
	})
}

// handleStatus returns the workflow snapshot plus recent transition events.
func (s *AituServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, statusErr := s.engine.Status(ctx, workflowID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	result := map[string]any{"workflow": wf}
	if s.events != nil {
		if events, evErr := s.events.List(ctx, workflowID, 50); evErr == nil {
			result["events"] = events
		}
	}
	return marshalResult(result)
}

// handleList lists workflows, optionally filtered by status.
func (s *AituServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflows, err := s.engine.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}

	if status := req.GetString("status", ""); status != "" {
		want := schema.WorkflowStatus(status)
		filtered := workflows[:0]
		for _, wf := range workflows {
			if wf.Status == want {
				filtered = append(filtered, wf)
			}
		}
		workflows = filtered
	}

	return marshalResult(map[string]any{"workflows": workflows})
}

// handleRetry reruns a terminal workflow from a step index.
func (s *AituServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	startIndex, ok := extractInt(req.GetArguments(), "start_index")
	if !ok {
		return mcp.NewToolResultError("start_index is required"), nil
	}

	accepted, retryErr := s.engine.RetryFrom(ctx, workflowID, startIndex)
	if retryErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retry failed: %v", retryErr)), nil
	}

	s.captureSession(ctx, accepted.InitiatorContextID)
	if s.notifier != nil {
		s.notifier.Track(accepted.ID, accepted.InitiatorContextID)
	}

	return marshalResult(map[string]any{
		"workflow_id": accepted.ID,
		"start_index": startIndex,
		"steps":       len(accepted.Steps),
	})
}

// handleCancel aborts a workflow.
func (s *AituServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if abortErr := s.engine.Abort(ctx, workflowID); abortErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", abortErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"cancelled":   true,
	})
}

// handleTaskEvent publishes one external task queue observation to the hub;
// the task bridge consumes it from there.
func (s *AituServer) handleTaskEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("status is required"), nil
	}

	event := &schema.TaskEvent{
		TaskID: taskID,
		Status: schema.TaskStatus(status),
		Error:  req.GetString("error", ""),
	}
	if _, ok := event.Status.StepStatus(); !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown task status %q", status)), nil
	}
	if result := mcp.ParseStringMap(req, "result", nil); result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid result: %v", merr)), nil
		}
		event.Result = raw
	}

	if pubErr := s.hub.Publish(ctx, streaming.Event{
		Topic:   streaming.TopicTasks,
		Type:    "task_event",
		Payload: event,
	}); pubErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("publish failed: %v", pubErr)), nil
	}

	return marshalResult(map[string]any{
		"task_id":  taskID,
		"status":   status,
		"accepted": true,
	})
}

// --- Internal helpers ---

// decodeSteps converts the raw steps argument into step records via a JSON
// round trip, so the wire shape matches the schema exactly.
func decodeSteps(raw any) ([]*schema.Step, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("steps must be an array")
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("steps must not be empty")
	}

	data, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	var steps []*schema.Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, err
	}
	for i, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("step %d is null", i)
		}
		if step.Tool == "" {
			return nil, fmt.Errorf("step %d has no tool", i)
		}
	}
	return steps, nil
}

// captureSession maps the initiating context to the calling MCP session so
// notifications reach it without an explicit aitu_attach.
func (s *AituServer) captureSession(ctx context.Context, contextID string) {
	if contextID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(contextID, session.SessionID())
	}
}

// extractInt reads an integer argument that may arrive as float64, int or
// numeric string.
func extractInt(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return int(val), true
	case int:
		return val, true
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n), true
		}
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n, true
		}
	}
	return 0, false
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
