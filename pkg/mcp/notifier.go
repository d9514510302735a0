package mcp

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// Notifier pushes step and workflow transitions to the MCP session of the
// workflow's initiating context. It implements the engine's sink contract:
// fire-and-forget, best-effort, never blocking execution. Until Bind is
// called every notification is a no-op.
type Notifier struct {
	registry *SessionRegistry
	logger   *slog.Logger

	mu        sync.Mutex
	mcpServer *server.MCPServer
	contexts  map[string]string // workflowID -> contextID
}

// NewNotifier creates a notifier resolving sessions through the registry.
func NewNotifier(registry *SessionRegistry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		registry: registry,
		logger:   logger,
		contexts: make(map[string]string),
	}
}

// Bind attaches the notifier to the MCP server that owns the sessions.
func (n *Notifier) Bind(srv *server.MCPServer) {
	n.mu.Lock()
	n.mcpServer = srv
	n.mu.Unlock()
}

// Track records which context initiated a workflow so step-level updates,
// which carry only the workflow id, can find their session.
func (n *Notifier) Track(workflowID, contextID string) {
	if workflowID == "" || contextID == "" {
		return
	}
	n.mu.Lock()
	n.contexts[workflowID] = contextID
	n.mu.Unlock()
}

// NotifyStepUpdate pushes one step transition.
func (n *Notifier) NotifyStepUpdate(workflowID string, step *schema.Step) {
	n.send(workflowID, "", map[string]any{
		"type":        "step_update",
		"workflow_id": workflowID,
		"step_id":     step.ID,
		"tool":        step.Tool,
		"status":      string(step.Status),
		"result":      step.Result,
		"error":       step.Error,
		"duration_ms": step.DurationMS,
	})
}

// NotifyWorkflowCompleted pushes the terminal snapshot and stops tracking.
func (n *Notifier) NotifyWorkflowCompleted(workflowID string, snapshot *schema.Workflow) {
	n.send(workflowID, snapshot.InitiatorContextID, map[string]any{
		"type":        "workflow_completed",
		"workflow_id": workflowID,
		"workflow":    snapshot,
	})
	n.forget(workflowID)
}

// NotifyWorkflowFailed pushes the first failing step's error and stops
// tracking.
func (n *Notifier) NotifyWorkflowFailed(workflowID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	n.send(workflowID, "", map[string]any{
		"type":        "workflow_failed",
		"workflow_id": workflowID,
		"error":       msg,
	})
	n.forget(workflowID)
}

// NotifyWorkflowCancelled pushes the abort outcome and stops tracking.
func (n *Notifier) NotifyWorkflowCancelled(workflowID string, snapshot *schema.Workflow) {
	n.send(workflowID, snapshot.InitiatorContextID, map[string]any{
		"type":        "workflow_cancelled",
		"workflow_id": workflowID,
	})
	n.forget(workflowID)
}

// send resolves the workflow's context and pushes one notification. A
// missing binding, unknown workflow or detached session is a debug-level
// no-op.
func (n *Notifier) send(workflowID, contextID string, payload map[string]any) {
	n.mu.Lock()
	srv := n.mcpServer
	if contextID == "" {
		contextID = n.contexts[workflowID]
	}
	n.mu.Unlock()

	if srv == nil || contextID == "" {
		return
	}
	sessionID, ok := n.registry.SessionFor(contextID)
	if !ok {
		n.logger.Debug("notification dropped, context not attached",
			"workflow_id", workflowID, "context_id", contextID)
		return
	}

	err := srv.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.registry.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Debug("notification push failed",
			"workflow_id", workflowID, "session_id", sessionID, "error", err)
	}
}

func (n *Notifier) forget(workflowID string) {
	n.mu.Lock()
	delete(n.contexts, workflowID)
	n.mu.Unlock()
}
