package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// SessionSurface delivers canvas operations to the attached foreground
// session over MCP push notifications. It implements the surface port the
// canvas tools draw against; while no session is registered for the bound
// context the tools observe a detached surface and defer.
type SessionSurface struct {
	registry  *SessionRegistry
	contextID string
	logger    *slog.Logger

	mu        sync.Mutex
	mcpServer *server.MCPServer
}

// NewSessionSurface creates a surface port for one context id. The surface
// stays detached until Bind hands it a live MCP server.
func NewSessionSurface(registry *SessionRegistry, contextID string, logger *slog.Logger) *SessionSurface {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionSurface{registry: registry, contextID: contextID, logger: logger}
}

// Bind attaches the surface to the MCP server that owns the sessions.
func (s *SessionSurface) Bind(srv *server.MCPServer) {
	s.mu.Lock()
	s.mcpServer = srv
	s.mu.Unlock()
}

// Attached reports whether the bound context currently has a session.
func (s *SessionSurface) Attached() bool {
	s.mu.Lock()
	bound := s.mcpServer != nil
	s.mu.Unlock()
	return bound && s.registry.Attached(s.contextID)
}

// InsertElement pushes a new canvas element to the attached session and
// returns the id assigned to it.
func (s *SessionSurface) InsertElement(ctx context.Context, element map[string]any) (string, error) {
	elementID := uuid.NewString()
	payload := map[string]any{
		"op":         "insert",
		"element_id": elementID,
		"element":    element,
	}
	if err := s.push(ctx, payload); err != nil {
		return "", err
	}
	return elementID, nil
}

// UpdateElement pushes a patch for an existing canvas element.
func (s *SessionSurface) UpdateElement(ctx context.Context, elementID string, patch map[string]any) error {
	return s.push(ctx, map[string]any{
		"op":         "update",
		"element_id": elementID,
		"patch":      patch,
	})
}

// push sends one canvas operation to the session registered for the bound
// context. A missing or expired session surfaces as surface-not-ready so the
// caller parks instead of failing.
func (s *SessionSurface) push(ctx context.Context, payload map[string]any) error {
	s.mu.Lock()
	srv := s.mcpServer
	s.mu.Unlock()
	if srv == nil {
		return schema.ErrSurfaceNotReady()
	}

	sessionID, ok := s.registry.SessionFor(s.contextID)
	if !ok {
		return schema.ErrSurfaceNotReady()
	}

	payload["channel"] = "canvas"
	err := srv.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// The session expired between lookup and send.
		s.registry.Remove(sessionID)
		return schema.ErrSurfaceNotReady()
	}
	if err != nil {
		s.logger.WarnContext(ctx, "canvas push failed", "session_id", sessionID, "error", err)
		return schema.NewErrorf(schema.ErrCodeTool, "canvas push: %s", err.Error()).WithCause(err)
	}
	return nil
}
