package mcp

import "sync"

// SessionRegistry maps foreground context IDs to MCP session IDs. A context
// id with a registered session is an attached rendering surface; the polling
// bridge and the canvas tools both key off that fact.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // contextID -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a context ID with a session ID. A context that already
// has a session is overwritten (reconnect).
func (r *SessionRegistry) Register(contextID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[contextID] = sessionID
}

// SessionFor returns the session ID attached for the given context, if any.
func (r *SessionRegistry) SessionFor(contextID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[contextID]
	return sid, ok
}

// Attached reports whether any session is registered for the context.
func (r *SessionRegistry) Attached(contextID string) bool {
	_, ok := r.SessionFor(contextID)
	return ok
}

// Unregister drops the mapping for a context ID.
func (r *SessionRegistry) Unregister(contextID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, contextID)
}

// Remove deletes every context mapping held by the given session ID. Called
// when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, cid)
		}
	}
}

// SurfaceGate adapts the registry to the polling bridge's gate: the surface
// counts as attached while this instance's context id has a session.
type SurfaceGate struct {
	registry  *SessionRegistry
	contextID string
}

// NewSurfaceGate creates a gate bound to one context id.
func NewSurfaceGate(registry *SessionRegistry, contextID string) *SurfaceGate {
	return &SurfaceGate{registry: registry, contextID: contextID}
}

// Attached reports whether the bound context has a registered session.
func (g *SurfaceGate) Attached() bool {
	return g.registry != nil && g.registry.Attached(g.contextID)
}
