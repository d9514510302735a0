package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// MemoryStore is an in-memory Store and EventLog for tests and embedded use.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*schema.Workflow
	events    map[string][]*Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*schema.Workflow),
		events:    make(map[string][]*Event),
	}
}

// Put upserts the whole workflow record.
func (s *MemoryStore) Put(_ context.Context, wf *schema.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := wf.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.workflows[cp.ID] = cp
	return nil
}

// Get returns the workflow with the given id.
func (s *MemoryStore) Get(_ context.Context, id string) (*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return wf.Clone(), nil
}

// GetAll returns every stored workflow, oldest first.
func (s *MemoryStore) GetAll(_ context.Context) ([]*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a workflow record and its events.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	delete(s.events, id)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Append writes a transition event with a per-workflow sequence.
func (s *MemoryStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	cp.Sequence = int64(len(s.events[event.WorkflowID]) + 1)
	cp.ID = cp.Sequence
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.events[event.WorkflowID] = append(s.events[event.WorkflowID], &cp)
	event.Sequence = cp.Sequence
	return nil
}

// List returns the most recent events for a workflow, newest first.
func (s *MemoryStore) List(_ context.Context, workflowID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.events[workflowID]
	out := make([]*Event, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ EventLog = (*MemoryStore)(nil)
	_ Store    = (*LibSQLStore)(nil)
	_ EventLog = (*LibSQLStore)(nil)
)
