package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// Store is the persistent shared store both execution contexts coordinate
// through: keyed records, one per workflow, written whole. No multi-record
// transactions. Implementations must be safe for concurrent use and must
// return deep copies from reads so callers never alias stored state.
type Store interface {
	// Put upserts the whole workflow record (read-modify-write-whole-object
	// semantics; last write wins).
	Put(ctx context.Context, wf *schema.Workflow) error
	Get(ctx context.Context, id string) (*schema.Workflow, error)
	GetAll(ctx context.Context) ([]*schema.Workflow, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// EventLog records step and workflow transitions, append-only with a
// per-workflow sequence. Writes are best-effort from the engine's point of
// view: a failed append never fails the transition it describes.
type EventLog interface {
	Append(ctx context.Context, event *Event) error
	List(ctx context.Context, workflowID string, limit int) ([]*Event, error)
}

// Event is one entry in the transition log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}
