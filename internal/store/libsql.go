package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// LibSQLStore implements Store and EventLog using libSQL (embedded SQLite
// fork). The full workflow record is stored as JSON in the data column;
// id/name/status/initiator columns are denormalized for ad-hoc inspection
// and the retention sweep.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a
// Store. The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Put upserts the whole workflow record.
func (s *LibSQLStore) Put(ctx context.Context, wf *schema.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal workflow").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, status, initiator_context_id, data, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, status=excluded.status,
		   initiator_context_id=excluded.initiator_context_id, data=excluded.data,
		   updated_at=excluded.updated_at, completed_at=excluded.completed_at`,
		wf.ID, nullStr(wf.Name), string(wf.Status), nullStr(wf.InitiatorContextID),
		string(data), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt), nullTime(wf.CompletedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "put workflow %s", wf.ID).WithCause(err)
	}
	return nil
}

// Get returns the workflow with the given id.
func (s *LibSQLStore) Get(ctx context.Context, id string) (*schema.Workflow, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM workflows WHERE id = ?`, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get workflow %s", id).WithCause(err)
	}
	return unmarshalWorkflow(data)
}

// GetAll returns every stored workflow, oldest first.
func (s *LibSQLStore) GetAll(ctx context.Context) ([]*schema.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM workflows ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list workflows").WithCause(err)
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan workflow").WithCause(err)
		}
		wf, err := unmarshalWorkflow(data)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// Delete removes a workflow record and its events.
func (s *LibSQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE workflow_id = ?`, id); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete events for %s", id).WithCause(err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete workflow %s", id).WithCause(err)
	}
	return checkRowsAffected(res, "workflow", id)
}

// Append writes a transition event with a monotonically increasing
// per-workflow sequence. The single-connection pool serializes writers, so
// the read-then-insert pair inside one transaction is race-free.
func (s *LibSQLStore) Append(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return tx.Commit()
}

// List returns the most recent events for a workflow, newest first.
func (s *LibSQLStore) List(ctx context.Context, workflowID string, limit int) ([]*Event, error) {
	query := `SELECT id, workflow_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? ORDER BY sequence DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list events for %s", workflowID).WithCause(err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func unmarshalWorkflow(data string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(data), wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "unmarshal workflow record").WithCause(err)
	}
	return wf, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
