package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljquan/aitu-sub000/internal/engine"
	"github.com/ljquan/aitu-sub000/internal/store"
	"github.com/ljquan/aitu-sub000/internal/tools"
	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// fakeTool is a scriptable Tool for poller tests.
type fakeTool struct {
	name    string
	surface bool
	calls   atomic.Int32
	execute func(ctx context.Context, inv *tools.Invocation) (*schema.ToolResult, error)
}

var _ tools.Tool = (*fakeTool)(nil)

func (f *fakeTool) Name() string          { return f.name }
func (f *fakeTool) Description() string   { return "fake tool" }
func (f *fakeTool) RequiresSurface() bool { return f.surface }

func (f *fakeTool) Execute(ctx context.Context, inv *tools.Invocation) (*schema.ToolResult, error) {
	f.calls.Add(1)
	if f.execute == nil {
		return &schema.ToolResult{Success: true, Data: json.RawMessage(`{"ok":true}`)}, nil
	}
	return f.execute(ctx, inv)
}

// stubGate is a toggleable surface gate.
type stubGate struct{ attached atomic.Bool }

func (g *stubGate) Attached() bool { return g.attached.Load() }

// flakyStore fails GetAll on demand while delegating everything else.
type flakyStore struct {
	store.Store
	fail atomic.Bool
}

func (f *flakyStore) GetAll(ctx context.Context) ([]*schema.Workflow, error) {
	if f.fail.Load() {
		return nil, errors.New("store unavailable")
	}
	return f.Store.GetAll(ctx)
}

type pollerFixture struct {
	store  *store.MemoryStore
	engine engine.Engine
	gate   *stubGate
	poller *Poller
}

func newPollerFixture(t *testing.T, toolset ...tools.Tool) *pollerFixture {
	t.Helper()
	ms := store.NewMemoryStore()
	fix := newPollerFixtureWithStore(t, ms, ms, toolset...)
	return fix
}

// newPollerFixtureWithStore lets a test hand the poller a different store
// view than the engine's, such as one that fails on demand.
func newPollerFixtureWithStore(t *testing.T, ms *store.MemoryStore, pollStore store.Store, toolset ...tools.Tool) *pollerFixture {
	t.Helper()
	registry := tools.NewRegistry()
	for _, tool := range toolset {
		require.NoError(t, registry.Register(tool))
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.NewEngine(ms, ms, registry, nil, engine.Config{ContextID: "ctx-fg", Logger: logger})
	gate := &stubGate{}
	poller := NewPoller(eng, pollStore, registry, gate, Config{
		Interval:  10 * time.Millisecond,
		ContextID: "ctx-fg",
		Logger:    logger,
	})
	t.Cleanup(func() {
		poller.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return &pollerFixture{store: ms, engine: eng, gate: gate, poller: poller}
}

func awaitWorkflowStatus(t *testing.T, eng engine.Engine, workflowID string, want schema.WorkflowStatus) *schema.Workflow {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := eng.Status(context.Background(), workflowID)
		if err == nil && snapshot.Status == want {
			return snapshot
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s never reached %s", workflowID, want)
	return nil
}

func awaitStepStatus(t *testing.T, eng engine.Engine, workflowID, stepID string, want schema.StepStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := eng.Status(context.Background(), workflowID)
		if err == nil {
			if s := snapshot.Step(stepID); s != nil && s.Status == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("step %s in workflow %s never reached %s", stepID, workflowID, want)
}

// --- Poller ---

func TestPoller_ClaimsSurfaceStepOnceGateAttaches(t *testing.T) {
	insert := &fakeTool{name: "canvas_insert", surface: true}
	fix := newPollerFixture(t, &fakeTool{name: "generate_image"}, insert)
	require.NoError(t, fix.poller.Start(context.Background()))

	_, err := fix.engine.Submit(context.Background(), &schema.Workflow{
		ID: "wf-gate",
		Steps: []*schema.Step{
			{ID: "g1", Tool: "generate_image"},
			{ID: "c1", Tool: "canvas_insert"},
		},
	})
	require.NoError(t, err)
	awaitStepStatus(t, fix.engine, "wf-gate", "c1", schema.StepPendingForeground)

	// With the surface detached the step stays parked tick after tick,
	// without errors and without touching the tool.
	time.Sleep(60 * time.Millisecond)
	snapshot, err := fix.engine.Status(context.Background(), "wf-gate")
	require.NoError(t, err)
	assert.Equal(t, schema.StepPendingForeground, snapshot.Step("c1").Status)
	assert.Equal(t, int32(0), insert.calls.Load())

	fix.gate.attached.Store(true)

	final := awaitWorkflowStatus(t, fix.engine, "wf-gate", schema.WorkflowCompleted)
	assert.Equal(t, schema.StepCompleted, final.Step("c1").Status)
	assert.Equal(t, int32(1), insert.calls.Load())
}

func TestPoller_ClaimsDependencyParkedStepWithoutGate(t *testing.T) {
	video := &fakeTool{name: "generate_video", execute: func(_ context.Context, inv *tools.Invocation) (*schema.ToolResult, error) {
		return &schema.ToolResult{Success: true, TaskID: "task-" + inv.StepID}, nil
	}}
	edit := &fakeTool{name: "edit_image"}
	fix := newPollerFixture(t, video, edit)
	require.NoError(t, fix.poller.Start(context.Background()))

	// e1 references the deferred v1 result, so the pass parks it. The gate
	// stays detached the whole time: dependency-parked steps are not
	// surface work and the poller claims them regardless.
	_, err := fix.engine.Submit(context.Background(), &schema.Workflow{
		ID: "wf-dep",
		Steps: []*schema.Step{
			{ID: "v1", Tool: "generate_video"},
			{ID: "e1", Tool: "edit_image", Args: map[string]any{"source": "${{steps.v1.result.url}}"}},
		},
	})
	require.NoError(t, err)
	awaitStepStatus(t, fix.engine, "wf-dep", "e1", schema.StepPendingForeground)

	require.NoError(t, fix.engine.ApplyTaskEvent(context.Background(), &schema.TaskEvent{
		TaskID: "task-v1",
		Status: schema.TaskCompleted,
		Result: json.RawMessage(`{"url":"https://cdn/x.png"}`),
	}))

	final := awaitWorkflowStatus(t, fix.engine, "wf-dep", schema.WorkflowCompleted)
	assert.Equal(t, schema.StepCompleted, final.Step("e1").Status)
}

func TestPoller_IgnoresWorkflowsOfOtherInstances(t *testing.T) {
	insert := &fakeTool{name: "canvas_insert", surface: true}
	fix := newPollerFixture(t, insert)
	fix.gate.attached.Store(true)
	require.NoError(t, fix.poller.Start(context.Background()))

	now := time.Now().UTC()
	require.NoError(t, fix.store.Put(context.Background(), &schema.Workflow{
		ID:                 "wf-foreign",
		Status:             schema.WorkflowRunning,
		InitiatorContextID: "ctx-other",
		CreatedAt:          now,
		UpdatedAt:          now,
		Steps: []*schema.Step{
			{ID: "c1", Tool: "canvas_insert", Status: schema.StepPendingForeground},
		},
	}))

	time.Sleep(80 * time.Millisecond)

	stored, err := fix.store.Get(context.Background(), "wf-foreign")
	require.NoError(t, err)
	assert.Equal(t, schema.StepPendingForeground, stored.Steps[0].Status)
	assert.Equal(t, "ctx-other", stored.InitiatorContextID)
	assert.Equal(t, int32(0), insert.calls.Load())
}

func TestPoller_AdoptsWorkflowWithoutInitiator(t *testing.T) {
	edit := &fakeTool{name: "edit_image"}
	fix := newPollerFixture(t, edit)
	require.NoError(t, fix.poller.Start(context.Background()))

	now := time.Now().UTC()
	require.NoError(t, fix.store.Put(context.Background(), &schema.Workflow{
		ID:        "wf-orphan",
		Status:    schema.WorkflowRunning,
		CreatedAt: now,
		UpdatedAt: now,
		Steps: []*schema.Step{
			{ID: "e1", Tool: "edit_image", Status: schema.StepPendingForeground},
		},
	}))

	awaitWorkflowStatus(t, fix.engine, "wf-orphan", schema.WorkflowCompleted)

	stored, err := fix.store.Get(context.Background(), "wf-orphan")
	require.NoError(t, err)
	assert.Equal(t, "ctx-fg", stored.InitiatorContextID)
	assert.Equal(t, schema.StepCompleted, stored.Steps[0].Status)
	assert.Equal(t, int32(1), edit.calls.Load())
}

func TestPoller_OverlappingTicksDispatchOnce(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	insert := &fakeTool{name: "canvas_insert", surface: true, execute: func(context.Context, *tools.Invocation) (*schema.ToolResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return &schema.ToolResult{Success: true}, nil
	}}
	fix := newPollerFixture(t, insert)
	fix.gate.attached.Store(true)
	require.NoError(t, fix.poller.Start(context.Background()))

	_, err := fix.engine.Submit(context.Background(), &schema.Workflow{
		ID:    "wf-once",
		Steps: []*schema.Step{{ID: "c1", Tool: "canvas_insert"}},
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("step was never dispatched")
	}

	// Several ticks pass while the dispatch is in flight.
	time.Sleep(50 * time.Millisecond)
	close(release)

	awaitWorkflowStatus(t, fix.engine, "wf-once", schema.WorkflowCompleted)
	assert.Equal(t, int32(1), insert.calls.Load())
}

func TestPoller_ClaimsUnknownToolSoEngineFailsIt(t *testing.T) {
	fix := newPollerFixture(t)
	require.NoError(t, fix.poller.Start(context.Background()))

	// A parked step whose tool vanished from the registry. The gate check
	// cannot apply, so the poller claims it and the engine records the
	// failure instead of leaving it parked forever.
	now := time.Now().UTC()
	require.NoError(t, fix.store.Put(context.Background(), &schema.Workflow{
		ID:                 "wf-ghost",
		Status:             schema.WorkflowRunning,
		InitiatorContextID: "ctx-fg",
		CreatedAt:          now,
		UpdatedAt:          now,
		Steps: []*schema.Step{
			{ID: "g1", Tool: "ghost_tool", Status: schema.StepPendingForeground},
		},
	}))

	final := awaitWorkflowStatus(t, fix.engine, "wf-ghost", schema.WorkflowFailed)
	assert.Equal(t, schema.StepFailed, final.Steps[0].Status)
	assert.Contains(t, final.Steps[0].Error, "not registered")
}

func TestPoller_TickSurvivesStoreFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	flaky := &flakyStore{Store: ms}
	flaky.fail.Store(true)

	insert := &fakeTool{name: "canvas_insert", surface: true}
	fix := newPollerFixtureWithStore(t, ms, flaky, insert)
	fix.gate.attached.Store(true)
	require.NoError(t, fix.poller.Start(context.Background()))

	_, err := fix.engine.Submit(context.Background(), &schema.Workflow{
		ID:    "wf-flaky",
		Steps: []*schema.Step{{ID: "c1", Tool: "canvas_insert"}},
	})
	require.NoError(t, err)
	awaitStepStatus(t, fix.engine, "wf-flaky", "c1", schema.StepPendingForeground)

	// Ticks are abandoned while the store is down; nothing is claimed.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), insert.calls.Load())

	// The next tick after recovery picks the step up.
	flaky.fail.Store(false)
	awaitWorkflowStatus(t, fix.engine, "wf-flaky", schema.WorkflowCompleted)
	assert.Equal(t, int32(1), insert.calls.Load())
}

func TestPoller_StartTwiceConflicts(t *testing.T) {
	fix := newPollerFixture(t)
	require.NoError(t, fix.poller.Start(context.Background()))

	err := fix.poller.Start(context.Background())
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	fix.poller.Stop()
	fix.poller.Stop()
}
