package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ljquan/aitu-sub000/internal/engine"
	"github.com/ljquan/aitu-sub000/internal/logging"
	"github.com/ljquan/aitu-sub000/internal/store"
	"github.com/ljquan/aitu-sub000/internal/tools"
	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// DefaultInterval is the poll period between ticks.
const DefaultInterval = 1000 * time.Millisecond

// DefaultConcurrency is the default dispatch pool size.
const DefaultConcurrency = 4

// Gate reports whether the rendering surface is attached. Steps whose tool
// needs the surface are only claimed while the gate is open; everything else
// is claimed regardless.
type Gate interface {
	Attached() bool
}

// Config holds poller configuration.
type Config struct {
	// Interval between poll ticks. Default 1s.
	Interval time.Duration
	// Concurrency bounds parallel step dispatch. Default 4.
	Concurrency int
	// ContextID identifies this foreground instance. The poller only acts
	// on workflows it initiated or adopted.
	ContextID string

	Logger *slog.Logger
}

// Poller is the foreground half of the cross-context bridge. On a fixed
// interval it scans the store for running workflows owned by this instance,
// claims their pending_foreground steps and hands each to the engine. Steps
// the surface is not ready for are left untouched and picked up on a later
// tick; there is no backoff and no error recorded for waiting.
type Poller struct {
	engine    engine.Engine
	store     store.Store
	registry  *tools.Registry
	gate      Gate
	claims    *ClaimSet
	pool      *WorkerPool
	logger    *slog.Logger
	interval  time.Duration
	contextID string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller. gate may be nil, which behaves as permanently
// detached: surface-bound steps stay parked until a real gate is attached.
func NewPoller(eng engine.Engine, s store.Store, registry *tools.Registry, gate Gate, cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Poller{
		engine:    eng,
		store:     s,
		registry:  registry,
		gate:      gate,
		claims:    NewClaimSet(),
		pool:      NewWorkerPool(concurrency),
		logger:    logger,
		interval:  interval,
		contextID: cfg.ContextID,
	}
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "poller already started")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.loop(pollCtx)
	}()
	p.logger.Info("poller started", "interval", p.interval, "context_id", p.contextID)
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick scans running workflows once and dispatches every claimable step. A
// store read failure abandons the whole tick; the next one retries.
func (p *Poller) tick(ctx context.Context) {
	workflows, err := p.store.GetAll(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "poll tick abandoned, store unavailable", "error", err)
		return
	}

	for _, wf := range workflows {
		if wf.Status != schema.WorkflowRunning {
			continue
		}
		if !p.owns(ctx, wf) {
			continue
		}
		for _, step := range wf.Steps {
			if step.Status != schema.StepPendingForeground {
				continue
			}
			if p.needsSurface(step.Tool) && !p.surfaceAttached() {
				// Leave the step for a later tick. Not an error; the
				// surface just is not there yet.
				continue
			}
			p.dispatch(ctx, wf.ID, step.ID)
		}
	}
}

// owns reports whether this instance may act on the workflow. Records
// written before initiator tracking existed carry no context id; the first
// instance to see one stamps itself as owner and persists the claim before
// acting, so a second instance sharing the store backs off.
func (p *Poller) owns(ctx context.Context, wf *schema.Workflow) bool {
	if wf.InitiatorContextID == p.contextID {
		return true
	}
	if wf.InitiatorContextID != "" {
		return false
	}
	wf.InitiatorContextID = p.contextID
	if err := p.store.Put(ctx, wf); err != nil {
		p.logger.WarnContext(ctx, "workflow adoption failed", "workflow_id", wf.ID, "error", err)
		return false
	}
	p.logger.InfoContext(ctx, "adopted workflow without initiator", "workflow_id", wf.ID)
	return true
}

// dispatch hands one claimed step to the engine through the pool. The claim
// is released whatever the outcome; if the step is still parked afterwards
// (dependency not ready, surface detached mid-call) a later tick retries it.
func (p *Poller) dispatch(ctx context.Context, workflowID, stepID string) {
	if !p.claims.TryAcquire(workflowID, stepID) {
		return
	}
	err := p.pool.Submit(ctx, func(ctx context.Context) error {
		defer p.claims.Release(workflowID, stepID)
		ctx = logging.WithIDs(ctx, workflowID, stepID, p.contextID)
		if err := p.engine.RunStep(ctx, workflowID, stepID); err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				// Someone else resolved the step between the scan and
				// the claim.
				p.logger.DebugContext(ctx, "stale claim", "error", err)
				return nil
			}
			p.logger.WarnContext(ctx, "foreground step dispatch failed", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		p.claims.Release(workflowID, stepID)
		if !errors.Is(err, ErrPoolShutdown) && !errors.Is(err, context.Canceled) {
			p.logger.WarnContext(ctx, "dispatch rejected", "workflow_id", workflowID, "step_id", stepID, "error", err)
		}
	}
}

func (p *Poller) needsSurface(toolName string) bool {
	tool, err := p.registry.Get(toolName)
	if err != nil {
		// Unknown tools are claimed anyway so the engine can fail them
		// instead of parking them forever.
		return false
	}
	return tool.RequiresSurface()
}

func (p *Poller) surfaceAttached() bool {
	return p.gate != nil && p.gate.Attached()
}

// Metrics returns the dispatch pool counters.
func (p *Poller) Metrics() PoolMetrics {
	return p.pool.Metrics()
}

// Stop ends the poll loop and drains in-flight dispatches.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.pool.Shutdown()
	p.logger.Info("poller stopped")
}
