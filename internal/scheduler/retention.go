package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ljquan/aitu-sub000/internal/store"
)

// DefaultSweepSpec runs the retention sweep at the top of every hour.
const DefaultSweepSpec = "0 * * * *"

// Retention deletes terminal workflows once they have outlived their TTL.
// The engine itself destroys nothing; how long finished records stay around
// is the persistence layer's policy, and this is that policy.
type Retention struct {
	store  store.Store
	ttl    time.Duration
	spec   string
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRetention creates a sweeper removing terminal workflows whose
// CompletedAt is older than ttl. A ttl <= 0 disables sweeping entirely.
// spec is a standard five-field cron expression; empty means hourly.
func NewRetention(s store.Store, ttl time.Duration, spec string, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultSweepSpec
	}
	return &Retention{store: s, ttl: ttl, spec: spec, logger: logger}
}

// Start schedules the sweep. No-op when the TTL disables retention.
func (r *Retention) Start(ctx context.Context) error {
	if r.ttl <= 0 {
		r.logger.Info("retention disabled")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("retention already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(r.spec, func() {
		if n, err := r.Sweep(ctx); err != nil {
			r.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		} else if n > 0 {
			r.logger.Info("retention sweep removed workflows", slog.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule retention sweep %q: %w", r.spec, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("retention started", slog.String("spec", r.spec), slog.Duration("ttl", r.ttl))
	return nil
}

// Sweep runs one pass: every terminal workflow completed before now-ttl is
// deleted. Returns how many records were removed. A failed delete is logged
// and skipped; the next sweep retries it.
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	workflows, err := r.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list workflows: %w", err)
	}

	cutoff := time.Now().UTC().Add(-r.ttl)
	removed := 0
	for _, wf := range workflows {
		if !wf.Terminal() || wf.CompletedAt == nil || wf.CompletedAt.After(cutoff) {
			continue
		}
		if err := r.store.Delete(ctx, wf.ID); err != nil {
			r.logger.Warn("retention delete failed",
				slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed, nil
}

// Stop halts the sweep schedule and waits for a running sweep to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("retention stopped")
}
