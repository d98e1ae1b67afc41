// Package syncrun implements the Sync Run Coordinator: the
// single-active-run invariant, concurrency limiting across object
// runs, and stale-run detection (spec §4.6).
package syncrun

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/supabase/stripe-sync-engine-go/pkg/database"
)

// Coordinator periodically cancels stale runs and exposes claim
// operations that respect a run's concurrency limit (spec §4.6's state
// machine table). The Backfill Engine claims object runs through the
// Persistence Gateway directly, not through a Coordinator.
type Coordinator struct {
	gw            *database.Gateway
	logger        *zap.Logger
	staleInterval time.Duration
	checkInterval time.Duration
}

// New constructs a Coordinator. staleInterval defaults to 5 minutes
// per spec §4.6 if zero.
func New(gw *database.Gateway, logger *zap.Logger, staleInterval time.Duration) *Coordinator {
	if staleInterval <= 0 {
		staleInterval = 5 * time.Minute
	}
	return &Coordinator{
		gw:            gw,
		logger:        logger,
		staleInterval: staleInterval,
		checkInterval: staleInterval / 2,
	}
}

// Run starts the stale-run cancellation loop, checking on startup and
// then every checkInterval until ctx is cancelled (spec §4.6 "Used on
// worker startup and periodically").
func (c *Coordinator) Run(ctx context.Context) {
	c.cancelStale(ctx)

	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cancelStale(ctx)
		}
	}
}

func (c *Coordinator) cancelStale(ctx context.Context) {
	n, err := c.gw.CancelStaleRuns(ctx, c.staleInterval)
	if err != nil {
		c.logger.Error("failed to cancel stale sync runs", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Warn("cancelled stale sync runs", zap.Int("count", n), zap.Duration("stale_after", c.staleInterval))
	}
}

// NextPendingObject returns the next object run a worker may claim for
// accountID, or nil if the concurrency limit is saturated or nothing
// is pending.
func (c *Coordinator) NextPendingObject(ctx context.Context, accountID string, run database.SyncRun) (*database.ObjectRun, error) {
	return c.gw.GetNextPendingObject(ctx, accountID, run.StartedAt, run.MaxConcurrent)
}

// Claim atomically transitions one pending object run to running,
// respecting the run's concurrency limit (spec §4.6 "Concurrency
// limit").
func (c *Coordinator) Claim(ctx context.Context, accountID string, run database.SyncRun, kind string) (bool, error) {
	return c.gw.TryStartObjectSync(ctx, accountID, run.StartedAt, kind, run.MaxConcurrent)
}
