package orchestrator

import (
	"context"
	"time"

	"github.com/italolelis/media_relay/internal/cleanup"
	"github.com/italolelis/media_relay/internal/logctx"
)

// Sweep removes staged artifacts older than the staging retention that no
// live job owns.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	n, err := cleanup.DeleteExpiredArtifacts(ctx, o.cfg.StagingRoot, o.cfg.StagingRetention, o.sched.InUse)
	o.telemetry.RecordArtifactsSwept(n)

	return n, err
}

// RunSweeper sweeps every interval until ctx ends.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "sweeper shutting down")

			return
		case <-ticker.C:
			n, err := o.Sweep(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "failed to sweep staging dir", "err", err)
				o.telemetry.RecordSystemError("sweeper", "sweep_failed")

				continue
			}

			if n > 0 {
				logger.InfoContext(ctx, "swept expired artifacts", "count", n)
			}
		}
	}
}
