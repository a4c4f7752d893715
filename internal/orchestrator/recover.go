package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// reasonRestart marks jobs whose crawl was lost with the previous process.
const reasonRestart = "interrupted by restart"

// Recover reconciles jobs left behind by a previous process: running jobs
// are failed, and pending jobs are scheduled again in submission order. Jobs
// beyond the queue capacity stay pending for the backlog feeder. Call it once
// the worker pool is running and before the API accepts traffic.
func (o *Orchestrator) Recover(ctx context.Context) error {
	running, err := o.store.List(ctx, archive.ListFilter{Statuses: []archive.Status{archive.StatusRunning}})
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		o.fail(ctx, job.ID, archive.StatusRunning, reasonRestart)
		if err := o.runner.Cleanup(job.ID); err != nil {
			o.logger.Warn("work dir cleanup failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	pending, err := o.store.List(ctx, archive.ListFilter{Statuses: []archive.Status{archive.StatusPending}})
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for i := len(pending) - 1; i >= 0; i-- {
		o.schedule(ctx, pending[i])
	}
	o.logger.Info("recovered jobs",
		zap.Int("failed_running", len(running)),
		zap.Int("pending", len(pending)),
		zap.Bool("backlogged", o.Backlogged()),
	)
	return nil
}
