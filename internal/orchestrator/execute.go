package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/metrics"
	"github.com/JakeFAU/web-archiver/internal/runner"
)

// Progress milestones after the crawl itself.
const (
	ProgressPersisting = 90
	ProgressPersisted  = 95
	ProgressDone       = 100
)

// Execute runs one scheduled job to a terminal status. It implements
// worker.Executor and never panics.
func (o *Orchestrator) Execute(ctx context.Context, item archive.QueueItem) {
	logger := o.logger.With(zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))

	// Register the cancel func before the job becomes visible as running so a
	// concurrent Delete always finds it.
	jobCtx, cancel := context.WithCancel(ctx)
	o.track(item.JobID, cancel)
	defer func() {
		o.untrack(item.JobID)
		cancel()
		if o.backlogged.Load() {
			o.wakeBacklog()
		}
	}()

	started := o.clock.Now().UTC()
	zero := 0
	job, err := o.store.UpdateStatus(ctx, item.JobID, archive.StatusPending, archive.StatusRunning, archive.Update{
		Progress:    &zero,
		StartedAt:   &started,
		IncAttempts: true,
	})
	o.unmarkQueued(item.JobID)
	if err != nil {
		if errors.Is(err, archive.ErrConflict) || errors.Is(err, archive.ErrNotFound) {
			logger.Info("skipping job no longer pending", zap.Error(err))
			return
		}
		logger.Error("start job", zap.Error(err))
		finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
		defer finCancel()
		o.fail(finCtx, item.JobID, archive.StatusPending, fmt.Sprintf("start job: %v", err))
		return
	}
	o.announce(job)

	metrics.IncActiveCrawls()
	defer metrics.DecActiveCrawls()
	defer func() {
		if err := o.runner.Cleanup(job.ID); err != nil {
			logger.Warn("work dir cleanup failed", zap.Error(err))
		}
	}()

	artifact, err := o.crawlAndPersist(jobCtx, job, logger)
	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer finCancel()
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "interrupted by shutdown"
		}
		o.fail(finCtx, job.ID, archive.StatusRunning, reason)
		return
	}
	o.complete(finCtx, job, artifact, logger)
}

// crawlAndPersist runs the crawl and places its archive. A panic anywhere in
// the attempt is converted into an error.
func (o *Orchestrator) crawlAndPersist(ctx context.Context, job archive.Job, logger *zap.Logger) (artifact archive.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job execution panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic during execution: %v", r)
		}
	}()

	report := o.reporter(ctx, job, logger)
	start := time.Now()
	result, err := o.runner.Run(ctx, job, report)
	if err != nil {
		metrics.ObserveCrawl(string(job.CrawlerType), "failed", time.Since(start))
		return archive.Artifact{}, err
	}
	metrics.ObserveCrawl(string(job.CrawlerType), "succeeded", time.Since(start))

	report(ProgressPersisting)
	artifact, err = o.artifacts.Persist(ctx, job.ID, result.ArchivePath)
	if err != nil {
		return archive.Artifact{}, err
	}
	metrics.AddArtifactBytes(artifact.Size)
	report(ProgressPersisted)
	return artifact, nil
}

// complete moves a running job to completed. If the job changed meanwhile,
// which only a delete can do, the artifact just written is removed.
func (o *Orchestrator) complete(ctx context.Context, job archive.Job, artifact archive.Artifact, logger *zap.Logger) {
	now := o.clock.Now().UTC()
	done := ProgressDone
	final, err := o.store.UpdateStatus(ctx, job.ID, archive.StatusRunning, archive.StatusCompleted, archive.Update{
		Progress:    &done,
		CompletedAt: &now,
		Artifact:    &artifact,
	})
	if err != nil {
		if errors.Is(err, archive.ErrConflict) || errors.Is(err, archive.ErrNotFound) {
			logger.Info("job changed during crawl, discarding artifact", zap.Error(err))
		} else {
			logger.Error("complete job", zap.Error(err))
			o.fail(ctx, job.ID, archive.StatusRunning, fmt.Sprintf("complete job: %v", err))
		}
		if rmErr := o.artifacts.Remove(ctx, job.ID); rmErr != nil {
			logger.Warn("orphaned artifact removal failed", zap.Error(rmErr))
		}
		return
	}
	logger.Info("job completed",
		zap.String("archive_path", final.ArchivePath),
		zap.Int64("archive_size", final.ArchiveSize),
	)
	o.announce(final)
}

// reporter persists progress while the job is running and publishes each
// value the store accepted.
func (o *Orchestrator) reporter(ctx context.Context, job archive.Job, logger *zap.Logger) runner.Reporter {
	return func(p int) {
		applied, err := o.store.UpdateProgress(ctx, job.ID, p)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("progress update failed", zap.Int("progress", p), zap.Error(err))
			}
			return
		}
		if !applied {
			return
		}
		snap := job
		snap.Progress = p
		o.hub.Publish(snap)
	}
}
