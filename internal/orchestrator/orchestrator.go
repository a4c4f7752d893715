// Package orchestrator owns the archive job lifecycle: it accepts
// submissions, schedules crawls on the worker pool, drives each job through
// its status transitions with compare-and-set writes, and places artifacts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/metrics"
	"github.com/JakeFAU/web-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/web-archiver/internal/progress"
	"github.com/JakeFAU/web-archiver/internal/runner"
)

// Classifier picks a crawl strategy for a URL.
type Classifier interface {
	Classify(ctx context.Context, rawURL string) archive.Classification
}

// Runner executes one crawl and owns the job's work directory.
type Runner interface {
	Run(ctx context.Context, job archive.Job, report runner.Reporter) (runner.Result, error)
	Cleanup(jobID string) error
}

// Artifacts places and retrieves archive files.
type Artifacts interface {
	Persist(ctx context.Context, jobID, localPath string) (archive.Artifact, error)
	Open(ctx context.Context, jobID, filename string) (io.ReadCloser, archive.ObjectInfo, error)
	Remove(ctx context.Context, jobID string) error
}

// Limiter gates submissions per host.
type Limiter interface {
	Allow(rawURL string) bool
}

// Enqueuer hands jobs to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item archive.QueueItem) error
}

// Config tunes scheduling and retention.
type Config struct {
	// EnqueueTimeout bounds how long Submit and Retry wait for queue space
	// before leaving the job pending for the backlog feeder.
	EnqueueTimeout time.Duration
	// BacklogInterval is how often the feeder rechecks pending jobs without
	// being woken.
	BacklogInterval time.Duration
	// FinalizeTimeout bounds terminal writes made after a crawl was cancelled.
	FinalizeTimeout time.Duration
	// PurgeOnDelete removes a job's artifacts as soon as it is deleted.
	PurgeOnDelete bool
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Store      archive.JobStore
	Classifier Classifier
	Runner     Runner
	Artifacts  Artifacts
	Queue      Enqueuer
	Hub        *progress.Hub
	Limiter    Limiter
	Clock      archive.Clock
	IDs        archive.IDGenerator
	Logger     *zap.Logger
}

// Orchestrator coordinates jobs. It is safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	store      archive.JobStore
	classifier Classifier
	runner     Runner
	artifacts  Artifacts
	queue      Enqueuer
	hub        *progress.Hub
	limiter    Limiter
	clock      archive.Clock
	ids        archive.IDGenerator
	logger     *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	queued   map[string]struct{}
	deferGen uint64

	backlogged atomic.Bool
	backlogCh  chan struct{}
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("job store is required")
	case deps.Classifier == nil:
		return nil, errors.New("classifier is required")
	case deps.Runner == nil:
		return nil, errors.New("crawl runner is required")
	case deps.Artifacts == nil:
		return nil, errors.New("artifact manager is required")
	case deps.Queue == nil:
		return nil, errors.New("job queue is required")
	case deps.Hub == nil:
		return nil, errors.New("progress hub is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 100 * time.Millisecond
	}
	if cfg.BacklogInterval <= 0 {
		cfg.BacklogInterval = 5 * time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 30 * time.Second
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		classifier: deps.Classifier,
		runner:     deps.Runner,
		artifacts:  deps.Artifacts,
		queue:      deps.Queue,
		hub:        deps.Hub,
		limiter:    limiter,
		clock:      deps.Clock,
		ids:        deps.IDs,
		logger:     logger.Named("orchestrator"),
		inflight:   make(map[string]context.CancelFunc),
		queued:     make(map[string]struct{}),
		backlogCh:  make(chan struct{}, 1),
	}, nil
}

// Submit validates and classifies rawURL, records a pending job, and
// schedules it. A full worker queue never rejects the job: it waits as
// pending until a slot frees.
func (o *Orchestrator) Submit(ctx context.Context, rawURL string) (archive.Job, error) {
	target, err := archive.ValidateURL(rawURL)
	if err != nil {
		metrics.ObserveRejectedSubmission("invalid_url")
		return archive.Job{}, err
	}
	if !o.limiter.Allow(target) {
		metrics.ObserveRejectedSubmission("rate_limited")
		return archive.Job{}, fmt.Errorf("%w: too many submissions for %s", archive.ErrRateLimited, ratelimit.Host(target))
	}

	cls := o.classifier.Classify(ctx, target)
	id, err := o.ids.NewID()
	if err != nil {
		return archive.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := archive.Job{
		ID:              id,
		URL:             target,
		Status:          archive.StatusPending,
		CreatedAt:       o.clock.Now().UTC(),
		CrawlerType:     cls.Type,
		CrawlerReason:   cls.Reason,
		ComplexityScore: cls.Score,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return archive.Job{}, fmt.Errorf("create job: %w", err)
	}
	o.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.String("crawler_type", string(job.CrawlerType)),
		zap.Int("complexity_score", job.ComplexityScore),
	)
	o.announce(job)
	o.schedule(ctx, job)
	return job, nil
}

// Retry moves a failed job back to pending, clears the previous attempt's
// artifacts, and schedules it again.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (archive.Job, error) {
	job, err := o.store.UpdateStatus(ctx, jobID, archive.StatusFailed, archive.StatusPending, archive.Update{Reset: true})
	if err != nil {
		return archive.Job{}, fmt.Errorf("retry job %s: %w", jobID, err)
	}
	if err := o.artifacts.Remove(ctx, jobID); err != nil {
		o.logger.Warn("stale artifact removal failed", zap.String("job_id", jobID), zap.Error(err))
	}
	o.logger.Info("job retried", zap.String("job_id", jobID), zap.Int("attempts", job.Attempts))
	o.announce(job)
	o.schedule(ctx, job)
	return job, nil
}

// Delete soft-deletes a job from any status and cancels its crawl if one is
// in flight. Deleting an already deleted job is a no-op.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	prev, err := o.store.Delete(ctx, jobID, o.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if prev == archive.StatusDeleted {
		return nil
	}
	if o.cancelInflight(jobID) {
		o.logger.Info("in-flight crawl cancelled", zap.String("job_id", jobID))
	}
	o.logger.Info("job deleted", zap.String("job_id", jobID), zap.String("previous_status", string(prev)))
	if job, err := o.store.Get(ctx, jobID); err == nil {
		o.announce(job)
	}
	if o.cfg.PurgeOnDelete {
		if err := o.artifacts.Remove(ctx, jobID); err != nil {
			o.logger.Warn("artifact removal failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

// Purge removes the artifacts and record of a deleted job.
func (o *Orchestrator) Purge(ctx context.Context, jobID string) error {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("purge job %s: %w", jobID, err)
	}
	if job.Status != archive.StatusDeleted {
		return archive.NewConflict(jobID, archive.StatusDeleted, job.Status)
	}
	if err := o.artifacts.Remove(ctx, jobID); err != nil {
		return fmt.Errorf("purge job %s: %w", jobID, err)
	}
	if err := o.store.Purge(ctx, jobID); err != nil {
		return fmt.Errorf("purge job %s: %w", jobID, err)
	}
	o.hub.Forget(jobID)
	o.logger.Info("job purged", zap.String("job_id", jobID))
	return nil
}

// Get returns a job that has not been deleted.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (archive.Job, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return archive.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if job.Status == archive.StatusDeleted {
		return archive.Job{}, fmt.Errorf("get job %s: %w", jobID, archive.ErrNotFound)
	}
	return job, nil
}

// List returns non-deleted jobs, most recent first.
func (o *Orchestrator) List(ctx context.Context, filter archive.ListFilter) ([]archive.Job, error) {
	filter.IncludeDeleted = false
	if len(filter.Statuses) > 0 {
		kept := make([]archive.Status, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			if s != archive.StatusDeleted {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			return []archive.Job{}, nil
		}
		filter.Statuses = kept
	}
	jobs, err := o.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// OpenArtifact streams the archive of a completed job. Anything else,
// including a filename that does not belong to the job, is ErrNotFound.
func (o *Orchestrator) OpenArtifact(ctx context.Context, jobID, filename string) (io.ReadCloser, archive.ObjectInfo, error) {
	job, err := o.Get(ctx, jobID)
	if err != nil {
		return nil, archive.ObjectInfo{}, err
	}
	if job.Status != archive.StatusCompleted || job.Filename() == "" {
		return nil, archive.ObjectInfo{}, fmt.Errorf("%w: job %s has no archive", archive.ErrNotFound, jobID)
	}
	if filename != job.Filename() {
		return nil, archive.ObjectInfo{}, fmt.Errorf("%w: job %s has no file %q", archive.ErrNotFound, jobID, filename)
	}
	rc, info, err := o.artifacts.Open(ctx, jobID, filename)
	if err != nil {
		return nil, archive.ObjectInfo{}, fmt.Errorf("open archive for job %s: %w", jobID, err)
	}
	return rc, info, nil
}

// Subscribe streams live snapshots for one job, or for every job when jobID
// is empty.
func (o *Orchestrator) Subscribe(jobID string) *progress.Subscription {
	return o.hub.Subscribe(jobID)
}

// Ping reports whether the job store is reachable.
func (o *Orchestrator) Ping(ctx context.Context) error {
	if err := o.store.Ping(ctx); err != nil {
		return fmt.Errorf("job store ping: %w", err)
	}
	return nil
}

// fail moves a job from expected to failed, stamping completed_at.
func (o *Orchestrator) fail(ctx context.Context, jobID string, expected archive.Status, reason string) {
	now := o.clock.Now().UTC()
	job, err := o.store.UpdateStatus(ctx, jobID, expected, archive.StatusFailed, archive.Update{
		CompletedAt: &now,
		Reason:      &reason,
	})
	if err != nil {
		if errors.Is(err, archive.ErrConflict) || errors.Is(err, archive.ErrNotFound) {
			o.logger.Info("job changed before it could be failed", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		o.logger.Error("mark job failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	o.logger.Warn("job failed", zap.String("job_id", jobID), zap.String("reason", reason))
	o.announce(job)
}

// announce records a status change in metrics and on the progress hub.
func (o *Orchestrator) announce(job archive.Job) {
	metrics.ObserveJob(string(job.Status))
	o.hub.Publish(job)
}

func (o *Orchestrator) track(jobID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight[jobID] = cancel
}

func (o *Orchestrator) untrack(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, jobID)
}

func (o *Orchestrator) cancelInflight(jobID string) bool {
	o.mu.Lock()
	cancel, ok := o.inflight[jobID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Inflight returns the number of jobs currently executing.
func (o *Orchestrator) Inflight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}
