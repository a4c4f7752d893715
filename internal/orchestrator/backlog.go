package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// schedule hands a pending job to the worker queue. When no slot frees up
// within the enqueue timeout, or older jobs are already waiting, the job
// stays pending in the store and the backlog feeder queues it later.
func (o *Orchestrator) schedule(ctx context.Context, job archive.Job) {
	if o.backlogged.Load() {
		o.deferJob(job.ID)
		return
	}
	if !o.markQueued(job.ID) {
		return
	}
	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.EnqueueTimeout)
	defer cancel()
	if err := o.queue.Enqueue(enqCtx, o.queueItem(job)); err != nil {
		o.unmarkQueued(job.ID)
		o.logger.Debug("enqueue deferred", zap.String("job_id", job.ID), zap.Error(err))
		o.deferJob(job.ID)
	}
}

func (o *Orchestrator) deferJob(jobID string) {
	o.logger.Info("worker queue full, job waits as pending", zap.String("job_id", jobID))
	o.mu.Lock()
	o.deferGen++
	o.backlogged.Store(true)
	o.mu.Unlock()
	o.wakeBacklog()
}

// wakeBacklog nudges the feeder without blocking.
func (o *Orchestrator) wakeBacklog() {
	select {
	case o.backlogCh <- struct{}{}:
	default:
	}
}

// RunBacklog moves pending jobs that did not fit in the worker queue into it,
// oldest first, as slots free. It blocks until ctx is done.
func (o *Orchestrator) RunBacklog(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.BacklogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.backlogCh:
		case <-ticker.C:
		}
		if err := o.drainBacklog(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("backlog drain incomplete", zap.Error(err))
		}
	}
}

// drainBacklog queues every pending job not already queued. The backlog
// flag stays set while it runs so new submissions line up behind older
// jobs, and is cleared only if nothing was deferred meanwhile.
func (o *Orchestrator) drainBacklog(ctx context.Context) error {
	if !o.backlogged.Load() {
		return nil
	}
	o.mu.Lock()
	gen := o.deferGen
	o.mu.Unlock()

	pending, err := o.store.List(ctx, archive.ListFilter{Statuses: []archive.Status{archive.StatusPending}})
	if err != nil {
		return err
	}
	queued := 0
	for i := len(pending) - 1; i >= 0; i-- {
		job := pending[i]
		if !o.markQueued(job.ID) {
			continue
		}
		// Blocks until a worker frees a slot.
		if err := o.queue.Enqueue(ctx, o.queueItem(job)); err != nil {
			o.unmarkQueued(job.ID)
			return err
		}
		queued++
	}
	if queued > 0 {
		o.logger.Info("backlog queued", zap.Int("jobs", queued))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deferGen == gen {
		o.backlogged.Store(false)
	} else {
		o.wakeBacklog()
	}
	return nil
}

func (o *Orchestrator) queueItem(job archive.Job) archive.QueueItem {
	return archive.QueueItem{JobID: job.ID, Attempt: job.Attempts + 1, Submitted: o.clock.Now().UTC()}
}

// markQueued records that jobID sits in the worker queue. It reports false
// when the job is already there.
func (o *Orchestrator) markQueued(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.queued[jobID]; ok {
		return false
	}
	o.queued[jobID] = struct{}{}
	return true
}

func (o *Orchestrator) unmarkQueued(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.queued, jobID)
}

// Backlogged reports whether pending jobs are waiting for queue space.
func (o *Orchestrator) Backlogged() bool {
	return o.backlogged.Load()
}
