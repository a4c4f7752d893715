// Package worker implements the execution loop that drains the job queue.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/queue/memory"
)

// Executor runs one dequeued job to completion.
type Executor interface {
	Execute(ctx context.Context, item archive.QueueItem)
}

// Worker consumes queue items one at a time.
type Worker struct {
	id       int
	queue    archive.Queue
	executor Executor
	logger   *zap.Logger
}

// New constructs a Worker.
func New(id int, queue archive.Queue, executor Executor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		executor: executor,
		logger:   logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
		w.executor.Execute(ctx, item)
	}
}
