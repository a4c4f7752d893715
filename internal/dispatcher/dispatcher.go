// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/worker"
)

// Dispatcher runs a fixed pool of workers over one queue. The pool size is
// the crawl concurrency limit.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// NewPool builds size workers sharing queue and executor.
func NewPool(size int, queue archive.Queue, executor worker.Executor, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	workers := make([]*worker.Worker, 0, size)
	for i := 0; i < size; i++ {
		workers = append(workers, worker.New(i+1, queue, executor, logger))
	}
	return New(workers)
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}
