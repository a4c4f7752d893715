package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/queue/memory"
)

type recordingExecutor struct {
	mu   sync.Mutex
	jobs []string
}

func (e *recordingExecutor) Execute(_ context.Context, item archive.QueueItem) {
	e.mu.Lock()
	e.jobs = append(e.jobs, item.JobID)
	e.mu.Unlock()
}

func (e *recordingExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.jobs...)
}

func TestWorkerExecutesInOrder(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, q.Enqueue(context.Background(), archive.QueueItem{JobID: id}))
	}
	exec := &recordingExecutor{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go New(1, q, exec, zap.NewNop()).Run(ctx)

	require.Eventually(t, func() bool {
		return len(exec.executed()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, exec.executed())
}

func TestWorkerStopsOnClose(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	done := make(chan struct{})
	go func() {
		New(1, q, &recordingExecutor{}, nil).Run(context.Background())
		close(done)
	}()
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

type flakyQueue struct {
	mu    sync.Mutex
	calls int
}

func (q *flakyQueue) Enqueue(context.Context, archive.QueueItem) error { return nil }

func (q *flakyQueue) Dequeue(ctx context.Context) (archive.QueueItem, error) {
	q.mu.Lock()
	q.calls++
	n := q.calls
	q.mu.Unlock()
	switch n {
	case 1:
		return archive.QueueItem{}, errors.New("transient")
	case 2:
		return archive.QueueItem{JobID: "job-after-error"}, nil
	default:
		<-ctx.Done()
		return archive.QueueItem{}, ctx.Err()
	}
}

func TestWorkerContinuesAfterDequeueError(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(2, &flakyQueue{}, exec, nil).Run(ctx)

	require.Eventually(t, func() bool {
		jobs := exec.executed()
		return len(jobs) == 1 && jobs[0] == "job-after-error"
	}, time.Second, 5*time.Millisecond)
}
