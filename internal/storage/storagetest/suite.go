// Package storagetest holds the behavioral checks every archive.JobStore
// backend must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) archive.JobStore

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// NewJob builds a pending job created offset seconds after a fixed base time.
func NewJob(id string, offset int) archive.Job {
	return archive.Job{
		ID:              id,
		URL:             "https://example.com/" + id,
		Status:          archive.StatusPending,
		CreatedAt:       base.Add(time.Duration(offset) * time.Second),
		CrawlerType:     archive.CrawlerDynamic,
		CrawlerReason:   "dynamic crawl (score: 4): JS-heavy domain",
		ComplexityScore: 4,
	}
}

// Run executes the full conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("ListOrderAndFilter", func(t *testing.T) { testListOrderAndFilter(t, newStore(t)) })
	t.Run("CompareAndSet", func(t *testing.T) { testCompareAndSet(t, newStore(t)) })
	t.Run("StaleWriterDoesNotMutate", func(t *testing.T) { testStaleWriter(t, newStore(t)) })
	t.Run("ConcurrentTransitionsSerialize", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
	t.Run("ProgressMonotonic", func(t *testing.T) { testProgress(t, newStore(t)) })
	t.Run("RetryReset", func(t *testing.T) { testRetryReset(t, newStore(t)) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, store archive.JobStore) {
	ctx := context.Background()
	job := NewJob("job-a", 0)
	require.NoError(t, store.Create(ctx, job))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.URL, got.URL)
	assert.Equal(t, archive.StatusPending, got.Status)
	assert.Zero(t, got.Progress)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, archive.CrawlerDynamic, got.CrawlerType)
	assert.Equal(t, job.CrawlerReason, got.CrawlerReason)
	assert.Equal(t, 4, got.ComplexityScore)
	require.NoError(t, store.Ping(ctx))
}

func testCreateDuplicate(t *testing.T, store archive.JobStore) {
	ctx := context.Background()
	job := NewJob("job-a", 0)
	require.NoError(t, store.Create(ctx, job))
	err := store.Create(ctx, job)
	require.ErrorIs(t, err, archive.ErrAlreadyExists)
}

func testGetMissing(t *testing.T, store archive.JobStore) {
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func testListOrderAndFilter(t *testing.T, store archive.JobStore) {
	ctx := context.Background()
	for i, id := range []string{"job-1", "job-2", "job-3", "job-4"} {
		require.NoError(t, store.Create(ctx, NewJob(id, i)))
	}
	_, err := store.UpdateStatus(ctx, "job-2", archive.StatusPending, archive.StatusRunning, archive.Update{})
	require.NoError(t, err)
	_, err = store.Delete(ctx, "job-3", base)
	require.NoError(t, err)

	all, err := store.List(ctx, archive.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-4", "job-2", "job-1"}, ids(all))

	running, err := store.List(ctx, archive.ListFilter{Statuses: []archive.Status{archive.StatusRunning}})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-2"}, ids(running))

	withDeleted, err := store.List(ctx, archive.ListFilter{IncludeDeleted: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-3", "job-2"}, ids(withDeleted))
}

func testCompareAndSet(t *testing.T, store archive.JobStore) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewJob("job-a", 0)))

	started := base.Add(time.Minute)
	job, err := store.UpdateStatus(ctx, "job-a", archive.StatusPending, archive.StatusRunning, archive.Update{
		StartedAt:   &started,
		IncAttempts: true,
	})
	require.NoError(t, err)
	assert.Equal(t, archive.StatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)
	assert.True(t, started.Equal(*job.StartedAt))
	assert.Equal(t, 1, job.Attempts)

	done := base.Add(2 * time.Minute)
	progress := 100
	job, err = store.UpdateStatus(ctx, "job-a", archive.StatusRunning, archive.StatusCompleted, archive.Update{
		Progress:    &progress,
		CompletedAt: &done,
		Artifact: &archive.Artifact{
			URI:    "file:///data/archives/job-a/archive-job-a.wacz",
			Key:    "job-a/archive-job-a.wacz",
			Size:   42,
			SHA256: "abc123",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, archive.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, done.Equal(*job.CompletedAt))

	got, err := store.Get(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, "file:///data/archives/job-a/archive-job-a.wacz", got.ArchivePath)
	assert.Equal(t, "job-a/archive-job-a.wacz", got.LocalPath)
	assert.Equal(t, int64(42), got.ArchiveSize)
	assert.Equal(t, "abc123", got.ArchiveSHA256)

	_, err = store.UpdateStatus(ctx, "missing", archive.StatusPending, archive.StatusRunning, archive.Update{})
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func testStaleWriter(t *testing.T, store archive.JobStore) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewJob("job-a", 0)))
	_, err := store.UpdateStatus(ctx, "job-a", archive.StatusPending, archive.StatusRunning, archive.Update{})
	require.NoError(t, err)
	_, err = store.Delete(ctx, "job-a", base.Add(time.Minute))
	require.NoError(t, err)

	before, err := store.Get(ctx, "job-a")
	require.NoError(t, err)

	reason := "late failure"
	later := base.Add(time.Hour)
	_, err = store.UpdateStatus(ctx, "job-a", archive.StatusRunning, archive.StatusFailed, archive.Update{
		Reason:      &reason,
		CompletedAt: &later,
	})
	require.ErrorIs(t, err, archive.ErrConflict)
	var conflict *archive.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, archive.StatusDeleted, conflict.Actual)

	after, err := store.Get(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.FailureReason, after.FailureReason)
	require.NotNil(t, after.CompletedAt)
	assert.True(t, before.CompletedAt.Equal(*after.CompletedAt))
}

func testConcurrentCAS(t *testing.T, store archive.JobStore) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewJob("job-a", 0)))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateStatus(ctx, "job-a", archive.StatusPending, archive.StatusRunning, archive.Update{IncAttempts: true})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, archive.ErrConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	got, err := store.Get(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func testProgress(t *testing.T, store archive.JobStore) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewJob("job-a", 0)))

	applied, err := store.UpdateProgress(ctx, "job-a", 10)
	require.NoError(t, err)
	assert.False(t, applied, "pending jobs do not take progress")

	_, err = store.UpdateStatus(ctx, "job-a", archive.StatusPending, archive.StatusRunning, archive.Update{})
	require.NoError(t, err)

	for _, step := range []struct {
		value   int
		applied bool
	}{{10, true}, {30, true}, {20, false}, {30, false}, {55, true}} {
		applied, err = store.UpdateProgress(ctx, "job-a", step.value)
		require.NoError(t, err)
		assert.Equal(t, step.applied, applied, "progress %d", step.value)
	}
	got, err := store.Get(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, 55, got.Progress)

	_, err = store.UpdateProgress(ctx, "missing", 10)
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func testRetryReset(t *testing.T, store archive.JobStore) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewJob("job-a", 0)))
	_, err := store.UpdateStatus(ctx, "job-a", archive.StatusPending, archive.StatusRunning, archive.Update{IncAttempts: true})
	require.NoError(t, err)
	reason := "crawl failed: exit status 1"
	done := base.Add(time.Minute)
	progress := 40
	_, err = store.UpdateStatus(ctx, "job-a", archive.StatusRunning, archive.StatusFailed, archive.Update{
		Reason: &reason, CompletedAt: &done, Progress: &progress,
	})
	require.NoError(t, err)

	_, err = store.UpdateStatus(ctx, "job-a", archive.StatusCompleted, archive.StatusPending, archive.Update{Reset: true})
	require.ErrorIs(t, err, archive.ErrConflict)

	job, err := store.UpdateStatus(ctx, "job-a", archive.StatusFailed, archive.StatusPending, archive.Update{Reset: true})
	require.NoError(t, err)
	assert.Equal(t, archive.StatusPending, job.Status)
	assert.Zero(t, job.Progress)
	assert.Nil(t, job.CompletedAt)
	assert.Empty(t, job.FailureReason)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, archive.CrawlerDynamic, job.CrawlerType)
}

func testDelete(t *testing.T, store archive.JobStore) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewJob("job-a", 0)))
	first := base.Add(time.Minute)

	prev, err := store.Delete(ctx, "job-a", first)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusPending, prev)

	prev, err = store.Delete(ctx, "job-a", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, archive.StatusDeleted, prev)

	got, err := store.Get(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusDeleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, first.Equal(*got.CompletedAt))

	_, err = store.Delete(ctx, "missing", first)
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func testPurge(t *testing.T, store archive.JobStore) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewJob("job-a", 0)))

	err := store.Purge(ctx, "job-a")
	require.ErrorIs(t, err, archive.ErrConflict)

	_, err = store.Delete(ctx, "job-a", base)
	require.NoError(t, err)
	require.NoError(t, store.Purge(ctx, "job-a"))

	_, err = store.Get(ctx, "job-a")
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.ErrorIs(t, store.Purge(ctx, "job-a"), archive.ErrNotFound)
}

func ids(jobs []archive.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.ID)
	}
	return out
}

// MustCreate is a small helper for backend-specific tests.
func MustCreate(t *testing.T, store archive.JobStore, jobs ...archive.Job) {
	t.Helper()
	for _, job := range jobs {
		require.NoError(t, store.Create(context.Background(), job), fmt.Sprintf("create %s", job.ID))
	}
}
