// Package memory provides in-process job and blob stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// JobStore keeps job records in a map guarded by a RWMutex. Every status
// change goes through the same lock, which makes UpdateStatus a true
// compare-and-set.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]archive.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]archive.Job),
	}
}

// Create stores a new job.
func (s *JobStore) Create(_ context.Context, job archive.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create %s: %w", job.ID, archive.ErrAlreadyExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, jobID string) (archive.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return archive.Job{}, fmt.Errorf("get %s: %w", jobID, archive.ErrNotFound)
	}
	return cloneJob(job), nil
}

// List returns jobs matching filter, most recent first.
func (s *JobStore) List(_ context.Context, filter archive.ListFilter) ([]archive.Job, error) {
	s.mu.RLock()
	out := make([]archive.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Matches(job) {
			out = append(out, cloneJob(job))
		}
	}
	s.mu.RUnlock()
	archive.SortRecent(out)
	return filter.Window(out), nil
}

// UpdateStatus moves a job from expected to next and applies update.
func (s *JobStore) UpdateStatus(
	_ context.Context,
	jobID string,
	expected, next archive.Status,
	update archive.Update,
) (archive.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return archive.Job{}, fmt.Errorf("update %s: %w", jobID, archive.ErrNotFound)
	}
	if job.Status != expected {
		return archive.Job{}, archive.NewConflict(jobID, expected, job.Status)
	}
	job.Status = next
	update.Apply(&job)
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// UpdateProgress raises the progress of a running job.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, progress int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("progress %s: %w", jobID, archive.ErrNotFound)
	}
	if job.Status != archive.StatusRunning || progress <= job.Progress {
		return false, nil
	}
	job.Progress = progress
	s.jobs[jobID] = job
	return true, nil
}

// Delete soft-deletes a job and reports the status it had before.
func (s *JobStore) Delete(_ context.Context, jobID string, at time.Time) (archive.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("delete %s: %w", jobID, archive.ErrNotFound)
	}
	prev := job.Status
	if prev == archive.StatusDeleted {
		return prev, nil
	}
	job.Status = archive.StatusDeleted
	if job.CompletedAt == nil {
		completed := at
		job.CompletedAt = &completed
	}
	s.jobs[jobID] = job
	return prev, nil
}

// Purge removes a deleted job record.
func (s *JobStore) Purge(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("purge %s: %w", jobID, archive.ErrNotFound)
	}
	if job.Status != archive.StatusDeleted {
		return archive.NewConflict(jobID, archive.StatusDeleted, job.Status)
	}
	delete(s.jobs, jobID)
	return nil
}

// Ping always succeeds.
func (s *JobStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *JobStore) Close() error { return nil }

func cloneJob(job archive.Job) archive.Job {
	if job.StartedAt != nil {
		started := *job.StartedAt
		job.StartedAt = &started
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		job.CompletedAt = &completed
	}
	return job
}
