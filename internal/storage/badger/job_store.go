// Package badger implements archive.JobStore on an embedded Badger database.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

const (
	jobPrefix  = "job/"
	maxRetries = 16
)

// JobStore keeps jobs as JSON documents under job/<id>. Badger's optimistic
// transactions reject concurrent writers with ErrConflict; those calls are
// retried so that the status guard is evaluated against fresh data.
type JobStore struct {
	db *badger.DB
}

// Open opens (or creates) the database under dataDir.
func Open(dataDir string) (*JobStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("badger data dir is required")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &JobStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *JobStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// Ping reports whether the database is still open.
func (s *JobStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger is closed")
	}
	return nil
}

// Create stores a new job document.
func (s *JobStore) Create(_ context.Context, job archive.Job) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(job.ID)); err == nil {
			return fmt.Errorf("create %s: %w", job.ID, archive.ErrAlreadyExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("read job: %w", err)
		}
		return put(txn, job)
	})
}

// Get loads a job document.
func (s *JobStore) Get(_ context.Context, jobID string) (archive.Job, error) {
	var job archive.Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = get(txn, jobID)
		return err
	})
	return job, err
}

// List scans every job and applies filter in memory.
func (s *JobStore) List(_ context.Context, filter archive.ListFilter) ([]archive.Job, error) {
	jobs := []archive.Job{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(jobPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job archive.Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return fmt.Errorf("decode job: %w", err)
			}
			if filter.Matches(job) {
				jobs = append(jobs, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	archive.SortRecent(jobs)
	return filter.Window(jobs), nil
}

// UpdateStatus performs the compare-and-set transition expected -> next.
func (s *JobStore) UpdateStatus(
	_ context.Context,
	jobID string,
	expected, next archive.Status,
	update archive.Update,
) (archive.Job, error) {
	var out archive.Job
	err := s.update(func(txn *badger.Txn) error {
		job, err := get(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != expected {
			return archive.NewConflict(jobID, expected, job.Status)
		}
		job.Status = next
		update.Apply(&job)
		out = job
		return put(txn, job)
	})
	if err != nil {
		return archive.Job{}, err
	}
	return out, nil
}

// UpdateProgress raises the progress of a running job.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, progress int) (bool, error) {
	applied := false
	err := s.update(func(txn *badger.Txn) error {
		applied = false
		job, err := get(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != archive.StatusRunning || progress <= job.Progress {
			return nil
		}
		job.Progress = progress
		applied = true
		return put(txn, job)
	})
	return applied, err
}

// Delete soft-deletes a job and returns its prior status.
func (s *JobStore) Delete(_ context.Context, jobID string, at time.Time) (archive.Status, error) {
	var prev archive.Status
	err := s.update(func(txn *badger.Txn) error {
		job, err := get(txn, jobID)
		if err != nil {
			return err
		}
		prev = job.Status
		if job.Status == archive.StatusDeleted {
			return nil
		}
		job.Status = archive.StatusDeleted
		archive.Update{CompletedAt: &at}.Apply(&job)
		return put(txn, job)
	})
	return prev, err
}

// Purge removes a deleted job document.
func (s *JobStore) Purge(_ context.Context, jobID string) error {
	return s.update(func(txn *badger.Txn) error {
		job, err := get(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != archive.StatusDeleted {
			return archive.NewConflict(jobID, archive.StatusDeleted, job.Status)
		}
		if err := txn.Delete(key(jobID)); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return nil
	})
}

func (s *JobStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("badger transaction: %w", err)
}

func key(jobID string) []byte {
	return []byte(jobPrefix + jobID)
}

func get(txn *badger.Txn, jobID string) (archive.Job, error) {
	item, err := txn.Get(key(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return archive.Job{}, fmt.Errorf("get %s: %w", jobID, archive.ErrNotFound)
	}
	if err != nil {
		return archive.Job{}, fmt.Errorf("read job: %w", err)
	}
	var job archive.Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return archive.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func put(txn *badger.Txn, job archive.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := txn.Set(key(job.ID), raw); err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	return nil
}
