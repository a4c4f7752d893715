// Package sqlite implements archive.JobStore on a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

const schema = `
CREATE TABLE IF NOT EXISTS archive_jobs (
	job_id           TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	status           TEXT NOT NULL,
	progress         INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	started_at       INTEGER,
	completed_at     INTEGER,
	archive_path     TEXT NOT NULL DEFAULT '',
	local_path       TEXT NOT NULL DEFAULT '',
	archive_size     INTEGER NOT NULL DEFAULT 0,
	archive_sha256   TEXT NOT NULL DEFAULT '',
	crawler_type     TEXT NOT NULL DEFAULT '',
	crawler_reason   TEXT NOT NULL DEFAULT '',
	complexity_score INTEGER NOT NULL DEFAULT 0,
	failure_reason   TEXT NOT NULL DEFAULT '',
	attempts         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS archive_jobs_created_idx ON archive_jobs (created_at DESC, job_id DESC);
CREATE INDEX IF NOT EXISTS archive_jobs_status_idx ON archive_jobs (status);
`

const columns = `job_id, url, status, progress, created_at, started_at, completed_at,
	archive_path, local_path, archive_size, archive_sha256,
	crawler_type, crawler_reason, complexity_score, failure_reason, attempts`

// JobStore persists jobs in the archive_jobs table. Times are stored as
// unix microseconds so ordering by created_at is numeric.
type JobStore struct {
	db *sql.DB
}

// Open creates the database file (and its directory) when missing and
// migrates the schema.
func Open(ctx context.Context, path string) (*JobStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers inside the process; the busy
	// timeout covers other processes sharing the file.
	db.SetMaxOpenConns(1)
	store := &JobStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *JobStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *JobStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Create inserts a new job.
func (s *JobStore) Create(ctx context.Context, job archive.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archive_jobs (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rowArgs(job)...,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("create %s: %w", job.ID, archive.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, jobID string) (archive.Job, error) {
	return getJob(ctx, s.db, jobID)
}

// List returns jobs matching filter, most recent first.
func (s *JobStore) List(ctx context.Context, filter archive.ListFilter) ([]archive.Job, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.IncludeDeleted && !containsStatus(filter.Statuses, archive.StatusDeleted) {
		where = append(where, "status <> ?")
		args = append(args, string(archive.StatusDeleted))
	}
	query := `SELECT ` + columns + ` FROM archive_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id DESC"
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := []archive.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// UpdateStatus moves a job from expected to next inside a write
// transaction; the UPDATE repeats the status guard and its RowsAffected
// decides the outcome.
func (s *JobStore) UpdateStatus(
	ctx context.Context,
	jobID string,
	expected, next archive.Status,
	update archive.Update,
) (archive.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return archive.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getJob(ctx, tx, jobID)
	if err != nil {
		return archive.Job{}, err
	}
	if job.Status != expected {
		return archive.Job{}, archive.NewConflict(jobID, expected, job.Status)
	}
	job.Status = next
	update.Apply(&job)

	res, err := tx.ExecContext(ctx, `UPDATE archive_jobs SET
		status = ?, progress = ?, started_at = ?, completed_at = ?,
		archive_path = ?, local_path = ?, archive_size = ?, archive_sha256 = ?,
		failure_reason = ?, attempts = ?
		WHERE job_id = ? AND status = ?`,
		string(job.Status), job.Progress, toMicros(job.StartedAt), toMicros(job.CompletedAt),
		job.ArchivePath, job.LocalPath, job.ArchiveSize, job.ArchiveSHA256,
		job.FailureReason, job.Attempts,
		jobID, string(expected),
	)
	if err != nil {
		return archive.Job{}, fmt.Errorf("update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return archive.Job{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return archive.Job{}, archive.NewConflict(jobID, expected, job.Status)
	}
	if err := tx.Commit(); err != nil {
		return archive.Job{}, fmt.Errorf("commit status update: %w", err)
	}
	return job, nil
}

// UpdateProgress raises the progress of a running job.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE archive_jobs SET progress = ? WHERE job_id = ? AND status = ? AND progress < ?`,
		progress, jobID, string(archive.StatusRunning), progress,
	)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

// Delete soft-deletes a job and reports the status it had before.
func (s *JobStore) Delete(ctx context.Context, jobID string, at time.Time) (archive.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getJob(ctx, tx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status == archive.StatusDeleted {
		return job.Status, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE archive_jobs SET status = ?, completed_at = COALESCE(completed_at, ?) WHERE job_id = ?`,
		string(archive.StatusDeleted), at.UTC().UnixMicro(), jobID,
	); err != nil {
		return "", fmt.Errorf("soft delete job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit delete: %w", err)
	}
	return job.Status, nil
}

// Purge removes a deleted job record.
func (s *JobStore) Purge(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM archive_jobs WHERE job_id = ? AND status = ?`, jobID, string(archive.StatusDeleted))
	if err != nil {
		return fmt.Errorf("purge job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return archive.NewConflict(jobID, archive.StatusDeleted, job.Status)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getJob(ctx context.Context, q queryer, jobID string) (archive.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+columns+` FROM archive_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.Job{}, fmt.Errorf("get %s: %w", jobID, archive.ErrNotFound)
	}
	return job, err
}

func scanJob(row scanner) (archive.Job, error) {
	var (
		job                    archive.Job
		status, crawlerType    string
		createdAt              int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.URL, &status, &job.Progress, &createdAt, &startedAt, &completedAt,
		&job.ArchivePath, &job.LocalPath, &job.ArchiveSize, &job.ArchiveSHA256,
		&crawlerType, &job.CrawlerReason, &job.ComplexityScore, &job.FailureReason, &job.Attempts,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return archive.Job{}, err
		}
		return archive.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = archive.Status(status)
	job.CrawlerType = archive.CrawlerType(crawlerType)
	job.CreatedAt = time.UnixMicro(createdAt).UTC()
	job.StartedAt = fromMicros(startedAt)
	job.CompletedAt = fromMicros(completedAt)
	return job, nil
}

func rowArgs(job archive.Job) []any {
	return []any{
		job.ID, job.URL, string(job.Status), job.Progress, job.CreatedAt.UTC().UnixMicro(),
		toMicros(job.StartedAt), toMicros(job.CompletedAt),
		job.ArchivePath, job.LocalPath, job.ArchiveSize, job.ArchiveSHA256,
		string(job.CrawlerType), job.CrawlerReason, job.ComplexityScore, job.FailureReason, job.Attempts,
	}
}

func toMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMicro(), Valid: true}
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func containsStatus(statuses []archive.Status, want archive.Status) bool {
	for _, s := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
