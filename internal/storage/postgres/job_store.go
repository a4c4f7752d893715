// Package postgres provides the Postgres-backed job store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

const uniqueViolation = "23505"

// Schema creates the archive_jobs table when Migrate is enabled.
const Schema = `
CREATE TABLE IF NOT EXISTS archive_jobs (
	job_id           TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	status           TEXT NOT NULL,
	progress         INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	archive_path     TEXT NOT NULL DEFAULT '',
	local_path       TEXT NOT NULL DEFAULT '',
	archive_size     BIGINT NOT NULL DEFAULT 0,
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

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Migrate         bool
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// JobStore persists jobs in Postgres. Status transitions are single
// guarded UPDATE statements, so concurrent writers serialize on the row lock.
type JobStore struct {
	pool pool
}

// New connects to Postgres using cfg and optionally applies Schema.
func New(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &JobStore{pool: p}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: p}, nil
}

// Migrate applies Schema.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping verifies connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Create inserts a new job row.
func (s *JobStore) Create(ctx context.Context, job archive.Job) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO archive_jobs (`+columns+`) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)`,
		job.ID,
		job.URL,
		string(job.Status),
		job.Progress,
		job.CreatedAt.UTC(),
		job.StartedAt,
		job.CompletedAt,
		job.ArchivePath,
		job.LocalPath,
		job.ArchiveSize,
		job.ArchiveSHA256,
		string(job.CrawlerType),
		job.CrawlerReason,
		job.ComplexityScore,
		job.FailureReason,
		job.Attempts,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create %s: %w", job.ID, archive.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a single job.
func (s *JobStore) Get(ctx context.Context, jobID string) (archive.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM archive_jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Job{}, fmt.Errorf("get %s: %w", jobID, archive.ErrNotFound)
	}
	if err != nil {
		return archive.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs matching filter, most recent first.
func (s *JobStore) List(ctx context.Context, filter archive.ListFilter) ([]archive.Job, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.IncludeDeleted && !wantsDeleted(filter.Statuses) {
		args = append(args, string(archive.StatusDeleted))
		where = append(where, fmt.Sprintf("status <> $%d", len(args)))
	}
	query := `SELECT ` + columns + ` FROM archive_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []archive.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// updateStatusQuery mirrors archive.Update.Apply: reset first, then the
// explicit values, with completed_at only filled when empty.
const updateStatusQuery = `
UPDATE archive_jobs SET
	status = $3,
	progress = COALESCE($5::int, CASE WHEN $4::bool THEN 0 ELSE progress END),
	started_at = COALESCE($6::timestamptz, CASE WHEN $4::bool THEN NULL ELSE started_at END),
	completed_at = CASE WHEN $4::bool THEN $7::timestamptz ELSE COALESCE(completed_at, $7::timestamptz) END,
	archive_path = COALESCE($8::text, CASE WHEN $4::bool THEN '' ELSE archive_path END),
	local_path = COALESCE($9::text, CASE WHEN $4::bool THEN '' ELSE local_path END),
	archive_size = COALESCE($10::bigint, CASE WHEN $4::bool THEN 0 ELSE archive_size END),
	archive_sha256 = COALESCE($11::text, CASE WHEN $4::bool THEN '' ELSE archive_sha256 END),
	failure_reason = COALESCE($12::text, CASE WHEN $4::bool THEN '' ELSE failure_reason END),
	attempts = attempts + $13
WHERE job_id = $1 AND status = $2
RETURNING ` + columns

// UpdateStatus performs the compare-and-set transition expected -> next.
func (s *JobStore) UpdateStatus(
	ctx context.Context,
	jobID string,
	expected, next archive.Status,
	update archive.Update,
) (archive.Job, error) {
	var (
		archivePath, localPath, sha *string
		size                        *int64
	)
	if a := update.Artifact; a != nil {
		archivePath, localPath, sha, size = &a.URI, &a.Key, &a.SHA256, &a.Size
	}
	inc := 0
	if update.IncAttempts {
		inc = 1
	}
	job, err := scanJob(s.pool.QueryRow(ctx, updateStatusQuery,
		jobID,
		string(expected),
		string(next),
		update.Reset,
		update.Progress,
		utcPtr(update.StartedAt),
		utcPtr(update.CompletedAt),
		archivePath,
		localPath,
		size,
		sha,
		update.Reason,
		inc,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return archive.Job{}, fmt.Errorf("update job status: %w", err)
	}
	actual, err := s.status(ctx, jobID)
	if err != nil {
		return archive.Job{}, err
	}
	return archive.Job{}, archive.NewConflict(jobID, expected, actual)
}

// UpdateProgress raises the progress of a running job.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE archive_jobs SET progress = $2 WHERE job_id = $1 AND status = $3 AND progress < $2`,
		jobID, progress, string(archive.StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.status(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

// Delete soft-deletes a job from any status and returns the prior status.
func (s *JobStore) Delete(ctx context.Context, jobID string, at time.Time) (archive.Status, error) {
	var prev string
	err := s.pool.QueryRow(ctx, `
UPDATE archive_jobs AS j
SET status = $2, completed_at = COALESCE(j.completed_at, $3)
FROM (SELECT job_id, status FROM archive_jobs WHERE job_id = $1 FOR UPDATE) AS prev
WHERE j.job_id = prev.job_id
RETURNING prev.status`,
		jobID, string(archive.StatusDeleted), at.UTC(),
	).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("delete %s: %w", jobID, archive.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("soft delete job: %w", err)
	}
	return archive.Status(prev), nil
}

// Purge removes a soft-deleted job row.
func (s *JobStore) Purge(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM archive_jobs WHERE job_id = $1 AND status = $2`, jobID, string(archive.StatusDeleted))
	if err != nil {
		return fmt.Errorf("purge job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	actual, err := s.status(ctx, jobID)
	if err != nil {
		return err
	}
	return archive.NewConflict(jobID, archive.StatusDeleted, actual)
}

func (s *JobStore) status(ctx context.Context, jobID string) (archive.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM archive_jobs WHERE job_id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", jobID, archive.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read job status: %w", err)
	}
	return archive.Status(status), nil
}

func scanJob(row pgx.Row) (archive.Job, error) {
	var (
		job                 archive.Job
		status, crawlerType string
	)
	err := row.Scan(
		&job.ID,
		&job.URL,
		&status,
		&job.Progress,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ArchivePath,
		&job.LocalPath,
		&job.ArchiveSize,
		&job.ArchiveSHA256,
		&crawlerType,
		&job.CrawlerReason,
		&job.ComplexityScore,
		&job.FailureReason,
		&job.Attempts,
	)
	if err != nil {
		return archive.Job{}, err
	}
	job.Status = archive.Status(status)
	job.CrawlerType = archive.CrawlerType(crawlerType)
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = utcPtr(job.StartedAt)
	job.CompletedAt = utcPtr(job.CompletedAt)
	return job, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func wantsDeleted(statuses []archive.Status) bool {
	for _, s := range statuses {
		if s == archive.StatusDeleted {
			return true
		}
	}
	return false
}
