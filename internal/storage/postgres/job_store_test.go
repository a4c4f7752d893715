package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

var created = time.Unix(1700000000, 0).UTC()

var jobColumns = []string{
	"job_id", "url", "status", "progress", "created_at", "started_at", "completed_at",
	"archive_path", "local_path", "archive_size", "archive_sha256",
	"crawler_type", "crawler_reason", "complexity_score", "failure_reason", "attempts",
}

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func jobRow(status archive.Status, started, completed *time.Time, attempts int) *pgxmock.Rows {
	return pgxmock.NewRows(jobColumns).AddRow(
		"job-1", "https://example.com", string(status), 0, created, started, completed,
		"", "", int64(0), "",
		"static", "static crawl (score: 0): no indicators", 0, "", attempts,
	)
}

func TestCreateInsertsRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	job := archive.Job{
		ID:              "job-1",
		URL:             "https://example.com",
		Status:          archive.StatusPending,
		CreatedAt:       created,
		CrawlerType:     archive.CrawlerStatic,
		CrawlerReason:   "static crawl (score: 0): no indicators",
		ComplexityScore: 0,
	}
	mock.ExpectExec("INSERT INTO archive_jobs").
		WithArgs(
			job.ID, job.URL, "pending", 0, created, job.StartedAt, job.CompletedAt,
			"", "", int64(0), "", "static", job.CrawlerReason, 0, "", 0,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicateMapsUniqueViolation(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO archive_jobs").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	err := store.Create(context.Background(), archive.Job{ID: "job-1", CreatedAt: created})
	require.ErrorIs(t, err, archive.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM archive_jobs WHERE job_id").
		WithArgs("job-1").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "job-1")
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusReturnsUpdatedRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	started := created.Add(time.Minute)
	mock.ExpectQuery("UPDATE archive_jobs SET").
		WithArgs(
			"job-1", "pending", "running", false,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			1,
		).
		WillReturnRows(jobRow(archive.StatusRunning, &started, (*time.Time)(nil), 1))

	job, err := store.UpdateStatus(context.Background(), "job-1",
		archive.StatusPending, archive.StatusRunning,
		archive.Update{StartedAt: &started, IncAttempts: true})
	require.NoError(t, err)
	assert.Equal(t, archive.StatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.StartedAt)
	assert.True(t, started.Equal(*job.StartedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusStaleReportsConflict(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE archive_jobs SET").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT status FROM archive_jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("deleted"))

	_, err := store.UpdateStatus(context.Background(), "job-1",
		archive.StatusRunning, archive.StatusCompleted, archive.Update{})
	require.ErrorIs(t, err, archive.ErrConflict)
	var conflict *archive.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, archive.StatusDeleted, conflict.Actual)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusMissingJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE archive_jobs SET").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT status FROM archive_jobs").WillReturnError(pgx.ErrNoRows)

	_, err := store.UpdateStatus(context.Background(), "job-1",
		archive.StatusPending, archive.StatusRunning, archive.Update{})
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgress(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE archive_jobs SET progress").
		WithArgs("job-1", 40, "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE archive_jobs SET progress").
		WithArgs("job-1", 30, "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM archive_jobs").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("running"))

	applied, err := store.UpdateProgress(context.Background(), "job-1", 40)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.UpdateProgress(context.Background(), "job-1", 30)
	require.NoError(t, err)
	assert.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteReturnsPreviousStatus(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	at := created.Add(time.Hour)
	mock.ExpectQuery("UPDATE archive_jobs AS j").
		WithArgs("job-1", "deleted", at).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectQuery("UPDATE archive_jobs AS j").
		WithArgs("job-2", "deleted", at).
		WillReturnError(pgx.ErrNoRows)

	prev, err := store.Delete(context.Background(), "job-1", at)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusRunning, prev)

	_, err = store.Delete(context.Background(), "job-2", at)
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeRequiresDeletedStatus(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM archive_jobs").
		WithArgs("job-1", "deleted").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("SELECT status FROM archive_jobs").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectExec("DELETE FROM archive_jobs").
		WithArgs("job-2", "deleted").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	err := store.Purge(context.Background(), "job-1")
	require.ErrorIs(t, err, archive.ErrConflict)
	require.NoError(t, store.Purge(context.Background(), "job-2"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBuildsFilteredQuery(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery(`status = ANY\(\$1\) AND status <> \$2 ORDER BY created_at DESC, job_id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs([]string{"running"}, "deleted", 10, 5).
		WillReturnRows(jobRow(archive.StatusRunning, (*time.Time)(nil), (*time.Time)(nil), 1))

	jobs, err := store.List(context.Background(), archive.ListFilter{
		Statuses: []archive.Status{archive.StatusRunning},
		Limit:    10,
		Offset:   5,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAndPing(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS archive_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewWithPool(nil)
	require.Error(t, err)
}
