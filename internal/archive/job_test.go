package archive

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "https", raw: "https://example.com", want: "https://example.com"},
		{name: "trims space", raw: "  http://example.com/a?b=c ", want: "http://example.com/a?b=c"},
		{name: "empty", raw: "   ", wantErr: true},
		{name: "no scheme", raw: "example.com", wantErr: true},
		{name: "ftp", raw: "ftp://example.com/file", wantErr: true},
		{name: "no host", raw: "https:///path", wantErr: true},
		{name: "malformed", raw: "http://[::1", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ValidateURL(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUpdateApplyCompletedAtSetOnce(t *testing.T) {
	t.Parallel()

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	job := Job{ID: "job-1", Status: StatusRunning}

	Update{CompletedAt: &first}.Apply(&job)
	Update{CompletedAt: &second}.Apply(&job)

	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, first, *job.CompletedAt)
}

func TestUpdateApplyResetClearsAttemptState(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	job := Job{
		ID:            "job-1",
		Progress:      40,
		StartedAt:     &now,
		CompletedAt:   &now,
		FailureReason: "boom",
		ArchivePath:   "file:///tmp/x",
		LocalPath:     "job-1/archive-job-1.wacz",
		Attempts:      1,
		CrawlerType:   CrawlerDynamic,
	}
	Update{Reset: true}.Apply(&job)

	assert.Zero(t, job.Progress)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Empty(t, job.FailureReason)
	assert.Empty(t, job.ArchivePath)
	assert.Empty(t, job.LocalPath)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, CrawlerDynamic, job.CrawlerType)
}

func TestListFilterMatches(t *testing.T) {
	t.Parallel()

	deleted := Job{Status: StatusDeleted}
	failed := Job{Status: StatusFailed}

	assert.False(t, ListFilter{}.Matches(deleted))
	assert.True(t, ListFilter{IncludeDeleted: true}.Matches(deleted))
	assert.True(t, ListFilter{Statuses: []Status{StatusDeleted}}.Matches(deleted))
	assert.True(t, ListFilter{}.Matches(failed))
	assert.False(t, ListFilter{Statuses: []Status{StatusCompleted}}.Matches(failed))
}

func TestConflictErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := NewConflict("job-1", StatusFailed, StatusRunning)
	assert.True(t, errors.Is(err, ErrConflict))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StatusRunning, conflict.Actual)
	assert.Contains(t, err.Error(), "expected status failed")
}

func TestJobFilename(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "archive-j.wacz", Job{LocalPath: "j/archive-j.wacz"}.Filename())
	assert.Empty(t, Job{}.Filename())
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	s, err := ParseStatus(" Completed ")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s)
	assert.True(t, s.Terminal())

	_, err = ParseStatus("crawling")
	assert.ErrorIs(t, err, ErrValidation)
}
