package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/progress"
)

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	messages []JobEvent
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, payload.(JobEvent))
	return "msg-1", nil
}

func TestNotifySinkPublishesTerminalStatusChanges(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	sink := NewNotifySink(pub, "archive-jobs", nil)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	batch := []progress.Event{
		{Kind: progress.KindStatus, TS: ts, Job: archive.Job{ID: "job-1", Status: archive.StatusRunning}},
		{Kind: progress.KindProgress, TS: ts, Job: archive.Job{ID: "job-1", Status: archive.StatusRunning, Progress: 40}},
		{Kind: progress.KindStatus, TS: ts, Job: archive.Job{
			ID:          "job-1",
			URL:         "https://example.com",
			Status:      archive.StatusCompleted,
			ArchivePath: "file:///data/archives/job-1/archive-job-1.wacz",
			CrawlerType: archive.CrawlerStatic,
			Attempts:    1,
		}},
		{Kind: progress.KindStatus, TS: ts, Job: archive.Job{
			ID: "job-2", Status: archive.StatusFailed, FailureReason: "crawler exited with code 1",
		}},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Len(t, pub.messages, 2)
	assert.Equal(t, []string{"archive-jobs", "archive-jobs"}, pub.topics)

	done := pub.messages[0]
	assert.Equal(t, "job.completed", done.Type)
	assert.Equal(t, "https://example.com", done.URL)
	assert.Equal(t, "static", done.CrawlerType)
	assert.Equal(t, ts, done.OccurredAt)

	failed := pub.messages[1]
	assert.Equal(t, "job.failed", failed.Type)
	assert.Equal(t, "crawler exited with code 1", failed.FailureReason)
}

func TestNotifySinkJoinsPublishErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("bus down")
	sink := NewNotifySink(&fakePublisher{err: boom}, "t", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{Kind: progress.KindStatus, Job: archive.Job{ID: "job-1", Status: archive.StatusDeleted}},
		{Kind: progress.KindStatus, Job: archive.Job{ID: "job-2", Status: archive.StatusFailed}},
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "job-1")
	assert.Contains(t, err.Error(), "job-2")
}

func TestNotifySinkWithoutPublisher(t *testing.T) {
	t.Parallel()

	sink := NewNotifySink(nil, "t", nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Kind: progress.KindStatus, Job: archive.Job{ID: "job-1", Status: archive.StatusFailed}},
	}))
	require.NoError(t, sink.Close(context.Background()))
}
