package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/progress"
)

// JobEvent is the message published when a job reaches a terminal status.
type JobEvent struct {
	Type          string         `json:"type"`
	JobID         string         `json:"job_id"`
	URL           string         `json:"url"`
	Status        archive.Status `json:"status"`
	CrawlerType   string         `json:"crawler_type,omitempty"`
	ArchivePath   string         `json:"archive_path,omitempty"`
	ArchiveSize   int64          `json:"archive_size,omitempty"`
	ArchiveSHA256 string         `json:"archive_sha256,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Attempts      int            `json:"attempts"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// NewJobEvent builds the notification for a terminal snapshot.
func NewJobEvent(evt progress.Event) JobEvent {
	job := evt.Job
	return JobEvent{
		Type:          "job." + string(job.Status),
		JobID:         job.ID,
		URL:           job.URL,
		Status:        job.Status,
		CrawlerType:   string(job.CrawlerType),
		ArchivePath:   job.ArchivePath,
		ArchiveSize:   job.ArchiveSize,
		ArchiveSHA256: job.ArchiveSHA256,
		FailureReason: job.FailureReason,
		Attempts:      job.Attempts,
		CompletedAt:   job.CompletedAt,
		OccurredAt:    evt.TS,
	}
}

// NotifySink forwards terminal status changes to an external bus.
type NotifySink struct {
	publisher archive.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink wires a publisher to the sink interface.
func NewNotifySink(publisher archive.Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one JobEvent per terminal status change in the batch. A
// failed publish does not stop the rest of the batch; the errors are joined.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Kind != progress.KindStatus || !evt.Terminal() {
			continue
		}
		msg := NewJobEvent(evt)
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for job %s: %w", msg.Type, msg.JobID, err))
			continue
		}
		s.logger.Debug("job event published",
			zap.String("job_id", msg.JobID),
			zap.String("type", msg.Type),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
