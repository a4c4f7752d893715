package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. Status
// changes log at info, progress ticks at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.Job.ID),
			zap.String("status", string(evt.Job.Status)),
			zap.Int("progress", evt.Job.Progress),
			zap.Time("ts", evt.TS),
		}
		if evt.Kind == progress.KindProgress {
			s.logger.Debug("job progress", fields...)
			continue
		}
		if evt.Job.FailureReason != "" {
			fields = append(fields, zap.String("failure_reason", evt.Job.FailureReason))
		}
		s.logger.Info("job status", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
