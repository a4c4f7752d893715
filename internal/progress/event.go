package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// Kind tells whether an Event moved the job to a new status or only advanced
// its progress.
type Kind string

// Supported event kinds.
const (
	KindStatus   Kind = "status"
	KindProgress Kind = "progress"
)

// Event is one job snapshot delivered to subscribers and sinks.
type Event struct {
	Job  archive.Job
	Kind Kind
	// TS is when the hub accepted the snapshot.
	TS time.Time
}

// Terminal reports whether the snapshot ends the job's current attempt.
func (e Event) Terminal() bool {
	return e.Job.Status.Terminal()
}

// Validate performs coarse validation on a snapshot.
func Validate(job archive.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if !job.Status.Valid() {
		return fmt.Errorf("unknown status %q", job.Status)
	}
	if job.Progress < 0 || job.Progress > 100 {
		return fmt.Errorf("progress %d out of range", job.Progress)
	}
	return nil
}
