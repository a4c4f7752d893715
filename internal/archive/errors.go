package archive

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems. Callers wrap them with %w and
// inspect them with errors.Is.
var (
	ErrValidation     = errors.New("invalid request")
	ErrClassification = errors.New("classification failed")
	ErrCrawlExecution = errors.New("crawl failed")
	ErrStorage        = errors.New("artifact storage failed")
	ErrNotFound       = errors.New("job not found")
	ErrObjectNotFound = errors.New("object not found")
	ErrConflict       = errors.New("job status conflict")
	ErrAlreadyExists  = errors.New("job already exists")
	ErrRateLimited    = errors.New("submission rate limited")
)

// ConflictError reports a compare-and-set transition that found the job in
// an unexpected status.
type ConflictError struct {
	JobID    string
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: expected status %s, found %s", e.JobID, e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NewConflict builds a ConflictError.
func NewConflict(jobID string, expected, actual Status) error {
	return &ConflictError{JobID: jobID, Expected: expected, Actual: actual}
}
