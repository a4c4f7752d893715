// Package archive defines the core types shared by the archiving subsystems.
package archive

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Status represents the lifecycle state of an archive job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusDeleted:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further forward progress happens in s.
// Retry is the explicit exception for failed jobs.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeleted
}

// ParseStatus converts user input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

// CrawlerType names the crawl strategy chosen for a URL.
type CrawlerType string

// Supported crawler types.
const (
	CrawlerStatic  CrawlerType = "static"
	CrawlerDynamic CrawlerType = "dynamic"
	CrawlerUnknown CrawlerType = "unknown"
)

// Classification is the outcome of inspecting a URL before crawling.
type Classification struct {
	Type   CrawlerType `json:"crawler_type"`
	Reason string      `json:"reason"`
	Score  int         `json:"complexity_score"`
}

// Job is the durable record of one archive request.
type Job struct {
	ID              string      `json:"job_id"`
	URL             string      `json:"url"`
	Status          Status      `json:"status"`
	Progress        int         `json:"progress"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	ArchivePath     string      `json:"archive_path,omitempty"`
	LocalPath       string      `json:"local_path,omitempty"`
	ArchiveSize     int64       `json:"archive_size,omitempty"`
	ArchiveSHA256   string      `json:"archive_sha256,omitempty"`
	CrawlerType     CrawlerType `json:"crawler_type"`
	CrawlerReason   string      `json:"crawler_reason"`
	ComplexityScore int         `json:"complexity_score"`
	FailureReason   string      `json:"failure_reason,omitempty"`
	Attempts        int         `json:"attempts"`
}

// Filename returns the base name of the persisted artifact, if any.
func (j Job) Filename() string {
	if j.LocalPath == "" {
		return ""
	}
	idx := strings.LastIndex(j.LocalPath, "/")
	return j.LocalPath[idx+1:]
}

// Artifact describes a persisted archive file.
type Artifact struct {
	URI      string `json:"uri"`
	Key      string `json:"key"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// Update carries the optional field changes applied alongside a status
// transition. Nil fields are left untouched.
type Update struct {
	Progress    *int
	StartedAt   *time.Time
	CompletedAt *time.Time // only applied when the stored value is empty
	Artifact    *Artifact
	Reason      *string
	// IncAttempts bumps the attempt counter.
	IncAttempts bool
	// Reset clears progress, timestamps, artifact and reason for a new attempt.
	Reset bool
}

// Apply mutates job according to the update. Stores that keep documents in
// memory share this so every backend agrees on field semantics.
func (u Update) Apply(job *Job) {
	if u.Reset {
		job.Progress = 0
		job.StartedAt = nil
		job.CompletedAt = nil
		job.ArchivePath = ""
		job.LocalPath = ""
		job.ArchiveSize = 0
		job.ArchiveSHA256 = ""
		job.FailureReason = ""
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
	}
	if u.StartedAt != nil {
		job.StartedAt = pointerTime(*u.StartedAt)
	}
	if u.CompletedAt != nil && job.CompletedAt == nil {
		job.CompletedAt = pointerTime(*u.CompletedAt)
	}
	if u.Artifact != nil {
		job.ArchivePath = u.Artifact.URI
		job.LocalPath = u.Artifact.Key
		job.ArchiveSize = u.Artifact.Size
		job.ArchiveSHA256 = u.Artifact.SHA256
	}
	if u.Reason != nil {
		job.FailureReason = *u.Reason
	}
	if u.IncAttempts {
		job.Attempts++
	}
}

// ListFilter narrows job listings.
type ListFilter struct {
	Statuses       []Status
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Matches reports whether job passes the status portion of the filter.
func (f ListFilter) Matches(job Job) bool {
	if job.Status == StatusDeleted && !f.IncludeDeleted && !f.wants(StatusDeleted) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	return f.wants(job.Status)
}

func (f ListFilter) wants(s Status) bool {
	for _, candidate := range f.Statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ValidateURL checks that raw is an absolute http(s) URL with a host and
// returns its normalized form.
func ValidateURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: url is required", ErrValidation)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: malformed url: %v", ErrValidation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: url scheme must be http or https", ErrValidation)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: url host is required", ErrValidation)
	}
	return u.String(), nil
}

func pointerTime(t time.Time) *time.Time {
	return &t
}

// SortRecent orders jobs by creation time, most recent first, breaking ties
// by ID so listings are stable across backends.
func SortRecent(jobs []Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
}

// Window applies the filter's offset and limit to an already sorted slice.
func (f ListFilter) Window(jobs []Job) []Job {
	if f.Offset > 0 {
		if f.Offset >= len(jobs) {
			return []Job{}
		}
		jobs = jobs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(jobs) {
		jobs = jobs[:f.Limit]
	}
	return jobs
}
