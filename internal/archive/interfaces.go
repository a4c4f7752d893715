package archive

import (
	"context"
	"io"
	"time"
)

// JobStore persists job records. UpdateStatus is the only way to move a job
// between statuses apart from Delete, and it is a compare-and-set. Delete
// soft-deletes from any status, stamping completed_at with at when unset.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, jobID string) (Job, error)
	List(ctx context.Context, filter ListFilter) ([]Job, error)
	UpdateStatus(ctx context.Context, jobID string, expected, next Status, update Update) (Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress int) (bool, error)
	Delete(ctx context.Context, jobID string, at time.Time) (Status, error)
	Purge(ctx context.Context, jobID string) error
	Ping(ctx context.Context) error
	Close() error
}

// BlobStore writes and reads raw artifacts by object key.
type BlobStore interface {
	PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// CrawlSpec is everything a backend needs to run one crawl.
type CrawlSpec struct {
	JobID       string
	URL         string
	CrawlerType CrawlerType
	OutputDir   string
	Timeout     time.Duration
	Params      CrawlParams
	// OnOutput receives raw output lines from the crawl process. It may be nil.
	OnOutput func(line string)
}

// CrawlParams are the crawl bounds derived from the classification.
type CrawlParams struct {
	PageLimit int
	Depth     int
	ScopeType string
	Behaviors []string
}

// CrawlOutcome reports how the external crawl process ended.
type CrawlOutcome struct {
	ExitCode int
	LastLine string
	Duration time.Duration
}

// CrawlerBackend runs one external crawl. Implementations must release the
// process or container they start before returning, whatever the outcome.
type CrawlerBackend interface {
	RunCrawl(ctx context.Context, spec CrawlSpec) (CrawlOutcome, error)
}

// Publisher pushes job events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for scheduled executions.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Attempt   int
	Submitted time.Time
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
