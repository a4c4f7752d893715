// Package runner supervises one external crawl per job: it prepares the
// job's work directory, hands the crawl to a CrawlerBackend, turns crawl
// output into progress, and locates the produced archive.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// Progress milestones reported while a crawl runs.
const (
	ProgressStarted   = 10
	ProgressCrawlLow  = 25
	ProgressCrawlHigh = 85
	ProgressEstimate  = 70
)

// Reporter receives progress percentages. Calls are monotonic.
type Reporter func(progress int)

// Config controls crawl supervision.
type Config struct {
	WorkDir          string
	Timeout          time.Duration
	ProgressInterval time.Duration
	PageLimit        int
	Depth            int
}

// Result describes a successful crawl.
type Result struct {
	ArchivePath string
	WorkDir     string
	Outcome     archive.CrawlOutcome
}

// Runner executes crawls through a backend.
type Runner struct {
	cfg     Config
	backend archive.CrawlerBackend
	logger  *zap.Logger
}

// New validates cfg and builds a Runner.
func New(cfg Config, backend archive.CrawlerBackend, logger *zap.Logger) (*Runner, error) {
	if backend == nil {
		return nil, fmt.Errorf("crawler backend is required")
	}
	if strings.TrimSpace(cfg.WorkDir) == "" {
		return nil, fmt.Errorf("crawl work dir is required")
	}
	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	cfg.WorkDir = workDir
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 50
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, backend: backend, logger: logger.Named("runner")}, nil
}

// ParamsFor derives crawl bounds from the classification.
func ParamsFor(kind archive.CrawlerType, pageLimit, depth int) archive.CrawlParams {
	if kind == archive.CrawlerDynamic {
		return archive.CrawlParams{
			PageLimit: pageLimit,
			Depth:     depth,
			ScopeType: "prefix",
			Behaviors: []string{"autoscroll", "autoplay", "autofetch", "siteSpecific"},
		}
	}
	return archive.CrawlParams{PageLimit: 1, Depth: 0, ScopeType: "page"}
}

// WorkDir returns the directory owned by jobID.
func (r *Runner) WorkDir(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return filepath.Join(r.cfg.WorkDir, jobID), nil
}

// Run crawls job.URL and returns the archive it produced. Every failure,
// including timeout and cancellation, wraps archive.ErrCrawlExecution.
func (r *Runner) Run(ctx context.Context, job archive.Job, report Reporter) (Result, error) {
	dir, err := r.WorkDir(job.ID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", archive.ErrCrawlExecution, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return Result{}, fmt.Errorf("%w: clear work dir: %v", archive.ErrCrawlExecution, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Result{}, fmt.Errorf("%w: create work dir: %v", archive.ErrCrawlExecution, err)
	}

	tracker := newTracker(report)
	tracker.offer(ProgressStarted)

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	kind := job.CrawlerType
	if kind == "" || kind == archive.CrawlerUnknown {
		kind = archive.CrawlerStatic
	}
	spec := archive.CrawlSpec{
		JobID:       job.ID,
		URL:         job.URL,
		CrawlerType: kind,
		OutputDir:   dir,
		Timeout:     r.cfg.Timeout,
		Params:      ParamsFor(kind, r.cfg.PageLimit, r.cfg.Depth),
		OnOutput: func(line string) {
			if p, ok := ParseProgress(line); ok {
				tracker.observed()
				tracker.offer(p)
			}
		},
	}

	var wg sync.WaitGroup
	stopEstimate := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.estimate(tracker, stopEstimate)
	}()

	start := time.Now()
	r.logger.Info("crawl starting",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.String("crawler_type", string(kind)),
	)
	outcome, runErr := r.backend.RunCrawl(runCtx, spec)
	close(stopEstimate)
	wg.Wait()
	if outcome.Duration == 0 {
		outcome.Duration = time.Since(start)
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return Result{}, fmt.Errorf("%w: crawl timed out after %s", archive.ErrCrawlExecution, r.cfg.Timeout)
	case ctx.Err() != nil:
		return Result{}, fmt.Errorf("%w: crawl canceled: %w", archive.ErrCrawlExecution, ctx.Err())
	case runErr != nil:
		return Result{}, fmt.Errorf("%w: %w", archive.ErrCrawlExecution, runErr)
	case outcome.ExitCode != 0:
		msg := fmt.Sprintf("crawler exited with code %d", outcome.ExitCode)
		if outcome.LastLine != "" {
			msg += ": " + outcome.LastLine
		}
		return Result{}, fmt.Errorf("%w: %s", archive.ErrCrawlExecution, msg)
	}

	archivePath, err := LocateArchive(dir)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", archive.ErrCrawlExecution, err)
	}
	tracker.offer(ProgressCrawlHigh)
	r.logger.Info("crawl finished",
		zap.String("job_id", job.ID),
		zap.String("archive", archivePath),
		zap.Duration("duration", outcome.Duration),
	)
	return Result{ArchivePath: archivePath, WorkDir: dir, Outcome: outcome}, nil
}

// Cleanup removes the job's work directory.
func (r *Runner) Cleanup(jobID string) error {
	dir, err := r.WorkDir(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove work dir: %w", err)
	}
	return nil
}

// estimate ticks an elapsed-time progress guess until real crawl statistics
// arrive or stop is closed.
func (r *Runner) estimate(t *tracker, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.ProgressInterval)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if t.hasObserved() {
				continue
			}
			t.offer(EstimateProgress(time.Since(start), r.cfg.Timeout))
		}
	}
}

// EstimateProgress maps elapsed time onto the 10..70 band.
func EstimateProgress(elapsed, timeout time.Duration) int {
	if timeout <= 0 || elapsed <= 0 {
		return ProgressStarted
	}
	span := ProgressEstimate - ProgressStarted
	p := ProgressStarted + int(float64(span)*float64(elapsed)/float64(timeout))
	if p > ProgressEstimate {
		return ProgressEstimate
	}
	return p
}

type tracker struct {
	mu       sync.Mutex
	last     int
	seen     bool
	reporter Reporter
}

func newTracker(r Reporter) *tracker {
	return &tracker{reporter: r}
}

func (t *tracker) offer(p int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p <= t.last {
		return
	}
	t.last = p
	if t.reporter != nil {
		t.reporter(p)
	}
}

func (t *tracker) observed() {
	t.mu.Lock()
	t.seen = true
	t.mu.Unlock()
}

func (t *tracker) hasObserved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen
}
