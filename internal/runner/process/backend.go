// Package process runs a local crawler command for each job.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/runner"
)

// Config names the command to run. Args may contain the placeholders
// {url}, {type}, {output}, {job_id}, {limit} and {depth}.
type Config struct {
	Command   string
	Args      []string
	Env       []string
	StopGrace time.Duration
}

// Backend implements archive.CrawlerBackend with os/exec.
type Backend struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and builds a Backend.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("crawl.process.command is required")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{cfg: cfg, logger: logger.Named("process")}, nil
}

// Expand substitutes spec values into args.
func Expand(args []string, spec archive.CrawlSpec) []string {
	r := strings.NewReplacer(
		"{url}", spec.URL,
		"{type}", string(spec.CrawlerType),
		"{output}", spec.OutputDir,
		"{job_id}", spec.JobID,
		"{limit}", strconv.Itoa(spec.Params.PageLimit),
		"{depth}", strconv.Itoa(spec.Params.Depth),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// RunCrawl starts the command in its own process group and waits for it.
// The group is killed once the command exits or ctx is cancelled, so
// background children never outlive the crawl.
func (b *Backend) RunCrawl(ctx context.Context, spec archive.CrawlSpec) (archive.CrawlOutcome, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, b.cfg.Command, Expand(b.cfg.Args, spec)...) //nolint:gosec // operator-configured command
	cmd.Dir = spec.OutputDir
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"ARCHIVER_JOB_ID="+spec.JobID,
		"ARCHIVER_URL="+spec.URL,
		"ARCHIVER_OUTPUT="+spec.OutputDir,
	)
	// An *os.File keeps Wait from blocking on children that inherited the
	// write end.
	pr, pw, err := os.Pipe()
	if err != nil {
		return archive.CrawlOutcome{}, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = b.cfg.StopGrace

	b.logger.Debug("starting crawl command", zap.String("job_id", spec.JobID), zap.String("command", b.cfg.Command))
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return archive.CrawlOutcome{Duration: time.Since(start)}, fmt.Errorf("start crawl command: %w", err)
	}
	_ = pw.Close()

	lines := runner.NewLineWriter(spec.OnOutput)
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = io.Copy(lines, pr)
	}()

	err = cmd.Wait()
	if killErr := reapProcessGroup(cmd); killErr != nil {
		b.logger.Warn("kill crawl process group", zap.String("job_id", spec.JobID), zap.Error(killErr))
	}
	select {
	case <-copied:
	case <-time.After(b.cfg.StopGrace):
		b.logger.Warn("crawl output still open after exit", zap.String("job_id", spec.JobID))
	}
	_ = pr.Close()
	<-copied
	lines.Flush()
	outcome := archive.CrawlOutcome{LastLine: lines.LastLine(), Duration: time.Since(start)}

	if ctx.Err() != nil {
		return outcome, fmt.Errorf("crawl command: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		outcome.ExitCode = exitErr.ExitCode()
		return outcome, nil
	}
	if err != nil {
		return outcome, fmt.Errorf("run crawl command: %w", err)
	}
	return outcome, nil
}
