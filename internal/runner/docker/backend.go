// Package docker runs browsertrix-crawler containers through the Docker
// Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/runner"
)

// DefaultImage is the crawler image used when none is configured.
const DefaultImage = "webrecorder/browsertrix-crawler:latest"

const (
	mountTarget = "/crawls"
	jobLabel    = "web-archiver.job_id"
)

// Client is the subset of the Docker Engine API used by the backend.
type Client interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(
		ctx context.Context,
		config *container.Config,
		hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(
		ctx context.Context,
		containerID string,
		condition container.WaitCondition,
	) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Config controls the container backend.
type Config struct {
	Image     string
	Pull      bool
	MemoryMB  int64
	StopGrace time.Duration
	ExtraArgs []string
}

// Backend implements archive.CrawlerBackend with one container per crawl.
type Backend struct {
	client Client
	cfg    Config
	logger *zap.Logger
}

// NewClient connects to the Docker daemon described by the environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

// New builds a Backend.
func New(cli Client, cfg Config, logger *zap.Logger) (*Backend, error) {
	if cli == nil {
		return nil, fmt.Errorf("docker client is required")
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{client: cli, cfg: cfg, logger: logger.Named("docker")}, nil
}

// Args builds the browsertrix-crawler command line for spec.
func Args(spec archive.CrawlSpec, extra []string) []string {
	args := []string{
		"crawl",
		"--url", spec.URL,
		"--collection", spec.JobID,
		"--generateWACZ",
		"--text",
		"--workers", "1",
		"--logging", "stats",
		"--scopeType", spec.Params.ScopeType,
		"--limit", strconv.Itoa(spec.Params.PageLimit),
	}
	if spec.Params.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(spec.Params.Depth))
	}
	if len(spec.Params.Behaviors) > 0 {
		args = append(args, "--behaviors", strings.Join(spec.Params.Behaviors, ","))
	}
	if spec.Timeout > 0 {
		args = append(args, "--timeLimit", strconv.Itoa(int(spec.Timeout.Seconds())))
	}
	return append(args, extra...)
}

// RunCrawl creates, starts and supervises one crawler container. The
// container is stopped and force-removed on every path out.
func (b *Backend) RunCrawl(ctx context.Context, spec archive.CrawlSpec) (archive.CrawlOutcome, error) {
	start := time.Now()
	if b.cfg.Pull {
		if err := b.pull(ctx); err != nil {
			return archive.CrawlOutcome{}, err
		}
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.OutputDir,
			Target: mountTarget,
		}},
	}
	if b.cfg.MemoryMB > 0 {
		hostCfg.Resources = container.Resources{Memory: b.cfg.MemoryMB * 1024 * 1024}
	}
	created, err := b.client.ContainerCreate(ctx, &container.Config{
		Image:  b.cfg.Image,
		Cmd:    Args(spec, b.cfg.ExtraArgs),
		Labels: map[string]string{jobLabel: spec.JobID},
	}, hostCfg, nil, nil, "archiver-"+spec.JobID)
	if err != nil {
		return archive.CrawlOutcome{}, fmt.Errorf("create container: %w", err)
	}
	containerID := created.ID
	defer b.release(containerID, spec.JobID)

	if err := b.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return archive.CrawlOutcome{}, fmt.Errorf("start container: %w", err)
	}
	b.logger.Debug("container started", zap.String("job_id", spec.JobID), zap.String("container_id", containerID))

	lines := runner.NewLineWriter(spec.OnOutput)
	logsDone := make(chan struct{})
	logs, err := b.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		b.logger.Warn("container logs unavailable", zap.String("job_id", spec.JobID), zap.Error(err))
		close(logsDone)
	} else {
		defer func() { _ = logs.Close() }()
		go func() {
			defer close(logsDone)
			if _, err := stdcopy.StdCopy(lines, lines, logs); err != nil && ctx.Err() == nil {
				b.logger.Debug("container log stream ended", zap.String("job_id", spec.JobID), zap.Error(err))
			}
		}()
	}

	statusCh, errCh := b.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case <-ctx.Done():
		return archive.CrawlOutcome{}, fmt.Errorf("wait container: %w", ctx.Err())
	case err := <-errCh:
		if ctx.Err() != nil {
			return archive.CrawlOutcome{}, fmt.Errorf("wait container: %w", ctx.Err())
		}
		return archive.CrawlOutcome{}, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return archive.CrawlOutcome{}, fmt.Errorf("wait container: %s", status.Error.Message)
		}
		exitCode = int(status.StatusCode)
	}

	select {
	case <-logsDone:
	case <-time.After(2 * time.Second):
	}
	lines.Flush()
	return archive.CrawlOutcome{
		ExitCode: exitCode,
		LastLine: lines.LastLine(),
		Duration: time.Since(start),
	}, nil
}

func (b *Backend) pull(ctx context.Context) error {
	rc, err := b.client.ImagePull(ctx, b.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", b.cfg.Image, err)
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", b.cfg.Image, err)
	}
	return nil
}

// release runs on a fresh context so a canceled crawl still tears down its
// container.
func (b *Backend) release(containerID, jobID string) {
	grace := int(b.cfg.StopGrace.Seconds())
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StopGrace+30*time.Second)
	defer cancel()
	if err := b.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
		b.logger.Debug("stop container", zap.String("job_id", jobID), zap.Error(err))
	}
	if err := b.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		b.logger.Warn("remove container failed",
			zap.String("job_id", jobID),
			zap.String("container_id", containerID),
			zap.Error(err),
		)
	}
}
