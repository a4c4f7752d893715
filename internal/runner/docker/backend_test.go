package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

type fakeClient struct {
	mu        sync.Mutex
	exitCode  int64
	logLines  []string
	blockWait bool
	createErr error

	pulled  []string
	created *container.Config
	host    *container.HostConfig
	stopped []string
	removed []string
}

func (f *fakeClient) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeClient) ContainerCreate(
	_ context.Context,
	cfg *container.Config,
	host *container.HostConfig,
	_ *network.NetworkingConfig,
	_ *ocispec.Platform,
	_ string,
) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.mu.Lock()
	f.created, f.host = cfg, host
	f.mu.Unlock()
	return container.CreateResponse{ID: "ctr-1"}, nil
}

func (f *fakeClient) ContainerStart(context.Context, string, container.StartOptions) error {
	if f.exitCode != 0 {
		return nil
	}
	dir := filepath.Join(f.host.Mounts[0].Source, "collections", "job-1")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "job-1.wacz"), []byte("wacz"), 0o600)
}

func (f *fakeClient) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	out := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	for _, line := range f.logLines {
		_, _ = out.Write([]byte(line + "\n"))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeClient) ContainerWait(
	ctx context.Context,
	_ string,
	_ container.WaitCondition,
) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.blockWait {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return statusCh, errCh
	}
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, errCh
}

func (f *fakeClient) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	if !opts.Force {
		return errors.New("expected forced removal")
	}
	f.mu.Lock()
	f.removed = append(f.removed, id)
	f.mu.Unlock()
	return nil
}

func crawlSpec(t *testing.T, onOutput func(string)) archive.CrawlSpec {
	t.Helper()
	return archive.CrawlSpec{
		JobID:       "job-1",
		URL:         "https://example.com",
		CrawlerType: archive.CrawlerDynamic,
		OutputDir:   t.TempDir(),
		Timeout:     time.Minute,
		Params: archive.CrawlParams{
			PageLimit: 50,
			Depth:     2,
			ScopeType: "prefix",
			Behaviors: []string{"autoscroll"},
		},
		OnOutput: onOutput,
	}
}

func TestRunCrawlSuccess(t *testing.T) {
	t.Parallel()

	fake := &fakeClient{logLines: []string{
		`{"context":"crawlStatus","details":{"crawled":1,"total":2}}`,
		"WACZ generation complete",
	}}
	backend, err := New(fake, Config{Pull: true, MemoryMB: 512}, zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	var lines []string
	spec := crawlSpec(t, func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	outcome, err := backend.RunCrawl(context.Background(), spec)
	require.NoError(t, err)
	assert.Zero(t, outcome.ExitCode)
	assert.Equal(t, "WACZ generation complete", outcome.LastLine)
	assert.FileExists(t, filepath.Join(spec.OutputDir, "collections", "job-1", "job-1.wacz"))

	assert.Equal(t, []string{DefaultImage}, fake.pulled)
	assert.Equal(t, DefaultImage, fake.created.Image)
	assert.Equal(t, "job-1", fake.created.Labels[jobLabel])
	assert.Equal(t, spec.OutputDir, fake.host.Mounts[0].Source)
	assert.Equal(t, mountTarget, fake.host.Mounts[0].Target)
	assert.Equal(t, int64(512*1024*1024), fake.host.Resources.Memory)
	assert.Equal(t, []string{"ctr-1"}, fake.stopped)
	assert.Equal(t, []string{"ctr-1"}, fake.removed)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, lines, 2)
}

func TestRunCrawlNonZeroExit(t *testing.T) {
	t.Parallel()

	fake := &fakeClient{exitCode: 17, logLines: []string{"Fatal: page load failed"}}
	backend, err := New(fake, Config{}, nil)
	require.NoError(t, err)

	outcome, err := backend.RunCrawl(context.Background(), crawlSpec(t, nil))
	require.NoError(t, err)
	assert.Equal(t, 17, outcome.ExitCode)
	assert.Equal(t, "Fatal: page load failed", outcome.LastLine)
	assert.Equal(t, []string{"ctr-1"}, fake.removed)
}

func TestRunCrawlCancelReleasesContainer(t *testing.T) {
	t.Parallel()

	fake := &fakeClient{blockWait: true}
	backend, err := New(fake, Config{StopGrace: time.Second}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := backend.RunCrawl(ctx, crawlSpec(t, nil))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("crawl did not stop after cancel")
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"ctr-1"}, fake.stopped)
	assert.Equal(t, []string{"ctr-1"}, fake.removed)
}

func TestRunCrawlCreateFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeClient{createErr: errors.New("no such image")}
	backend, err := New(fake, Config{}, nil)
	require.NoError(t, err)

	_, err = backend.RunCrawl(context.Background(), crawlSpec(t, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such image")
	assert.Empty(t, fake.removed)
}

func TestArgs(t *testing.T) {
	t.Parallel()

	args := Args(archive.CrawlSpec{
		JobID:   "job-1",
		URL:     "https://example.com",
		Timeout: 90 * time.Second,
		Params:  archive.CrawlParams{PageLimit: 1, ScopeType: "page"},
	}, []string{"--blockAds"})
	joined := strings.Join(args, " ")
	assert.True(t, strings.HasPrefix(joined, "crawl --url https://example.com --collection job-1 --generateWACZ"))
	assert.Contains(t, joined, "--scopeType page --limit 1")
	assert.Contains(t, joined, "--timeLimit 90")
	assert.NotContains(t, joined, "--depth")
	assert.NotContains(t, joined, "--behaviors")
	assert.Equal(t, "--blockAds", args[len(args)-1])
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{}, nil)
	require.Error(t, err)
}
