//go:build unix

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

func shellBackend(t *testing.T, script string) *Backend {
	t.Helper()
	b, err := New(Config{Command: "/bin/sh", Args: []string{"-c", script}, StopGrace: time.Second}, zap.NewNop())
	require.NoError(t, err)
	return b
}

func spec(t *testing.T, onOutput func(string)) archive.CrawlSpec {
	t.Helper()
	return archive.CrawlSpec{
		JobID:       "job-1",
		URL:         "https://example.com",
		CrawlerType: archive.CrawlerStatic,
		OutputDir:   t.TempDir(),
		Params:      archive.CrawlParams{PageLimit: 1},
		OnOutput:    onOutput,
	}
}

func TestRunCrawlStreamsOutputAndWritesArchive(t *testing.T) {
	t.Parallel()

	b := shellBackend(t, `echo "1/2 pages"; echo "crawling {url} as {type}"; printf data > "{output}/{job_id}.wacz"`)
	var mu sync.Mutex
	var lines []string
	s := spec(t, func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	outcome, err := b.RunCrawl(context.Background(), s)
	require.NoError(t, err)
	assert.Zero(t, outcome.ExitCode)
	assert.Equal(t, "crawling https://example.com as static", outcome.LastLine)

	data, err := os.ReadFile(filepath.Join(s.OutputDir, "job-1.wacz"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1/2 pages", "crawling https://example.com as static"}, lines)
}

func TestRunCrawlReportsExitCode(t *testing.T) {
	t.Parallel()

	b := shellBackend(t, `echo "navigation failed" >&2; exit 3`)
	outcome, err := b.RunCrawl(context.Background(), spec(t, nil))
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.ExitCode)
	assert.Equal(t, "navigation failed", outcome.LastLine)
}

func TestRunCrawlCancelKillsProcessGroup(t *testing.T) {
	t.Parallel()

	b := shellBackend(t, `sleep 30 & sleep 30; wait`)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.RunCrawl(ctx, spec(t, nil))
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("process group was not killed")
	}
}

// processGone reports whether pid has exited. A zombie awaiting its
// reaper counts as gone.
func processGone(pid int) bool {
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err == nil {
		fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
		return len(fields) > 0 && fields[0] == "Z"
	}
	if _, statErr := os.Stat("/proc/self"); statErr == nil {
		return true
	}
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestRunCrawlKillsBackgroundChildrenOnExit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		exit     string
		wantCode int
	}{
		{name: "success", exit: "exit 0", wantCode: 0},
		{name: "failure", exit: "exit 4", wantCode: 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b := shellBackend(t, `sleep 30 & echo $! > "{output}/child.pid"; printf data > "{output}/{job_id}.wacz"; `+tc.exit)
			s := spec(t, nil)

			start := time.Now()
			outcome, err := b.RunCrawl(context.Background(), s)
			require.NoError(t, err)
			assert.Equal(t, tc.wantCode, outcome.ExitCode)
			assert.Less(t, time.Since(start), 10*time.Second)

			raw, err := os.ReadFile(filepath.Join(s.OutputDir, "child.pid"))
			require.NoError(t, err)
			pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			require.NoError(t, err)
			require.Eventually(t, func() bool { return processGone(pid) }, 5*time.Second, 10*time.Millisecond,
				"background child %d still running", pid)
		})
	}
}

func TestExpand(t *testing.T) {
	t.Parallel()

	got := Expand([]string{"--url={url}", "{output}/out", "{limit}:{depth}:{job_id}"}, archive.CrawlSpec{
		JobID:     "j",
		URL:       "https://a.test",
		OutputDir: "/tmp/w",
		Params:    archive.CrawlParams{PageLimit: 5, Depth: 2},
	})
	assert.Equal(t, []string{"--url=https://a.test", "/tmp/w/out", "5:2:j"}, got)
}

func TestNewRequiresCommand(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil)
	require.Error(t, err)
}
