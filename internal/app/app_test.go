package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/config"
	"github.com/JakeFAU/web-archiver/internal/logging"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:   config.ServerConfig{Port: 0, RequestTimeout: time.Second, ShutdownTimeout: time.Second},
		Logging:  logging.Config{Level: "error"},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: t.TempDir() + "/archives.db"},
		Storage:  config.StorageConfig{Backend: "memory", Prefix: "archives"},
		Crawl: config.CrawlConfig{
			Backend:       "process",
			Timeout:       time.Minute,
			MaxConcurrent: 1,
			QueueCapacity: 4,
			WorkDir:       t.TempDir(),
			PageLimit:     5,
			Depth:         1,
			Process:       config.ProcessConfig{Command: "true"},
		},
		Classifier: config.ClassifierConfig{DynamicThreshold: 2},
		Progress:   config.ProgressConfig{LogEnabled: true, MetricsEnabled: true},
		Events:     config.EventsConfig{Backend: "memory", Topic: "archive-jobs"},
	}
}

func TestBuildServesAPI(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())
}

func TestBuildFailsOnBadBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Crawl.Process.Command = ""
	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "process backend"))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
