package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, jobTransitionsTotal)
	before := testutil.ToFloat64(jobTransitionsTotal.WithLabelValues("completed"))
	ObserveJob("completed")
	assert.InDelta(t, before+1, testutil.ToFloat64(jobTransitionsTotal.WithLabelValues("completed")), 0.001)
}

func TestActiveCrawlsGauge(t *testing.T) {
	Init()
	base := testutil.ToFloat64(activeCrawls)
	IncActiveCrawls()
	IncActiveCrawls()
	DecActiveCrawls()
	assert.InDelta(t, base+1, testutil.ToFloat64(activeCrawls), 0.001)
	DecActiveCrawls()
}

func TestArtifactBytesIgnoresNonPositive(t *testing.T) {
	Init()
	base := testutil.ToFloat64(artifactBytesTotal)
	AddArtifactBytes(0)
	AddArtifactBytes(-5)
	AddArtifactBytes(10)
	assert.InDelta(t, base+10, testutil.ToFloat64(artifactBytesTotal), 0.001)
	ObserveCrawl("dynamic", "success", time.Second)
	ObserveRejectedSubmission("rate_limited")
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/archives/{jobID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives/abc", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")), 0.001)
}

func TestMiddlewareForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		_, _ = w.Write([]byte("data: x\n\n"))
		flusher.Flush()
	}))
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress", nil))
	assert.True(t, rec.Flushed)
}
