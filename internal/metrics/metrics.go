// Package metrics exposes Prometheus collectors for the archiver service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobTransitionsTotal        *prometheus.CounterVec
	activeCrawls               prometheus.Gauge
	crawlDurationSeconds       *prometheus.HistogramVec
	artifactBytesTotal         prometheus.Counter
	submissionsRejectedTotal   *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_job_transitions_total",
				Help: "Job status transitions, labeled by the status entered.",
			},
			[]string{"status"},
		)

		activeCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_crawls",
				Help: "Number of external crawl processes currently running.",
			},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_crawl_duration_seconds",
				Help:    "Wall time of external crawls, labeled by crawler type and result.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"crawler_type", "result"},
		)

		artifactBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_artifact_bytes_total",
				Help: "Bytes of archive artifacts persisted to durable storage.",
			},
		)

		submissionsRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_submissions_rejected_total",
				Help: "Archive submissions rejected before a crawl was scheduled, labeled by reason.",
			},
			[]string{"reason"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the transition counter for the given status.
func ObserveJob(status string) {
	Init()
	jobTransitionsTotal.WithLabelValues(status).Inc()
}

// IncActiveCrawls increments the running crawl gauge.
func IncActiveCrawls() {
	Init()
	activeCrawls.Inc()
}

// DecActiveCrawls decrements the running crawl gauge.
func DecActiveCrawls() {
	Init()
	activeCrawls.Dec()
}

// ObserveCrawl records how long a crawl took and how it ended.
func ObserveCrawl(crawlerType, result string, duration time.Duration) {
	Init()
	crawlDurationSeconds.WithLabelValues(crawlerType, result).Observe(duration.Seconds())
}

// AddArtifactBytes counts persisted artifact bytes.
func AddArtifactBytes(n int64) {
	if n <= 0 {
		return
	}
	Init()
	artifactBytesTotal.Add(float64(n))
}

// ObserveRejectedSubmission counts a submission refused for reason.
func ObserveRejectedSubmission(reason string) {
	Init()
	submissionsRejectedTotal.WithLabelValues(reason).Inc()
}
