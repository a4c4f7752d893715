package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/progress"
)

// PrometheusSink exports job lifecycle metrics derived from the progress
// stream: jobs started, finished by result, currently running, and runtime.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec
	jobProgress  prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_progress_jobs_started_total",
			Help: "Total job attempts observed entering running.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_progress_jobs_finished_total",
			Help: "Total jobs observed reaching a terminal status, partitioned by status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archiver_progress_jobs_running",
			Help: "Jobs currently running according to the progress stream.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archiver_progress_job_runtime_seconds",
			Help:    "Wall time from start to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"status"}),
		jobProgress: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "archiver_progress_ticks",
			Help:    "Distribution of reported progress percentages.",
			Buckets: []float64{10, 25, 50, 70, 85, 95, 100},
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.jobProgress,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	job := evt.Job
	if job.Status == archive.StatusRunning {
		s.jobProgress.Observe(float64(job.Progress))
	}
	if evt.Kind != progress.KindStatus {
		return
	}
	switch {
	case job.Status == archive.StatusRunning:
		s.jobsStarted.Inc()
		if s.tracker.start(job.ID) {
			s.jobsRunning.Inc()
		}
	case job.Status.Terminal():
		s.jobsFinished.WithLabelValues(string(job.Status)).Inc()
		if job.StartedAt != nil && job.CompletedAt != nil {
			if d := job.CompletedAt.Sub(*job.StartedAt); d > 0 {
				s.jobRuntime.WithLabelValues(string(job.Status)).Observe(d.Seconds())
			}
		}
		if s.tracker.complete(job.ID) {
			s.jobsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
