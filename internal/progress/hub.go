package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// Config controls buffering and batching for the Hub.
//   - SubscriberBuffer: per-subscriber channel size (default 64).
//   - BufferSize: size of the sink channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - TerminalHistory: terminal jobs remembered for ordering checks (default 1024).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	SubscriberBuffer int
	BufferSize       int
	MaxBatchEvents   int
	MaxBatchWait     time.Duration
	SinkTimeout      time.Duration
	TerminalHistory  int
	BaseContext      context.Context
	Logger           *zap.Logger
}

const (
	defaultSubscriberBuffer = 64
	defaultBufferSize       = 4096
	defaultMaxBatchEvents   = 1000
	defaultMaxBatchWait     = 500 * time.Millisecond
	defaultSinkTimeout      = 10 * time.Second
	defaultTerminalHistory  = 1024
	dropLogInterval         = 5 * time.Second
)

type jobState struct {
	status   archive.Status
	progress int
	seq      uint64 // retirement order, zero while live
}

type retiredRef struct {
	jobID string
	seq   uint64
}

// Hub fans job snapshots out to subscribers and batches them to sinks. It is
// safe for concurrent use by multiple goroutines and never blocks callers.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	droppedAll  atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context

	// mu orders admission and delivery so every subscriber sees a job's
	// snapshots in the order they were accepted.
	mu     sync.Mutex
	jobs   map[string]jobState
	subs   map[uint64]*Subscription
	nextID uint64

	// retired holds jobs whose last snapshot was terminal, evicted oldest
	// first once TerminalHistory is exceeded.
	retired    map[string]jobState
	retiredLog []retiredRef
	retiredSeq uint64
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.TerminalHistory <= 0 {
		cfg.TerminalHistory = defaultTerminalHistory
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		jobs:        make(map[string]jobState),
		retired:     make(map[string]jobState),
		subs:        make(map[uint64]*Subscription),
	}
	go h.run()
	return h
}

// Publish offers a job snapshot to subscribers and sinks. Running snapshots
// that would move a job's progress backwards, and running snapshots that
// arrive after the job reached a terminal status, are discarded. A pending
// snapshot starts the job's history afresh.
func (h *Hub) Publish(job archive.Job) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := Validate(job); err != nil {
		h.logger.Debug("discarding invalid progress snapshot", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return
	}
	kind, ok := h.admit(job)
	if !ok {
		return
	}
	evt := Event{Job: job, Kind: kind, TS: time.Now().UTC()}
	for id, sub := range h.subs {
		if sub.jobID != "" && sub.jobID != job.ID {
			continue
		}
		if sub.offer(evt) {
			h.noteDrop("progress subscriber lagging, oldest snapshot dropped")
		}
		if sub.jobID != "" && evt.Terminal() {
			sub.closeLocked()
			delete(h.subs, id)
		}
	}
	select {
	case h.events <- evt:
	default:
		h.noteDrop("progress events dropped due to backpressure")
	}
}

func (h *Hub) admit(job archive.Job) (Kind, bool) {
	last, seen := h.jobs[job.ID]
	if !seen {
		last, seen = h.retired[job.ID]
	}
	kind := KindStatus
	switch {
	case !seen || job.Status != last.status:
		if seen && last.status.Terminal() && job.Status == archive.StatusRunning {
			return "", false
		}
	case job.Progress <= last.progress:
		return "", false
	default:
		kind = KindProgress
	}
	state := jobState{status: job.Status, progress: job.Progress}
	if job.Status.Terminal() {
		delete(h.jobs, job.ID)
		h.retire(job.ID, state)
	} else {
		delete(h.retired, job.ID)
		h.jobs[job.ID] = state
	}
	return kind, true
}

// retire records a terminal job and evicts the oldest entries beyond
// TerminalHistory. Caller holds h.mu.
func (h *Hub) retire(jobID string, state jobState) {
	h.retiredSeq++
	state.seq = h.retiredSeq
	h.retired[jobID] = state
	h.retiredLog = append(h.retiredLog, retiredRef{jobID: jobID, seq: state.seq})
	for len(h.retired) > h.cfg.TerminalHistory && len(h.retiredLog) > 0 {
		ref := h.retiredLog[0]
		h.retiredLog = h.retiredLog[1:]
		if cur, ok := h.retired[ref.jobID]; ok && cur.seq == ref.seq {
			delete(h.retired, ref.jobID)
		}
	}
	if len(h.retiredLog) > 2*h.cfg.TerminalHistory {
		live := make([]retiredRef, 0, len(h.retired))
		for _, ref := range h.retiredLog {
			if cur, ok := h.retired[ref.jobID]; ok && cur.seq == ref.seq {
				live = append(live, ref)
			}
		}
		h.retiredLog = live
	}
}

// Forget drops the per-job history, typically once the job has been purged.
func (h *Hub) Forget(jobID string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	delete(h.jobs, jobID)
	delete(h.retired, jobID)
	h.mu.Unlock()
}

// Tracked returns how many jobs the hub holds history for, live and retired.
func (h *Hub) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs) + len(h.retired)
}

// Subscribe registers a live listener. An empty jobID receives every job;
// otherwise only that job's snapshots are delivered and the channel closes
// after its terminal snapshot. Callers must Close the subscription when done.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		hub:   h,
		jobID: jobID,
		ch:    make(chan Event, h.cfg.SubscriberBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		sub.closeLocked()
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	return sub
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many snapshots have been dropped since start, across
// subscribers and the sink buffer.
func (h *Hub) Dropped() int64 {
	return h.droppedAll.Load()
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closeLocked()
	delete(h.subs, sub.id)
}

func (h *Hub) noteDrop(msg string) {
	h.droppedAll.Add(1)
	h.dropped.Add(1)
	if h.dropLimiter.Allow(time.Now()) {
		count := h.dropped.Swap(0)
		h.logger.Warn(msg, zap.Int64("dropped", count))
	}
}

// Close ends every subscription, drains remaining events, flushes sinks, and
// blocks until the background goroutine exits. It is safe to call multiple
// times; subsequent calls are ignored once shutdown begins.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed.Store(true)
		for id, sub := range h.subs {
			sub.closeLocked()
			delete(h.subs, id)
		}
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-h.events:
			batch = h.enqueueEvent(batch, evt, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

func (h *Hub) enqueueEvent(batch []Event, evt Event, timer *time.Timer, timerActive *bool) []Event {
	batch = append(batch, evt)
	if len(batch) >= h.cfg.MaxBatchEvents {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else {
		h.resetTimer(timer, timerActive)
	}
	return batch
}

func (h *Hub) handleStop(batch []Event, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) resetTimer(timer *time.Timer, timerActive *bool) {
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(h.cfg.MaxBatchWait)
	*timerActive = true
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Event(nil), batch...)
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, copyBatch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// Subscription is a live stream of snapshots from a Hub.
type Subscription struct {
	hub    *Hub
	id     uint64
	jobID  string
	ch     chan Event
	closed bool // guarded by hub.mu
}

// Events returns the receive side of the stream. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// JobID returns the job the subscription is scoped to, or "" for all jobs.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// offer delivers evt without blocking, evicting the oldest buffered snapshot
// when the buffer is full. It reports whether a snapshot was evicted. The
// caller holds hub.mu, so it is the only sender.
func (s *Subscription) offer(evt Event) bool {
	select {
	case s.ch <- evt:
		return false
	default:
	}
	evicted := false
	select {
	case <-s.ch:
		evicted = true
	default:
	}
	s.ch <- evt
	return evicted
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
