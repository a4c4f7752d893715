package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/id/uuid"
	"github.com/JakeFAU/web-archiver/internal/progress"
)

const (
	eventJobs = "jobs"
	eventJob  = "job"

	streamWriteTimeout = 10 * time.Second
)

// streamMessage is the WebSocket frame. Server-sent events carry the same
// payloads with the type as the event name.
type streamMessage struct {
	Type string        `json:"type"`
	Job  *archive.Job  `json:"job,omitempty"`
	Jobs []archive.Job `json:"jobs,omitempty"`
}

type stream struct {
	sub     *progress.Subscription
	initial streamMessage
	// last is the newest snapshot sent for a job-scoped stream.
	last *archive.Job
}

// openStream subscribes before reading current state so no transition
// between the two is lost.
func (s *Server) openStream(ctx context.Context, jobID string) (*stream, error) {
	if jobID != "" && !uuid.Valid(jobID) {
		return nil, fmt.Errorf("%w: invalid job_id", archive.ErrValidation)
	}
	sub := s.svc.Subscribe(jobID)
	if jobID == "" {
		jobs, err := s.svc.List(ctx, archive.ListFilter{})
		if err != nil {
			sub.Close()
			return nil, err
		}
		return &stream{sub: sub, initial: streamMessage{Type: eventJobs, Jobs: jobs}}, nil
	}
	job, err := s.svc.Get(ctx, jobID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	return &stream{
		sub:     sub,
		initial: streamMessage{Type: eventJob, Job: &job},
		last:    &job,
	}, nil
}

// finished reports whether a job-scoped stream has nothing left to send.
func (st *stream) finished() bool {
	return st.last != nil && st.last.Status.Terminal()
}

// accept filters snapshots that are no newer than what the client already
// has. Only job-scoped streams are filtered.
func (st *stream) accept(evt progress.Event) bool {
	if st.last == nil {
		return true
	}
	if st.last.Status.Terminal() {
		return false
	}
	if evt.Job.Status == st.last.Status && evt.Job.Progress <= st.last.Progress {
		return false
	}
	job := evt.Job
	st.last = &job
	return true
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	st, err := s.openStream(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer st.sub.Close()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var initial any = st.initial.Job
	if st.initial.Type == eventJobs {
		initial = map[string]any{"jobs": st.initial.Jobs}
	}
	if err := writeEvent(w, rc, st.initial.Type, initial); err != nil {
		return
	}
	if st.finished() {
		return
	}

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case evt, ok := <-st.sub.Events():
			if !ok {
				return
			}
			if !st.accept(evt) {
				continue
			}
			if err := writeEvent(w, rc, eventJob, evt.Job); err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(w io.Writer, rc *http.ResponseController, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("flush %s event: %w", event, err)
	}
	return nil
}

func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	st, err := s.openStream(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer st.sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "stream aborted") }()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if err := writeMessage(ctx, conn, st.initial); err != nil {
		return
	}
	if st.finished() {
		_ = conn.Close(websocket.StatusNormalClosure, "job finished")
		return
	}

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		case evt, ok := <-st.sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if !st.accept(evt) {
				continue
			}
			job := evt.Job
			if err := writeMessage(ctx, conn, streamMessage{Type: eventJob, Job: &job}); err != nil {
				s.logger.Debug("websocket stream closed", zap.Error(err))
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}
