package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/id/uuid"
	"github.com/JakeFAU/web-archiver/internal/metrics"
	"github.com/JakeFAU/web-archiver/internal/progress"
)

const (
	maxJobLimit   = 500
	maxBodyBytes  = 1 << 20
	replayBaseURL = "https://replayweb.page/"
)

// Service is the job lifecycle the handlers drive.
type Service interface {
	Submit(ctx context.Context, rawURL string) (archive.Job, error)
	Get(ctx context.Context, jobID string) (archive.Job, error)
	List(ctx context.Context, filter archive.ListFilter) ([]archive.Job, error)
	Retry(ctx context.Context, jobID string) (archive.Job, error)
	Delete(ctx context.Context, jobID string) error
	Purge(ctx context.Context, jobID string) error
	OpenArtifact(ctx context.Context, jobID, filename string) (io.ReadCloser, archive.ObjectInfo, error)
	Subscribe(jobID string) *progress.Subscription
	Ping(ctx context.Context) error
}

// Config tunes HTTP behavior.
type Config struct {
	// RequestTimeout bounds non-streaming routes.
	RequestTimeout time.Duration
	// PublicBaseURL prefixes download links; derived from the request when empty.
	PublicBaseURL string
	// KeepAlive is the interval between stream keepalives.
	KeepAlive time.Duration
	// AllowedOrigins lists extra host patterns accepted for WebSocket
	// upgrades. Same-origin requests are always accepted.
	AllowedOrigins []string
}

// Server wires HTTP handlers to the job service.
type Server struct {
	router chi.Router
	svc    Service
	cfg    Config
	logger *zap.Logger

	// done ends live progress streams on shutdown.
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger.Named("api"),
		done:   make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Streams and downloads are long-lived; everything else is bounded.
		r.Get("/progress", s.streamEvents)
		r.Get("/progress/ws", s.streamWebSocket)
		r.Get("/download/{job_id}/{filename}", s.download)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/archive", s.submit)
			r.Get("/archives", s.listArchives)
			r.Get("/archives/{job_id}", s.getArchive)
			r.Get("/playback/{job_id}", s.playback)
			r.Post("/retry/{job_id}", s.retry)
			r.Delete("/delete/{job_id}", s.deleteJob)
			r.Delete("/purge/{job_id}", s.purge)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// CloseStreams ends every open progress stream. Register it with
// http.Server.RegisterOnShutdown, otherwise Shutdown waits on idle streams.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.svc.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URL string `json:"url"`
}

type submitResponse struct {
	JobID       string              `json:"job_id"`
	Status      archive.Status      `json:"status"`
	CrawlerType archive.CrawlerType `json:"crawler_type"`
	Reason      string              `json:"reason"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.svc.Submit(r.Context(), req.URL)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:       job.ID,
		Status:      job.Status,
		CrawlerType: job.CrawlerType,
		Reason:      job.CrawlerReason,
	})
}

func (s *Server) listArchives(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.svc.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := listResponse{Jobs: jobs}
	if filter.Limit > 0 && len(jobs) == filter.Limit {
		next := filter.Offset + len(jobs)
		resp.NextOffset = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// listResponse returns every matching job unless limit was given. A full
// page carries next_offset for the following request.
type listResponse struct {
	Jobs       []archive.Job `json:"jobs"`
	NextOffset *int          `json:"next_offset,omitempty"`
}

func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.svc.Get(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	filename := chi.URLParam(r, "filename")
	rc, info, err := s.svc.OpenArtifact(r.Context(), jobID, filename)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if !info.ModTime.IsZero() {
		w.Header().Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("artifact stream interrupted", zap.String("job_id", jobID), zap.Error(err))
	}
}

type playbackResponse struct {
	PlaybackURL string `json:"playback_url"`
	DownloadURL string `json:"download_url"`
}

func (s *Server) playback(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.svc.Get(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if job.Status != archive.StatusCompleted || job.Filename() == "" {
		writeError(w, http.StatusNotFound, "archive not found")
		return
	}
	download := s.baseURL(r) + "/api/download/" + url.PathEscape(job.ID) + "/" + url.PathEscape(job.Filename())
	writeJSON(w, http.StatusOK, playbackResponse{
		PlaybackURL: replayBaseURL + "?source=" + url.QueryEscape(download),
		DownloadURL: download,
	})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.svc.Retry(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": job.Status})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := s.svc.Delete(r.Context(), jobID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": archive.StatusDeleted})
}

func (s *Server) purge(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := s.svc.Purge(r.Context(), jobID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

// writeServiceError maps sentinel errors onto status codes. Unexpected errors
// are logged and reported without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, archive.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, archive.ErrNotFound), errors.Is(err, archive.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, archive.ErrConflict), errors.Is(err, archive.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, archive.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return "", false
	}
	return jobID, true
}

func parseListFilter(r *http.Request) (archive.ListFilter, error) {
	q := r.URL.Query()
	var filter archive.ListFilter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := archive.ParseStatus(part)
			if err != nil {
				return archive.ListFilter{}, errors.New("invalid status")
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return archive.ListFilter{}, errors.New("invalid limit")
		}
		filter.Limit = min(val, maxJobLimit)
	}
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return archive.ListFilter{}, errors.New("invalid offset")
		}
		filter.Offset = val
	}
	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
