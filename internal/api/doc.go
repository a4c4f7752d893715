// Package api hosts the HTTP server, middleware, and handlers for the archive
// service. Notable routes:
//   - POST /api/archive to submit a URL.
//   - GET /api/archives and /api/archives/{job_id} for job records.
//   - GET /api/progress (server-sent events) and /api/progress/ws (WebSocket)
//     for live job snapshots.
//   - GET /api/download/{job_id}/{filename} and /api/playback/{job_id} for
//     completed archives.
//   - POST /api/retry/{job_id}, DELETE /api/delete/{job_id} and
//     DELETE /api/purge/{job_id} for lifecycle control.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
