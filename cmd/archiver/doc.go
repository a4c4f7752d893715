// Package main hosts the archiver service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts archive requests, lists and serves
//     archives, and streams live job snapshots over server-sent events or
//     WebSocket. Every handler delegates to the orchestrator.
//   - Orchestrator: internal/orchestrator validates and classifies a URL,
//     records a pending job, and enqueues it on a bounded in-memory queue.
//     When the queue is full the job stays pending in the store and a
//     backlog feeder queues it, oldest first, as slots free.
//     A fixed worker pool (crawl.max_concurrent) drains the queue; each worker
//     runs one crawl through the runner, persists the archive, and completes
//     or fails the job with compare-and-set status transitions.
//   - Crawling: internal/runner supervises one external crawl per job in a
//     per-job work directory, either as a browsertrix-crawler container
//     (Docker Engine API) or as a local process, and releases it whatever the
//     outcome.
//   - Persistence: job records live in sqlite (default), Postgres, Badger, or
//     memory. Archives are written to the local filesystem, GCS, or memory
//     under <prefix>/<job_id>/.
//   - Progress: internal/progress.Hub fans snapshots out to stream
//     subscribers and batches them to sinks (zap log, Prometheus collectors,
//     and an optional Pub/Sub or NATS publisher for terminal job events).
//
// Operational notes:
//   - Startup order: the worker pool and backlog feeder start, jobs
//     interrupted by a previous run are failed and pending jobs are
//     re-queued, then HTTP serves.
//   - Shutdown: SIGINT/SIGTERM drains HTTP (progress streams are ended), then
//     cancels in-flight crawls, which fail with "interrupted by shutdown",
//     then flushes the progress hub and closes stores and clients.
//   - Configuration: ARCHIVER_* environment variables (e.g.
//     ARCHIVER_CRAWL_MAX_CONCURRENT, ARCHIVER_DATABASE_DRIVER), an optional
//     .env file, and an optional config file passed with -config. PORT
//     overrides server.port.
//
// Run locally: go run ./cmd/archiver -config config.yaml
package main
