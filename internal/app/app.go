// Package app builds the archiver's long-lived services from configuration
// and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/web-archiver/internal/api"
	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/artifact"
	"github.com/JakeFAU/web-archiver/internal/classifier"
	"github.com/JakeFAU/web-archiver/internal/clock/system"
	"github.com/JakeFAU/web-archiver/internal/config"
	"github.com/JakeFAU/web-archiver/internal/dispatcher"
	"github.com/JakeFAU/web-archiver/internal/id/uuid"
	"github.com/JakeFAU/web-archiver/internal/logging"
	"github.com/JakeFAU/web-archiver/internal/metrics"
	"github.com/JakeFAU/web-archiver/internal/orchestrator"
	"github.com/JakeFAU/web-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/web-archiver/internal/progress"
	progresssinks "github.com/JakeFAU/web-archiver/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/web-archiver/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/web-archiver/internal/publisher/nats"
	gcppublisher "github.com/JakeFAU/web-archiver/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/web-archiver/internal/queue/memory"
	"github.com/JakeFAU/web-archiver/internal/runner"
	"github.com/JakeFAU/web-archiver/internal/runner/docker"
	"github.com/JakeFAU/web-archiver/internal/runner/process"
	badgerstore "github.com/JakeFAU/web-archiver/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/web-archiver/internal/storage/gcs"
	localstorage "github.com/JakeFAU/web-archiver/internal/storage/local"
	memorystorage "github.com/JakeFAU/web-archiver/internal/storage/memory"
	pgstore "github.com/JakeFAU/web-archiver/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/web-archiver/internal/storage/sqlite"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store        archive.JobStore
	hub          *progress.Hub
	queue        *queuememory.Queue
	pool         *dispatcher.Dispatcher
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server

	gcsClient       *storage.Client
	dockerClient    *client.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	natsPublisher   *natspublisher.Publisher
	registerer      prometheus.Registerer
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegisterer sets where the progress collectors are registered
// (prometheus.DefaultRegisterer by default).
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	app := &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(app.logger)
	}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = app.Close(closeCtx)
		}
	}()

	metrics.Init()
	app.logger.Info("building application dependencies",
		zap.String("database", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("crawler", cfg.Crawl.Backend),
		zap.String("events", cfg.Events.Backend),
	)

	if app.store, err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	artifacts, err := artifact.NewManager(blobs, cfg.Storage.Prefix, app.logger)
	if err != nil {
		return nil, fmt.Errorf("artifact manager init failed: %w", err)
	}
	crawlRunner, err := app.setupRunner()
	if err != nil {
		return nil, err
	}
	publisher, topic, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if app.hub, err = app.setupProgress(ctx, publisher, topic); err != nil {
		return nil, err
	}

	var prober classifier.Prober
	if cfg.Classifier.Probe {
		prober = classifier.NewCollyProber(cfg.Classifier.UserAgent, cfg.Classifier.ProbeTimeout)
	}
	classify := classifier.New(classifier.Config{
		DynamicThreshold: cfg.Classifier.DynamicThreshold,
		ProbeTimeout:     cfg.Classifier.ProbeTimeout,
	}, prober, app.logger)

	var limiter orchestrator.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			PerHostRPS:   cfg.RateLimit.PerHostRPS,
			PerHostBurst: cfg.RateLimit.PerHostBurst,
		})
	}

	app.queue = queuememory.NewQueue(cfg.Crawl.QueueCapacity)
	app.orchestrator, err = orchestrator.New(orchestrator.Config{
		EnqueueTimeout:  cfg.Crawl.EnqueueTimeout,
		BacklogInterval: cfg.Crawl.BacklogInterval,
		FinalizeTimeout: cfg.Crawl.FinalizeTimeout,
		PurgeOnDelete:   cfg.Retention.PurgeOnDelete,
	}, orchestrator.Deps{
		Store:      app.store,
		Classifier: classify,
		Runner:     crawlRunner,
		Artifacts:  artifacts,
		Queue:      app.queue,
		Hub:        app.hub,
		Limiter:    limiter,
		Clock:      system.New(),
		IDs:        uuid.New(),
		Logger:     app.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	app.pool = dispatcher.NewPool(cfg.Crawl.MaxConcurrent, app.queue, app.orchestrator, app.logger.Named("worker"))

	app.apiServer = api.NewServer(app.orchestrator, api.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		PublicBaseURL:  cfg.Server.PublicBaseURL,
		KeepAlive:      cfg.Server.StreamKeepAlive,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, app.logger)

	return app, nil
}

// Handler returns the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the worker pool, recovers jobs left over from a previous run,
// then serves HTTP until ctx is cancelled or a termination signal arrives.
// Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers outlive ctx so that HTTP drains before in-flight crawls are
	// interrupted.
	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPool()
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.pool.Size()))
		a.pool.Run(poolCtx)
	}()
	backlogDone := make(chan struct{})
	go func() {
		defer close(backlogDone)
		a.orchestrator.RunBacklog(poolCtx)
	}()

	if err := a.orchestrator.Recover(ctx); err != nil {
		a.logger.Warn("job recovery incomplete", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv.RegisterOnShutdown(a.apiServer.CloseStreams)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	runErr := g.Wait()

	cancelPool()
	<-poolDone
	<-backlogDone
	a.logger.Info("dispatcher stopped")

	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// Close gracefully shuts down the application. The hub is closed first so its
// final batch still reaches the event publishers.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.queue != nil {
		a.queue.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.natsPublisher != nil {
		if err := a.natsPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("nats close: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("job store close: %w", err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.dockerClient != nil {
		if err := a.dockerClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("docker client close: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
	} else {
		a.logger.Info("shutdown complete")
	}
	// Sync fails on stdout/stderr on some platforms; nothing to do about it.
	_ = a.logger.Sync()
	return err
}

func (a *App) setupStore(ctx context.Context) (archive.JobStore, error) {
	db := a.cfg.Database
	switch db.Driver {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             db.DSN,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			Migrate:         db.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		a.logger.Info("using postgres job store")
		return store, nil
	case "badger":
		store, err := badgerstore.Open(db.DSN)
		if err != nil {
			return nil, fmt.Errorf("badger job store init failed: %w", err)
		}
		a.logger.Info("using badger job store", zap.String("dir", db.DSN))
		return store, nil
	case "memory":
		a.logger.Warn("using in-memory job store; jobs are lost on restart")
		return memorystorage.NewJobStore(), nil
	default:
		store, err := sqlitestore.Open(ctx, db.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite job store init failed: %w", err)
		}
		a.logger.Info("using sqlite job store", zap.String("path", db.DSN))
		return store, nil
	}
}

func (a *App) setupStorage(ctx context.Context) (archive.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		var err error
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Storage.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return blobs, nil
	case "memory":
		a.logger.Warn("using in-memory storage backend; archives are lost on restart")
		return memorystorage.NewBlobStore(), nil
	default:
		blobs, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	}
}

func (a *App) setupRunner() (*runner.Runner, error) {
	crawl := a.cfg.Crawl
	var backend archive.CrawlerBackend
	switch crawl.Backend {
	case "process":
		b, err := process.New(process.Config{
			Command:   crawl.Process.Command,
			Args:      crawl.Process.Args,
			Env:       crawl.Process.Env,
			StopGrace: crawl.Process.StopGrace,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("process backend init failed: %w", err)
		}
		a.logger.Info("using process crawl backend", zap.String("command", crawl.Process.Command))
		backend = b
	default:
		var err error
		a.dockerClient, err = docker.NewClient()
		if err != nil {
			return nil, fmt.Errorf("docker client init failed: %w", err)
		}
		b, err := docker.New(a.dockerClient, docker.Config{
			Image:     crawl.Docker.Image,
			Pull:      crawl.Docker.Pull,
			MemoryMB:  crawl.Docker.MemoryMB,
			StopGrace: crawl.Docker.StopGrace,
			ExtraArgs: crawl.Docker.ExtraArgs,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("docker backend init failed: %w", err)
		}
		a.logger.Info("using docker crawl backend", zap.String("image", crawl.Docker.Image))
		backend = b
	}

	r, err := runner.New(runner.Config{
		WorkDir:          crawl.WorkDir,
		Timeout:          crawl.Timeout,
		ProgressInterval: crawl.ProgressInterval,
		PageLimit:        crawl.PageLimit,
		Depth:            crawl.Depth,
	}, backend, a.logger)
	if err != nil {
		return nil, fmt.Errorf("crawl runner init failed: %w", err)
	}
	return r, nil
}

// setupPublisher returns the event bus for terminal job events and the topic
// to publish on. A nil publisher disables notifications.
func (a *App) setupPublisher(ctx context.Context) (archive.Publisher, string, error) {
	events := a.cfg.Events
	switch events.Backend {
	case "pubsub":
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, events.PubSub.ProjectID)
		if err != nil {
			return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = a.pubsubClient.Publisher(events.PubSub.Topic)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", events.PubSub.ProjectID),
			zap.String("topic", events.PubSub.Topic),
		)
		return gcppublisher.New(a.pubsubPublisher), events.PubSub.Topic, nil
	case "nats":
		var err error
		a.natsPublisher, err = natspublisher.Connect(events.NATS.URL, events.NATS.Subject, a.logger.Named("nats"))
		if err != nil {
			return nil, "", fmt.Errorf("nats publisher init failed: %w", err)
		}
		a.logger.Info("NATS publisher initialized", zap.String("subject", events.NATS.Subject))
		return a.natsPublisher, events.NATS.Subject, nil
	case "memory":
		a.logger.Info("using in-memory event publisher")
		return memorypublisher.New(), events.Topic, nil
	default:
		a.logger.Info("job event publishing disabled")
		return nil, "", nil
	}
}

func (a *App) setupProgress(ctx context.Context, publisher archive.Publisher, topic string) (*progress.Hub, error) {
	pcfg := a.cfg.Progress
	var sinkList []progress.Sink
	if pcfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if pcfg.MetricsEnabled {
		promSink, err := progresssinks.NewPrometheusSink(a.registerer)
		if err != nil {
			return nil, fmt.Errorf("progress metrics sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if publisher != nil {
		sinkList = append(sinkList, progresssinks.NewNotifySink(publisher, topic, a.logger.Named("progress_notify")))
	}

	hubCfg := progress.Config{
		SubscriberBuffer: pcfg.SubscriberBuffer,
		BufferSize:       pcfg.BufferSize,
		MaxBatchEvents:   pcfg.Batch.MaxEvents,
		MaxBatchWait:     pcfg.Batch.MaxWait,
		SinkTimeout:      pcfg.SinkTimeout,
		TerminalHistory:  pcfg.TerminalHistory,
		BaseContext:      context.WithoutCancel(ctx),
		Logger:           a.logger.Named("progress_hub"),
	}
	hub := progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return hub, nil
}
