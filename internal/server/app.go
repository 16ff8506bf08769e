// Package server provides the archiver process: dependency wiring and the
// Run/Close lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/api"
	"github.com/JakeFAU/readlater-archiver/internal/archive"
	"github.com/JakeFAU/readlater-archiver/internal/browser"
	"github.com/JakeFAU/readlater-archiver/internal/capture"
	"github.com/JakeFAU/readlater-archiver/internal/clock/system"
	"github.com/JakeFAU/readlater-archiver/internal/config"
	"github.com/JakeFAU/readlater-archiver/internal/events"
	"github.com/JakeFAU/readlater-archiver/internal/events/sinks"
	"github.com/JakeFAU/readlater-archiver/internal/hash/sha256"
	"github.com/JakeFAU/readlater-archiver/internal/id/uuid"
	"github.com/JakeFAU/readlater-archiver/internal/logging"
	"github.com/JakeFAU/readlater-archiver/internal/metrics"
	memorypublisher "github.com/JakeFAU/readlater-archiver/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/readlater-archiver/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/readlater-archiver/internal/queue/memory"
	"github.com/JakeFAU/readlater-archiver/internal/scheduler"
	"github.com/JakeFAU/readlater-archiver/internal/service"
	gcsstorage "github.com/JakeFAU/readlater-archiver/internal/storage/gcs"
	localstorage "github.com/JakeFAU/readlater-archiver/internal/storage/local"
	memorystorage "github.com/JakeFAU/readlater-archiver/internal/storage/memory"
	pgstore "github.com/JakeFAU/readlater-archiver/internal/storage/postgres"
	s3storage "github.com/JakeFAU/readlater-archiver/internal/storage/s3"
	sqlitestore "github.com/JakeFAU/readlater-archiver/internal/storage/sqlite"
	"github.com/JakeFAU/readlater-archiver/internal/telemetry"
)

const (
	shutdownTimeout      = 10 * time.Second
	defaultEventsTopic   = "archive-events"
	memoryEventRetention = 1000
)

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	clock          archive.Clock
	items          archive.ItemStore
	blobs          archive.BlobStore
	gcsClient      *storage.Client
	pubsub         *pubsubpublisher.Publisher
	hub            *events.Hub
	stream         *sinks.StreamSink
	pool           *browser.Pool
	queue          *queuememory.Queue
	scheduler      *scheduler.Scheduler
	service        *service.Service
	apiServer      *api.Server
	tracerShutdown func(context.Context) error
	registerer     prometheus.Registerer

	ready     atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option customizes an App before its dependencies are built.
type Option func(*App)

// WithRegisterer registers lifecycle collectors against reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// NewApp creates an App shell for cfg. Build fills in the dependencies.
func NewApp(cfg config.Config, logger *zap.Logger, opts ...Option) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields are logged.
	type sanitizedConfig struct {
		ServerPort      int    `json:"server_port"`
		StorageBackend  string `json:"storage_backend"`
		DatabaseBackend string `json:"database_backend"`
		Concurrency     int    `json:"capture_concurrency"`
		AuthEnabled     bool   `json:"auth_enabled"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort:      cfg.Server.Port,
		StorageBackend:  cfg.Storage.Backend,
		DatabaseBackend: cfg.Database.Backend,
		Concurrency:     cfg.Capture.Concurrency,
		AuthEnabled:     cfg.Auth.Enabled,
	}))
	app := &App{cfg: cfg, logger: logger, clock: system.New(), registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

// Build creates the application's dependencies. Nothing runs until Run or
// Drain is called.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	app := NewApp(cfg, logger, opts...)
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.ServiceName, "")
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	a.logger.Info("building application dependencies")
	if a.blobs, err = a.setupStorage(ctx); err != nil {
		return err
	}
	if a.items, err = OpenItemStore(ctx, a.cfg.Database, a.clock, a.logger); err != nil {
		return err
	}
	publisher, topic, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	if err := a.setupEvents(ctx, publisher, topic); err != nil {
		return err
	}
	capturer, launcher, err := a.setupCapture()
	if err != nil {
		return err
	}
	if a.pool, err = browser.NewPool(a.cfg.Capture.Concurrency, launcher, a.logger.Named("browser")); err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}

	a.queue = queuememory.NewQueue()
	a.scheduler, err = scheduler.New(scheduler.Config{
		Concurrency:       a.cfg.Capture.Concurrency,
		CaptureTimeout:    a.cfg.Capture.Budget(),
		WriteTimeout:      a.cfg.Scheduler.WriteTimeout(),
		StaleAfter:        a.cfg.Scheduler.StaleAfter(),
		ReconcileBatch:    a.cfg.Scheduler.ReconcileBatch,
		ReconcileInterval: a.cfg.Scheduler.ReconcileInterval(),
		DomainQPS:         a.cfg.Capture.DomainQPS,
		Prefix:            a.cfg.Storage.Prefix,
	}, a.queue, a.pool, capturer, a.items, a.blobs, a.hub, a.clock, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	a.logger.Info("scheduler config",
		zap.Int("concurrency", a.cfg.Capture.Concurrency),
		zap.Duration("capture_timeout", a.cfg.Capture.Budget()),
		zap.Duration("write_timeout", a.cfg.Scheduler.WriteTimeout()),
		zap.Duration("stale_after", a.cfg.Scheduler.StaleAfter()),
		zap.Duration("reconcile_interval", a.cfg.Scheduler.ReconcileInterval()),
		zap.Float64("domain_qps", a.cfg.Capture.DomainQPS),
	)

	a.service, err = service.New(service.Config{
		Prefix:     a.cfg.Storage.Prefix,
		MaxBulkIDs: a.cfg.API.MaxBulkIDs,
	}, a.items, a.blobs, a.scheduler, uuid.New(), a.clock, a.hub, a.logger.Named("service"))
	if err != nil {
		return fmt.Errorf("service init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.service, a.stream, api.Config{
		RequestTimeout: a.cfg.Server.RequestTimeout(),
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
		OwnerHeader:    a.cfg.Auth.OwnerHeader,
		AllowedOrigins: a.cfg.API.AllowedOrigins,
		StreamBuffer:   a.cfg.Events.StreamBuffer,
		Ready:          a.readiness,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (archive.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Debug("GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return blobs, nil
	case "s3":
		a.logger.Info("using S3 storage backend")
		s3cfg := a.cfg.Storage.S3
		blobs, err := s3storage.New(ctx, s3storage.Config{
			Bucket:       s3cfg.Bucket,
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			AccessKey:    s3cfg.AccessKey,
			SecretKey:    s3cfg.SecretKey,
			UsePathStyle: s3cfg.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.logger.Debug("S3 storage backend", zap.String("bucket", s3cfg.Bucket), zap.String("endpoint", s3cfg.Endpoint))
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend")
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

// OpenItemStore connects the configured item store. The sqlite store is
// migrated on open; Postgres schemas are applied by Migrate.
func OpenItemStore(ctx context.Context, cfg config.DatabaseConfig, clock archive.Clock, logger *zap.Logger) (archive.ItemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "postgres":
		store, err := pgstore.NewItemStore(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			Table:           cfg.Table,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime(),
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("postgres item store init failed: %w", err)
		}
		logger.Info("postgres item store initialized", zap.String("table", cfg.Table))
		return store, nil
	case "sqlite":
		store, err := sqlitestore.NewItemStore(sqlitestore.Config{Path: cfg.SQLitePath, Table: cfg.Table}, clock)
		if err != nil {
			return nil, fmt.Errorf("sqlite item store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
		logger.Info("sqlite item store initialized", zap.String("path", cfg.SQLitePath), zap.String("table", cfg.Table))
		return store, nil
	default:
		logger.Warn("using in-memory item store; archive items will not survive a restart")
		return memorystorage.NewItemStore(clock), nil
	}
}

// Migrate applies the item store schema when the backend has one.
func Migrate(ctx context.Context, store archive.ItemStore) (bool, error) {
	migrator, ok := store.(interface {
		EnsureSchema(ctx context.Context) error
	})
	if !ok {
		return false, nil
	}
	if err := migrator.EnsureSchema(ctx); err != nil {
		return true, err
	}
	return true, nil
}

func (a *App) setupPublisher(ctx context.Context) (archive.Publisher, string, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.NewWithLimit(memoryEventRetention), defaultEventsTopic, nil
	}
	publisher, err := pubsubpublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsub = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, a.cfg.PubSub.TopicName, nil
}

func (a *App) setupEvents(ctx context.Context, publisher archive.Publisher, topic string) error {
	a.stream = sinks.NewStreamSink()
	sinkList := []events.Sink{a.stream}

	promSink, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	pubSink, err := sinks.NewPublisherSink(publisher, topic, a.logger.Named("events_publisher"))
	if err != nil {
		return fmt.Errorf("publisher sink init failed: %w", err)
	}
	sinkList = append(sinkList, pubSink)

	if a.cfg.Events.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events_log")))
		a.logger.Debug("added event log sink")
	}

	hubCfg := events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait(),
		TerminalGrace:  a.cfg.Events.TerminalGrace(),
		SinkTimeout:    a.cfg.Events.SinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("events_hub"),
	}
	a.hub = events.NewHub(hubCfg, sinkList...)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func (a *App) setupCapture() (archive.Capturer, browser.Launcher, error) {
	if !a.cfg.Capture.Enabled {
		a.logger.Warn("browser capture disabled; new items will fail")
		return capture.NewNoop(), detachedLauncher, nil
	}
	c := a.cfg.Capture
	launcher := browser.NewChromeLauncher(browser.ChromeConfig{
		ExecPath:      a.cfg.Browser.ExecPath,
		Headless:      a.cfg.Browser.Headless,
		NoSandbox:     a.cfg.Browser.NoSandbox,
		WindowWidth:   c.ViewportWidth,
		WindowHeight:  c.ViewportHeight,
		UserAgent:     c.UserAgent,
		LaunchTimeout: a.cfg.Browser.LaunchTimeout(),
	})
	renderer := capture.NewChromedpRenderer(capture.RendererConfig{
		NavigationTimeout: c.NavigationTimeout(),
		SettleTimeout:     c.SettleTimeout(),
		SettleQuiet:       c.SettleQuiet(),
		StepTimeout:       c.StepTimeout(),
		ViewportWidth:     c.ViewportWidth,
		ViewportHeight:    c.ViewportHeight,
		UserAgent:         c.UserAgent,
		ScreenshotQuality: c.ScreenshotQuality,
	}, a.logger.Named("renderer"))

	var preflight capture.Preflighter
	if c.PreflightEnabled {
		preflight = capture.NewCollyPreflight(capture.PreflightConfig{
			UserAgent: c.UserAgent,
			Timeout:   c.PreflightTimeout(),
		})
		a.logger.Info("using colly preflight", zap.Duration("timeout", c.PreflightTimeout()))
	}

	worker, err := capture.NewWorker(capture.Config{
		Prefix:           a.cfg.Storage.Prefix,
		PublicBaseURL:    a.cfg.Storage.PublicBaseURL,
		MaxHTMLBytes:     c.MaxHTMLBytes,
		MaxTextBytes:     c.MaxTextBytes,
		MaxArtifactBytes: c.MaxArtifactBytes,
	}, renderer, preflight, a.blobs, sha256.New(), a.clock, a.logger.Named("capture"))
	if err != nil {
		return nil, nil, fmt.Errorf("capture worker init failed: %w", err)
	}
	a.logger.Info("capture worker config",
		zap.String("prefix", a.cfg.Storage.Prefix),
		zap.Duration("navigation_timeout", c.NavigationTimeout()),
		zap.Duration("budget", c.Budget()),
	)
	return worker, launcher, nil
}

// detachedLauncher hands out plain contexts; it backs the pool when captures
// are disabled so no Chrome process is started.
func detachedLauncher(context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return ctx, cancel, nil
}

// Handler exposes the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Service exposes the archive service.
func (a *App) Service() *service.Service {
	return a.service
}

func (a *App) readiness(context.Context) error {
	if !a.ready.Load() {
		return errors.New("not ready")
	}
	return nil
}

// start launches the dispatch loops and sweeps stale pending items. The
// returned channel closes once every loop has returned.
func (a *App) start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("scheduler started")
		a.scheduler.Run(ctx)
	}()
	if a.cfg.Scheduler.ReconcileOnStart {
		a.reconcile(ctx)
	}
	a.ready.Store(true)
	return done
}

func (a *App) reconcile(ctx context.Context) int {
	n, err := a.scheduler.Reconcile(ctx)
	if err != nil {
		a.logger.Error("reconcile stale pending items failed", zap.Error(err))
	}
	a.logger.Info("reconciled stale pending items", zap.Int("enqueued", n))
	return n
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedulerDone := a.start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedulerDone

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Drain sweeps stale pending items, captures them and returns once nothing is
// outstanding or ctx ends. It backs the one-shot reconcile command.
func (a *App) Drain(ctx context.Context, poll time.Duration) (int, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.scheduler.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	n, err := a.scheduler.Reconcile(ctx)
	if err != nil {
		return n, fmt.Errorf("reconcile: %w", err)
	}
	a.logger.Info("reconciled stale pending items", zap.Int("enqueued", n))

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for a.scheduler.Outstanding() > 0 {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case <-ticker.C:
		}
	}
	return n, nil
}

// Close releases every dependency. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		if a.pool != nil {
			a.pool.Close()
		}
		a.closeErr = a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return a.closeErr
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.items != nil {
		if err := a.items.Close(); err != nil {
			a.logger.Warn("item store close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		// Syncing stderr/stdout fails on some platforms; nothing to act on.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// NewLogger builds the process logger and installs it globally.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
