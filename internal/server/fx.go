// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/api"
	"github.com/JakeFAU/boostserve/internal/booster"
	"github.com/JakeFAU/boostserve/internal/clock/system"
	"github.com/JakeFAU/boostserve/internal/config"
	"github.com/JakeFAU/boostserve/internal/dispatcher"
	"github.com/JakeFAU/boostserve/internal/fetcher"
	collyfetcher "github.com/JakeFAU/boostserve/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/boostserve/internal/fetcher/headless"
	"github.com/JakeFAU/boostserve/internal/headless/detector"
	"github.com/JakeFAU/boostserve/internal/id/uuid"
	"github.com/JakeFAU/boostserve/internal/logging"
	"github.com/JakeFAU/boostserve/internal/modelstore"
	"github.com/JakeFAU/boostserve/internal/pipeline"
	"github.com/JakeFAU/boostserve/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/boostserve/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/boostserve/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/boostserve/internal/queue/memory"
	"github.com/JakeFAU/boostserve/internal/registry"
	"github.com/JakeFAU/boostserve/internal/source"
	gcsstorage "github.com/JakeFAU/boostserve/internal/storage/gcs"
	localstorage "github.com/JakeFAU/boostserve/internal/storage/local"
	memoryStorage "github.com/JakeFAU/boostserve/internal/storage/memory"
	pgstore "github.com/JakeFAU/boostserve/internal/storage/postgres"
	"github.com/JakeFAU/boostserve/internal/telemetry"
	"github.com/JakeFAU/boostserve/internal/train"
	"github.com/JakeFAU/boostserve/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	registry        *registry.Registry
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	queue           *queueMemory.Queue
	headless        *headlessfetcher.Fetcher
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	catalog         *pgstore.ArtifactCatalog
	tracerShutdown  func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		StorageBackend string `json:"storage_backend"`
		RegistryFile   string `json:"registry_file"`
		Workers        int    `json:"workers"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		StorageBackend: cfg.Storage.Backend,
		RegistryFile:   cfg.Registry.File,
		Workers:        cfg.Training.Workers,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Registry returns the project and model registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Run starts the workers and the HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Training.Workers))
		if err := a.dispatch.Run(ctx); err != nil {
			a.logger.Error("dispatcher stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not finish before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close releases every external resource. It is safe to call on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on a console sink returns EINVAL; nothing useful to report.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies and activates the startup
// model.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.setupTracing(ctx); err != nil {
		return err
	}

	a.logger.Info("building application dependencies")
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	catalog, err := a.setupCatalog(ctx, blobStore)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	pages, err := a.setupFetcher()
	if err != nil {
		return err
	}

	store := modelstore.New(blobStore, catalog, modelstore.Config{Prefix: a.cfg.Storage.Prefix}, a.logger)
	sources := source.New(pages, source.Config{
		MaxFileBytes: a.cfg.Archive.MaxFileBytes,
		MaxFiles:     a.cfg.Archive.MaxFiles,
		DenyDomains:  a.cfg.Crawl.DenyDomains,
	}, a.logger.Named("source"))
	orchestrator := train.New(sources, booster.Trainer{}, store, publisher, a.logger)

	projects, err := registry.OpenProjectStore(a.cfg.Registry.File, a.logger)
	if err != nil {
		return fmt.Errorf("open project registry: %w", err)
	}
	a.registry = registry.New(projects, store, orchestrator, registry.Config{
		Project:         a.cfg.Registry.Project,
		DefaultMaxPages: a.cfg.Crawl.DefaultMaxPages,
		DefaultRounds:   a.cfg.Training.Rounds,
	}, a.logger)
	if err := a.registry.LoadInitial(ctx, a.cfg.Registry.Model); err != nil {
		return fmt.Errorf("load startup model: %w", err)
	}

	a.dispatch = a.setupDispatcher()
	a.apiServer = api.NewServer(a.registry, a.dispatch, *a.cfg, a.logger.Named("api"))
	return nil
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		a.logger.Debug("tracing disabled")
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = func(ctx context.Context) error {
		return shutdownTracer(ctx, tp)
	}
	a.logger.Info("tracing enabled", zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio))
	return nil
}

func shutdownTracer(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer shutdown: %w", err)
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (pipeline.BlobStore, error) {
	var blobStore pipeline.BlobStore
	var err error
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend")
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCS.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Debug("GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
	case "local":
		a.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("local storage backend", zap.String("path", filepath.Clean(a.cfg.Storage.Local.BaseDir)))
	default:
		a.logger.Warn("using in-memory storage backend; models are lost on restart")
		blobStore = memoryStorage.NewBlobStore()
	}
	return blobStore, nil
}

func (a *App) setupCatalog(ctx context.Context, blobs pipeline.BlobStore) (modelstore.Catalog, error) {
	if a.cfg.Catalog.DSN == "" {
		a.logger.Info("no catalog DSN configured, listing versions from blob storage")
		return modelstore.NewBlobCatalog(blobs, a.cfg.Storage.Prefix), nil
	}
	var err error
	a.catalog, err = pgstore.NewArtifactCatalog(ctx, pgstore.CatalogConfig{
		DSN:             a.cfg.Catalog.DSN,
		Table:           a.cfg.Catalog.Table,
		MaxConns:        a.cfg.Catalog.MaxConns,
		MinConns:        a.cfg.Catalog.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.Catalog.MaxConnLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact catalog init failed: %w", err)
	}
	a.logger.Info("artifact catalog initialized", zap.String("table", a.cfg.Catalog.Table))
	return a.catalog, nil
}

func (a *App) setupPublisher(ctx context.Context) (pipeline.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPublisher, nil
}

// setupFetcher builds the page fetcher chain: colly, optional headless
// promotion, per-host rate limiting and retries around the whole.
func (a *App) setupFetcher() (pipeline.PageFetcher, error) {
	fc := a.cfg.Fetch
	var pages pipeline.PageFetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:     fc.UserAgent,
		RespectRobots: fc.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
		MaxBodySize:   fc.MaxBodyBytes,
	})
	a.logger.Info("using colly fetcher", zap.String("user_agent", fc.UserAgent))

	if fc.Headless.Enabled {
		var err error
		a.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       fc.Headless.MaxParallel,
			UserAgent:         fc.UserAgent,
			NavigationTimeout: time.Duration(fc.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		detect := detector.NewHeuristic(fc.Headless.PromotionThreshold)
		detect.MinTextBytes = fc.Headless.MinTextBytes
		pages = fetcher.WithPromotion(pages, a.headless, detect, a.logger.Named("promote"))
		a.logger.Info("headless promotion enabled", zap.Int("max_parallel", fc.Headless.MaxParallel))
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   fc.RateLimit.RPS,
		DefaultBurst: fc.RateLimit.Burst,
	})
	pages = fetcher.WithRateLimit(pages, limiter)
	a.logger.Info("rate limiter configured",
		zap.Float64("rps", fc.RateLimit.RPS),
		zap.Int("burst", fc.RateLimit.Burst),
	)

	policy := fetcher.NewExponentialRetryPolicy()
	policy.MaxAttempts = fc.MaxRetries + 1
	if fc.BackoffInitialMs > 0 {
		policy.BaseDelay = time.Duration(fc.BackoffInitialMs) * time.Millisecond
	}
	if fc.BackoffMaxMs > 0 {
		policy.MaxDelay = time.Duration(fc.BackoffMaxMs) * time.Millisecond
	}
	return fetcher.WithRetry(pages, policy, a.logger.Named("retry")), nil
}

func (a *App) setupDispatcher() *dispatcher.Dispatcher {
	a.queue = queueMemory.NewQueue(a.cfg.Training.QueueDepth)
	jobStore := memoryStorage.NewJobStore()
	tracker := worker.NewTracker()
	workerCfg := worker.Config{JobTimeout: a.cfg.JobTimeout()}
	a.logger.Info("worker config",
		zap.Int("workers", a.cfg.Training.Workers),
		zap.Int("queue_depth", a.cfg.Training.QueueDepth),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
	)

	var workers []*worker.Worker
	for i := 0; i < a.cfg.Training.Workers; i++ {
		workers = append(workers, worker.New(
			a.queue,
			jobStore,
			a.registry,
			tracker,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(
		a.queue,
		jobStore,
		uuid.New(),
		system.New(),
		tracker,
		workers,
		dispatcher.Config{},
		a.logger.Named("dispatcher"),
	)
}
