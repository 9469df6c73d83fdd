// Package app builds the service from configuration and runs it in one-shot
// or serve mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/clock/system"
	"github.com/openlistings/listing-ingest/internal/compliance"
	"github.com/openlistings/listing-ingest/internal/config"
	"github.com/openlistings/listing-ingest/internal/dedup"
	collyfetch "github.com/openlistings/listing-ingest/internal/fetcher/colly"
	"github.com/openlistings/listing-ingest/internal/fetcher/ratelimit"
	"github.com/openlistings/listing-ingest/internal/hash/sha256"
	"github.com/openlistings/listing-ingest/internal/id/uuid"
	"github.com/openlistings/listing-ingest/internal/ingest"
	"github.com/openlistings/listing-ingest/internal/logging"
	"github.com/openlistings/listing-ingest/internal/normalize"
	"github.com/openlistings/listing-ingest/internal/progress"
	progresssinks "github.com/openlistings/listing-ingest/internal/progress/sinks"
	memorypublisher "github.com/openlistings/listing-ingest/internal/publisher/memory"
	gcppublisher "github.com/openlistings/listing-ingest/internal/publisher/pubsub"
	"github.com/openlistings/listing-ingest/internal/scheduler"
	"github.com/openlistings/listing-ingest/internal/scraper"
	"github.com/openlistings/listing-ingest/internal/server"
	gcsstorage "github.com/openlistings/listing-ingest/internal/storage/gcs"
	localstorage "github.com/openlistings/listing-ingest/internal/storage/local"
	memorystorage "github.com/openlistings/listing-ingest/internal/storage/memory"
	pgstore "github.com/openlistings/listing-ingest/internal/storage/postgres"
	"github.com/openlistings/listing-ingest/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	orchestrator *worker.Orchestrator
	scheduler    *scheduler.Scheduler
	opsServer    *server.Server
	progressHub  *progress.Hub
	sources      ingest.SourceStore
	idGen        ingest.IDGenerator

	pool            *pgxpool.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	gcsClient       *gcsclient.Client
}

// Build creates the application's dependencies from the config.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a := &App{
		cfg:    cfg,
		logger: logger,
		idGen:  uuid.New(),
	}
	clock := system.New()

	rawStore, recordStore, runStore, err := a.setupStores(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.setupSources(); err != nil {
		return nil, err
	}
	blobStore, err := a.setupBlobStorage(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	hub, err := a.setupProgress()
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.LimiterConfig())
	fetcher, err := collyfetch.New(cfg.FetcherConfig(), limiter, logger.Named("fetcher"))
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}
	gate := compliance.New(cfg.Compliance.Policies, logger.Named("compliance"))
	robots := scraper.NewRobotsCache(cfg.UserAgent(), logger.Named("robots"))

	factory := scraper.NewFactory(scraper.Deps{
		Fetcher: fetcher,
		Gate:    gate,
		Robots:  robots,
		Clock:   clock,
		Hub:     hub,
		Logger:  logger.Named("scraper"),
	}, cfg.ScraperConfig())

	a.orchestrator = worker.New(worker.Deps{
		Scrapers:   factory,
		Gate:       gate,
		RawStore:   rawStore,
		Records:    recordStore,
		Runs:       runStore,
		Sources:    a.sources,
		Blobs:      blobStore,
		Publisher:  pub,
		Normalizer: normalize.New(sha256.New(), logger.Named("normalize")),
		Deduper:    dedup.New(cfg.Dedup, clock, logger.Named("dedup")),
		Clock:      clock,
		Hub:        hub,
		Logger:     logger.Named("worker"),
	}, worker.Config{
		IngestVersion:      cfg.Pipeline.IngestVersion,
		MaxRawPayloadBytes: cfg.Pipeline.MaxRawPayloadBytes,
		PublishTopic:       cfg.PubSub.Topic,
	})

	a.scheduler = scheduler.New(a.sources, runStore, a.orchestrator, clock, logger.Named("scheduler"))
	a.opsServer = server.New(runStore, a.sources, logger.Named("api"))

	return a, nil
}

// RunSource executes one run immediately. An empty name ticks the scheduler
// once, running everything due; a specific name runs that source with a
// fresh manual run key, ignoring due-ness.
func (a *App) RunSource(ctx context.Context, name string) error {
	if name == "" {
		return a.scheduler.Tick(ctx)
	}

	enabled, err := a.sources.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	for _, src := range enabled {
		if src.Name != name {
			continue
		}
		id, err := a.idGen.NewID()
		if err != nil {
			return fmt.Errorf("generate run key: %w", err)
		}
		run := ingest.Run{
			Key:         fmt.Sprintf("%s_manual_%s", src.Name, id),
			SourceID:    src.ID,
			Status:      ingest.RunStatusPending,
			ScheduledAt: time.Now().UTC(),
		}
		return a.orchestrator.RunOnce(ctx, src, run)
	}
	return fmt.Errorf("source %q not found or not enabled", name)
}

// Serve runs the scheduler on a cron cadence and the ops HTTP server,
// blocking until the context or a signal stops it.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cron.New()
	spec := fmt.Sprintf("@every %s", a.cfg.ScheduleInterval())
	if _, err := c.AddFunc(spec, func() {
		if err := a.scheduler.Tick(ctx); err != nil {
			a.logger.Error("scheduler tick failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule cron: %w", err)
	}
	c.Start()
	defer c.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.opsServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("ops server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server error", zap.Error(err))
			stop()
		}
	}()

	a.logger.Info("serve mode started", zap.String("schedule", spec))
	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("ops server shutdown error", zap.Error(err))
	}
	return nil
}

// Close gracefully shuts down shared clients.
func (a *App) Close(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) setupStores(ctx context.Context) (ingest.RawStore, ingest.RecordStore, ingest.RunStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("no database configured, using in-memory stores")
		return memorystorage.NewRawStore(), memorystorage.NewRecordStore(), memorystorage.NewRunStore(), nil
	}

	pool, err := pgstore.Connect(ctx, a.cfg.DB)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool

	rawStore, err := pgstore.NewRawStore(pool)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("raw store init failed: %w", err)
	}
	recordStore, err := pgstore.NewRecordStore(pool)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("record store init failed: %w", err)
	}
	runStore, err := pgstore.NewRunStore(pool, system.New())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("run store init failed: %w", err)
	}
	a.logger.Info("postgres stores initialized")
	return rawStore, recordStore, runStore, nil
}

func (a *App) setupSources() error {
	if len(a.cfg.Sources) > 0 {
		a.logger.Info("using configured sources", zap.Int("count", len(a.cfg.Sources)))
		a.sources = memorystorage.NewSourceStore(a.cfg.IngestSources()...)
		return nil
	}
	if a.pool != nil {
		store, err := pgstore.NewSourceStore(a.pool)
		if err != nil {
			return fmt.Errorf("source store init failed: %w", err)
		}
		a.logger.Info("using database sources")
		a.sources = store
		return nil
	}
	return fmt.Errorf("no sources configured and no database to read them from")
}

func (a *App) setupBlobStorage(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot storage", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot storage", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return store, nil
	default:
		a.logger.Info("using in-memory snapshot storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (ingest.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Topic == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	pub, err := gcppublisher.New(client)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsubPublisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

func (a *App) setupProgress() (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	a.progressHub = progress.NewHub(progress.Config{
		Logger: a.logger.Named("progress_hub"),
	},
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	return a.progressHub, nil
}
