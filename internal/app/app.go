// Package app builds the ingester's long-lived services from configuration
// and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/api"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/clock/system"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/config"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/discovery"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/dispatcher"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/commodity-bulletin-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/hash/sha256"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/id/uuid"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/mapper"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/pipeline"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/commodity-bulletin-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/commodity-bulletin-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/commodity-bulletin-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/commodity-bulletin-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/commodity-bulletin-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/commodity-bulletin-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/commodity-bulletin-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// tradeStore is a bulletin.TradeStore that can also create its schema and
// read rows back for inspection.
type tradeStore interface {
	bulletin.TradeStore
	EnsureSchema(ctx context.Context) error
	Lookup(ctx context.Context, key bulletin.NaturalKey) (bulletin.TradeRecord, bool, error)
	Count(ctx context.Context) (int, error)
}

// App holds the wired services for one process.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        tradeStore
	discoverer   *discovery.Discoverer
	orchestrator *pipeline.Orchestrator
	dispatch     *dispatcher.Dispatcher
	apiServer    *api.Server

	closers        []func() error
	tracerShutdown func(context.Context) error
}

// Options adjust Build for callers that need more than the config provides.
type Options struct {
	// RunOnStart makes Serve start a run immediately.
	RunOnStart bool
}

// Build creates the application's dependencies. On error everything opened
// so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.DefaultServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	clock := system.New()
	if err = a.setupStore(ctx, clock); err != nil {
		return nil, err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:       cfg.HTTP.UserAgent,
		PageTimeout:     cfg.HTTP.PageTimeout,
		DocumentTimeout: cfg.HTTP.DocumentTimeout,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.HTTP.RequestsPerSecond,
			DefaultBurst: cfg.HTTP.Burst,
		}),
	})
	logger.Info("using colly fetcher",
		zap.Float64("requests_per_second", cfg.HTTP.RequestsPerSecond),
		zap.Duration("document_timeout", cfg.HTTP.DocumentTimeout),
	)

	a.discoverer, err = discovery.New(discovery.Config{
		BaseURL:     cfg.Source.BaseURL,
		ListingPath: cfg.Source.ListingPath,
		CutoffYear:  cfg.Source.CutoffYear,
		MaxPages:    cfg.Source.MaxPages,
	}, fetcher, logger.Named("discovery"))
	if err != nil {
		return nil, fmt.Errorf("discovery init failed: %w", err)
	}

	deps := pipeline.Deps{
		Discoverer: a.discoverer,
		Fetcher:    fetcher,
		Extractor:  extract.New(extract.Config{}, logger.Named("extract")),
		Mapper:     mapper.New(logger.Named("mapper")),
		Store:      a.store,
		Hasher:     sha256.New(),
		Clock:      clock,
		IDs:        uuid.New(),
		Archive:    archive,
		Publisher:  publisher,
	}
	a.orchestrator, err = pipeline.New(deps, pipeline.Config{
		Concurrency:   cfg.Pipeline.Concurrency,
		ArchivePrefix: cfg.Archive.Prefix,
		Topic:         cfg.Notify.Topic,
	}, logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	a.dispatch = dispatcher.New(a.orchestrator, dispatcher.Config{
		Interval:   cfg.Schedule.Interval,
		RunOnStart: opts.RunOnStart,
	}, logger.Named("dispatcher"))
	a.apiServer = api.NewServer(a.orchestrator, a.dispatch, a.store, logger.Named("api"))

	return a, nil
}

func (a *App) setupStore(ctx context.Context, clock bulletin.Clock) error {
	switch a.cfg.DB.Driver {
	case config.DriverPostgres:
		store, err := pgstore.NewTradeStore(ctx, pgstore.TradeStoreConfig{
			DSN:             a.cfg.DB.DSN,
			Table:           a.cfg.DB.Table,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		}, clock, a.logger.Named("trade_store"))
		if err != nil {
			return fmt.Errorf("trade store init failed: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("trade store unreachable: %w", err)
		}
		if a.cfg.DB.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("trade store migrate failed: %w", err)
			}
		}
		a.logger.Info("using postgres trade store", zap.String("table", a.cfg.DB.Table))
	case config.DriverSQLite:
		store, err := sqlitestore.Open(ctx, sqlitestore.Options{
			Path:  a.cfg.DB.DSN,
			Table: a.cfg.DB.Table,
		}, clock, a.logger.Named("trade_store"))
		if err != nil {
			return fmt.Errorf("trade store init failed: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		a.logger.Info("using sqlite trade store", zap.String("path", a.cfg.DB.DSN))
	default:
		return fmt.Errorf("unknown db driver: %s", a.cfg.DB.Driver)
	}
	return nil
}

// setupArchive returns nil when archiving is disabled.
func (a *App) setupArchive(ctx context.Context) (bulletin.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case config.ProviderNone, "":
		a.logger.Info("document archive disabled")
		return nil, nil
	case config.ProviderMemory:
		a.logger.Info("using in-memory document archive")
		return memorystorage.NewBlobStore(), nil
	case config.ProviderLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("using local document archive", zap.String("path", a.cfg.Archive.BaseDir))
		return store, nil
	case config.ProviderGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.logger.Info("using GCS document archive", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive provider: %s", a.cfg.Archive.Provider)
	}
}

// setupPublisher returns nil when notifications are disabled.
func (a *App) setupPublisher(ctx context.Context) (bulletin.Publisher, error) {
	switch a.cfg.Notify.Provider {
	case config.ProviderNone, "":
		a.logger.Info("ingestion notifications disabled")
		return nil, nil
	case config.ProviderMemory:
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	case config.ProviderPubSub:
		pub, err := gcppublisher.Open(ctx, gcppublisher.Config{
			ProjectID: a.cfg.Notify.ProjectID,
			Topic:     a.cfg.Notify.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown notify provider: %s", a.cfg.Notify.Provider)
	}
}

// RunOnce performs a single ingestion run.
func (a *App) RunOnce(ctx context.Context) (bulletin.RunSummary, error) {
	summary, err := a.orchestrator.Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("ingestion run: %w", err)
	}
	return summary, nil
}

// Discover lists bulletin references without processing them.
func (a *App) Discover(ctx context.Context) ([]bulletin.Reference, error) {
	refs, err := a.discoverer.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover bulletins: %w", err)
	}
	return refs, nil
}

// Migrate creates the trade table and its natural-key index.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("migrate trade store: %w", err)
	}
	return nil
}

// Lookup reads back the stored row for one instrument and trade date.
func (a *App) Lookup(ctx context.Context, key bulletin.NaturalKey) (bulletin.TradeRecord, bool, error) {
	rec, ok, err := a.store.Lookup(ctx, key)
	if err != nil {
		return bulletin.TradeRecord{}, false, fmt.Errorf("lookup trade: %w", err)
	}
	return rec, ok, nil
}

// StoredRows reports how many trade rows the store holds.
func (a *App) StoredRows(ctx context.Context) (int, error) {
	n, err := a.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}

// Handler exposes the ops HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the scheduler and the ops HTTP server until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(ctx)
	}()

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

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-dispatchDone

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases stores, clients, and the tracer provider in reverse order
// of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
			errs = append(errs, err)
		}
		a.tracerShutdown = nil
	}
	return errors.Join(errs...)
}
