// Package app builds the release pipeline from configuration and runs it.
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
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/release-pipeline/internal/api"
	"github.com/JakeFAU/release-pipeline/internal/backup"
	"github.com/JakeFAU/release-pipeline/internal/clock"
	"github.com/JakeFAU/release-pipeline/internal/config"
	"github.com/JakeFAU/release-pipeline/internal/dispatcher"
	"github.com/JakeFAU/release-pipeline/internal/enrich"
	"github.com/JakeFAU/release-pipeline/internal/enrich/igdb"
	"github.com/JakeFAU/release-pipeline/internal/enrich/rawg"
	"github.com/JakeFAU/release-pipeline/internal/events"
	"github.com/JakeFAU/release-pipeline/internal/feed"
	"github.com/JakeFAU/release-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/release-pipeline/internal/health"
	"github.com/JakeFAU/release-pipeline/internal/health/probe"
	"github.com/JakeFAU/release-pipeline/internal/id"
	"github.com/JakeFAU/release-pipeline/internal/lock"
	"github.com/JakeFAU/release-pipeline/internal/logging"
	"github.com/JakeFAU/release-pipeline/internal/metrics"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
	"github.com/JakeFAU/release-pipeline/internal/poller"
	"github.com/JakeFAU/release-pipeline/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/release-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/release-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/release-pipeline/internal/resolver/headless"
	"github.com/JakeFAU/release-pipeline/internal/scheduler"
	gcsstorage "github.com/JakeFAU/release-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/release-pipeline/internal/storage/local"
	pgstore "github.com/JakeFAU/release-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/release-pipeline/internal/store/sqlite"
	"github.com/JakeFAU/release-pipeline/internal/telemetry"
	"github.com/JakeFAU/release-pipeline/internal/worker"
)

// ServiceName identifies the process in traces.
const ServiceName = "releasebot"

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  pipeline.Clock

	lock            *lock.Lock
	store           *sqlite.Store
	notifier        *events.Emitter
	journal         *pgstore.EventJournal
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	gcsClient       *storage.Client
	engine          *headless.Chromedp

	dispatch  *dispatcher.Dispatcher
	pool      *worker.Pool
	poller    *poller.Poller
	monitor   *health.Monitor
	backups   *backup.Manager
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	baseCtx        context.Context
	cancelBase     context.CancelFunc
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. The data directory is locked
// for the lifetime of the App; Close releases it.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	logger = logging.OrNop(logger)
	app := &App{cfg: cfg, logger: logger, clock: clock.System{}}
	app.baseCtx, app.cancelBase = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	app.lock, err = lock.Acquire(cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}

	var processors []sdktrace.SpanProcessor
	traceProc, err := telemetry.CloudTraceProcessor(cfg.TraceProjectID())
	if err != nil {
		return nil, fmt.Errorf("trace exporter init failed: %w", err)
	}
	if traceProc != nil {
		processors = append(processors, traceProc)
		app.logger.Info("exporting traces to cloud trace", zap.String("project_id", cfg.TraceProjectID()))
	}
	tp, err := telemetry.Init(ctx, ServiceName, processors...)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	metrics.Init()

	app.logger.Info("building application dependencies", zap.String("data_dir", cfg.Data.Dir))
	app.store, err = sqlite.Open(ctx, cfg.Data.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	if err = setupEvents(ctx, app); err != nil {
		return nil, err
	}
	enricher, err := setupEnricher(app)
	if err != nil {
		return nil, err
	}
	resolver, err := setupResolver(app)
	if err != nil {
		return nil, err
	}

	app.dispatch = dispatcher.New(app.store, id.New("task"), app.clock, logger)
	app.pool = worker.New(
		app.store,
		resolver,
		app.notifier,
		pipeline.NewBackoffPolicy(cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase, cfg.Queue.BackoffMax),
		app.clock,
		worker.Config{
			Workers:        cfg.Queue.Workers,
			TickInterval:   cfg.Queue.TickInterval,
			SessionTimeout: cfg.Queue.SessionTimeout,
		},
		logger,
	)

	if err = setupPoller(app, enricher); err != nil {
		return nil, err
	}

	app.monitor = health.New(
		app.store,
		probe.New(probe.Config{Timeout: cfg.Health.ProbeTimeout, UserAgent: cfg.Feed.UserAgent}, nil),
		app.notifier,
		app.clock,
		healthConfig(cfg),
		logger,
	)

	if err = setupBackups(ctx, app); err != nil {
		return nil, err
	}

	app.scheduler = setupScheduler(app)

	deps := api.Deps{
		Store:       app.store,
		Queue:       app.dispatch,
		Health:      app.monitor,
		Backups:     app.backups,
		Clock:       app.clock,
		BaseContext: app.baseCtx,
	}
	if app.poller != nil {
		deps.Poller = app.poller
	}
	app.apiServer = api.NewServer(deps, *cfg, logger)

	return app, nil
}

// Handler exposes the admin HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := a.pool.Recover(ctx); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	} else if n > 0 {
		a.logger.Info("requeued tasks orphaned by previous run", zap.Int("tasks", n))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.pool.Run(gctx, a.dispatch.Wakeups())
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
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
		a.cancelBase()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	a.logger.Info("application started")

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	a.Close(closeCtx)
	return runErr
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close gracefully shuts down the application. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) {
	if a.cancelBase != nil {
		a.cancelBase()
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.engine != nil {
		a.engine.Close()
		a.engine = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.journal != nil {
		a.journal.Close()
		a.journal = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("record store close failed", zap.Error(err))
		}
		a.store = nil
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.logger.Warn("data dir unlock failed", zap.Error(err))
		}
		a.lock = nil
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	_ = a.logger.Sync()
}

func setupEvents(ctx context.Context, app *App) error {
	cfg := app.cfg
	opts := events.Options{
		Topic:  cfg.Events.Topic,
		IDs:    id.New("evt"),
		Clock:  app.clock,
		Logger: app.logger,
	}

	switch cfg.Events.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubClient = client
		app.pubsubPublisher = gcppublisher.New(client.Publisher(cfg.Events.Topic))
		opts.Publisher = app.pubsubPublisher
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.Events.ProjectID),
			zap.String("topic", cfg.Events.Topic),
		)
	default:
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		opts.Publisher = memorypublisher.New()
	}

	if cfg.Journal.DSN != "" {
		journal, err := pgstore.NewEventJournal(ctx, pgstore.JournalConfig{
			DSN:   cfg.Journal.DSN,
			Table: cfg.Journal.Table,
		})
		if err != nil {
			return fmt.Errorf("event journal init failed: %w", err)
		}
		app.journal = journal
		if err := journal.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("event journal schema: %w", err)
		}
		opts.Journal = journal
		app.logger.Info("event journal initialized", zap.String("table", cfg.Journal.Table))
	}

	app.notifier = events.New(opts)
	return nil
}

func setupEnricher(app *App) (pipeline.Enricher, error) {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultBurst: 1,
		PerKeyRPS: map[string]float64{
			igdb.Name: app.cfg.Catalogs.IGDB.RPS,
			rawg.Name: app.cfg.Catalogs.RAWG.RPS,
		},
	})
	catalogs, err := buildCatalogs(app.cfg, limiter, app.logger)
	if err != nil {
		return nil, err
	}
	if len(catalogs) == 0 {
		app.logger.Warn("no metadata catalogs configured, games will be recorded without metadata")
		return nil, nil
	}
	return enrich.NewChain(catalogs, app.cfg.Catalogs.Timeout, app.logger), nil
}

// buildCatalogs instantiates the catalogs named in catalogs.order. IGDB is
// skipped when its credentials are missing.
func buildCatalogs(cfg *config.Config, limiter *ratelimit.Limiter, logger *zap.Logger) ([]pipeline.Catalog, error) {
	var out []pipeline.Catalog
	for _, name := range cfg.Catalogs.Order {
		switch name {
		case igdb.Name:
			if !cfg.IGDBEnabled() {
				logger.Warn("igdb credentials missing, skipping catalog")
				continue
			}
			client, err := igdb.New(igdb.Options{
				ClientID:     cfg.Catalogs.IGDB.ClientID,
				ClientSecret: cfg.Catalogs.IGDB.ClientSecret,
				TokenURL:     cfg.Catalogs.IGDB.TokenURL,
				BaseURL:      cfg.Catalogs.IGDB.BaseURL,
				Limiter:      limiter,
				Logger:       logger,
			})
			if err != nil {
				return nil, fmt.Errorf("igdb client init failed: %w", err)
			}
			out = append(out, client)
		case rawg.Name:
			out = append(out, rawg.New(rawg.Options{
				APIKey:  cfg.Catalogs.RAWG.APIKey,
				BaseURL: cfg.Catalogs.RAWG.BaseURL,
				Limiter: limiter,
				Logger:  logger,
			}))
		default:
			return nil, fmt.Errorf("unknown catalog %q", name)
		}
	}
	return out, nil
}

// healthConfig shares the resolution queue's worker ceiling with the monitor.
func healthConfig(cfg *config.Config) health.Config {
	return health.Config{
		Workers:       cfg.Queue.Workers,
		Threshold:     cfg.Health.Threshold,
		DegradedAfter: cfg.Health.DegradedAfter,
		ProbeTimeout:  cfg.Health.ProbeTimeout,
	}
}

func setupResolver(app *App) (*headless.Resolver, error) {
	cfg := app.cfg.Headless
	if !cfg.Enabled {
		app.logger.Info("headless automation disabled, hoster links will not resolve")
		return headless.NewResolver(headless.NewNoop(), app.logger), nil
	}
	engine, err := headless.NewChromedp(headless.Config{
		MaxSessions:      cfg.MaxSessions,
		UserAgent:        cfg.UserAgent,
		DownloadSelector: cfg.DownloadSelector,
		SettleDelay:      cfg.SettleDelay,
		ExecPath:         cfg.ExecPath,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("headless engine init failed: %w", err)
	}
	app.engine = engine
	app.logger.Info("using headless engine", zap.Int("max_sessions", cfg.MaxSessions))
	return headless.NewResolver(engine, app.logger), nil
}

func setupPoller(app *App, enricher pipeline.Enricher) error {
	cfg := app.cfg
	if !cfg.Feed.Enabled {
		app.logger.Info("feed polling disabled")
		return nil
	}
	source, err := feed.New(feed.Config{
		URL:       cfg.Feed.URL,
		UserAgent: cfg.Feed.UserAgent,
		Timeout:   cfg.Feed.Timeout,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("feed source init failed: %w", err)
	}
	app.poller = poller.New(
		source,
		app.store,
		enricher,
		app.dispatch,
		app.notifier,
		app.clock,
		poller.Config{AliasThreshold: cfg.Dedup.AliasThreshold, ReenrichBatch: cfg.Enrich.Batch},
		app.logger,
	)
	return nil
}

func setupBackups(ctx context.Context, app *App) error {
	cfg := app.cfg.Backup
	primary, err := localstorage.New(localstorage.Config{BaseDir: cfg.Dir})
	if err != nil {
		return fmt.Errorf("local archive store init failed: %w", err)
	}
	var mirrors []pipeline.ArchiveSink
	if cfg.GCSBucket != "" {
		app.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		mirror, err := gcsstorage.New(app.gcsClient, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
		if err != nil {
			return fmt.Errorf("gcs archive store init failed: %w", err)
		}
		mirrors = append(mirrors, mirror)
		app.logger.Info("mirroring snapshots to GCS", zap.String("bucket", cfg.GCSBucket))
	}
	app.backups = backup.New(
		[]pipeline.Exporter{app.store},
		primary,
		mirrors,
		sha256.New(),
		app.clock,
		backup.Config{Retention: cfg.Retention},
		app.logger,
	)
	return nil
}

func setupScheduler(app *App) *scheduler.Scheduler {
	sched := scheduler.New(app.logger)
	if app.poller != nil {
		sched.Now("feed_poll", app.cfg.Feed.PollInterval, func(ctx context.Context) error {
			if _, err := app.poller.Tick(ctx); err != nil {
				return err
			}
			_, err := app.poller.Reenrich(ctx)
			return err
		})
	}
	sched.Every("health_check", app.cfg.Health.Interval, func(ctx context.Context) error {
		_, err := app.monitor.CheckAll(ctx)
		if errors.Is(err, health.ErrSweepRunning) {
			return nil
		}
		return err
	})
	sched.Every("backup", app.cfg.Backup.Interval, func(ctx context.Context) error {
		_, err := app.backups.Snapshot(ctx)
		return err
	})
	return sched
}
