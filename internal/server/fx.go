// Package server provides the composition root: it builds every dependency
// from configuration and owns their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/adnotifier/internal/api"
	"github.com/JakeFAU/adnotifier/internal/archive"
	gcsarchive "github.com/JakeFAU/adnotifier/internal/archive/gcs"
	localarchive "github.com/JakeFAU/adnotifier/internal/archive/local"
	"github.com/JakeFAU/adnotifier/internal/clock/system"
	"github.com/JakeFAU/adnotifier/internal/config"
	"github.com/JakeFAU/adnotifier/internal/extract"
	"github.com/JakeFAU/adnotifier/internal/fetcher"
	collyfetcher "github.com/JakeFAU/adnotifier/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/adnotifier/internal/fetcher/headless"
	"github.com/JakeFAU/adnotifier/internal/fingerprint"
	"github.com/JakeFAU/adnotifier/internal/id/uuid"
	"github.com/JakeFAU/adnotifier/internal/logging"
	"github.com/JakeFAU/adnotifier/internal/monitor"
	"github.com/JakeFAU/adnotifier/internal/notify"
	notifymemory "github.com/JakeFAU/adnotifier/internal/notify/memory"
	smtpmailer "github.com/JakeFAU/adnotifier/internal/notify/smtp"
	"github.com/JakeFAU/adnotifier/internal/notify/telegram"
	"github.com/JakeFAU/adnotifier/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/adnotifier/internal/publisher/pubsub"
	"github.com/JakeFAU/adnotifier/internal/registry"
	"github.com/JakeFAU/adnotifier/internal/scheduler"
	memorystore "github.com/JakeFAU/adnotifier/internal/storage/memory"
	pgstore "github.com/JakeFAU/adnotifier/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/adnotifier/internal/storage/sqlite"
	"github.com/JakeFAU/adnotifier/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  monitor.Clock

	store        monitor.Store
	observer     *fetcher.Escalating
	renderer     *headlessfetcher.Fetcher
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher

	worker    *worker.Worker
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	closeOnce sync.Once
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.File)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Duration("interval", cfg.Scheduler.Interval),
	)

	if app.store, err = setupStore(ctx, app); err != nil {
		return nil, err
	}
	if err = setupObserver(app); err != nil {
		return nil, err
	}
	snapshots, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	dispatcher, err := setupDispatcher(app)
	if err != nil {
		return nil, err
	}

	var opts []worker.Option
	if snapshots != nil {
		opts = append(opts, worker.WithArchive(snapshots))
	}
	if app.publisher != nil {
		opts = append(opts, worker.WithPublisher(app.publisher))
	}
	app.worker = worker.New(
		app.store,
		app.observer,
		dispatcher,
		app.clock,
		worker.Config{RedeliverMissed: cfg.Notify.RedeliverMissed},
		logger.Named("worker"),
		opts...,
	)
	app.registry = registry.New(app.store, app.observer, uuid.New(), app.clock, logger.Named("registry"))
	app.scheduler = scheduler.New(app.clock, logger.Named("scheduler"))
	app.apiServer = api.NewServer(api.Deps{
		Cycles:      app.scheduler,
		JobID:       cfg.Scheduler.JobID,
		Job:         app.cycleJob,
		Registry:    app.registry,
		Revalidator: app.worker,
	}, *cfg, logger.Named("api"))

	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Registry exposes user and entry registration.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// RunCycle runs a single detection cycle without the scheduler.
func (a *App) RunCycle(ctx context.Context) (worker.CycleReport, error) {
	report, err := a.worker.RunCycle(ctx)
	if err != nil {
		return report, fmt.Errorf("run cycle: %w", err)
	}
	return report, nil
}

func (a *App) cycleJob(ctx context.Context) error {
	_, err := a.worker.RunCycle(ctx)
	return err
}

// Run registers the cycle, serves the operator API and blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []scheduler.RegisterOption
	if a.cfg.Scheduler.RunOnStart {
		opts = append(opts, scheduler.RunImmediately())
	}
	if err := a.scheduler.Register(a.cfg.Scheduler.JobID, a.cfg.Scheduler.Interval, a.cycleJob, opts...); err != nil {
		return fmt.Errorf("register cycle: %w", err)
	}
	a.scheduler.Start()
	a.logger.Info("scheduler started",
		zap.String("job_id", a.cfg.Scheduler.JobID),
		zap.Duration("interval", a.cfg.Scheduler.Interval),
		zap.Bool("run_on_start", a.cfg.Scheduler.RunOnStart),
	)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close()
}

// Close stops the scheduler, waiting for the entry in flight, then releases
// every backend. Later calls are no-ops.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		a.closeInfrastructure()
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.publisher != nil {
		a.publisher.Stop()
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
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func setupStore(ctx context.Context, app *App) (monitor.Store, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: 30 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		app.logger.Info("using postgres store", zap.Int32("max_conns", cfg.MaxConns))
		return store, nil
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.logger.Info("using sqlite store", zap.String("path", cfg.DSN))
		return store, nil
	default:
		app.logger.Warn("using in-memory store, registrations are lost on restart")
		return memorystore.NewStore(), nil
	}
}

func setupObserver(app *App) error {
	cfg := app.cfg
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
	}, app.logger.Named("colly"))
	app.logger.Info("using colly static fetcher", zap.String("user_agent", cfg.Fetch.UserAgent))

	opts := []fetcher.Option{
		fetcher.WithLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.RPS,
			DefaultBurst: cfg.RateLimit.Burst,
		})),
	}
	app.logger.Info("per-host rate limiter enabled",
		zap.Float64("rps", cfg.RateLimit.RPS),
		zap.Int("burst", cfg.RateLimit.Burst),
	)

	if cfg.Headless.Enabled {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			ExecPath:          cfg.Headless.ExecPath,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			SettleTime:        time.Duration(cfg.Headless.SettleMillis) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.renderer = renderer
		opts = append(opts, fetcher.WithRenderer(renderer))
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}

	app.observer = fetcher.NewEscalating(
		static,
		extract.New(extract.Config{Levels: cfg.Fetch.FragmentLevels}),
		fingerprint.New(),
		app.logger.Named("fetcher"),
		opts...,
	)
	return nil
}

func setupArchive(ctx context.Context, app *App) (monitor.SnapshotArchive, error) {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case config.ArchiveLocal:
		blobs, err := localarchive.New(localarchive.Config{Dir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		app.logger.Info("archiving change snapshots locally", zap.String("dir", cfg.Dir))
		return archive.New(blobs, cfg.Prefix), nil
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		blobs, err := gcsarchive.New(client, gcsarchive.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		app.logger.Info("archiving change snapshots to GCS", zap.String("bucket", cfg.Bucket))
		return archive.New(blobs, cfg.Prefix), nil
	default:
		app.logger.Debug("snapshot archive disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) error {
	cfg := app.cfg.PubSub
	if !cfg.Enabled {
		app.logger.Debug("change event publication disabled")
		return nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.publisher, err = gcppublisher.New(client, cfg.Topic)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.Topic),
	)
	return nil
}

func setupDispatcher(app *App) (*notify.Batcher, error) {
	cfg := app.cfg
	var mailer notify.Mailer
	if cfg.SMTP.Host == "" {
		app.logger.Warn("smtp.host not set, notification emails are kept in memory only")
		mailer = notifymemory.NewRecorder()
	} else {
		m, err := smtpmailer.New(smtpmailer.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			FromName: cfg.SMTP.FromName,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp mailer init failed: %w", err)
		}
		mailer = m
		app.logger.Info("using smtp mailer", zap.String("host", cfg.SMTP.Host), zap.Int("port", cfg.SMTP.Port))
	}

	var opts []notify.Option
	if cfg.Telegram.BotToken != "" {
		opts = append(opts, notify.WithChat(telegram.New(telegram.Config{BaseURL: cfg.Telegram.BaseURL}), cfg.Telegram.BotToken))
		app.logger.Info("telegram notifications enabled")
	}
	return notify.NewBatcher(mailer, app.logger.Named("notify"), opts...), nil
}
