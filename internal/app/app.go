// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/api"
	"github.com/JakeFAU/deck-harvester/internal/archive/gcs"
	"github.com/JakeFAU/deck-harvester/internal/archive/local"
	memoryarchive "github.com/JakeFAU/deck-harvester/internal/archive/memory"
	"github.com/JakeFAU/deck-harvester/internal/clock"
	"github.com/JakeFAU/deck-harvester/internal/config"
	collyfetcher "github.com/JakeFAU/deck-harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/deck-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/id"
	"github.com/JakeFAU/deck-harvester/internal/metrics"
	"github.com/JakeFAU/deck-harvester/internal/normalize"
	"github.com/JakeFAU/deck-harvester/internal/normalize/scryfall"
	"github.com/JakeFAU/deck-harvester/internal/orchestrator"
	"github.com/JakeFAU/deck-harvester/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/deck-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/deck-harvester/internal/source"
	"github.com/JakeFAU/deck-harvester/internal/source/archidekt"
	"github.com/JakeFAU/deck-harvester/internal/source/moxfield"
	"github.com/JakeFAU/deck-harvester/internal/storage/migrations"
	"github.com/JakeFAU/deck-harvester/internal/storage/postgres"
	"github.com/JakeFAU/deck-harvester/internal/storage/sqlite"
	"github.com/JakeFAU/deck-harvester/internal/telemetry"
	"github.com/JakeFAU/deck-harvester/internal/transport"
)

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and closed when the command finishes.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        harvest.Store
	orchestrator *orchestrator.Orchestrator
	closers      []closer
}

type closer struct {
	name string
	fn   func() error
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetStore exposes the configured deck store.
func (a *App) GetStore() harvest.Store {
	return a.store
}

// GetOrchestrator returns the job runner.
func (a *App) GetOrchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Run executes one job; it is a shorthand for GetOrchestrator().Run.
func (a *App) Run(ctx context.Context, op harvest.Operation, src string) (harvest.RunRecord, error) {
	return a.orchestrator.Run(ctx, op, src)
}

// New builds every service from cfg. It fails fast when a critical service cannot
// be initialized, closing whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger.Info("initializing application services")
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose("tracing", func() error {
		return tp.Shutdown(context.Background())
	})

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.onClose("store", store.Close)

	gate := ratelimit.New(cfg.RateLimit.Controller(), ratelimit.WithLogger(logger.Named("ratelimit")))

	direct, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.HTTP.Timeout(),
		MaxBodySize:   cfg.HTTP.MaxBodyBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("init direct fetcher: %w", err)
	}
	browser, err := a.browser()
	if err != nil {
		return nil, err
	}
	factory := transport.Factory{
		Gate:               gate,
		Direct:             direct,
		Browser:            browser,
		Detector:           transport.NewDetector(),
		ChallengeThreshold: cfg.Transport.ChallengeThreshold,
		MaxRetries:         cfg.HTTP.MaxRetries,
		Logger:             logger,
	}

	sources := source.NewRegistry(
		archidekt.New(cfg.Sources.Archidekt, logger.Named("archidekt")),
		moxfield.New(cfg.Sources.Moxfield, logger.Named("moxfield")),
	)

	archive, err := a.archive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, topic, err := a.publisher(ctx)
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Store:   store,
		Sources: sources,
		Sessions: orchestrator.SessionFunc(func(name string) orchestrator.Session {
			return factory.NewClient(name)
		}),
		Resolver:  normalize.NewResolver(),
		Dumps:     scryfall.NewRefresher(cfg.Scryfall, gate, logger.Named("scryfall")),
		Archive:   archive,
		Publisher: publisher,
		Clock:     clock.New(),
		IDs:       id.New(),
		Logger:    logger,
	}
	orch, err := orchestrator.New(deps, orchestrator.Config{
		Workers:          cfg.Orchestrator.Workers,
		BatchSize:        cfg.Orchestrator.BatchSize,
		ItemBudget:       cfg.Orchestrator.ItemBudget,
		TimeBudget:       cfg.Orchestrator.TimeBudget(),
		FailureThreshold: cfg.Orchestrator.FailureThreshold,
		NormalizeBatch:   cfg.Orchestrator.NormalizeBatch,
		ArchivePrefix:    cfg.Archive.Prefix,
		Topic:            topic,
	})
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	a.orchestrator = orch

	logger.Info("application services initialized",
		zap.String("database", cfg.Database.Driver),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("headless", cfg.Transport.Headless.Enabled),
		zap.Bool("pubsub", publisher != nil),
	)
	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (harvest.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, postgres.Config{
			DSN:         cfg.DSN,
			MaxConns:    int32(cfg.MaxConns), //nolint:gosec // validated small positive value
			MaxAttempts: cfg.QueueMaxAttempts,
		}, logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, sqlite.Config{
			Path:         cfg.Path,
			MaxAttempts:  cfg.QueueMaxAttempts,
			MaxOpenConns: cfg.MaxConns,
		}, logger.Named("sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

func (a *App) browser() (harvest.Fetcher, error) {
	hc := a.cfg.Transport.Headless
	if !hc.Enabled {
		a.logger.Info("browser strategy disabled; challenged sources fail instead of escalating")
		return headlessfetcher.NewDisabled(), nil
	}
	f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       hc.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(hc.NavTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("init headless fetcher: %w", err)
	}
	a.onClose("headless", func() error {
		f.Close()
		return nil
	})
	return f, nil
}

func (a *App) archive(ctx context.Context) (harvest.Archive, error) {
	ac := a.cfg.Archive
	switch ac.Backend {
	case config.ArchiveNone, "":
		return nil, nil
	case config.ArchiveMemory:
		return memoryarchive.New(), nil
	case config.ArchiveLocal:
		store, err := local.New(local.Config{BaseDir: ac.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case config.ArchiveGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: ac.Bucket}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.onClose("gcs", store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", ac.Backend)
	}
}

func (a *App) publisher(ctx context.Context) (harvest.Publisher, string, error) {
	pc := a.cfg.PubSub
	if !pc.Enabled() {
		return nil, "", nil
	}
	a.logger.Info("connecting to Pub/Sub", zap.String("project", pc.ProjectID), zap.String("topic", pc.TopicName))
	p, err := pubsubpublisher.Open(ctx, pubsubpublisher.Config{ProjectID: pc.ProjectID, TopicName: pc.TopicName})
	if err != nil {
		return nil, "", fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.onClose("pubsub", p.Close)
	return p, pc.TopicName, nil
}

// Migrate brings the schema up to date. SQLite stores migrate when opened, so
// only Postgres needs an explicit pass.
func (a *App) Migrate() error {
	if a.cfg.Database.Driver != config.DriverPostgres {
		a.logger.Info("sqlite schema is current", zap.String("path", a.cfg.Database.Path))
		return nil
	}
	if err := migrations.UpPostgres(a.cfg.Database.DSN, a.logger); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// Serve runs the HTTP API on the configured port until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener runs the HTTP API on ln and shuts it down gracefully once ctx is
// done. In-flight job triggers get the shutdown timeout to finish.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	server := api.NewServer(a.store, a.orchestrator, api.Options{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
	}, a.logger)
	srv := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutdown initiated")
	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close shuts services down in reverse order of creation and flushes the logger.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	// Sync fails on stdout/stderr on some platforms; that is not worth reporting.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
