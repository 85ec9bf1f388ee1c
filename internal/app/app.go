// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/cache"
	"github.com/JakeFAU/pagewatch/internal/checker"
	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/export"
	"github.com/JakeFAU/pagewatch/internal/extract"
	"github.com/JakeFAU/pagewatch/internal/fetcher"
	"github.com/JakeFAU/pagewatch/internal/governor"
	iduuid "github.com/JakeFAU/pagewatch/internal/id/uuid"
	"github.com/JakeFAU/pagewatch/internal/notify/telegram"
	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/progress/sinks"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	"github.com/JakeFAU/pagewatch/internal/storage/local"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
	"github.com/JakeFAU/pagewatch/internal/storage/postgres"
	"github.com/JakeFAU/pagewatch/internal/storage/sqlite"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// App holds the shared services built once per process. Commands reach for the
// pieces they need; Close releases them in reverse order.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Repo     watch.Repository
	Settings *scheduler.SettingsCache
	Cache    *cache.Cache
	Governor *governor.Governor
	Fetcher  *fetcher.Fetcher
	Checker  *checker.Checker
	Hub      *progress.Hub
	Events   *sinks.Broadcaster
	Exporter *export.Exporter
	Opener   watch.PathOpener
}

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	clock      *system.Clock
}

// WithRegisterer sets where the progress metrics are registered. Tests pass a
// fresh registry so repeated construction does not collide.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New creates and initializes an App from cfg. It fails fast if any critical
// service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer, clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	logger.Info("initializing application services", zap.String("storage", cfg.Storage.Driver))

	repo, err := openRepository(ctx, cfg.Storage, o.clock, logger)
	if err != nil {
		return nil, err
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Repo:     repo,
		Settings: scheduler.NewSettingsCache(repo),
		Opener:   watch.PathOpener{},
	}
	if err := a.build(o); err != nil {
		a.Close(ctx)
		return nil, err
	}
	logger.Info("application services initialized")
	return a, nil
}

func (a *App) build(o options) error {
	cfg := a.Config
	disk, err := openDisk(cfg.Cache.Dir)
	if err != nil {
		return err
	}
	a.Cache, err = cache.New(disk, cache.Config{
		TTL:         cfg.CacheTTL(),
		MemoryItems: cfg.Cache.MemoryItems,
		Clock:       o.clock,
		Logger:      a.Logger,
	})
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	a.Governor = governor.New(governorConfig(cfg.Governor), governor.WithLogger(a.Logger))
	a.Fetcher, err = fetcher.New(fetcherConfig(cfg), a.Governor,
		fetcher.WithCache(a.Cache),
		fetcher.WithLogger(a.Logger),
	)
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}

	hubSinks, err := a.progressSinks(o.registerer)
	if err != nil {
		return err
	}
	a.Hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.Logger.Named("progress"),
	}, hubSinks...)

	a.Checker, err = checker.New(checker.Config{
		Workers:    cfg.Checker.Workers,
		Stagger:    time.Duration(cfg.Checker.StaggerMs) * time.Millisecond,
		MaxRetries: cfg.Fetcher.MaxRetries,
	}, a.Fetcher, extract.New(extract.WithLogger(a.Logger)), a.Repo,
		checker.WithClock(o.clock),
		checker.WithSleeper(o.clock),
		checker.WithEmitter(a.Hub),
		checker.WithIDGenerator(iduuid.New()),
		checker.WithLogger(a.Logger),
	)
	if err != nil {
		return fmt.Errorf("init checker: %w", err)
	}

	a.Exporter = export.New(export.Config{
		FeedTitle: cfg.Export.FeedTitle,
		FeedLink:  cfg.Export.FeedLink,
		MaxItems:  cfg.Export.MaxItems,
	}, a.Repo, export.WithClock(o.clock), export.WithOpener(a.Opener))
	return nil
}

func (a *App) progressSinks(reg prometheus.Registerer) ([]progress.Sink, error) {
	cfg := a.Config
	var out []progress.Sink
	if cfg.Progress.LogEvents {
		out = append(out, sinks.NewLogSink(a.Logger))
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	out = append(out, promSink, sinks.NewStoreSink(a.Repo, a.Logger))

	a.Events = sinks.NewBroadcaster(cfg.Progress.StreamBuffer, a.Logger)
	out = append(out, a.Events)

	if cfg.Notify.Telegram.Enabled {
		notifier, err := telegram.New(telegram.Config{
			Token:  cfg.Notify.Telegram.Token,
			ChatID: cfg.Notify.Telegram.ChatID,
		}, telegram.WithOpener(a.Opener), telegram.WithLogger(a.Logger))
		if err != nil {
			return nil, fmt.Errorf("init telegram notifier: %w", err)
		}
		out = append(out, notifier)
	}
	return out, nil
}

// Close drains the progress hub and releases the repository.
func (a *App) Close(ctx context.Context) {
	a.Logger.Info("shutting down application services")
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			a.Logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.Repo != nil {
		if err := a.Repo.Close(); err != nil {
			a.Logger.Warn("repository close failed", zap.Error(err))
		}
	}
}

func openRepository(ctx context.Context, cfg config.StorageConfig, clk watch.Clock, logger *zap.Logger) (watch.Repository, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath, MaxConns: cfg.MaxConns},
			sqlite.WithClock(clk), sqlite.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("init sqlite storage: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.PostgresDSN,
			MaxConns: int32(cfg.MaxConns), //nolint:gosec // validated config value
		}, postgres.WithClock(clk), postgres.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("init postgres storage: %w", err)
		}
		return store, nil
	case "memory":
		logger.Warn("using in-memory storage; nothing survives a restart")
		return memory.NewStore(memory.WithClock(clk)), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

func openDisk(dir string) (cache.ObjectStore, error) {
	if dir == "" {
		return memory.NewBlobStore(), nil
	}
	store, err := local.New(local.Config{BaseDir: dir})
	if err != nil {
		return nil, fmt.Errorf("init cache dir: %w", err)
	}
	return store, nil
}

func governorConfig(c config.GovernorConfig) governor.Config {
	return governor.Config{
		MinInterval:          time.Duration(c.MinIntervalMs) * time.Millisecond,
		MaxPerMinute:         c.MaxPerMinute,
		PerDomainConcurrency: int64(c.PerDomainConcurrency),
		FailureThreshold:     c.FailureThreshold,
		BlockBase:            time.Duration(c.BlockBaseSeconds) * time.Second,
		BlockMax:             time.Duration(c.BlockMaxSeconds) * time.Second,
		RetryBase:            time.Duration(c.RetryBaseSeconds) * time.Second,
		RetryMax:             time.Duration(c.RetryMaxSeconds) * time.Second,
	}
}

func fetcherConfig(c config.Config) fetcher.Config {
	rules := make([]fetcher.DomainRule, 0, len(c.Fetcher.DomainRules))
	for _, r := range c.Fetcher.DomainRules {
		markers := r.Markers
		if len(markers) == 0 {
			markers = config.DefaultMarkers
		}
		rules = append(rules, fetcher.DomainRule{Domain: r.Domain, MinLength: r.MinLength, Markers: markers})
	}
	iv := c.Fetcher.Interval
	return fetcher.Config{
		MaxRetries:       c.Fetcher.MaxRetries,
		ConnectTimeout:   c.ConnectTimeout(),
		ReadTimeout:      c.ReadTimeout(),
		MinContentLength: c.Fetcher.MinContentLength,
		DomainRules:      rules,
		Proxies:          c.Fetcher.Proxies,
		Interval: fetcher.IntervalConfig{
			Start:   time.Duration(iv.StartMs) * time.Millisecond,
			Min:     time.Duration(iv.MinMs) * time.Millisecond,
			Max:     time.Duration(iv.MaxMs) * time.Millisecond,
			Penalty: iv.Penalty,
		},
	}
}

// SchemaVersion reports the migration version of SQL repositories.
func (a *App) SchemaVersion() (int64, error) {
	v, ok := a.Repo.(interface{ SchemaVersion() int64 })
	if !ok {
		return 0, errors.New("storage driver has no schema")
	}
	return v.SchemaVersion(), nil
}
