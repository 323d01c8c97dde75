// Package app assembles the service from its configuration.
package app

import (
	"context"
	"errors"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/aggregator"
	"github.com/yourname/dailytally/internal/api"
	"github.com/yourname/dailytally/internal/config"
	"github.com/yourname/dailytally/internal/fastcache"
	"github.com/yourname/dailytally/internal/metrics"
	"github.com/yourname/dailytally/internal/replay"
	"github.com/yourname/dailytally/internal/service"
	"github.com/yourname/dailytally/internal/storage"
)

// ErrNoFastCache is returned by operations that only exist with the queued
// write strategy.
var ErrNoFastCache = errors.New("no fast cache configured (WRITE_STRATEGY=queued needs REDIS_URL)")

type Options struct {
	// RequireFastCache makes New fail when Redis does not answer. The
	// server starts without it and falls back to the backing store.
	RequireFastCache bool
	Clock            quartz.Clock
}

type App struct {
	cfg      *config.Config
	logger   internal.Logger
	registry *prometheus.Registry

	store storage.BackingStore
	rdb   *redis.Client
	cache *fastcache.Cache
	agg   *aggregator.Aggregator

	coordinator *service.Coordinator
	reader      *service.Reader
	seeder      *service.Seeder
	worker      *replay.Worker
}

func New(ctx context.Context, cfg *config.Config, logger internal.Logger, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)
	loc := cfg.Location()

	store, err := storage.New(ctx, cfg, logger)
	if err != nil {
		return nil, xerrors.Errorf("open %s storage: %w", cfg.StorageBackend, err)
	}
	a.store = store

	a.agg = aggregator.New(store, aggregator.Options{
		TTL:         cfg.ReadCacheTTL,
		SettingsTTL: cfg.SettingsCacheTTL,
		Clock:       opts.Clock,
		Logger:      logger.Named("aggregator"),
		Metrics:     m,
	})

	deps := service.CoordinatorDeps{
		Agg:      a.agg,
		Clock:    opts.Clock,
		Location: loc,
		Logger:   logger.Named("writes"),
		Metrics:  m,
	}
	a.reader = &service.Reader{Agg: a.agg, Clock: opts.Clock, Location: loc, Logger: logger.Named("reads")}

	if cfg.WriteStrategy == config.StrategyQueued {
		if err := a.openFastCache(ctx, m, opts.RequireFastCache); err != nil {
			a.Close()
			return nil, err
		}
		deps.Cache = a.cache
		deps.Committer = &service.QueuedCommitter{Cache: a.cache, Store: store, Agg: a.agg, Logger: deps.Logger}
		a.reader.Cache = a.cache
		a.seeder = &service.Seeder{Store: store, Target: a.cache, Agg: a.agg, Clock: opts.Clock, Location: loc, Logger: logger.Named("seed")}
		a.worker = replay.New(a.cache.Queue(cfg.QueueMode), store, replay.Options{
			BatchSize: cfg.ReplayBatchSize,
			Clock:     opts.Clock,
			Logger:    logger.Named("replay"),
			Metrics:   m,
		})
	} else {
		deps.Committer = &service.DirectCommitter{Store: store, Agg: a.agg}
	}
	a.coordinator = service.NewCoordinator(deps)

	logger.Infow("service assembled",
		"storage", cfg.StorageBackend,
		"write_strategy", cfg.WriteStrategy,
		"queue_mode", cfg.QueueMode,
		"timezone", loc.String(),
	)
	return a, nil
}

func (a *App) openFastCache(ctx context.Context, m *metrics.Metrics, require bool) error {
	var err error
	if require {
		a.rdb, err = fastcache.Dial(ctx, a.cfg.RedisURL)
	} else {
		a.rdb, err = fastcache.Connect(a.cfg.RedisURL)
	}
	if err != nil {
		return xerrors.Errorf("fast cache: %w", err)
	}
	a.cache = fastcache.New(a.rdb, a.cfg.CacheKeyPrefix, a.logger.Named("fastcache"), m, fastcache.DefaultBreakerSettings())
	if !require {
		if err := a.cache.Ping(ctx); err != nil {
			a.logger.Warnw("fast cache unreachable at startup, writes will fall back to the backing store", "error", err)
		}
	}
	return nil
}

// StartReplay runs the replay worker on REPLAY_INTERVAL until ctx is done.
// It returns nil when no schedule is configured.
func (a *App) StartReplay(ctx context.Context) quartz.Waiter {
	if a.worker == nil || a.cfg.ReplayInterval <= 0 {
		return nil
	}
	a.logger.Infow("in-process replay scheduled", "interval", a.cfg.ReplayInterval)
	return a.worker.Start(ctx, a.cfg.ReplayInterval)
}

func (a *App) RunReplay(ctx context.Context) (int, error) {
	if a.worker == nil {
		return 0, ErrNoFastCache
	}
	return a.worker.RunOnce(ctx)
}

func (a *App) RunSeed(ctx context.Context) (service.SeedResult, error) {
	if a.seeder == nil {
		return service.SeedResult{}, ErrNoFastCache
	}
	return a.seeder.Seed(ctx)
}

func (a *App) Close() error {
	var errs []error
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func (a *App) Config() *config.Config { return a.cfg }

// api.App

func (a *App) Logger() internal.Logger       { return a.logger }
func (a *App) Submitter() api.Submitter      { return a.coordinator }
func (a *App) Reader() api.TodayReader       { return a.reader }
func (a *App) Gatherer() prometheus.Gatherer { return a.registry }
func (a *App) CronSecret() string            { return a.cfg.CronSecret }

func (a *App) Replayer() api.Replayer {
	if a.worker == nil {
		return nil
	}
	return a.worker
}

func (a *App) Seeder() api.CacheSeeder {
	if a.seeder == nil {
		return nil
	}
	return a.seeder
}

func (a *App) Ping(ctx context.Context) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Ping(ctx)
}

var _ api.App = (*App)(nil)
