package main

import (
	"context"
	"time"

	"getitdone/internal/auth"
	"getitdone/internal/clock"
	"getitdone/internal/config"
	"getitdone/internal/database"
	"getitdone/internal/domain"
	"getitdone/internal/engine"
	"getitdone/internal/events"
	"getitdone/internal/feed"
	"getitdone/internal/remote"
	"getitdone/internal/repository"
	"getitdone/internal/service"
	"getitdone/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *zerolog.Logger
	db       *database.DB
	redis    *redis.Client
	inflight domain.InFlightSet
	session  *auth.Session
	remote   *remote.Client
	queue    *worker.QueueWorker
	bus      *events.EventBus
	orch     *engine.Orchestrator
	tasks    *service.TaskService
}

func newApp(cfg *config.Config, logger *zerolog.Logger) (*app, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		redis:   initRedis(cfg, logger),
		session: auth.NewSession(cfg.Session.UserID, cfg.Session.AccessToken),
		bus:     events.NewEventBus(),
	}

	inflight := a.idSet(cfg.Redis.KeyPrefix)
	a.inflight = inflight

	a.remote = remote.NewClient(cfg.Remote, a.session, logger, remote.WithLocalCache(db))

	policy := worker.PolicyFromConfig(cfg.Queue)
	a.queue = worker.NewQueueWorker(db, worker.QueueOptions{
		Policy:    policy,
		MaxAge:    cfg.Queue.MaxAge,
		Pace:      cfg.Queue.Pace,
		Redis:     a.redis,
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, logger)
	worker.RegisterDeviceTokenHandlers(a.queue, a.remote)

	var subscriber domain.FeedSubscriber
	if cfg.Feed.Enabled && cfg.Feed.URL != "" {
		subscriber = feed.NewSubscriber(cfg.Feed.URL, logger)
	}

	a.orch = engine.NewOrchestrator(engine.Deps{
		Store:    db,
		Remote:   a.remote,
		InFlight: inflight,
		Echoes:   a.idSet(cfg.Redis.KeyPrefix + ":echo"),
		Session:  a.session,
		Feed:     subscriber,
		Queue:    a.queue,
		Renderer: events.NewBusRenderer(a.bus, logger),
		Events:   a.bus,
		Policy:   policy,
	}, cfg.Sync, logger)

	a.tasks = service.NewTaskService(db, inflight, a.session, a.orch, clock.Real{}, logger)
	a.orch.OnSignIn(func(ctx context.Context, owner string) error {
		_, err := a.tasks.RekeyLegacyTasks(ctx, owner)
		return err
	})

	return a, nil
}

// idSet is an expiring id set in redis under prefix, falling back to memory.
func (a *app) idSet(prefix string) domain.InFlightSet {
	var set domain.InFlightSet = repository.NewMemoryInFlightSet(clock.Real{})
	if a.redis != nil {
		primary := repository.NewRedisInFlightSet(a.redis, prefix)
		set = repository.NewFailoverInFlightSet(primary, set, a.logger)
	}
	return set
}

// prepare normalises guest rows and re-keys legacy ids of a configured session.
func (a *app) prepare(ctx context.Context) {
	if _, err := a.tasks.NormalizeGuestTasks(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Guest task normalisation failed")
	}
	if owner := a.session.OwnerID(); owner != "" {
		if _, err := a.tasks.RekeyLegacyTasks(ctx, owner); err != nil {
			a.logger.Warn().Err(err).Msg("Legacy id re-key failed")
		}
	}
}

func (a *app) Close() {
	a.tasks.Wait()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close database")
	}
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}
