// Package bootstrap wires configured backends into the components shared by
// the api and worker commands.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/api"
	"github.com/leejennwah/palette-engine/internal/config"
	"github.com/leejennwah/palette-engine/internal/events"
	"github.com/leejennwah/palette-engine/internal/idempotency"
	"github.com/leejennwah/palette-engine/internal/job"
	"github.com/leejennwah/palette-engine/internal/metrics"
	"github.com/leejennwah/palette-engine/internal/nonce"
	"github.com/leejennwah/palette-engine/internal/palette"
	"github.com/leejennwah/palette-engine/internal/processing"
	"github.com/leejennwah/palette-engine/internal/queue"
	"github.com/leejennwah/palette-engine/internal/storage"
	"github.com/leejennwah/palette-engine/internal/webhook"
	"github.com/leejennwah/palette-engine/internal/worker"
)

// sweepInterval is how often in-memory nonce and idempotency entries are
// reclaimed.
const sweepInterval = time.Minute

// Runtime holds the shared components of a running process.
type Runtime struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Store       *job.Store
	Queue       queue.Queue
	Blobs       *storage.FileStore
	Idempotency idempotency.Store
	Nonces      nonce.Cache
	Webhooks    *webhook.Dispatcher
	Publisher   events.Publisher
	Checks      []api.Check

	background []func(ctx context.Context)
	closers    []func()
}

// Option customises Open.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// WithRegistry registers metrics on reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registerer, o.gatherer = reg, reg
	}
}

// Open connects the configured backends. Pool sizes follow the role: the
// api process serves many concurrent requests, the worker fewer.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, role string, opts ...Option) (*Runtime, error) {
	o := options{registerer: prometheus.DefaultRegisterer, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&o)
	}
	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics.New(o.registerer),
		Gatherer: o.gatherer,
	}

	blobs, err := storage.NewFileStore(cfg.BlobDir, cfg.BlobPublicURL)
	if err != nil {
		return nil, err
	}
	rt.Blobs = blobs
	rt.Checks = append(rt.Checks, api.Check{Name: "blob_store", Fn: blobs.Writable})

	var repo job.Repository
	switch cfg.Backend {
	case config.BackendPostgres:
		repo, err = rt.openPostgres(ctx, role)
	default:
		repo = rt.openMemory()
	}
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Store = job.NewStore(repo, logger, job.WithPurgeHook(rt.purgeBlobs))
	rt.Checks = append(rt.Checks, api.Check{Name: "job_store", Fn: rt.Store.Ping})
	rt.background = append(rt.background, func(ctx context.Context) {
		rt.Store.RunGC(ctx, cfg.GCInterval)
	})

	rt.Webhooks = webhook.NewDispatcher(webhook.Config{
		Secret:  cfg.WebhookSecret,
		Timeout: cfg.WebhookTimeout,
		Workers: cfg.WebhookWorkers,
		Buffer:  cfg.WebhookBuffer,
	}, rt.Metrics, logger)

	rt.Publisher = rt.openPublisher()
	rt.closers = append(rt.closers, func() {
		if err := rt.Publisher.Close(); err != nil {
			logger.Warn("close event publisher", zap.Error(err))
		}
	})
	return rt, nil
}

func (rt *Runtime) openMemory() job.Repository {
	rt.Queue = queue.NewMemoryQueue(time.Second)

	idem := idempotency.NewMemoryStore(rt.Config.IdempotencyRetention)
	nonces := nonce.NewMemoryCache(nonce.Window)
	rt.Idempotency, rt.Nonces = idem, nonces
	rt.background = append(rt.background,
		func(ctx context.Context) { idem.RunSweeper(ctx, sweepInterval) },
		func(ctx context.Context) { nonces.RunSweeper(ctx, sweepInterval) },
	)
	rt.Logger.Info("using in-memory backend")
	return storage.NewMemoryJobRepository()
}

func (rt *Runtime) openPostgres(ctx context.Context, role string) (job.Repository, error) {
	pgConfig, err := pgxpool.ParseConfig(rt.Config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	redisOpts, err := redisOptions(rt.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	if role == "api" {
		pgConfig.MaxConns, pgConfig.MinConns = 50, 10
		redisOpts.PoolSize, redisOpts.MinIdleConns = 100, 20
	} else {
		pgConfig.MaxConns, pgConfig.MinConns = 20, 5
		redisOpts.PoolSize, redisOpts.MinIdleConns = 50, 10
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	rt.closers = append(rt.closers, pool.Close)

	rdb := redis.NewClient(redisOpts)
	rt.closers = append(rt.closers, func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	rt.Checks = append(rt.Checks, api.Check{Name: "redis", Fn: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}})

	rt.Queue = queue.NewRedisQueue(rdb, rt.Logger)
	rt.Idempotency = idempotency.NewRedisStore(rdb, rt.Config.IdempotencyRetention)
	rt.Nonces = nonce.NewRedisCache(rdb, nonce.Window)
	rt.Logger.Info("using postgres and redis backends")
	return storage.NewPostgresJobRepository(pool, rt.Logger), nil
}

func (rt *Runtime) openPublisher() events.Publisher {
	if len(rt.Config.KafkaBrokers) == 0 {
		return events.NewLogPublisher(rt.Logger)
	}
	p, err := events.NewKafkaPublisher(rt.Config.KafkaBrokers, rt.Config.KafkaTopic)
	if err != nil {
		rt.Logger.Warn("kafka unavailable, logging events instead", zap.Error(err))
		return events.NewLogPublisher(rt.Logger)
	}
	rt.Logger.Info("publishing job events to kafka",
		zap.Strings("brokers", rt.Config.KafkaBrokers),
		zap.String("topic", rt.Config.KafkaTopic),
	)
	return p
}

// purgeBlobs removes the inputs and previews of jobs dropped by GC.
func (rt *Runtime) purgeBlobs(ctx context.Context, ids []uuid.UUID) {
	for _, id := range ids {
		if err := rt.Blobs.DeletePrefix(ctx, storage.JobPrefix(id)); err != nil {
			rt.Logger.Warn("purge job blobs", zap.String("job_id", id.String()), zap.Error(err))
		}
	}
	rt.Metrics.JobsPurgedTotal.Add(float64(len(ids)))
}

// NewPool builds the worker pool over the runtime's store and queue.
func (rt *Runtime) NewPool() *worker.Pool {
	proc := processing.NewProcessor(
		rt.Blobs,
		palette.NewExtractor(),
		processing.NewFetcher(rt.Config.AllowPrivateURLs),
		processing.BatchPolicy(rt.Config.BatchPolicy),
		rt.Logger,
	)
	cfg := worker.DefaultConfig()
	cfg.Concurrency = rt.Config.WorkerConcurrency
	return worker.New(rt.Store, rt.Queue, proc, rt.Webhooks, rt.Publisher, rt.Metrics, rt.Logger, cfg)
}

// Start launches the webhook dispatcher and background sweepers. They stop
// when ctx is cancelled.
func (rt *Runtime) Start(ctx context.Context) {
	rt.Webhooks.Start()
	for _, run := range rt.background {
		go run(ctx)
	}
}

// Close drains webhooks and releases connections in reverse order.
func (rt *Runtime) Close() {
	if rt.Webhooks != nil {
		rt.Webhooks.Close()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw}, nil
}
