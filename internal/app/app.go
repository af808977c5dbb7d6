// Package app wires configuration, Redis, the record store, the upstream
// client, the retry scheduler and the queue into the operations exposed by
// the command line: a sync run, the retry task handler and a status report.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/customer-export/internal/config"
	"github.com/Sternrassler/customer-export/pkg/client"
	"github.com/Sternrassler/customer-export/pkg/export"
	"github.com/Sternrassler/customer-export/pkg/lock"
	"github.com/Sternrassler/customer-export/pkg/logging"
	"github.com/Sternrassler/customer-export/pkg/pagination"
	"github.com/Sternrassler/customer-export/pkg/queue"
	"github.com/Sternrassler/customer-export/pkg/ratelimit"
	"github.com/Sternrassler/customer-export/pkg/record"
	"github.com/Sternrassler/customer-export/pkg/record/csvstore"
	"github.com/Sternrassler/customer-export/pkg/record/sqlitestore"
)

// App holds the wired components.
type App struct {
	cfg       *config.Config
	redis     *redis.Client
	store     record.Store
	client    *client.Client
	tracker   *ratelimit.Tracker
	queue     *queue.RedisQueue
	scheduler *ratelimit.Scheduler
	engine    *export.Engine
	locker    lock.Locker
	logger    zerolog.Logger
}

// New connects to Redis and wires every component.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	rdb, err := connectRedis(ctx, cfg.Redis, logging.NewLogger("redis"))
	if err != nil {
		return nil, err
	}

	a, err := NewWithRedis(cfg, rdb)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	return a, nil
}

// NewWithRedis wires every component on an existing Redis client. The App
// takes ownership of rdb.
func NewWithRedis(cfg *config.Config, rdb *redis.Client) (*App, error) {
	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	clientCfg := client.DefaultConfig(cfg.API.Key)
	clientCfg.BaseURL = cfg.API.BaseURL
	clientCfg.Timeout = cfg.API.Timeout
	clientCfg.RequestsPerSecond = cfg.API.RequestsPerSecond

	apiClient, err := client.New(clientCfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create customers client: %w", err)
	}

	tracker := ratelimit.NewTracker(rdb, cfg.Redis.KeyPrefix, logging.NewLogger("retry-state"))
	q := queue.NewRedisQueue(rdb, cfg.Redis.KeyPrefix, logging.NewLogger("queue"))

	scheduler := ratelimit.NewScheduler(tracker, q, ratelimit.SchedulerConfig{
		TaskName: ratelimit.DefaultTaskName,
		MaxDelay: cfg.Retry.MaxDelay,
	}, logging.NewLogger("scheduler"))

	engine := export.NewEngine(store, apiClient, scheduler, pagination.Config{
		PageSize: cfg.API.PageSize,
		Timeout:  cfg.API.FetchTimeout,
	}, logging.NewLogger("sync"))

	var locker lock.Locker
	switch cfg.Lock.Backend {
	case config.LockRedis:
		locker = lock.NewRedisLease(rdb, lock.LeaseKey(cfg.Redis.KeyPrefix), cfg.Lock.LeaseTTL)
	default:
		locker = lock.NewFileLock(lock.PathFor(cfg.Store.Path))
	}

	return &App{
		cfg:       cfg,
		redis:     rdb,
		store:     store,
		client:    apiClient,
		tracker:   tracker,
		queue:     q,
		scheduler: scheduler,
		engine:    engine,
		locker:    locker,
		logger:    logging.NewLogger("app"),
	}, nil
}

// Scheduler returns the retry scheduler (for tests and status tooling).
func (a *App) Scheduler() *ratelimit.Scheduler {
	return a.scheduler
}

// Queue returns the task queue.
func (a *App) Queue() *queue.RedisQueue {
	return a.queue
}

// Sync runs one normal sync under the run lock. A rate limit schedules a
// retry and is not an error.
func (a *App) Sync(ctx context.Context) (export.Result, error) {
	var result export.Result
	err := a.withLock(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.engine.Run(ctx, false)
		return err
	})
	return result, err
}

// HandleRetry is the queue handler of the retry task. It runs the sync as a
// retry invocation; when that is rate limited again it asks the scheduler
// for the next backoff step itself. Every other error goes back to the queue.
func (a *App) HandleRetry(ctx context.Context, task queue.Task) error {
	logger := a.logger.With().Str("task_id", task.ID).Int("attempt", task.Attempt).Logger()

	return a.withLock(ctx, func(ctx context.Context) error {
		result, err := a.engine.Run(ctx, true)
		if errors.Is(err, pagination.ErrRateLimited) {
			if _, schedErr := a.scheduler.OnRateLimited(ctx); schedErr != nil {
				return schedErr
			}
			return nil
		}
		if err != nil {
			return err
		}

		logger.Info().
			Int("records", result.Records).
			Str("cursor", result.Cursor.String()).
			Msg("Retry run completed")
		return nil
	})
}

// NewWorker returns a queue worker with the retry handler registered.
func (a *App) NewWorker() *queue.Worker {
	w := queue.NewWorker(a.queue, queue.WorkerConfig{
		PollInterval: a.cfg.Queue.PollInterval,
		BatchSize:    a.cfg.Queue.BatchSize,
		MaxAttempts:  a.cfg.Queue.MaxAttempts,
		ClaimTimeout: a.cfg.Queue.ClaimTimeout,
	}, logging.NewLogger("worker"))
	w.Handle(ratelimit.DefaultTaskName, a.HandleRetry)
	return w
}

// Status is a point-in-time report of the export.
type Status struct {
	LastRecord   *record.Record
	RetryAttempt int
	Pending      int64
	Dead         int64
	NextRunAt    time.Time
	HasNextRun   bool
}

// Status collects the last exported record, the backoff streak and the queue
// counts.
func (a *App) Status(ctx context.Context) (Status, error) {
	var s Status

	last, err := a.store.ReadLast(ctx)
	if err != nil {
		return s, fmt.Errorf("read last record: %w", err)
	}
	s.LastRecord = last

	state, err := a.scheduler.Status(ctx)
	if err != nil {
		return s, err
	}
	s.RetryAttempt = state.Attempt

	if s.Pending, err = a.queue.Pending(ctx); err != nil {
		return s, err
	}
	if s.Dead, err = a.queue.DeadCount(ctx); err != nil {
		return s, err
	}
	if s.NextRunAt, s.HasNextRun, err = a.queue.NextRunAt(ctx); err != nil {
		return s, err
	}

	return s, nil
}

// Ping checks the Redis connection.
func (a *App) Ping(ctx context.Context) error {
	return a.redis.Ping(ctx).Err()
}

// Close releases every resource.
func (a *App) Close() error {
	return errors.Join(
		a.client.Close(),
		a.store.Close(),
		a.redis.Close(),
	)
}

// withLock runs fn under the run lock. A lease that expires is renewed for
// as long as fn runs; if renewal fails the context passed to fn is cancelled
// and the error wraps lock.ErrLeaseLost.
func (a *App) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := a.locker.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := a.locker.Release(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to release sync lock")
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if renewer, ok := a.locker.(lock.Renewer); ok {
		stop := lock.KeepAlive(runCtx, renewer, func(err error) {
			a.logger.Error().Err(err).Msg("Sync lease lost, aborting run")
			cancel(fmt.Errorf("%w: %w", lock.ErrLeaseLost, err))
		})
		defer stop()
	}

	err := fn(runCtx)
	if cause := context.Cause(runCtx); err != nil && errors.Is(cause, lock.ErrLeaseLost) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

func openStore(cfg config.StoreConfig) (record.Store, error) {
	logger := logging.NewLogger("store")

	switch cfg.Backend {
	case config.StoreSQLite:
		store, err := sqlitestore.Open(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.StoreCSV, "":
		store, err := csvstore.Open(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open csv store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// connectRedis dials Redis and retries the initial ping with exponential
// backoff so a worker can start before Redis is ready.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 1
	}

	ping := func() (string, error) {
		pong, err := rdb.Ping(ctx).Result()
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis not reachable yet")
			return "", err
		}
		return pong, nil
	}

	if _, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(attempts),
	); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	logger.Debug().Str("addr", cfg.Addr).Msg("Connected to Redis")
	return rdb, nil
}
