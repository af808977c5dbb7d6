package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultMaxAttempts is how many times a failed task is retried before it is
// moved to the dead list.
const DefaultMaxAttempts = 5

// DefaultClaimTimeout bounds how long a task claimed by a dead worker stays
// invisible.
const DefaultClaimTimeout = time.Hour

// Task outcomes used as the outcome label of customers_queue_tasks_total.
const (
	outcomeSucceeded = "succeeded"
	outcomeRetried   = "retried"
	outcomeDead      = "dead"
)

// Prometheus metrics for task processing.
var (
	queueTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "customers_queue_tasks_total",
		Help: "Total number of processed queue tasks by outcome",
	}, []string{"outcome"})
)

// ErrNoHandler is recorded on tasks whose name has no registered handler.
var ErrNoHandler = errors.New("no handler registered")

// Handler runs one task. A returned error triggers the retry envelope.
type Handler func(ctx context.Context, task Task) error

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	// PollInterval between scans for due tasks
	PollInterval time.Duration
	// BatchSize is the maximum number of tasks claimed per scan
	BatchSize int
	// MaxAttempts is the number of retries after the first failure
	MaxAttempts int
	// ClaimTimeout is how long a claimed task may go without an outcome
	// before it is rescheduled. It must exceed the longest handler run.
	ClaimTimeout time.Duration
}

// DefaultWorkerConfig returns the default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: time.Second,
		BatchSize:    10,
		MaxAttempts:  DefaultMaxAttempts,
		ClaimTimeout: DefaultClaimTimeout,
	}
}

// Worker polls a RedisQueue and dispatches due tasks to handlers, one at a
// time.
type Worker struct {
	queue    *RedisQueue
	handlers map[string]Handler
	config   WorkerConfig
	jitter   func() float64
	logger   zerolog.Logger
}

// NewWorker creates a worker for q.
func NewWorker(q *RedisQueue, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	defaults := DefaultWorkerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaults.ClaimTimeout
	}

	return &Worker{
		queue:    q,
		handlers: make(map[string]Handler),
		config:   cfg,
		jitter:   rand.Float64,
		logger:   logger,
	}
}

// Handle registers h for tasks named name.
func (w *Worker) Handle(name string, h Handler) {
	w.handlers[name] = h
}

// SetJitter replaces the jitter source (for testing). fn returns values in [0, 1).
func (w *Worker) SetJitter(fn func() float64) {
	w.jitter = fn
}

// Run processes due tasks until ctx is cancelled. Each poll first
// reschedules tasks whose claim timed out.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("max_attempts", w.config.MaxAttempts).
		Dur("claim_timeout", w.config.ClaimTimeout).
		Msg("Worker started")

	for {
		if _, err := w.queue.RecoverStale(ctx, w.config.ClaimTimeout); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Failed to recover stale tasks")
		}
		if _, err := w.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Failed to process due tasks")
		}

		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessDue claims and runs every task due now. It returns the number of
// tasks run.
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	processed := 0
	for {
		tasks, err := w.queue.ClaimDue(ctx, w.config.BatchSize)
		for _, task := range tasks {
			w.process(ctx, task)
			processed++
		}
		if err != nil {
			return processed, err
		}
		if len(tasks) < w.config.BatchSize || ctx.Err() != nil {
			return processed, nil
		}
	}
}

func (w *Worker) process(ctx context.Context, task Task) {
	logger := w.logger.With().
		Str("task_id", task.ID).
		Str("task", task.Name).
		Int("attempt", task.Attempt).
		Logger()

	// Outcomes are recorded even when the worker is shutting down.
	bookkeeping := context.WithoutCancel(ctx)

	handler, ok := w.handlers[task.Name]
	if !ok {
		logger.Error().Msg("No handler for task, moving to dead list")
		w.bury(bookkeeping, logger, task, fmt.Errorf("%w: %s", ErrNoHandler, task.Name))
		return
	}

	err := handler(ctx, task)
	if err == nil {
		queueTasksTotal.WithLabelValues(outcomeSucceeded).Inc()
		if ackErr := w.queue.Ack(bookkeeping, task); ackErr != nil {
			logger.Error().Err(ackErr).Msg("Failed to acknowledge task")
		}
		logger.Debug().Msg("Task succeeded")
		return
	}

	if task.Attempt >= w.config.MaxAttempts {
		logger.Error().Err(err).Msg("Task failed, retries exhausted")
		w.bury(bookkeeping, logger, task, err)
		return
	}

	delay := RetryDelay(task.Attempt, w.jitter())
	if reqErr := w.queue.Requeue(bookkeeping, task, delay, err); reqErr != nil {
		logger.Error().Err(reqErr).AnErr("cause", err).Msg("Failed to requeue task, moving to dead list")
		w.bury(bookkeeping, logger, task, err)
		return
	}

	queueTasksTotal.WithLabelValues(outcomeRetried).Inc()
	logger.Warn().Err(err).Dur("delay", delay).Msg("Task failed, retry scheduled")
}

func (w *Worker) bury(ctx context.Context, logger zerolog.Logger, task Task, cause error) {
	queueTasksTotal.WithLabelValues(outcomeDead).Inc()
	if err := w.queue.Bury(ctx, task, cause); err != nil {
		logger.Error().Err(err).Msg("Failed to move task to dead list")
	}
}

// RetryDelay returns the delay before retry number attempt+1 of a failed
// task: attempt^4 + 15 seconds plus up to 10*(attempt+1) seconds of jitter.
func RetryDelay(attempt int, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := math.Pow(float64(attempt), 4) + 15
	spread := jitter * 10 * float64(attempt+1)
	return time.Duration((base + spread) * float64(time.Second))
}
