package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultTaskName is the queue task that re-runs the sync.
const DefaultTaskName = "customers.sync"

// Prometheus metrics for retry scheduling.
var (
	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "customers_rate_limited_total",
		Help: "Total number of sync runs stopped by an upstream rate limit",
	})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "customers_retry_backoff_seconds",
		Help:    "Delay of scheduled sync retries in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 13),
	})
)

// Enqueuer schedules a named task to run after delay.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, delay time.Duration) error
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// TaskName is the task enqueued for a retry
	TaskName string
	// MaxDelay caps the exponential delay; zero means uncapped
	MaxDelay time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TaskName: DefaultTaskName,
		MaxDelay: DefaultMaxDelay,
	}
}

// Scheduler turns rate-limit events into delayed retries.
//
// Each rate-limited run moves the state from Backoff(N) to Backoff(N+1) and
// enqueues a retry after 2^N seconds plus jitter; a clean completion returns
// it to idle.
type Scheduler struct {
	counter Counter
	queue   Enqueuer
	config  SchedulerConfig
	jitter  func() float64
	logger  zerolog.Logger
}

// NewScheduler creates a new retry scheduler.
func NewScheduler(counter Counter, queue Enqueuer, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if cfg.TaskName == "" {
		cfg.TaskName = DefaultTaskName
	}

	return &Scheduler{
		counter: counter,
		queue:   queue,
		config:  cfg,
		jitter:  func() float64 { return rand.Float64() * MaxJitter.Seconds() },
		logger:  logger,
	}
}

// SetJitter replaces the jitter source (for testing). fn must return values
// in [0, 0.1).
func (s *Scheduler) SetJitter(fn func() float64) {
	s.jitter = fn
}

// OnRateLimited records one more rate-limited attempt and enqueues the next
// run. Counter failures are logged and scheduling continues with attempt 0
// semantics for a failed read; only an enqueue failure is returned.
func (s *Scheduler) OnRateLimited(ctx context.Context) (time.Duration, error) {
	rateLimitedTotal.Inc()

	attempt := 0
	state, err := s.counter.GetState(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read retry count, assuming no previous attempts")
	} else {
		attempt = state.Attempt
	}

	delay := BackoffDelay(attempt, s.config.MaxDelay, s.jitter())

	if err := s.counter.SetAttempt(ctx, attempt+1); err != nil {
		s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Failed to persist retry count")
	}

	if err := s.queue.Enqueue(ctx, s.config.TaskName, delay); err != nil {
		return delay, fmt.Errorf("enqueue %s retry: %w", s.config.TaskName, err)
	}

	retryBackoffSeconds.Observe(delay.Seconds())

	s.logger.Warn().Msg("You made too many API calls in too short a time.")
	s.logger.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msgf("Retry count: %d. Will retry again in %d seconds.", attempt, int(delay.Seconds()))

	return delay, nil
}

// OnCleanCompletion returns the state machine to idle.
func (s *Scheduler) OnCleanCompletion(ctx context.Context) error {
	if err := s.counter.Clear(ctx); err != nil {
		return err
	}

	s.logger.Debug().Msg("Backoff state reset after clean completion")
	return nil
}

// Status returns the current retry state.
func (s *Scheduler) Status(ctx context.Context) (RetryState, error) {
	return s.counter.GetState(ctx)
}
