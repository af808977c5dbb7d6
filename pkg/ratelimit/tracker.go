package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry state tracking.
var (
	retryAttempts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "customers_retry_attempts",
		Help: "Consecutive rate-limited sync runs since the last clean completion",
	})
)

// Counter is the durable attempt counter used by the Scheduler.
type Counter interface {
	// GetState returns the current state; an unset counter is Attempt 0.
	GetState(ctx context.Context) (RetryState, error)
	// SetAttempt persists the attempt count.
	SetAttempt(ctx context.Context, attempt int) error
	// Clear resets the counter to unset.
	Clear(ctx context.Context) error
}

// Tracker is a Counter stored under a single Redis key.
type Tracker struct {
	redis  *redis.Client
	key    string
	logger zerolog.Logger
}

var _ Counter = (*Tracker)(nil)

// NewTracker creates a new retry state tracker.
func NewTracker(redisClient *redis.Client, keyPrefix string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		key:    RetryCountKey(keyPrefix),
		logger: logger,
	}
}

// Key returns the Redis key of the counter.
func (t *Tracker) Key() string {
	return t.key
}

// GetState retrieves the retry state from Redis.
// Returns the idle state if the key does not exist.
func (t *Tracker) GetState(ctx context.Context) (RetryState, error) {
	attempt, err := t.redis.Get(ctx, t.key).Int()
	if errors.Is(err, redis.Nil) {
		t.logger.Debug().Str("key", t.key).Msg("No retry state in Redis, assuming idle")
		return RetryState{}, nil
	}
	if err != nil {
		return RetryState{}, fmt.Errorf("get retry count: %w", err)
	}

	return RetryState{Attempt: attempt}, nil
}

// SetAttempt stores the attempt count without expiry.
func (t *Tracker) SetAttempt(ctx context.Context, attempt int) error {
	if err := t.redis.Set(ctx, t.key, attempt, 0).Err(); err != nil {
		return fmt.Errorf("set retry count: %w", err)
	}

	retryAttempts.Set(float64(attempt))
	return nil
}

// Clear deletes the counter. Clearing an unset counter is not an error.
func (t *Tracker) Clear(ctx context.Context) error {
	if err := t.redis.Del(ctx, t.key).Err(); err != nil {
		return fmt.Errorf("clear retry count: %w", err)
	}

	retryAttempts.Set(0)
	t.logger.Debug().Str("key", t.key).Msg("Retry state cleared")
	return nil
}
