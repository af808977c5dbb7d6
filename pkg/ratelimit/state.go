// Package ratelimit owns the backoff state of the customer sync. It keeps the
// consecutive rate-limit counter in Redis so a rescheduled run in another
// process sees the streak, and computes the delay of the next retry.
package ratelimit

import (
	"time"
)

// DefaultKeyPrefix namespaces every Redis key used by the exporter.
const DefaultKeyPrefix = "customers"

// DefaultMaxDelay caps the exponential part of the retry delay.
const DefaultMaxDelay = time.Hour

// MaxJitter is the exclusive upper bound of the random delay added to each retry.
const MaxJitter = 100 * time.Millisecond

// RetryCountKey returns the Redis key holding the attempt counter.
func RetryCountKey(prefix string) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + ":retry_count"
}

// RetryState is the durable backoff state. Attempt counts consecutive
// rate-limited runs since the last clean completion.
type RetryState struct {
	Attempt int `json:"attempt"`
}

// IsIdle returns true if no backoff streak is in progress.
func (s RetryState) IsIdle() bool {
	return s.Attempt <= 0
}

// BackoffDelay returns 2^attempt seconds, capped at maxDelay when maxDelay is
// positive, plus jitter seconds. jitter is expected in [0, 0.1).
func BackoffDelay(attempt int, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Larger exponents overflow time.Duration.
	if attempt > 32 {
		attempt = 32
	}
	base := time.Duration(1<<uint(attempt)) * time.Second

	if maxDelay > 0 && base > maxDelay {
		base = maxDelay
	}

	if jitter < 0 {
		jitter = 0
	}
	return base + time.Duration(jitter*float64(time.Second))
}
