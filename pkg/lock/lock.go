// Package lock provides the single-writer guard around a sync run: an
// advisory file lock next to the record store for single-host deployments
// and a Redis lease for workers spread over several hosts.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("another sync run holds the lock")

// ErrLeaseLost is returned when a lease expired or was taken over while held.
var ErrLeaseLost = errors.New("sync lease lost")

// Locker guards a sync run.
type Locker interface {
	// Acquire takes the lock without waiting; ErrLocked if it is held.
	Acquire(ctx context.Context) error
	// Release gives the lock back. Releasing an unheld lock is a no-op.
	Release(ctx context.Context) error
}

// FileLock is an flock(2) lock on a path.
type FileLock struct {
	lock *flock.Flock
}

// Renewer is a Locker whose hold expires after TTL unless extended.
type Renewer interface {
	Locker
	Extend(ctx context.Context) error
	TTL() time.Duration
}

var _ Locker = (*FileLock)(nil)

// NewFileLock creates a lock on path. The file is created on Acquire.
func NewFileLock(path string) *FileLock {
	return &FileLock{lock: flock.New(path)}
}

// PathFor returns the lock file guarding a record store at storePath.
func PathFor(storePath string) string {
	return storePath + ".lock"
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.lock.Path()
}

// Acquire implements Locker.
func (l *FileLock) Acquire(context.Context) error {
	ok, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.lock.Path(), err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Release implements Locker.
func (l *FileLock) Release(context.Context) error {
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.lock.Path(), err)
	}
	return nil
}

// releaseScript deletes the lease only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the lease TTL only if it still carries our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// DefaultLeaseTTL bounds how long a crashed holder blocks other runs.
const DefaultLeaseTTL = 10 * time.Minute

// LeaseKey returns the Redis key of the sync lease.
func LeaseKey(prefix string) string {
	if prefix == "" {
		prefix = "customers"
	}
	return prefix + ":sync_lock"
}

// RedisLease is a SET NX PX lease with a random token.
type RedisLease struct {
	redis *redis.Client
	key   string
	ttl   time.Duration
	token string
}

var _ Renewer = (*RedisLease)(nil)

// NewRedisLease creates a lease on key that expires after ttl unless released.
func NewRedisLease(redisClient *redis.Client, key string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisLease{redis: redisClient, key: key, ttl: ttl}
}

// Acquire implements Locker.
func (l *RedisLease) Acquire(ctx context.Context) error {
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return ErrLocked
	}

	l.token = token
	return nil
}

// Release implements Locker. A lease that expired and was taken by another
// holder is left alone.
func (l *RedisLease) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}

	if err := releaseScript.Run(ctx, l.redis, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}

	l.token = ""
	return nil
}

// TTL returns the lease duration set on Acquire and Extend.
func (l *RedisLease) TTL() time.Duration {
	return l.ttl
}

// Extend resets the lease TTL. It returns ErrLeaseLost when the lease is not
// held or now belongs to another holder.
func (l *RedisLease) Extend(ctx context.Context) error {
	if l.token == "" {
		return ErrLeaseLost
	}

	n, err := extendScript.Run(ctx, l.redis, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("extend lease %s: %w", l.key, ErrLeaseLost)
	}
	return nil
}

// KeepAlive extends l every TTL/3 until ctx is done or stop is called.
// Extend errors are retried on the next tick while the last successful
// extension is younger than the TTL. onLost is called at most once, when the
// lease is gone or could not be extended within one TTL; the loop then ends.
// stop waits for the loop to exit.
func KeepAlive(ctx context.Context, l Renewer, onLost func(error)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	ttl := l.TTL()
	interval := max(ttl/3, time.Millisecond)

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastExtended := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := l.Extend(ctx)
			switch {
			case err == nil:
				lastExtended = time.Now()
			case ctx.Err() != nil:
				return
			case errors.Is(err, ErrLeaseLost), time.Since(lastExtended) >= ttl:
				onLost(err)
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
