// Package queue is a Redis-backed delayed task queue. Tasks live in a sorted
// set scored by their run-at time; a worker claims due tasks, runs the
// registered handler and retries failures a fixed number of times before
// moving them to a dead list. A claimed task stays in a processing set until
// its outcome is recorded, so a worker that dies mid-task does not lose it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultKeyPrefix namespaces the queue keys.
const DefaultKeyPrefix = "customers"

// Task is one scheduled invocation.
type Task struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RunAt      time.Time `json:"run_at"`
	LastError  string    `json:"last_error,omitempty"`

	// payload is the stored member the task was claimed as.
	payload string
}

// ScheduledKey returns the sorted set holding pending tasks.
func ScheduledKey(prefix string) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + ":queue:scheduled"
}

// ProcessingKey returns the sorted set holding claimed tasks, scored by
// claim time.
func ProcessingKey(prefix string) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + ":queue:processing"
}

// DeadKey returns the list holding tasks that exhausted their retries.
func DeadKey(prefix string) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + ":queue:dead"
}

// claimScript moves up to ARGV[2] tasks due at ARGV[1] from the scheduled
// set into the processing set.
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call("ZREM", KEYS[1], member)
	redis.call("ZADD", KEYS[2], ARGV[1], member)
end
return due
`)

// recoverScript moves tasks claimed at or before ARGV[1] back into the
// scheduled set, due at ARGV[2].
var recoverScript = redis.NewScript(`
local stale = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, member in ipairs(stale) do
	redis.call("ZREM", KEYS[1], member)
	redis.call("ZADD", KEYS[2], ARGV[2], member)
end
return #stale
`)

// RedisQueue stores tasks in Redis.
type RedisQueue struct {
	redis         *redis.Client
	scheduledKey  string
	processingKey string
	deadKey       string
	now           func() time.Time
	logger        zerolog.Logger
}

// NewRedisQueue creates a queue under the given key prefix.
func NewRedisQueue(redisClient *redis.Client, keyPrefix string, logger zerolog.Logger) *RedisQueue {
	return &RedisQueue{
		redis:         redisClient,
		scheduledKey:  ScheduledKey(keyPrefix),
		processingKey: ProcessingKey(keyPrefix),
		deadKey:       DeadKey(keyPrefix),
		now:           time.Now,
		logger:        logger,
	}
}

// SetClock replaces the time source (for testing).
func (q *RedisQueue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue schedules a new task named name to run after delay. A zero delay
// makes it due immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, delay time.Duration) error {
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if delay < 0 {
		delay = 0
	}

	now := q.now()
	task := Task{
		ID:         uuid.NewString(),
		Name:       name,
		EnqueuedAt: now,
		RunAt:      now.Add(delay),
	}

	if err := q.push(ctx, task); err != nil {
		return err
	}

	q.logger.Debug().
		Str("task_id", task.ID).
		Str("task", name).
		Dur("delay", delay).
		Msg("Task enqueued")
	return nil
}

// Requeue schedules another attempt of a failed task and releases its claim.
func (q *RedisQueue) Requeue(ctx context.Context, task Task, delay time.Duration, cause error) error {
	claimed := task.payload
	task.Attempt++
	task.RunAt = q.now().Add(delay)
	if cause != nil {
		task.LastError = cause.Error()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(task.RunAt.UnixMilli()), Member: payload})
		if claimed != "" {
			pipe.ZRem(ctx, q.processingKey, claimed)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", task.Name, err)
	}
	return nil
}

// Bury moves a task to the dead list and releases its claim.
func (q *RedisQueue) Bury(ctx context.Context, task Task, cause error) error {
	claimed := task.payload
	if cause != nil {
		task.LastError = cause.Error()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.deadKey, payload)
		if claimed != "" {
			pipe.ZRem(ctx, q.processingKey, claimed)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("push dead task: %w", err)
	}
	return nil
}

// Ack releases the claim of a task that completed.
func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	if task.payload == "" {
		return nil
	}
	if err := q.redis.ZRem(ctx, q.processingKey, task.payload).Err(); err != nil {
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return nil
}

// ClaimDue moves up to limit tasks whose run-at time has passed into the
// processing set and returns them. A task is returned to exactly one
// claimer. Every claimed task must be passed to Ack, Requeue or Bury.
func (q *RedisQueue) ClaimDue(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 1
	}

	members, err := claimScript.Run(ctx, q.redis,
		[]string{q.scheduledKey, q.processingKey},
		q.now().UnixMilli(), limit,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}

	tasks := make([]Task, 0, len(members))
	for _, member := range members {
		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			q.logger.Error().Err(err).Str("payload", member).Msg("Dropping undecodable task")
			_, pushErr := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LPush(ctx, q.deadKey, member)
				pipe.ZRem(ctx, q.processingKey, member)
				return nil
			})
			if pushErr != nil {
				q.logger.Error().Err(pushErr).Msg("Failed to move undecodable task to dead list")
			}
			continue
		}
		task.payload = member
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// RecoverStale reschedules tasks claimed more than olderThan ago, due now.
// Their worker died before recording an outcome. It returns the number of
// tasks recovered.
func (q *RedisQueue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.now()
	n, err := recoverScript.Run(ctx, q.redis,
		[]string{q.processingKey, q.scheduledKey},
		now.Add(-olderThan).UnixMilli(), now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}

	if n > 0 {
		q.logger.Warn().
			Int("tasks", n).
			Dur("older_than", olderThan).
			Msg("Rescheduled tasks abandoned by a previous worker")
	}
	return n, nil
}

// Processing returns the number of claimed tasks without a recorded outcome.
func (q *RedisQueue) Processing(ctx context.Context) (int64, error) {
	n, err := q.redis.ZCard(ctx, q.processingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count processing tasks: %w", err)
	}
	return n, nil
}

// Pending returns the number of scheduled tasks.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	n, err := q.redis.ZCard(ctx, q.scheduledKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count scheduled tasks: %w", err)
	}
	return n, nil
}

// DeadCount returns the number of dead tasks.
func (q *RedisQueue) DeadCount(ctx context.Context) (int64, error) {
	n, err := q.redis.LLen(ctx, q.deadKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead tasks: %w", err)
	}
	return n, nil
}

// NextRunAt returns the run-at time of the earliest scheduled task. ok is
// false when nothing is scheduled.
func (q *RedisQueue) NextRunAt(ctx context.Context) (runAt time.Time, ok bool, err error) {
	entries, err := q.redis.ZRangeWithScores(ctx, q.scheduledKey, 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return time.Time{}, false, fmt.Errorf("peek scheduled tasks: %w", err)
	}
	if len(entries) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(entries[0].Score)), true, nil
}

func (q *RedisQueue) push(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	err = q.redis.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(task.RunAt.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", task.Name, err)
	}
	return nil
}
