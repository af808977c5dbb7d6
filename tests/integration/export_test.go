//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/customer-export/internal/app"
	"github.com/Sternrassler/customer-export/internal/config"
	"github.com/Sternrassler/customer-export/internal/testutil"
	"github.com/Sternrassler/customer-export/pkg/lock"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: endpoint})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func testConfig(t *testing.T, baseURL, storePath string) *config.Config {
	t.Helper()

	return &config.Config{
		API: config.APIConfig{
			BaseURL:      baseURL,
			Key:          "sk_test_123",
			Timeout:      5 * time.Second,
			PageSize:     2,
			FetchTimeout: 5 * time.Second,
		},
		Store:  config.StoreConfig{Backend: config.StoreCSV, Path: storePath},
		Redis:  config.RedisConfig{KeyPrefix: "it", ConnectAttempts: 1},
		Retry:  config.RetryConfig{MaxDelay: time.Hour},
		Queue:  config.QueueConfig{PollInterval: 50 * time.Millisecond, BatchSize: 10, MaxAttempts: 5},
		Lock:   config.LockConfig{Backend: config.LockRedis, LeaseTTL: time.Minute},
		Worker: config.WorkerConfig{Address: "127.0.0.1:0"},
		Log:    config.LogConfig{Level: "info"},
	}
}

// TestRateLimitedExportResumes runs the full flow: first page 429, retry
// scheduled in Redis, worker picks it up and finishes the export.
func TestRateLimitedExportResumes(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockAPI(testutil.Customers("cus_", 5)...)
	defer mock.Close()
	mock.RequireAPIKey("sk_test_123")
	mock.EnqueueRateLimit(1)

	storePath := filepath.Join(t.TempDir(), "customers_info.csv")
	a, err := app.NewWithRedis(testConfig(t, mock.URL(), storePath), redisClient)
	if err != nil {
		t.Fatalf("NewWithRedis() error = %v", err)
	}

	ctx := context.Background()

	result, err := a.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Completed {
		t.Fatal("first run should be rate limited")
	}

	status, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.RetryAttempt != 1 || status.Pending != 1 {
		t.Fatalf("status = %+v, want attempt 1 with one pending task", status)
	}

	worker := a.NewWorker()
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := worker.ProcessDue(ctx)
		if err != nil {
			t.Fatalf("ProcessDue() error = %v", err)
		}
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("retry never became due")
		}
		time.Sleep(100 * time.Millisecond)
	}

	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 5 {
		t.Errorf("store has %d lines, want 5", lines)
	}

	status, err = a.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.RetryAttempt != 0 {
		t.Errorf("RetryAttempt = %d, want 0 after clean completion", status.RetryAttempt)
	}
	if status.Pending != 0 {
		t.Errorf("Pending = %d, want 0", status.Pending)
	}
	if status.LastRecord == nil || status.LastRecord.ID != "cus_5" {
		t.Errorf("LastRecord = %+v, want cus_5", status.LastRecord)
	}
}

// TestRedisLeaseExcludesConcurrentSync checks that a held lease blocks a second sync.
func TestRedisLeaseExcludesConcurrentSync(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockAPI(testutil.Customers("cus_", 3)...)
	defer mock.Close()

	ctx := context.Background()
	holder := lock.NewRedisLease(redisClient, lock.LeaseKey("it"), time.Minute)
	if err := holder.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	a, err := app.NewWithRedis(testConfig(t, mock.URL(), filepath.Join(t.TempDir(), "customers_info.csv")), redisClient)
	if err != nil {
		t.Fatalf("NewWithRedis() error = %v", err)
	}

	if _, err := a.Sync(ctx); !errors.Is(err, lock.ErrLocked) {
		t.Fatalf("Sync() error = %v, want ErrLocked", err)
	}
	if mock.GetRequestCount() != 0 {
		t.Errorf("locked sync made %d requests", mock.GetRequestCount())
	}

	if err := holder.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	result, err := a.Sync(ctx)
	if err != nil || !result.Completed {
		t.Fatalf("Sync() = %+v, %v; want completed", result, err)
	}
}
