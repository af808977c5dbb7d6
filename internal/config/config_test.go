package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CUSTOMER_EXPORT_API_KEY", "sk_test_123")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "sk_test_123", cfg.API.Key)
	assert.Equal(t, "https://api.stripe.com", cfg.API.BaseURL)
	assert.Equal(t, 50, cfg.API.PageSize)
	assert.Equal(t, 15*time.Second, cfg.API.FetchTimeout)
	assert.Equal(t, 20.0, cfg.API.RequestsPerSecond)
	assert.Equal(t, StoreCSV, cfg.Store.Backend)
	assert.Equal(t, "customers_info.csv", cfg.Store.Path)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "customers", cfg.Redis.KeyPrefix)
	assert.EqualValues(t, 5, cfg.Redis.ConnectAttempts)
	assert.Equal(t, time.Hour, cfg.Retry.MaxDelay)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Queue.ClaimTimeout)
	assert.Equal(t, LockFile, cfg.Lock.Backend)
	assert.Equal(t, ":8080", cfg.Worker.Address)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CUSTOMER_EXPORT_API_KEY", "sk_test_env")
	t.Setenv("CUSTOMER_EXPORT_STORE_BACKEND", "sqlite")
	t.Setenv("CUSTOMER_EXPORT_RETRY_MAX_DELAY", "10m")
	t.Setenv("CUSTOMER_EXPORT_REDIS_DB", "3")
	t.Setenv("CUSTOMER_EXPORT_LOG_PRETTY", "true")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.Store.Backend)
	assert.Equal(t, "customers.db", cfg.Store.Path)
	assert.Equal(t, 10*time.Minute, cfg.Retry.MaxDelay)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.True(t, cfg.Log.Pretty)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  key: sk_test_file
  page_size: 25
store:
  path: /tmp/export/customers.csv
lock:
  backend: redis
  lease_ttl: 2m
queue:
  poll_interval: 500ms
`), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "sk_test_file", cfg.API.Key)
	assert.Equal(t, 25, cfg.API.PageSize)
	assert.Equal(t, "/tmp/export/customers.csv", cfg.Store.Path)
	assert.Equal(t, LockRedis, cfg.Lock.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Lock.LeaseTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.PollInterval)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  key: from_file\n"), 0o644))
	t.Setenv("CUSTOMER_EXPORT_API_KEY", "from_env")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "from_env", cfg.API.Key)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("CUSTOMER_EXPORT_API_KEY", "sk_test_123")

	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MissingAPIKey(t *testing.T) {
	t.Setenv("CUSTOMER_EXPORT_API_KEY", "")

	_, err := Load(New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUSTOMER_EXPORT_API_KEY")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			API:   APIConfig{BaseURL: "https://api.stripe.com", Key: "k", PageSize: 50, FetchTimeout: time.Second},
			Store: StoreConfig{Backend: StoreCSV, Path: "x.csv"},
			Redis: RedisConfig{Addr: "localhost:6379"},
			Lock:  LockConfig{Backend: LockFile},
			Log:   LogConfig{Level: "info"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown store backend", mutate: func(c *Config) { c.Store.Backend = "parquet" }, wantErr: true},
		{name: "unknown lock backend", mutate: func(c *Config) { c.Lock.Backend = "etcd" }, wantErr: true},
		{name: "zero page size", mutate: func(c *Config) { c.API.PageSize = 0 }, wantErr: true},
		{name: "page size above upstream max", mutate: func(c *Config) { c.API.PageSize = 101 }, wantErr: true},
		{name: "zero fetch timeout", mutate: func(c *Config) { c.API.FetchTimeout = 0 }, wantErr: true},
		{name: "negative rate", mutate: func(c *Config) { c.API.RequestsPerSecond = -1 }, wantErr: true},
		{name: "missing redis addr", mutate: func(c *Config) { c.Redis.Addr = "" }, wantErr: true},
		{name: "negative max delay", mutate: func(c *Config) { c.Retry.MaxDelay = -time.Second }, wantErr: true},
		{name: "negative max attempts", mutate: func(c *Config) { c.Queue.MaxAttempts = -1 }, wantErr: true},
		{name: "negative claim timeout", mutate: func(c *Config) { c.Queue.ClaimTimeout = -time.Second }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CUSTOMER_EXPORT_API_KEY=sk_from_dotenv\nCUSTOMER_EXPORT_LOG_LEVEL=debug\n"), 0o644))

	// Already-set variables win over the file.
	t.Setenv("CUSTOMER_EXPORT_LOG_LEVEL", "warn")
	t.Setenv("CUSTOMER_EXPORT_API_KEY", "")
	os.Unsetenv("CUSTOMER_EXPORT_API_KEY")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))

	assert.Equal(t, "sk_from_dotenv", os.Getenv("CUSTOMER_EXPORT_API_KEY"))
	assert.Equal(t, "warn", os.Getenv("CUSTOMER_EXPORT_LOG_LEVEL"))
}
