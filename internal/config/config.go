// Package config loads the exporter configuration from defaults, an optional
// YAML file, a .env file and CUSTOMER_EXPORT_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Sternrassler/customer-export/pkg/logging"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "CUSTOMER_EXPORT"

// Store backends.
const (
	StoreCSV    = "csv"
	StoreSQLite = "sqlite"
)

// Lock backends.
const (
	LockFile  = "file"
	LockRedis = "redis"
)

// Config is the full exporter configuration.
type Config struct {
	API    APIConfig    `mapstructure:"api"`
	Store  StoreConfig  `mapstructure:"store"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Retry  RetryConfig  `mapstructure:"retry"`
	Queue  QueueConfig  `mapstructure:"queue"`
	Lock   LockConfig   `mapstructure:"lock"`
	Worker WorkerConfig `mapstructure:"worker"`
	Log    LogConfig    `mapstructure:"log"`
}

// APIConfig configures the upstream customers API.
type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Key               string        `mapstructure:"key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	PageSize          int           `mapstructure:"page_size"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
}

// StoreConfig selects and locates the record store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// RedisConfig configures the Redis connection shared by the retry counter,
// the queue and the lease lock.
type RedisConfig struct {
	Addr            string `mapstructure:"addr"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	ConnectAttempts uint   `mapstructure:"connect_attempts"`
}

// RetryConfig configures rate-limit backoff.
type RetryConfig struct {
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// QueueConfig configures the retry task worker.
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
}

// LockConfig selects the single-writer guard.
type LockConfig struct {
	Backend  string        `mapstructure:"backend"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// WorkerConfig configures the worker's HTTP surface.
type WorkerConfig struct {
	Address string `mapstructure:"address"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// defaults lists every key so environment variables can override keys that
// appear in no config file.
var defaults = map[string]any{
	"api.base_url":            "https://api.stripe.com",
	"api.key":                 "",
	"api.timeout":             30 * time.Second,
	"api.requests_per_second": 20.0,
	"api.page_size":           50,
	"api.fetch_timeout":       15 * time.Second,

	"store.backend": StoreCSV,
	"store.path":    "",

	"redis.addr":             "localhost:6379",
	"redis.password":         "",
	"redis.db":               0,
	"redis.key_prefix":       "customers",
	"redis.connect_attempts": 5,

	"retry.max_delay": time.Hour,

	"queue.poll_interval": time.Second,
	"queue.batch_size":    10,
	"queue.max_attempts":  5,
	"queue.claim_timeout": time.Hour,

	"lock.backend":   LockFile,
	"lock.lease_ttl": 10 * time.Minute,

	"worker.address": ":8080",

	"log.level":  "info",
	"log.pretty": false,
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads the configuration. configFile may be empty.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath(cfg.Store.Backend)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultStorePath returns the default record store location of a backend.
func DefaultStorePath(backend string) string {
	if backend == StoreSQLite {
		return "customers.db"
	}
	return "customers_info.csv"
}

// Validate rejects configurations the exporter cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.API.Key == "" {
		errs = append(errs, fmt.Errorf("api.key is required (set %s_API_KEY)", EnvPrefix))
	}
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.PageSize <= 0 || c.API.PageSize > 100 {
		errs = append(errs, fmt.Errorf("api.page_size must be in [1, 100], got %d", c.API.PageSize))
	}
	if c.API.FetchTimeout <= 0 {
		errs = append(errs, errors.New("api.fetch_timeout must be positive"))
	}
	if c.API.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("api.requests_per_second must not be negative"))
	}

	switch c.Store.Backend {
	case StoreCSV, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q (want %s or %s)", c.Store.Backend, StoreCSV, StoreSQLite))
	}

	switch c.Lock.Backend {
	case LockFile, LockRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown lock.backend %q (want %s or %s)", c.Lock.Backend, LockFile, LockRedis))
	}

	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry.max_delay must not be negative"))
	}
	if c.Queue.MaxAttempts < 0 {
		errs = append(errs, errors.New("queue.max_attempts must not be negative"))
	}
	if c.Queue.ClaimTimeout < 0 {
		errs = append(errs, errors.New("queue.claim_timeout must not be negative"))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
