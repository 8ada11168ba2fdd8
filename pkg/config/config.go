package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/cloudsteward/steward/pkg/cache"
	"github.com/cloudsteward/steward/pkg/retry"
	"github.com/cloudsteward/steward/pkg/stores"
	"github.com/cloudsteward/steward/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g.
// STEWARD_EXECUTION_CONCURRENCY.
const EnvPrefix = "STEWARD"

// Cache backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the engine configuration.
type Config struct {
	Execution ExecutionConfig  `mapstructure:"execution" yaml:"execution"`
	Retry     retry.Policy     `mapstructure:"retry" yaml:"retry"`
	Cache     CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Policies  PoliciesConfig   `mapstructure:"policies" yaml:"policies"`
	History   HistoryConfig    `mapstructure:"history" yaml:"history"`
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// ExecutionConfig controls how runs are executed.
type ExecutionConfig struct {
	// Concurrency bounds the number of targets processed in parallel.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency" validate:"min=1"`

	// CallConcurrency bounds parallel provider calls within one target.
	CallConcurrency int `mapstructure:"call_concurrency" yaml:"call_concurrency" validate:"min=1"`

	// CallTimeout bounds every provider call. Zero disables it.
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout" validate:"gte=0"`

	// DryRun makes every run a dry run unless overridden on the command line.
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`

	// DefaultAccount is used for targets that name no account.
	DefaultAccount string `mapstructure:"default_account" yaml:"default_account"`

	// Regions are the targets of a run when the command line names none.
	Regions []string `mapstructure:"regions" yaml:"regions" validate:"dive,required"`
}

// CacheConfig selects and configures the listing cache.
type CacheConfig struct {
	// TTL is the freshness window for listings.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gt=0"`

	// Backend is the persistent tier: memory (none), sqlite or redis.
	Backend string `mapstructure:"backend" yaml:"backend" validate:"oneof=memory sqlite redis"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path" validate:"required_if=Backend sqlite"`

	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the shared cache tier.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// PoliciesConfig locates policy documents and guardrails.
type PoliciesConfig struct {
	// Paths are policy files or directories.
	Paths []string `mapstructure:"paths" yaml:"paths"`

	// Guardrails is a directory of additional .rego guardrails.
	Guardrails string `mapstructure:"guardrails" yaml:"guardrails"`
}

// HistoryConfig enables the run history store.
type HistoryConfig struct {
	// Path is the SQLite database file. Empty disables history.
	Path string `mapstructure:"path" yaml:"path"`

	// Retention prunes runs older than this when the store is opened.
	// Zero keeps everything.
	Retention time.Duration `mapstructure:"retention" yaml:"retention" validate:"gte=0"`
}

var validate = validator.New()

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	tel.Metrics.Enabled = false
	return &Config{
		Execution: ExecutionConfig{
			Concurrency:     4,
			CallConcurrency: 8,
			CallTimeout:     30 * time.Second,
		},
		Retry: retry.DefaultPolicy(),
		Cache: CacheConfig{
			TTL:     cache.DefaultTTL,
			Backend: BackendMemory,
			Redis:   RedisConfig{Prefix: "steward:cache:"},
		},
		Telemetry: *tel,
	}
}

// Load reads the configuration. An explicit path must exist; otherwise
// steward.yaml is looked up in the working directory and $HOME/.steward,
// and its absence is not an error. Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("steward")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.steward")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can override keys
// the file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("execution.concurrency", d.Execution.Concurrency)
	v.SetDefault("execution.call_concurrency", d.Execution.CallConcurrency)
	v.SetDefault("execution.call_timeout", d.Execution.CallTimeout)
	v.SetDefault("execution.dry_run", d.Execution.DryRun)
	v.SetDefault("execution.default_account", d.Execution.DefaultAccount)
	v.SetDefault("execution.regions", d.Execution.Regions)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("retry.max_elapsed_time", d.Retry.MaxElapsedTime)

	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("cache.redis.addr", d.Cache.Redis.Addr)
	v.SetDefault("cache.redis.password", d.Cache.Redis.Password)
	v.SetDefault("cache.redis.db", d.Cache.Redis.DB)
	v.SetDefault("cache.redis.prefix", d.Cache.Redis.Prefix)

	v.SetDefault("policies.paths", d.Policies.Paths)
	v.SetDefault("policies.guardrails", d.Policies.Guardrails)

	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("history.retention", d.History.Retention)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.no_color", t.Logging.NoColor)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.enable_sampling", t.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_initial", t.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", t.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.histogram_buckets", t.Metrics.DefaultHistogramBuckets)
	v.SetDefault("telemetry.events.enabled", t.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", t.Events.BufferSize)
	v.SetDefault("telemetry.events.flush_interval", t.Events.FlushInterval)
	v.SetDefault("telemetry.events.max_batch_size", t.Events.MaxBatchSize)
	v.SetDefault("telemetry.events.enable_async", t.Events.EnableAsync)
}

// Validate checks field constraints and backend-specific requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Cache.Backend == BackendRedis && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("invalid configuration: cache.redis.addr is required for the redis backend")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// NewCache builds the listing cache with the configured persistent tier.
func (c *Config) NewCache(ctx context.Context, tel *telemetry.Telemetry) (*cache.Cache, error) {
	var backend cache.Backend
	switch c.Cache.Backend {
	case BackendSQLite:
		b, err := cache.OpenSQLiteBackend(ctx, cache.SQLiteConfig{Path: c.Cache.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
		}
		backend = b
	case BackendRedis:
		b, err := cache.NewRedisBackend(ctx, cache.RedisConfig{
			Addr:     c.Cache.Redis.Addr,
			Password: c.Cache.Redis.Password,
			DB:       c.Cache.Redis.DB,
			Prefix:   c.Cache.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis cache: %w", err)
		}
		backend = b
	}

	opts := cache.Options{DefaultTTL: c.Cache.TTL, Backend: backend}
	if tel != nil {
		opts.Logger = tel.Logger
		opts.Metrics = tel.Metrics
	}
	return cache.New(opts), nil
}

// NewHistory opens the run history store, or returns nil when history is
// disabled. Runs older than the retention window are pruned on open.
func (c *Config) NewHistory(ctx context.Context, now time.Time) (*stores.SQLiteStore, error) {
	if c.History.Path == "" {
		return nil, nil
	}
	s, err := stores.OpenSQLiteStore(ctx, stores.Config{Path: c.History.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	if c.History.Retention > 0 {
		if _, err := s.DeleteRunsBefore(ctx, now.Add(-c.History.Retention)); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}
