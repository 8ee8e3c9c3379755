// Package config loads and validates flightdeck configuration from YAML
// files and FLIGHTDECK_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/flightdeck-ai/flightdeck/internal/budget"
	"github.com/flightdeck-ai/flightdeck/internal/queue"
	"github.com/flightdeck-ai/flightdeck/internal/types"
	"github.com/flightdeck-ai/flightdeck/internal/worker"
)

// Config is the root configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	MaxOpenConns  int    `mapstructure:"max_open_conns"`
	MaxIdleConns  int    `mapstructure:"max_idle_conns"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

// EtcdConfig configures the quota definition store. Empty endpoints fall
// back to the in-memory definition store.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	QuotaPrefix string        `mapstructure:"quota_prefix"`
}

// QueueConfig configures queue delivery semantics.
type QueueConfig struct {
	DedupTTL     time.Duration `mapstructure:"dedup_ttl"`
	AckWait      time.Duration `mapstructure:"ack_wait"`
	MaxDeliver   int           `mapstructure:"max_deliver"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	BlockTime    time.Duration `mapstructure:"block_time"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	Stream               string        `mapstructure:"stream"`
	ConsumerGroup        string        `mapstructure:"consumer_group"`
	MinWorkers           int           `mapstructure:"min_workers"`
	MaxWorkers           int           `mapstructure:"max_workers"`
	BatchSize            int           `mapstructure:"batch_size"`
	ScaleInterval        time.Duration `mapstructure:"scale_interval"`
	ScaleUpDepth         int           `mapstructure:"scale_up_depth"`
	ScaleDownIdleSamples int           `mapstructure:"scale_down_idle_samples"`
	ThrottleInterval     time.Duration `mapstructure:"throttle_interval"`
}

// BudgetConfig configures the budget guard thresholds.
type BudgetConfig struct {
	WarnPercent           float64  `mapstructure:"warn_percent"`
	ThrottlePercent       float64  `mapstructure:"throttle_percent"`
	PausePercent          float64  `mapstructure:"pause_percent"`
	ThrottleClasses       []string `mapstructure:"throttle_classes"`
	MaxPreemptPerThrottle int      `mapstructure:"max_preempt_per_throttle"`
}

// CheckpointConfig configures checkpoint retention.
type CheckpointConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the given file (optional) merged over
// defaults, with FLIGHTDECK_* environment variables taking precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLIGHTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.WrapError(types.CONFIG_LOAD_FAILED,
				fmt.Sprintf("failed to read config file %s", path), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED,
			"failed to unmarshal configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "flightdeck.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.busy_timeout_ms", 5000)

	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.quota_prefix", "flightdeck/quotas/")

	v.SetDefault("queue.dedup_ttl", 24*time.Hour)
	v.SetDefault("queue.ack_wait", 30*time.Second)
	v.SetDefault("queue.max_deliver", 5)
	v.SetDefault("queue.retry_delay", 2*time.Second)
	v.SetDefault("queue.block_time", 2*time.Second)
	v.SetDefault("queue.poll_interval", 50*time.Millisecond)

	v.SetDefault("worker.stream", "flightdeck.tasks")
	v.SetDefault("worker.consumer_group", "workers")
	v.SetDefault("worker.min_workers", 2)
	v.SetDefault("worker.max_workers", 8)
	v.SetDefault("worker.batch_size", 4)
	v.SetDefault("worker.scale_interval", 5*time.Second)
	v.SetDefault("worker.scale_up_depth", 10)
	v.SetDefault("worker.scale_down_idle_samples", 3)
	v.SetDefault("worker.throttle_interval", 10*time.Second)

	v.SetDefault("budget.warn_percent", 50.0)
	v.SetDefault("budget.throttle_percent", 80.0)
	v.SetDefault("budget.pause_percent", 95.0)
	v.SetDefault("budget.throttle_classes", []string{"P3"})
	v.SetDefault("budget.max_preempt_per_throttle", 5)

	v.SetDefault("checkpoint.retention", 7*24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return types.NewError(types.CONFIG_VALIDATION_FAILED, "database.path cannot be empty")
	}
	if c.Worker.MinWorkers <= 0 {
		return types.NewError(types.CONFIG_VALIDATION_FAILED, "worker.min_workers must be positive")
	}
	if c.Worker.MaxWorkers < c.Worker.MinWorkers {
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			"worker.max_workers cannot be below worker.min_workers")
	}
	if _, err := c.BudgetPolicy(); err != nil {
		return types.WrapError(types.CONFIG_VALIDATION_FAILED, "invalid budget policy", err)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			fmt.Sprintf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			fmt.Sprintf("logging.format %q must be text or json", c.Logging.Format))
	}
	return nil
}

// QueueConfig converts to the queue package's config.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		DedupTTL:     c.Queue.DedupTTL,
		AckWait:      c.Queue.AckWait,
		MaxDeliver:   c.Queue.MaxDeliver,
		RetryDelay:   c.Queue.RetryDelay,
		BlockTime:    c.Queue.BlockTime,
		PollInterval: c.Queue.PollInterval,
	}
}

// WorkerConfig converts to the worker package's config.
func (c *Config) WorkerConfig() worker.Config {
	cfg := worker.Config{
		Stream:               c.Worker.Stream,
		ConsumerGroup:        c.Worker.ConsumerGroup,
		MinWorkers:           c.Worker.MinWorkers,
		MaxWorkers:           c.Worker.MaxWorkers,
		BatchSize:            c.Worker.BatchSize,
		ScaleInterval:        c.Worker.ScaleInterval,
		ScaleUpDepth:         c.Worker.ScaleUpDepth,
		ScaleDownIdleSamples: c.Worker.ScaleDownIdleSamples,
	}
	if c.Worker.ThrottleInterval > 0 {
		cfg.ThrottledRate = rate.Every(c.Worker.ThrottleInterval)
	}
	return cfg
}

// BudgetPolicy converts to the budget guard's policy.
func (c *Config) BudgetPolicy() (budget.Policy, error) {
	classes := make([]types.PriorityClass, 0, len(c.Budget.ThrottleClasses))
	for _, s := range c.Budget.ThrottleClasses {
		class, err := types.ParsePriorityClass(s)
		if err != nil {
			return budget.Policy{}, err
		}
		classes = append(classes, class)
	}
	policy := budget.Policy{
		WarnPercent:           c.Budget.WarnPercent,
		ThrottlePercent:       c.Budget.ThrottlePercent,
		PausePercent:          c.Budget.PausePercent,
		ThrottleClasses:       classes,
		MaxPreemptPerThrottle: c.Budget.MaxPreemptPerThrottle,
	}
	if err := policy.Validate(); err != nil {
		return budget.Policy{}, err
	}
	return policy, nil
}
