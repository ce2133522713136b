// Package config loads the maintenance scheduler configuration with viper.
//
// Values come from defaults, then the YAML file, then MAINT_ prefixed
// environment variables, e.g. MAINT_NATS_URL or MAINT_WORKER_CONCURRENCY.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
)

const envPrefix = "MAINT"

// Config is the full service configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Instance string `mapstructure:"instance"`
}

type LogConfig struct {
	// Development selects zap's development logger
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	// Storage is "file" or "memory"
	Storage string `mapstructure:"storage"`
}

type QueueConfig struct {
	ConsumerGroup string        `mapstructure:"consumer_group"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
	MaxNakDelay   time.Duration `mapstructure:"max_nak_delay"`
	MaxAckPending int           `mapstructure:"max_ack_pending"`
	Duplicates    time.Duration `mapstructure:"duplicates"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type SweepConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Schedule    string        `mapstructure:"schedule"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
	OnStartup   bool          `mapstructure:"on_startup"`
}

type MetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// Alerts enables the alert manager with the rules below
	Alerts              bool    `mapstructure:"alerts"`
	PendingThreshold    float64 `mapstructure:"pending_threshold"`
	TaskFailureIncrease float64 `mapstructure:"task_failure_increase"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "maintenance-scheduler")
	v.SetDefault("app.instance", "scheduler-1")

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.storage", "file")

	v.SetDefault("queue.consumer_group", "maintenance-workers")
	v.SetDefault("queue.ack_wait", 5*time.Minute)
	v.SetDefault("queue.max_nak_delay", time.Hour)
	v.SetDefault("queue.max_ack_pending", -1)
	v.SetDefault("queue.duplicates", time.Hour)

	v.SetDefault("database.path", "maintenance.db")

	v.SetDefault("worker.concurrency", 4)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "0 */5 * * * *")
	v.SetDefault("sweep.timeout", 4*time.Minute)
	v.SetDefault("sweep.concurrency", 4)
	v.SetDefault("sweep.on_startup", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.interval", 30*time.Second)
	v.SetDefault("metrics.alerts", true)
	v.SetDefault("metrics.pending_threshold", 100)
	v.SetDefault("metrics.task_failure_increase", 0)
}

// Load reads the configuration file at path. An empty path looks for
// config.yaml in ./config and the working directory, and a missing file
// falls back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the components cannot default themselves
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "nats.url is required")
	}
	if c.Database.Path == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "database.path is required")
	}
	if c.NATS.Storage != "file" && c.NATS.Storage != "memory" {
		return errors.Wrapf(errors.ErrInvalidRequest, "nats.storage must be file or memory, got %q", c.NATS.Storage)
	}
	if c.Worker.Concurrency < 1 {
		return errors.Wrap(errors.ErrInvalidRequest, "worker.concurrency must be at least 1")
	}
	if c.Sweep.Enabled && c.Sweep.Schedule == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "sweep.schedule is required when the sweep is enabled")
	}
	return nil
}
