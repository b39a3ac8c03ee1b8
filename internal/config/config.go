// Package config loads the payment service messaging configuration.
//
// Values are resolved in the order defaults, optional YAML file, environment.
// The result is an immutable Config value that callers pass into constructors;
// there is no package-level settings singleton.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Consumer restart policies.
const (
	RestartNever   = "never"
	RestartBackoff = "backoff"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the root configuration of the service.
type Config struct {
	App      AppConfig     `mapstructure:"app" yaml:"app" json:"app"`
	Log      LogConfig     `mapstructure:"log" yaml:"log" json:"log"`
	RabbitMQ RabbitMQ      `mapstructure:"rabbitmq" yaml:"rabbitmq" json:"rabbitmq"`
	Metrics  MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
}

// AppConfig identifies the running service.
type AppConfig struct {
	Name    string `mapstructure:"name" yaml:"name" json:"name"`
	Version string `mapstructure:"version" yaml:"version" json:"version"`
}

// LogConfig configures the zap logger and its rotating file sink.
type LogConfig struct {
	Level             string `mapstructure:"level" yaml:"level" json:"level"`
	FileDir           string `mapstructure:"file_dir" yaml:"file_dir" json:"file_dir"`
	FilePath          string `mapstructure:"file_path" yaml:"file_path" json:"file_path"`
	FileRotationBytes int    `mapstructure:"file_rotation_bytes" yaml:"file_rotation_bytes" json:"file_rotation_bytes"`
	BackupCount       int    `mapstructure:"backup_count" yaml:"backup_count" json:"backup_count"`
	MaxAgeDays        int    `mapstructure:"max_age_days" yaml:"max_age_days" json:"max_age_days"`
	Compress          bool   `mapstructure:"compress" yaml:"compress" json:"compress"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address   string `mapstructure:"address" yaml:"address" json:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
}

// RabbitMQ holds the broker connection, topology and retry tunables.
type RabbitMQ struct {
	Host                      string  `mapstructure:"host" yaml:"host" json:"host"`
	Port                      int     `mapstructure:"port" yaml:"port" json:"port"`
	VirtualHost               string  `mapstructure:"virtual_host" yaml:"virtual_host" json:"virtual_host"`
	Username                  string  `mapstructure:"username" yaml:"username" json:"username"`
	Password                  string  `mapstructure:"password" yaml:"password" json:"-"`
	Exchange                  string  `mapstructure:"exchange" yaml:"exchange" json:"exchange"`
	DeadLetterExchange        string  `mapstructure:"dead_letter_exchange" yaml:"dead_letter_exchange" json:"dead_letter_exchange"`
	MessageTTLMs              int     `mapstructure:"message_ttl_ms" yaml:"message_ttl_ms" json:"message_ttl_ms"`
	PrefetchCount             int     `mapstructure:"prefetch_count" yaml:"prefetch_count" json:"prefetch_count"`
	ConcurrentConsumers       int     `mapstructure:"concurrent_consumers" yaml:"concurrent_consumers" json:"concurrent_consumers"`
	RetryCount                int     `mapstructure:"retry_count" yaml:"retry_count" json:"retry_count"`
	InitialRetryIntervalMs    int     `mapstructure:"initial_retry_interval_ms" yaml:"initial_retry_interval_ms" json:"initial_retry_interval_ms"`
	MaxRetryIntervalMs        int     `mapstructure:"max_retry_interval_ms" yaml:"max_retry_interval_ms" json:"max_retry_interval_ms"`
	RetryMultiplier           float64 `mapstructure:"retry_multiplier" yaml:"retry_multiplier" json:"retry_multiplier"`
	PublisherConfirmTimeoutMs int     `mapstructure:"publisher_confirm_timeout_ms" yaml:"publisher_confirm_timeout_ms" json:"publisher_confirm_timeout_ms"`
	ConsumerRestartPolicy     string  `mapstructure:"consumer_restart_policy" yaml:"consumer_restart_policy" json:"consumer_restart_policy"`
	ConsumerMaxRestarts       int     `mapstructure:"consumer_max_restarts" yaml:"consumer_max_restarts" json:"consumer_max_restarts"`
}

// InitialRetryInterval returns the first backoff delay.
func (r RabbitMQ) InitialRetryInterval() time.Duration {
	return time.Duration(r.InitialRetryIntervalMs) * time.Millisecond
}

// MaxRetryInterval returns the backoff cap.
func (r RabbitMQ) MaxRetryInterval() time.Duration {
	return time.Duration(r.MaxRetryIntervalMs) * time.Millisecond
}

// PublisherConfirmTimeout returns how long a publish waits for the broker.
func (r RabbitMQ) PublisherConfirmTimeout() time.Duration {
	return time.Duration(r.PublisherConfirmTimeoutMs) * time.Millisecond
}

// ConnectionPoolSize is the connection pool capacity.
func (r RabbitMQ) ConnectionPoolSize() int {
	return r.ConcurrentConsumers + 5
}

// ChannelPoolSize is the channel pool capacity.
func (r RabbitMQ) ChannelPoolSize() int {
	return r.ConcurrentConsumers*r.PrefetchCount + 10
}

// Validate checks the broker invariants.
func (r RabbitMQ) Validate() error {
	switch {
	case r.Host == "":
		return fmt.Errorf("%w: rabbitmq host is required", ErrInvalidConfig)
	case r.Port <= 0 || r.Port > 65535:
		return fmt.Errorf("%w: invalid rabbitmq port: %d", ErrInvalidConfig, r.Port)
	case r.Exchange == "":
		return fmt.Errorf("%w: rabbitmq exchange is required", ErrInvalidConfig)
	case r.DeadLetterExchange == "":
		return fmt.Errorf("%w: rabbitmq dead letter exchange is required", ErrInvalidConfig)
	case r.Exchange == r.DeadLetterExchange:
		return fmt.Errorf("%w: exchange and dead letter exchange must differ", ErrInvalidConfig)
	case r.MessageTTLMs < 0:
		return fmt.Errorf("%w: message ttl must not be negative", ErrInvalidConfig)
	case r.PrefetchCount <= 0:
		return fmt.Errorf("%w: prefetch count must be greater than 0", ErrInvalidConfig)
	case r.ConcurrentConsumers <= 0:
		return fmt.Errorf("%w: concurrent consumers must be greater than 0", ErrInvalidConfig)
	case r.RetryCount < 0:
		return fmt.Errorf("%w: retry count must not be negative", ErrInvalidConfig)
	case r.InitialRetryIntervalMs <= 0:
		return fmt.Errorf("%w: initial retry interval must be greater than 0", ErrInvalidConfig)
	case r.MaxRetryIntervalMs < r.InitialRetryIntervalMs:
		return fmt.Errorf("%w: max retry interval %dms is below initial %dms",
			ErrInvalidConfig, r.MaxRetryIntervalMs, r.InitialRetryIntervalMs)
	case r.RetryMultiplier <= 1:
		return fmt.Errorf("%w: retry multiplier must be greater than 1, got %v", ErrInvalidConfig, r.RetryMultiplier)
	case r.PublisherConfirmTimeoutMs <= 0:
		return fmt.Errorf("%w: publisher confirm timeout must be greater than 0", ErrInvalidConfig)
	case r.ConsumerMaxRestarts < 0:
		return fmt.Errorf("%w: consumer max restarts must not be negative", ErrInvalidConfig)
	}

	switch r.ConsumerRestartPolicy {
	case RestartNever, RestartBackoff:
	default:
		return fmt.Errorf("%w: invalid consumer restart policy: %q", ErrInvalidConfig, r.ConsumerRestartPolicy)
	}

	return nil
}

// Validate validates the whole configuration.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("%w: app name is required", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("%w: metrics address is required when metrics are enabled", ErrInvalidConfig)
	}
	return c.RabbitMQ.Validate()
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:    "payment-service",
			Version: "1.0.0",
		},
		Log: LogConfig{
			Level:             "info",
			FileDir:           "logs",
			FilePath:          "logs.txt",
			FileRotationBytes: 10 * 1024 * 1024,
			BackupCount:       5,
			MaxAgeDays:        7,
			Compress:          true,
		},
		RabbitMQ: RabbitMQ{
			Host:                      "localhost",
			Port:                      5672,
			VirtualHost:               "/",
			Username:                  "guest",
			Password:                  "guest",
			Exchange:                  "events-exchange",
			DeadLetterExchange:        "dlx-exchange",
			MessageTTLMs:              30000,
			PrefetchCount:             10,
			ConcurrentConsumers:       3,
			RetryCount:                3,
			InitialRetryIntervalMs:    1000,
			MaxRetryIntervalMs:        10000,
			RetryMultiplier:           2.0,
			PublisherConfirmTimeoutMs: 5000,
			ConsumerRestartPolicy:     RestartNever,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Address:   ":9090",
			Namespace: "payment",
		},
	}
}

// envBindings maps config keys to the environment names shared with the
// other platform services.
var envBindings = map[string]string{
	"app.name":                              "PAYMENT_NAME",
	"app.version":                           "PAYMENT_VERSION",
	"log.level":                             "PAYMENT_LOG_LEVEL",
	"log.file_dir":                          "PAYMENT_LOG_FILE_DIR",
	"log.file_path":                         "PAYMENT_LOG_FILE_PATH",
	"log.file_rotation_bytes":               "PAYMENT_LOG_FILE_ROTATION",
	"log.backup_count":                      "PAYMENT_LOG_BACKUP_COUNT",
	"rabbitmq.host":                         "RABBITMQ_HOST",
	"rabbitmq.port":                         "RABBITMQ_PORT",
	"rabbitmq.virtual_host":                 "RABBITMQ_VHOST",
	"rabbitmq.username":                     "RABBITMQ_USER",
	"rabbitmq.password":                     "RABBITMQ_PASS",
	"rabbitmq.exchange":                     "RABBITMQ_EXCHANGE",
	"rabbitmq.dead_letter_exchange":         "RABBITMQ_DLQ_EXCHANGE",
	"rabbitmq.message_ttl_ms":               "RABBITMQ_MESSAGE_TTL",
	"rabbitmq.retry_count":                  "RABBITMQ_RETRY_COUNT",
	"rabbitmq.initial_retry_interval_ms":    "RABBITMQ_INITIAL_RETRY_INTERVAL",
	"rabbitmq.max_retry_interval_ms":        "RABBITMQ_MAX_RETRY_INTERVAL",
	"rabbitmq.retry_multiplier":             "RABBITMQ_RETRY_MULTIPLIER",
	"rabbitmq.prefetch_count":               "RABBITMQ_PREFETCH_COUNT",
	"rabbitmq.publisher_confirm_timeout_ms": "RABBITMQ_PUBLISH_CONFIRM_TIMEOUT",
	"rabbitmq.concurrent_consumers":         "RABBITMQ_CONCURRENT_CONSUMERS",
	"rabbitmq.consumer_restart_policy":      "RABBITMQ_CONSUMER_RESTART_POLICY",
	"rabbitmq.consumer_max_restarts":        "RABBITMQ_CONSUMER_MAX_RESTARTS",
}

// Load reads the configuration. An empty configPath searches for config.yaml
// in the working directory and ./configs; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v, DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("PAYMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding env %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.version", d.App.Version)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file_dir", d.Log.FileDir)
	v.SetDefault("log.file_path", d.Log.FilePath)
	v.SetDefault("log.file_rotation_bytes", d.Log.FileRotationBytes)
	v.SetDefault("log.backup_count", d.Log.BackupCount)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	r := d.RabbitMQ
	v.SetDefault("rabbitmq.host", r.Host)
	v.SetDefault("rabbitmq.port", r.Port)
	v.SetDefault("rabbitmq.virtual_host", r.VirtualHost)
	v.SetDefault("rabbitmq.username", r.Username)
	v.SetDefault("rabbitmq.password", r.Password)
	v.SetDefault("rabbitmq.exchange", r.Exchange)
	v.SetDefault("rabbitmq.dead_letter_exchange", r.DeadLetterExchange)
	v.SetDefault("rabbitmq.message_ttl_ms", r.MessageTTLMs)
	v.SetDefault("rabbitmq.prefetch_count", r.PrefetchCount)
	v.SetDefault("rabbitmq.concurrent_consumers", r.ConcurrentConsumers)
	v.SetDefault("rabbitmq.retry_count", r.RetryCount)
	v.SetDefault("rabbitmq.initial_retry_interval_ms", r.InitialRetryIntervalMs)
	v.SetDefault("rabbitmq.max_retry_interval_ms", r.MaxRetryIntervalMs)
	v.SetDefault("rabbitmq.retry_multiplier", r.RetryMultiplier)
	v.SetDefault("rabbitmq.publisher_confirm_timeout_ms", r.PublisherConfirmTimeoutMs)
	v.SetDefault("rabbitmq.consumer_restart_policy", r.ConsumerRestartPolicy)
	v.SetDefault("rabbitmq.consumer_max_restarts", r.ConsumerMaxRestarts)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}
