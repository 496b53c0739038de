package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/fengsecao/nexus-cli/internal/worker/constants"
	"github.com/fengsecao/nexus-cli/internal/worker/pacing"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix namespaces environment overrides: NEXUS_PACING_FETCH_MAX_RETRIES
// overrides pacing.fetch.max_retries.
const EnvPrefix = "NEXUS"

// Config holds all prover client configuration
// Each section maps to a YAML block in the config file
type Config struct {
	Prover  ProverConfig  `mapstructure:"prover"`
	Pacing  PacingConfig  `mapstructure:"pacing"`
	Status  StatusConfig  `mapstructure:"status"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ProverConfig identifies the node and how it reaches the orchestrator
type ProverConfig struct {
	NodeID          string        `mapstructure:"node_id"`
	OrchestratorURL string        `mapstructure:"orchestrator_url"`
	Concurrency     int           `mapstructure:"concurrency"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	Command         string        `mapstructure:"command"`
	Args            []string      `mapstructure:"args"`
}

// PacingConfig is the startup-only tuning surface of the request pacer
type PacingConfig struct {
	Fetch               PolicyConfig  `mapstructure:"fetch"`
	Submission          PolicyConfig  `mapstructure:"submission"`
	Queues              QueueConfig   `mapstructure:"queues"`
	CacheExpiration     time.Duration `mapstructure:"cache_expiration"`
	ExtraRetryDelay     time.Duration `mapstructure:"extra_retry_delay"`
	DefaultRetryTimeout time.Duration `mapstructure:"default_retry_timeout"`
}

// PolicyConfig tunes one request policy
type PolicyConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxRetries     uint32        `mapstructure:"max_retries"`
	MaxRequests    int           `mapstructure:"max_requests"`
	Window         time.Duration `mapstructure:"window"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
}

// QueueConfig bounds the pipeline queues
type QueueConfig struct {
	TaskQueueSize   int           `mapstructure:"task_queue_size"`
	EventQueueSize  int           `mapstructure:"event_queue_size"`
	ResultQueueSize int           `mapstructure:"result_queue_size"`
	LowWaterMark    int           `mapstructure:"low_water_mark"`
	ReplenishDelay  time.Duration `mapstructure:"replenish_delay"`
}

// StatusConfig controls the local status endpoint
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

// Load reads configuration from file and environment variables
// Priority: ENV VARS > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		// A missing file is fine: defaults plus env vars still apply
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults mirrors the compiled-in constants
func setDefaults(v *viper.Viper) {
	v.SetDefault("prover.node_id", "")
	v.SetDefault("prover.orchestrator_url", "http://localhost:8080")
	v.SetDefault("prover.concurrency", 1)
	v.SetDefault("prover.request_timeout", constants.OrchestratorRequestTimeout)
	v.SetDefault("prover.command", "")
	v.SetDefault("prover.args", []string{})

	v.SetDefault("pacing.fetch.initial_backoff", constants.FetchInitialBackoff)
	v.SetDefault("pacing.fetch.max_retries", constants.FetchMaxRetries)
	v.SetDefault("pacing.fetch.max_requests", constants.FetchMaxRequestsPerWindow)
	v.SetDefault("pacing.fetch.window", constants.FetchWindow)
	v.SetDefault("pacing.fetch.min_interval", constants.FetchMinInterval)

	v.SetDefault("pacing.submission.initial_backoff", constants.SubmissionInitialBackoff)
	v.SetDefault("pacing.submission.max_retries", constants.SubmissionMaxRetries)
	v.SetDefault("pacing.submission.max_requests", constants.SubmissionMaxRequestsPerWindow)
	v.SetDefault("pacing.submission.window", constants.SubmissionWindow)
	v.SetDefault("pacing.submission.min_interval", constants.SubmissionMinInterval)

	v.SetDefault("pacing.queues.task_queue_size", constants.TaskQueueSize)
	v.SetDefault("pacing.queues.event_queue_size", constants.EventQueueSize)
	v.SetDefault("pacing.queues.result_queue_size", constants.ResultQueueSize)
	v.SetDefault("pacing.queues.low_water_mark", constants.LowWaterMark)
	v.SetDefault("pacing.queues.replenish_delay", constants.ReplenishDelay)

	v.SetDefault("pacing.cache_expiration", constants.CacheExpiration)
	v.SetDefault("pacing.extra_retry_delay", constants.ExtraRetryDelay)
	v.SetDefault("pacing.default_retry_timeout", constants.DefaultRetryTimeoutSeconds*time.Second)

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.host", "127.0.0.1")
	v.SetDefault("status.port", 9091)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the whole configuration and reports every problem at once
func (c *Config) Validate() error {
	var errs error

	if c.Prover.OrchestratorURL == "" {
		errs = multierr.Append(errs, fmt.Errorf("prover.orchestrator_url cannot be empty"))
	} else if u, err := url.Parse(c.Prover.OrchestratorURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = multierr.Append(errs, fmt.Errorf("invalid prover.orchestrator_url: %q", c.Prover.OrchestratorURL))
	}
	if c.Prover.Concurrency < constants.MinProverConcurrency || c.Prover.Concurrency > constants.MaxProverConcurrency {
		errs = multierr.Append(errs, fmt.Errorf("prover.concurrency must be between %d and %d, got: %d",
			constants.MinProverConcurrency, constants.MaxProverConcurrency, c.Prover.Concurrency))
	}
	if c.Prover.RequestTimeout < time.Second {
		errs = multierr.Append(errs, fmt.Errorf("prover.request_timeout must be at least 1 second"))
	}

	errs = multierr.Append(errs, c.Pacing.Fetch.validate("pacing.fetch"))
	errs = multierr.Append(errs, c.Pacing.Submission.validate("pacing.submission"))

	q := c.Pacing.Queues
	if q.TaskQueueSize < 1 || q.EventQueueSize < 1 || q.ResultQueueSize < 1 {
		errs = multierr.Append(errs, fmt.Errorf("pacing.queues sizes must be positive"))
	}
	if q.LowWaterMark < 0 || q.LowWaterMark >= q.TaskQueueSize {
		errs = multierr.Append(errs, fmt.Errorf("pacing.queues.low_water_mark must be in [0, task_queue_size), got: %d", q.LowWaterMark))
	}
	if q.ReplenishDelay < 0 {
		errs = multierr.Append(errs, fmt.Errorf("pacing.queues.replenish_delay cannot be negative"))
	}
	if c.Pacing.CacheExpiration <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("pacing.cache_expiration must be positive"))
	}
	if c.Pacing.ExtraRetryDelay < 0 {
		errs = multierr.Append(errs, fmt.Errorf("pacing.extra_retry_delay cannot be negative"))
	}
	if c.Pacing.DefaultRetryTimeout < time.Second {
		errs = multierr.Append(errs, fmt.Errorf("pacing.default_retry_timeout must be at least 1 second"))
	}

	if c.Status.Enabled && (c.Status.Port < 1 || c.Status.Port > 65535) {
		errs = multierr.Append(errs, fmt.Errorf("invalid status port: %d", c.Status.Port))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		errs = multierr.Append(errs, fmt.Errorf("invalid log level: %s", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = multierr.Append(errs, fmt.Errorf("invalid log format: %s", c.Logging.Format))
	}

	return errs
}

func (p PolicyConfig) validate(section string) error {
	var errs error
	if p.InitialBackoff <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s.initial_backoff must be positive", section))
	}
	if p.MaxRequests < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%s.max_requests must be at least 1", section))
	}
	if p.Window <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s.window must be positive", section))
	}
	if p.MinInterval < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s.min_interval cannot be negative", section))
	}
	return errs
}

// PacerConfig converts the pacing section into the pacer's configuration
func (c *Config) PacerConfig() pacing.Config {
	return pacing.Config{
		Fetch:      c.Pacing.Fetch.policy(),
		Submission: c.Pacing.Submission.policy(),
		Queues: pacing.QueueCapacities{
			TaskQueue:      c.Pacing.Queues.TaskQueueSize,
			EventQueue:     c.Pacing.Queues.EventQueueSize,
			ResultQueue:    c.Pacing.Queues.ResultQueueSize,
			LowWaterMark:   c.Pacing.Queues.LowWaterMark,
			ReplenishDelay: c.Pacing.Queues.ReplenishDelay,
		},
		CacheExpiration:     c.Pacing.CacheExpiration,
		ExtraRetryDelay:     c.Pacing.ExtraRetryDelay,
		DefaultRetryTimeout: c.Pacing.DefaultRetryTimeout,
	}
}

func (p PolicyConfig) policy() pacing.PolicyConfig {
	return pacing.PolicyConfig{
		InitialBackoff: p.InitialBackoff,
		MaxRetries:     p.MaxRetries,
		MaxRequests:    p.MaxRequests,
		Window:         p.Window,
		MinInterval:    p.MinInterval,
	}
}

// GetStatusAddress returns the status server address
func (c *Config) GetStatusAddress() string {
	return fmt.Sprintf("%s:%d", c.Status.Host, c.Status.Port)
}

// IsProduction checks if we're running in production mode
func (c *Config) IsProduction() bool {
	return c.Logging.Level != "debug"
}
