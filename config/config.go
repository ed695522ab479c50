package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"github.com/opd-ai/meshfetch/limits"
	"github.com/opd-ai/meshfetch/relay"
	"github.com/opd-ai/meshfetch/scheduler"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// MESHFETCH_RELAY_MIN_HEALTH_SCORE.
	EnvPrefix = "MESHFETCH"
	// DefaultPath is read by Load when no path is given.
	DefaultPath = "~/.meshfetch/config.toml"
)

// ErrInvalidConfig wraps every validation and decoding failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the on-disk configuration of a meshfetch session.
type Config struct {
	LogLevel  string    `toml:"log_level" split_words:"true"`
	Scheduler Scheduler `toml:"scheduler"`
	Relay     Relay     `toml:"relay"`
}

// Scheduler holds chunk scheduling settings. Durations are in
// milliseconds.
type Scheduler struct {
	MaxRetries            int    `toml:"max_retries" split_words:"true"`
	RequestTimeoutMs      int    `toml:"request_timeout_ms" split_words:"true"`
	Strategy              string `toml:"strategy"`
	DefaultMaxConcurrent  int    `toml:"default_max_concurrent" split_words:"true"`
	InitialResponseTimeMs int    `toml:"initial_response_time_ms" split_words:"true"`
}

// Relay holds relay pool settings.
type Relay struct {
	PreferredRelays     []string `toml:"preferred_relays" split_words:"true"`
	MaxRetries          int      `toml:"max_retries" split_words:"true"`
	InitialRetryDelayMs int      `toml:"initial_retry_delay_ms" split_words:"true"`
	MaxRetryDelayMs     int      `toml:"max_retry_delay_ms" split_words:"true"`
	BackoffMultiplier   float64  `toml:"backoff_multiplier" split_words:"true"`
	RetryJitter         float64  `toml:"retry_jitter" split_words:"true"`
	RenewalThresholdSec int      `toml:"renewal_threshold_sec" split_words:"true"`
	ReservationTtlSec   int      `toml:"reservation_ttl_sec" split_words:"true"`
	HealthScoreDecay    float64  `toml:"health_score_decay" split_words:"true"`
	ErrorHistoryLimit   int      `toml:"error_history_limit" split_words:"true"`
	ConnectionTimeoutMs int      `toml:"connection_timeout_ms" split_words:"true"`
	AutoDiscover        bool     `toml:"auto_discover" split_words:"true"`
	MinHealthScore      float64  `toml:"min_health_score" split_words:"true"`
	HealthCheckInterval int      `toml:"health_check_interval" split_words:"true"`
	MaxPoolSize         int      `toml:"max_pool_size" split_words:"true"`
	ProbeRate           float64  `toml:"probe_rate" split_words:"true"`
}

// Default returns the configuration matching the scheduler and relay
// package defaults.
func Default() *Config {
	s := scheduler.DefaultConfig()
	r := relay.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Scheduler: Scheduler{
			MaxRetries:            s.MaxRetries,
			RequestTimeoutMs:      int(s.RequestTimeout / time.Millisecond),
			Strategy:              string(s.Strategy),
			DefaultMaxConcurrent:  s.DefaultMaxConcurrent,
			InitialResponseTimeMs: int(s.InitialResponseTime / time.Millisecond),
		},
		Relay: Relay{
			MaxRetries:          r.MaxRetries,
			InitialRetryDelayMs: int(r.InitialRetryDelay / time.Millisecond),
			MaxRetryDelayMs:     int(r.MaxRetryDelay / time.Millisecond),
			BackoffMultiplier:   r.BackoffMultiplier,
			RetryJitter:         r.RetryJitter,
			RenewalThresholdSec: int(r.ReservationRenewalThreshold / time.Second),
			ReservationTtlSec:   int(r.DefaultReservationTTL / time.Second),
			HealthScoreDecay:    r.HealthScoreDecay,
			ErrorHistoryLimit:   r.ErrorHistoryLimit,
			ConnectionTimeoutMs: int(r.ConnectionTimeout / time.Millisecond),
			AutoDiscover:        r.AutoDiscoverRelays,
			MinHealthScore:      r.MinHealthScore,
			HealthCheckInterval: r.HealthCheckIntervalSeconds,
			MaxPoolSize:         r.MaxPoolSize,
			ProbeRate:           r.ProbeRate,
		},
	}
}

// FromReader decodes TOML over def, applies environment overrides and
// returns def.
func FromReader(reader io.Reader, def *Config) (*Config, error) {
	if _, err := toml.NewDecoder(reader).Decode(def); err != nil {
		return nil, fmt.Errorf("%w: decoding toml: %v", ErrInvalidConfig, err)
	}
	if err := def.ApplyEnv(EnvPrefix); err != nil {
		return nil, err
	}
	return def, nil
}

// Load reads the configuration at path from fs. An empty path means
// DefaultPath, which may be absent; an explicit path must exist. The
// result has defaults for every missing key, environment overrides applied
// and has passed Validate.
func Load(fs afero.Fs, path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", path, err)
	}

	cfg := Default()
	data, err := afero.ReadFile(fs, expanded)
	switch {
	case err == nil:
		if cfg, err = FromReader(bytes.NewReader(data), cfg); err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     expanded,
		}).Info("Loaded configuration")
	case errors.Is(err, os.ErrNotExist) && !explicit:
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     expanded,
		}).Debug("No configuration file, using defaults")
		if err := cfg.ApplyEnv(EnvPrefix); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("reading config %s: %w", expanded, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PREFIX_* environment variables. Unset
// variables leave fields untouched.
func (c *Config) ApplyEnv(prefix string) error {
	if err := envconfig.Process(prefix, c); err != nil {
		return fmt.Errorf("%w: processing env vars overrides: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Validate checks bounds. The health-check interval is clamped into range
// with a warning rather than rejected.
func (c *Config) Validate() error {
	var result *multierror.Error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err))
	}

	s := c.Scheduler
	if err := limits.ValidateRetryAttempts(s.MaxRetries); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: scheduler.max_retries: %w", ErrInvalidConfig, err))
	}
	if s.RequestTimeoutMs <= 0 {
		result = multierror.Append(result, fmt.Errorf("%w: scheduler.request_timeout_ms must be positive", ErrInvalidConfig))
	}
	if !scheduler.Strategy(s.Strategy).Valid() {
		result = multierror.Append(result, fmt.Errorf("%w: scheduler.strategy %q", ErrInvalidConfig, s.Strategy))
	}
	if s.DefaultMaxConcurrent <= 0 {
		result = multierror.Append(result, fmt.Errorf("%w: scheduler.default_max_concurrent must be positive", ErrInvalidConfig))
	}

	r := c.Relay
	if err := limits.ValidateRetryAttempts(r.MaxRetries); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: relay.max_retries: %w", ErrInvalidConfig, err))
	}
	if r.InitialRetryDelayMs < 0 || r.MaxRetryDelayMs < r.InitialRetryDelayMs {
		result = multierror.Append(result, fmt.Errorf("%w: relay retry delays %dms..%dms", ErrInvalidConfig, r.InitialRetryDelayMs, r.MaxRetryDelayMs))
	}
	if r.BackoffMultiplier < 1 {
		result = multierror.Append(result, fmt.Errorf("%w: relay.backoff_multiplier %.2f below 1", ErrInvalidConfig, r.BackoffMultiplier))
	}
	if r.RetryJitter < 0 || r.RetryJitter > 1 {
		result = multierror.Append(result, fmt.Errorf("%w: relay.retry_jitter %.2f outside [0,1]", ErrInvalidConfig, r.RetryJitter))
	}
	if err := limits.ValidateHealthScore(r.MinHealthScore); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: relay.min_health_score: %w", ErrInvalidConfig, err))
	}
	if err := limits.ValidateHealthScore(r.HealthScoreDecay); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: relay.health_score_decay: %w", ErrInvalidConfig, err))
	}
	if err := limits.ValidateErrorHistoryLimit(r.ErrorHistoryLimit); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: relay.error_history_limit: %w", ErrInvalidConfig, err))
	}
	if r.MaxPoolSize < 0 {
		result = multierror.Append(result, fmt.Errorf("%w: relay.max_pool_size must not be negative", ErrInvalidConfig))
	}

	if clamped := limits.ClampHealthCheckInterval(r.HealthCheckInterval); clamped != r.HealthCheckInterval {
		logrus.WithFields(logrus.Fields{
			"function":  "Validate",
			"requested": r.HealthCheckInterval,
			"applied":   clamped,
		}).Warn("Health check interval out of range, clamping")
		c.Relay.HealthCheckInterval = clamped
	}

	return result.ErrorOrNil()
}

// Bytes encodes the configuration as TOML.
func (c *Config) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

// Write stores the configuration at path on fs, creating parent
// directories.
func (c *Config) Write(fs afero.Fs, path string) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("expanding %s: %w", path, err)
	}
	data, err := c.Bytes()
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return afero.WriteFile(fs, expanded, data, 0o644)
}

// SchedulerConfig converts to scheduler settings.
func (c *Config) SchedulerConfig() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		MaxRetries:           s.MaxRetries,
		RequestTimeout:       time.Duration(s.RequestTimeoutMs) * time.Millisecond,
		Strategy:             scheduler.Strategy(s.Strategy),
		DefaultMaxConcurrent: s.DefaultMaxConcurrent,
		InitialResponseTime:  time.Duration(s.InitialResponseTimeMs) * time.Millisecond,
	}
}

// RelayConfig converts to relay manager settings.
func (c *Config) RelayConfig() relay.Config {
	r := c.Relay
	return relay.Config{
		MaxRetries:                  r.MaxRetries,
		InitialRetryDelay:           time.Duration(r.InitialRetryDelayMs) * time.Millisecond,
		MaxRetryDelay:               time.Duration(r.MaxRetryDelayMs) * time.Millisecond,
		BackoffMultiplier:           r.BackoffMultiplier,
		RetryJitter:                 r.RetryJitter,
		ReservationRenewalThreshold: time.Duration(r.RenewalThresholdSec) * time.Second,
		DefaultReservationTTL:       time.Duration(r.ReservationTtlSec) * time.Second,
		HealthScoreDecay:            r.HealthScoreDecay,
		ErrorHistoryLimit:           r.ErrorHistoryLimit,
		ConnectionTimeout:           time.Duration(r.ConnectionTimeoutMs) * time.Millisecond,
		AutoDiscoverRelays:          r.AutoDiscover,
		MinHealthScore:              r.MinHealthScore,
		HealthCheckIntervalSeconds:  r.HealthCheckInterval,
		MaxPoolSize:                 r.MaxPoolSize,
		ProbeRate:                   r.ProbeRate,
	}
}

// LogrusLevel returns the parsed log level, Info when unparseable.
func (c *Config) LogrusLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
