package relay

import (
	"time"

	"github.com/opd-ai/meshfetch/limits"
)

// Config holds relay manager settings. It is fixed per manager except for
// the health-check interval, which SetHealthCheckInterval can change.
type Config struct {
	// MaxRetries is the number of retries after the first attempt, so a
	// relay gets MaxRetries+1 attempts before it is marked failed.
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	// RetryJitter randomizes each delay by up to ±RetryJitter of its value.
	// Zero keeps the sequence deterministic.
	RetryJitter float64

	// Reservations with less remaining lifetime than this are renewed.
	ReservationRenewalThreshold time.Duration
	// DefaultReservationTTL applies when a transport grants a reservation
	// without reporting its expiry.
	DefaultReservationTTL time.Duration

	// HealthScoreDecay is subtracted when a relay exhausts its retries.
	HealthScoreDecay  float64
	ErrorHistoryLimit int
	ConnectionTimeout time.Duration

	AutoDiscoverRelays bool
	// Relays below MinHealthScore are never auto-selected.
	MinHealthScore             float64
	HealthCheckIntervalSeconds int
	// MaxPoolSize caps discovered relays; preferred relays bypass it.
	// Zero disables the cap.
	MaxPoolSize int
	// ProbeRate limits health probes per second. Zero or less is unlimited.
	ProbeRate float64
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:                  3,
		InitialRetryDelay:           1 * time.Second,
		MaxRetryDelay:               30 * time.Second,
		BackoffMultiplier:           2,
		RetryJitter:                 0,
		ReservationRenewalThreshold: 300 * time.Second,
		DefaultReservationTTL:       time.Hour,
		HealthScoreDecay:            15,
		ErrorHistoryLimit:           limits.DefaultErrorHistoryLimit,
		ConnectionTimeout:           30 * time.Second,
		AutoDiscoverRelays:          true,
		MinHealthScore:              20,
		HealthCheckIntervalSeconds:  60,
		MaxPoolSize:                 50,
		ProbeRate:                   10,
	}
}

// Option customizes the configuration at construction.
type Option func(*Config)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// WithMaxRetries sets the retry count per relay.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithRetryDelays sets the backoff bounds and multiplier.
func WithRetryDelays(initial, max time.Duration, multiplier float64) Option {
	return func(c *Config) {
		c.InitialRetryDelay = initial
		c.MaxRetryDelay = max
		c.BackoffMultiplier = multiplier
	}
}

// WithRetryJitter sets the backoff randomization factor.
func WithRetryJitter(jitter float64) Option {
	return func(c *Config) { c.RetryJitter = jitter }
}

// WithMinHealthScore sets the selection threshold.
func WithMinHealthScore(score float64) Option {
	return func(c *Config) { c.MinHealthScore = score }
}

// WithMaxPoolSize sets the discovered-relay cap.
func WithMaxPoolSize(n int) Option {
	return func(c *Config) { c.MaxPoolSize = n }
}

// normalize repairs values that would break the manager.
func (c *Config) normalize() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.RetryJitter > 1 {
		c.RetryJitter = 1
	}
	if c.MaxRetryDelay < c.InitialRetryDelay {
		c.MaxRetryDelay = c.InitialRetryDelay
	}
	if c.ErrorHistoryLimit <= 0 {
		c.ErrorHistoryLimit = limits.DefaultErrorHistoryLimit
	}
	if c.DefaultReservationTTL <= 0 {
		c.DefaultReservationTTL = time.Hour
	}
	c.MinHealthScore = limits.ClampHealthScore(c.MinHealthScore)
	c.HealthCheckIntervalSeconds = limits.ClampHealthCheckInterval(c.HealthCheckIntervalSeconds)
}
