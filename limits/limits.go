// Package limits provides centralized bounds for scheduling and relay health.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MinHealthScore is the lowest health score a relay can hold.
	MinHealthScore = 0.0

	// MaxHealthScore is the highest health score a relay can hold.
	MaxHealthScore = 100.0

	// MinHealthCheckInterval is the shortest health-check period in seconds.
	MinHealthCheckInterval = 10

	// MaxHealthCheckInterval is the longest health-check period in seconds.
	MaxHealthCheckInterval = 300

	// MaxGlobalErrorLog caps the manager-wide relay error log.
	MaxGlobalErrorLog = 100

	// DefaultErrorHistoryLimit is the default per-relay error ring capacity.
	DefaultErrorHistoryLimit = 10

	// MaxRetryAttempts bounds configured retry counts.
	MaxRetryAttempts = 100

	// ProbeCooldown is the minimum gap between two health probes of one relay.
	ProbeCooldown = 5 * time.Second

	// RecentSuccessWindow is how long a relay success counts as recent when
	// ranking relay candidates.
	RecentSuccessWindow = 60 * time.Second
)

// ErrOutOfRange is returned when a value falls outside its allowed bounds.
var ErrOutOfRange = errors.New("value out of range")

// ClampHealthScore bounds a health score to [MinHealthScore, MaxHealthScore].
func ClampHealthScore(score float64) float64 {
	if score < MinHealthScore {
		return MinHealthScore
	}
	if score > MaxHealthScore {
		return MaxHealthScore
	}
	return score
}

// ClampHealthCheckInterval bounds a health-check interval in seconds.
func ClampHealthCheckInterval(seconds int) int {
	if seconds < MinHealthCheckInterval {
		return MinHealthCheckInterval
	}
	if seconds > MaxHealthCheckInterval {
		return MaxHealthCheckInterval
	}
	return seconds
}

// ValidateRetryAttempts checks a retry count against [0, MaxRetryAttempts].
func ValidateRetryAttempts(n int) error {
	if n < 0 || n > MaxRetryAttempts {
		return fmt.Errorf("%w: retry attempts %d not in [0, %d]", ErrOutOfRange, n, MaxRetryAttempts)
	}
	return nil
}

// ValidateHealthScore checks that a health threshold lies within the score range.
func ValidateHealthScore(score float64) error {
	if score < MinHealthScore || score > MaxHealthScore {
		return fmt.Errorf("%w: health score %.1f not in [%.0f, %.0f]", ErrOutOfRange, score, MinHealthScore, MaxHealthScore)
	}
	return nil
}

// ValidateErrorHistoryLimit checks a per-relay error ring capacity.
func ValidateErrorHistoryLimit(n int) error {
	if n < 1 || n > MaxGlobalErrorLog {
		return fmt.Errorf("%w: error history limit %d not in [1, %d]", ErrOutOfRange, n, MaxGlobalErrorLog)
	}
	return nil
}
