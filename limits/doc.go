// Package limits provides centralized bounds and clamp helpers shared by the
// chunk scheduler, the relay connectivity manager and the configuration layer.
//
// # Bounds
//
// The package defines the ranges every component enforces:
//
//   - Health scores live in [MinHealthScore, MaxHealthScore] (0..100). Rewards
//     and penalties are always applied through ClampHealthScore so no sequence
//     of updates can leave the range.
//
//   - The background health-check interval is adjustable at runtime but always
//     clamped to [MinHealthCheckInterval, MaxHealthCheckInterval] seconds.
//
//   - Error logs are bounded: the global relay error log keeps at most
//     MaxGlobalErrorLog entries and each relay keeps a ring of
//     DefaultErrorHistoryLimit entries unless configured otherwise.
//
// # Validation Functions
//
// Validation helpers return errors wrapping ErrOutOfRange with context:
//
//	if err := limits.ValidateRetryAttempts(n); err != nil {
//	    // errors.Is(err, limits.ErrOutOfRange)
//	}
package limits
