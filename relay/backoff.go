package relay

import (
	"time"

	"github.com/cenkalti/backoff"
)

// retryBackOff yields the waits between connection attempts:
// min(InitialRetryDelay * BackoffMultiplier^k, MaxRetryDelay) for the k-th
// wait, randomized only when RetryJitter is set.
type retryBackOff struct {
	exp *backoff.ExponentialBackOff
	max time.Duration
}

func newRetryBackOff(cfg Config) *retryBackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialRetryDelay,
		RandomizationFactor: cfg.RetryJitter,
		Multiplier:          cfg.BackoffMultiplier,
		MaxInterval:         cfg.MaxRetryDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return &retryBackOff{exp: exp, max: cfg.MaxRetryDelay}
}

func (b *retryBackOff) next() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop || d < 0 {
		return b.max
	}
	if b.exp.RandomizationFactor == 0 && d > b.max {
		return b.max
	}
	return d
}

// RetryDelays returns the first n waits the manager would use for cfg, or
// nil when n is not positive.
func RetryDelays(cfg Config, n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	cfg.normalize()
	b := newRetryBackOff(cfg)
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = b.next()
	}
	return out
}
