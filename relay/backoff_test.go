package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelaysGrowToCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialRetryDelay = 100 * time.Millisecond
	cfg.MaxRetryDelay = time.Second
	cfg.BackoffMultiplier = 2

	got := RetryDelays(cfg, 6)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	assert.Equal(t, want, got)
}

func TestRetryDelaysDefaults(t *testing.T) {
	got := RetryDelays(DefaultConfig(), 6)
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
	}
	assert.Equal(t, want, got)
}

func TestRetryDelaysWithJitterStayInBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialRetryDelay = 100 * time.Millisecond
	cfg.MaxRetryDelay = time.Second
	cfg.RetryJitter = 0.5

	base := 100 * time.Millisecond
	for i, d := range RetryDelays(cfg, 8) {
		if base > time.Second {
			base = time.Second
		}
		lo := time.Duration(float64(base) * 0.5)
		hi := time.Duration(float64(base)*1.5) + time.Nanosecond
		assert.GreaterOrEqual(t, d, lo, "delay %d", i)
		assert.LessOrEqual(t, d, hi, "delay %d", i)
		base *= 2
	}
}

func TestRetryDelaysMultiplierBelowOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialRetryDelay = 50 * time.Millisecond
	cfg.BackoffMultiplier = 0.5

	for _, d := range RetryDelays(cfg, 4) {
		assert.Equal(t, 50*time.Millisecond, d, "normalized multiplier keeps delays constant")
	}
}

func TestRetryDelaysNonPositiveCount(t *testing.T) {
	assert.Nil(t, RetryDelays(DefaultConfig(), 0))
	assert.Nil(t, RetryDelays(DefaultConfig(), -1))
}
