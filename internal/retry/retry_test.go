package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cirrus-device/internal/ioterr"
)

func TestNextDelayNeverExceedsMax(t *testing.T) {
	b := NewExponentialBackoff(Config{})
	for n := 1; n <= 40; n++ {
		assert.LessOrEqual(t, b.NextDelay(n, false), 10*time.Second, "retry %d", n)
		assert.LessOrEqual(t, b.NextDelay(n, true), 60*time.Second, "throttled retry %d", n)
	}
}

func TestNextDelayNeverBelowMin(t *testing.T) {
	b := NewExponentialBackoff(Config{})
	for n := 0; n <= 10; n++ {
		assert.GreaterOrEqual(t, b.NextDelay(n, false), 100*time.Millisecond, "retry %d", n)
		assert.GreaterOrEqual(t, b.NextDelay(n, true), 10*time.Second, "throttled retry %d", n)
	}
}

func TestImmediateFirstRetry(t *testing.T) {
	b := NewExponentialBackoff(Config{ImmediateFirstRetry: true})
	assert.Equal(t, time.Duration(0), b.NextDelay(0, false))
	// Throttling suppresses the immediate retry.
	assert.NotEqual(t, time.Duration(0), b.NextDelay(0, true))
	// Only the first retry is immediate.
	assert.NotEqual(t, time.Duration(0), b.NextDelay(1, false))

	b = NewExponentialBackoff(Config{})
	assert.NotEqual(t, time.Duration(0), b.NextDelay(0, false))
}

func TestDelayGrowsWithRetryCount(t *testing.T) {
	// With jitter factors zeroed the schedule is deterministic:
	// cMin + (2^(n-1) - 1) * c.
	params := BackoffParameters{
		Initial: 100 * time.Millisecond,
		Min:     100 * time.Millisecond,
		Max:     10 * time.Second,
	}
	b := NewExponentialBackoff(Config{Normal: &params})

	assert.Equal(t, 100*time.Millisecond, b.NextDelay(1, false))
	assert.Equal(t, 200*time.Millisecond, b.NextDelay(2, false))
	assert.Equal(t, 400*time.Millisecond, b.NextDelay(3, false))
	assert.Equal(t, 800*time.Millisecond, b.NextDelay(4, false))
	assert.Equal(t, 10*time.Second, b.NextDelay(20, false))
}

func TestConfigMergesProvidedOverDefaults(t *testing.T) {
	custom := BackoffParameters{
		Initial:    time.Second,
		Min:        time.Second,
		Max:        5 * time.Second,
		JitterUp:   0.25,
		JitterDown: 0.5,
	}
	b := NewExponentialBackoff(Config{Normal: &custom})

	assert.Equal(t, custom, b.normal)
	assert.Equal(t, ThrottledBackoffParameters(), b.throttled)
}

func TestJitterStaysInRange(t *testing.T) {
	b := NewExponentialBackoff(Config{})
	// At n=2 the delay is cMin + U(c*(1-Jd), c*(1+Ju)) = 100ms + U(50ms, 125ms).
	for i := 0; i < 100; i++ {
		d := b.NextDelay(2, false)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 225*time.Millisecond)
	}
}

func TestShouldRetryFollowsErrorTaxonomy(t *testing.T) {
	b := NewExponentialBackoff(Config{})

	assert.True(t, b.ShouldRetry(ioterr.New(ioterr.KindConnectionDropped, "x")))
	assert.True(t, b.ShouldRetry(ioterr.New(ioterr.KindThrottled, "x")))
	assert.True(t, b.ShouldRetry(ioterr.New(ioterr.KindTimeout, "x")))
	assert.False(t, b.ShouldRetry(ioterr.New(ioterr.KindUnauthorized, "x")))
	assert.False(t, b.ShouldRetry(ioterr.New(ioterr.KindInvalidArgument, "x")))
	assert.False(t, b.ShouldRetry(ioterr.New(ioterr.KindCancelled, "x")))
}
