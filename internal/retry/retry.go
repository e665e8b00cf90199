package retry

import (
	"math"
	"math/rand"
	"time"

	"cirrus-device/internal/ioterr"
)

// BackoffParameters tune one regime of the exponential backoff schedule.
type BackoffParameters struct {
	Initial    time.Duration
	Min        time.Duration
	Max        time.Duration
	JitterUp   float64
	JitterDown float64
}

// DefaultBackoffParameters is the normal (non-throttled) schedule.
func DefaultBackoffParameters() BackoffParameters {
	return BackoffParameters{
		Initial:    100 * time.Millisecond,
		Min:        100 * time.Millisecond,
		Max:        10 * time.Second,
		JitterUp:   0.25,
		JitterDown: 0.5,
	}
}

// ThrottledBackoffParameters is the schedule used while the service is
// throttling.
func ThrottledBackoffParameters() BackoffParameters {
	return BackoffParameters{
		Initial:    5 * time.Second,
		Min:        10 * time.Second,
		Max:        60 * time.Second,
		JitterUp:   0.25,
		JitterDown: 0.5,
	}
}

// Config customizes an ExponentialBackoff; nil parameter sets fall back to
// the defaults.
type Config struct {
	ImmediateFirstRetry bool
	Normal              *BackoffParameters
	Throttled           *BackoffParameters
}

// ExponentialBackoff computes retry delays as
//
//	min(cMin + (2^(n-1) - 1) * U(c*(1-Jd), c*(1+Ju)), cMax)
//
// with separate parameter sets for the normal and throttled regimes.
type ExponentialBackoff struct {
	immediateFirstRetry bool
	normal              BackoffParameters
	throttled           BackoffParameters
}

// NewExponentialBackoff merges the config over the defaults.
func NewExponentialBackoff(cfg Config) *ExponentialBackoff {
	normal := DefaultBackoffParameters()
	if cfg.Normal != nil {
		normal = *cfg.Normal
	}
	throttled := ThrottledBackoffParameters()
	if cfg.Throttled != nil {
		throttled = *cfg.Throttled
	}
	return &ExponentialBackoff{
		immediateFirstRetry: cfg.ImmediateFirstRetry,
		normal:              normal,
		throttled:           throttled,
	}
}

// NextDelay returns the wait before retry number retryCount (0-based).
func (b *ExponentialBackoff) NextDelay(retryCount int, throttled bool) time.Duration {
	if b.immediateFirstRetry && retryCount == 0 && !throttled {
		return 0
	}
	p := b.normal
	if throttled {
		p = b.throttled
	}
	low := float64(p.Initial) * (1 - p.JitterDown)
	high := float64(p.Initial) * (1 + p.JitterUp)
	jitter := low + rand.Float64()*(high-low)

	delay := float64(p.Min) + (math.Pow(2, float64(retryCount-1))-1)*jitter
	if delay < float64(p.Min) {
		delay = float64(p.Min)
	}
	if delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether the error is transient per the error taxonomy.
func (b *ExponentialBackoff) ShouldRetry(err error) bool {
	return ioterr.IsRetryable(err)
}
