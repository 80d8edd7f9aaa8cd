// Package push implements the push fan-out service of spec.md §4.4:
// provider selection, the exact retry/backoff policy, badge counting and
// VoIP QoS resend.
package push

import (
	"math"
	"math/rand"
)

// Default retry policy constants, lifted directly from
// original_source/src/push/push_service.cpp's ServiceImpl construction
// (kDefaultInitialDelayMillis/kDefaultMultiplier/kDefaultMaxDelayMillis/
// kDefaultMaxRetries, plus UniformRandomBackoff's ±100ms jitter range).
const (
	DefaultInitialDelayMillis = 100
	DefaultMultiplier         = 2.0
	DefaultMaxDelayMillis     = 4000
	DefaultMaxRetries         = 10
	DefaultJitterRangeMillis  = 100
)

// RetryContext tracks one send attempt's accumulated delay and retry
// count, mirroring the original's RetryContext class.
type RetryContext struct {
	maxDelayMillis int32
	maxRetries     int32
	delayMillis    int32
	retries        int32
}

// NewRetryContext builds a RetryContext with the given caps. maxDelayMillis
// == 0 means no delay budget was configured at all, so WillRetry refuses
// the very first attempt; a positive maxDelayMillis bounds retries by
// accumulated delay, with maxRetries always capping the attempt count on
// top of that.
func NewRetryContext(maxDelayMillis, maxRetries int32) *RetryContext {
	return &RetryContext{maxDelayMillis: maxDelayMillis, maxRetries: maxRetries}
}

// WillRetry reports whether another attempt is permitted.
func (c *RetryContext) WillRetry() bool {
	if c.maxDelayMillis == 0 && c.delayMillis == 0 {
		return false
	}
	if c.maxDelayMillis > 0 && c.delayMillis >= c.maxDelayMillis {
		return false
	}
	return c.retries < c.maxRetries
}

// RetryCount is the number of attempts made so far beyond the first.
func (c *RetryContext) RetryCount() int32 { return c.retries }

func (c *RetryContext) addDelayMillis(d int32) { c.delayMillis += d }
func (c *RetryContext) increaseRetryCount()    { c.retries++ }

// Backoff computes the delay before the next retry, given the context's
// current retry count.
type Backoff interface {
	DelayMillis(ctx *RetryContext) int32
}

// ExponentialDelayBackoff computes initialDelay * multiplier^(retries-1),
// matching the original exactly.
type ExponentialDelayBackoff struct {
	InitialDelayMillis int32
	Multiplier         float64
}

func (b ExponentialDelayBackoff) DelayMillis(ctx *RetryContext) int32 {
	return int32(float64(b.InitialDelayMillis) * math.Pow(b.Multiplier, float64(ctx.RetryCount()-1)))
}

// UniformRandomBackoff wraps another Backoff and adds a uniform
// ±rangeMillis jitter, floored at zero.
type UniformRandomBackoff struct {
	Target     Backoff
	RangeMillis int32
}

func (b UniformRandomBackoff) DelayMillis(ctx *RetryContext) int32 {
	base := b.Target.DelayMillis(ctx)
	jitter := int32((1 - rand.Float64()*2) * float64(b.RangeMillis))
	delay := base + jitter
	if delay < 0 {
		return 0
	}
	return delay
}

// DefaultBackoff builds the standard exponential-with-jitter policy used
// throughout the push service.
func DefaultBackoff() Backoff {
	return UniformRandomBackoff{
		Target: ExponentialDelayBackoff{
			InitialDelayMillis: DefaultInitialDelayMillis,
			Multiplier:         DefaultMultiplier,
		},
		RangeMillis: DefaultJitterRangeMillis,
	}
}
