// Package backoff computes retry delays for store failures in the dispatch
// loop and for notification delivery.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration {
	return c.Interval
}

// Exponential multiplies the delay by Multiplier each attempt, capped at Max.
// A zero Multiplier doubles.
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (e Exponential) Delay(attempt int) time.Duration {
	return grow(e.Initial, e.Max, e.Multiplier, attempt)
}

// ExponentialWithJitter picks a random delay in [0, Exponential.Delay].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := grow(e.Initial, e.Max, 2, attempt)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec
}

// Default is the strategy used when none is configured: 100ms doubling to 30s
// with full jitter.
func Default() Strategy {
	return ExponentialWithJitter{Initial: 100 * time.Millisecond, Max: 30 * time.Second}
}

func grow(initial, ceiling time.Duration, factor float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if factor <= 1 {
		factor = 2
	}
	d := float64(initial) * math.Pow(factor, float64(attempt-1))
	if ceiling > 0 && d > float64(ceiling) {
		return ceiling
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
