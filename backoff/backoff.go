// Package backoff provides pluggable retry delay strategies. All strategies
// are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure or denial.
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to the Strategy interface.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Fixed returns a strategy that always waits the same interval.
func Fixed(interval time.Duration) Strategy {
	return Func(func(int) time.Duration { return interval })
}

// Linear returns a strategy that waits step*attempt, capped at max.
// A max of zero means uncapped.
func Linear(step, max time.Duration) Strategy {
	return Func(func(attempt int) time.Duration {
		return capped(step*time.Duration(attempt), max)
	})
}

// Exponential returns a strategy that doubles the delay each attempt:
// initial*2^(attempt-1), capped at max. A max of zero means uncapped.
// The cap is applied in float64 space: converting first would overflow
// int64 around attempt 39 and produce a negative delay.
func Exponential(initial, max time.Duration) Strategy {
	return Func(func(attempt int) time.Duration {
		base := float64(initial) * math.Pow(2, float64(attempt-1))
		if max > 0 && base > float64(max) {
			return max
		}
		if base > float64(math.MaxInt64) {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(base)
	})
}

// FullJitter returns an exponential strategy with full jitter: a random
// duration in [0, min(initial*2^(attempt-1), max)]. Jitter spreads out
// retries that would otherwise wake in lockstep.
func FullJitter(initial, max time.Duration) Strategy {
	exp := Exponential(initial, max)
	return Func(func(attempt int) time.Duration {
		return time.Duration(rand.Float64() * float64(exp.Delay(attempt)))
	})
}

// Default is the strategy used for admission re-checks: full jitter from
// 50ms up to 1s.
func Default() Strategy {
	return FullJitter(50*time.Millisecond, time.Second)
}

func capped(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}
