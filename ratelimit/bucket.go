// Package ratelimit provides the token-bucket primitive and the per-tenant
// fairness quotas built on top of it.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// TokenBucket is a refillable permit pool: capacity permits maximum, refilled
// at a fixed rate per second. Consuming never drives the count negative and
// refilling never exceeds capacity. A failed TryConsume has no side effect.
type TokenBucket struct {
	limiter  *rate.Limiter
	capacity int
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(capacity int, perSec float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		limiter:  rate.NewLimiter(rate.Limit(perSec), capacity),
		capacity: capacity,
	}
}

// TryConsume takes cost permits if available and reports whether it did.
// On failure the bucket is left untouched.
func (b *TokenBucket) TryConsume(cost int) bool {
	return b.limiter.AllowN(now(), cost)
}

// WaitConsume blocks until cost permits are available or ctx is done.
// Bound the wait with context.WithTimeout.
func (b *TokenBucket) WaitConsume(ctx context.Context, cost int) error {
	if err := b.limiter.WaitN(ctx, cost); err != nil {
		return fmt.Errorf("ratelimit: wait for %d permits: %w", cost, err)
	}
	return nil
}

// Tokens returns the current permit count, clamped to [0, capacity].
// The value is advisory: concurrent consumers may change it immediately.
func (b *TokenBucket) Tokens() float64 {
	t := b.limiter.TokensAt(now())
	if t < 0 {
		return 0
	}
	if t > float64(b.capacity) {
		return float64(b.capacity)
	}
	return t
}

// Capacity returns the maximum permit count.
func (b *TokenBucket) Capacity() int { return b.capacity }
