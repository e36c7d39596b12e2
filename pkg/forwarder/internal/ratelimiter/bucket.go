package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket rate limiter.
//
// Unlike Window it spreads acquisitions evenly: tokens are
// refilled one at a time every minute/perMinute, with a burst
// of at most burst tokens.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket constructs a Bucket allowing perMinute
// acquisitions per minute with the given burst.
//
// A burst of zero or less uses a burst of one.
func NewBucket(perMinute int, burst int) (*Bucket, error) {
	if perMinute <= 0 {
		return nil, fmt.Errorf("max requests per minute must be positive, got %d", perMinute)
	}
	if burst <= 0 {
		burst = 1
	}

	every := time.Minute / time.Duration(perMinute)

	return &Bucket{
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}, nil
}

// Acquire blocks until a token is available or ctx is done.
func (b *Bucket) Acquire(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("rate limiter: %w", err)
	}

	return nil
}
