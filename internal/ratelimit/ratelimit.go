package ratelimit

import (
	"context"
	"time"
)

// Counter reports how many jobs a requester created since a point in time
type Counter interface {
	CountCreatedSince(ctx context.Context, requesterID int64, since time.Time) (int, error)
}

// RateLimiter caps new job creation per requester over a sliding window. Counts come
// from the job store, so every server instance sees the same budget.
type RateLimiter struct {
	counter    Counter
	maxPerSpan int
	window     time.Duration
}

// New creates a new RateLimiter. maxPerSpan <= 0 disables limiting.
func New(counter Counter, maxPerSpan int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counter:    counter,
		maxPerSpan: maxPerSpan,
		window:     window,
	}
}

// Allow checks if a requester may create another job at now
func (rl *RateLimiter) Allow(ctx context.Context, requesterID int64, now time.Time) (bool, error) {
	if rl == nil || rl.maxPerSpan <= 0 || rl.window <= 0 {
		return true, nil
	}

	count, err := rl.counter.CountCreatedSince(ctx, requesterID, now.Add(-rl.window))
	if err != nil {
		return false, err
	}
	return count < rl.maxPerSpan, nil
}
