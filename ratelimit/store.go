// Package ratelimit implements sliding-window request limiting keyed by route class and client IP.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable is returned when the backing store cannot record a hit.
var ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

// Result is the outcome of a single check-and-record call
type Result struct {
	Allowed bool
	// Count is the number of hits inside the window after this call.
	Count int
	// RetryAfter is the time until the oldest hit leaves the window. Zero when allowed.
	RetryAfter time.Duration
}

// Store records request timestamps per key.
//
// Record prunes hits older than now-window, rejects without recording when the
// remaining count is already at limit, and otherwise records now. Implementations
// must perform the whole sequence atomically per key.
type Store interface {
	Record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Result, error)
	Close() error
}
