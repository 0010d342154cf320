// Package securitystore holds the small pieces of fast-path security
// state that live outside the system of record: rate-limit counters,
// response idempotency claims, and the set of locations a user has
// logged in from. The Redis implementation is authoritative in
// production; the memory implementation backs tests and single-node
// development.
package securitystore

import (
	"context"
	"time"
)

// RateLimiter counts hits against a key inside a rolling window. The
// increment is atomic across instances.
type RateLimiter interface {
	// Increment bumps the counter for key, starting the window on
	// first hit, and returns the new count plus time left in the
	// window.
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// IdempotencyStore records that an operation identified by key has been
// performed, for ttl.
type IdempotencyStore interface {
	// Claim returns true exactly once per key per ttl. Concurrent
	// claimants race; only one wins.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// LocationStore tracks where a user has successfully logged in from.
type LocationStore interface {
	Seen(ctx context.Context, userID, location string) (bool, error)
	Remember(ctx context.Context, userID, location string, ttl time.Duration) error
}

// Store bundles the three concerns; both implementations satisfy it.
type Store interface {
	RateLimiter
	IdempotencyStore
	LocationStore
}
