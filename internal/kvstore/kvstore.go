// Package kvstore provides the shared TTL'd key/value capability backing the
// generation cache, the result cache, conversation history, and rate-limit
// counters. Callers decide how to react to ErrUnavailable: caching paths
// degrade to a miss, the rate limiter fails open, nothing fails closed here.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any backend failure. A get that merely finds no entry
// is not an error; it reports found=false.
var ErrUnavailable = errors.New("kv store unavailable")

type Store interface {
	// Get returns the live (non-expired) value for key.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set writes value under key, replacing any previous entry and its expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Increment atomically increments the counter under key and returns the
	// post-increment value. The TTL is set only when the increment creates
	// the counter (or revives an expired one); a live counter keeps its
	// original expiry, so the counter's lifetime is the window.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Delete(ctx context.Context, key string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
