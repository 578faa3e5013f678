// Package storage provides the key-value abstraction shared by the revocation
// set, session activity records and rate-limit counters.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is a TTL-aware key-value store. Implementations must be safe for
// concurrent use; Incr must be atomic with respect to concurrent callers on
// the same key.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl <= 0 stores the value without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Incr atomically increments the counter stored under key and returns
	// the new count together with the counter's expiry. The ttl is applied
	// only when the increment creates the counter, so a fixed window is not
	// extended by later increments.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error)
	// Close releases the backend connection.
	Close() error
}
