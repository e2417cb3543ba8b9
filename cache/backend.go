// Package cache provides a byte-valued cache backend with in-memory and
// Redis implementations. The profile layer uses it as an optional warm-start
// store; protocol state never lives here.
package cache

import (
	"context"
	"time"
)

// Backend is the storage interface behind derived-data caches.
type Backend interface {
	// Get returns (value, found, error).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// GetMultiple returns the found subset of keys.
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	// SetMultiple stores several values with one TTL.
	SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Close releases the backend's resources.
	Close() error
}
