package core

import (
	"context"
	"time"
)

// CacheRepository defines the key/value operations used for alert
// de-duplication. The data layer provides Redis and in-process implementations.
type CacheRepository interface {
	// SetIfNotExists atomically sets a key only if it doesn't already exist.
	// Returns true if the key was set, false if it already existed.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a key from the cache.
	// Returns true if the key was deleted, false if it didn't exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists checks if a key exists in the cache.
	Exists(ctx context.Context, key string) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}
