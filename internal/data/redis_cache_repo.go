package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCacheRepo implements core.CacheRepository using Redis. All keys are
// namespaced with the configured prefix.
type RedisCacheRepo struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCacheRepo creates a new RedisCacheRepo with the given Redis client and key prefix.
func NewRedisCacheRepo(client redis.UniversalClient, prefix string) *RedisCacheRepo {
	return &RedisCacheRepo{client: client, prefix: prefix}
}

func (r *RedisCacheRepo) key(k string) (string, error) {
	if k == "" {
		return "", errors.New("key cannot be empty")
	}
	return r.prefix + k, nil
}

// Delete removes a key from Redis.
func (r *RedisCacheRepo) Delete(ctx context.Context, key string) (bool, error) {
	k, err := r.key(key)
	if err != nil {
		return false, err
	}

	result, err := r.client.Del(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}

	return result > 0, nil
}

// Exists checks if a key exists in Redis.
func (r *RedisCacheRepo) Exists(ctx context.Context, key string) (bool, error) {
	k, err := r.key(key)
	if err != nil {
		return false, err
	}

	result, err := r.client.Exists(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}

	return result > 0, nil
}

// SetIfNotExists atomically sets a key only if it doesn't already exist.
func (r *RedisCacheRepo) SetIfNotExists(
	ctx context.Context,
	key string,
	value []byte,
	ttl time.Duration,
) (bool, error) {
	k, err := r.key(key)
	if err != nil {
		return false, err
	}

	if ttl <= 0 {
		ttl = time.Second
	}

	// SET NX with TTL in one command; SETNX followed by EXPIRE is not atomic.
	status, err := r.client.SetArgs(ctx, k, value, redis.SetArgs{Mode: "NX", TTL: ttl}).Result()
	if err != nil {
		// redis.Nil means the NX condition was not met.
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis SET NX: %w", err)
	}

	return status == "OK", nil
}

// Health checks the health of the Redis connection.
func (r *RedisCacheRepo) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
