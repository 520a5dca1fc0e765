package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/target/postcron/internal/core"
)

// releaseScript deletes the lock only while it is still owned by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements core.RunLocker with SET NX + TTL and an owner token.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker constructs a Redis-backed run locker.
func NewRedisLocker(client redis.UniversalClient, prefix string) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	return &RedisLocker{client: client, prefix: prefix + "lock:"}, nil
}

// TryLock acquires key for ttl. The returned release func frees the lock only
// if this caller still owns it.
func (l *RedisLocker) TryLock(
	ctx context.Context,
	key string,
	ttl time.Duration,
) (func(context.Context) error, error) {
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	fullKey := l.prefix + key
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, fullKey, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return nil, core.ErrLockHeld
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{fullKey}, owner).Err(); err != nil &&
			!errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lock: %w", err)
		}
		return nil
	}, nil
}
