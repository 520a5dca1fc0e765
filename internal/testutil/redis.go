package testutil

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SetupTestRedis returns a Redis client on a flushed test DB. The test is
// skipped when no Redis is reachable at REDIS_ADDR, redis:6379, or
// localhost:56379.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()

	candidates := []string{"redis:6379", "localhost:6379", "localhost:56379"}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		candidates = []string{addr}
	}

	dbIndex := 1
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			dbIndex = i
		}
	}

	for _, addr := range candidates {
		client := redis.NewClient(&redis.Options{Addr: addr, DB: dbIndex})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := client.Ping(ctx).Err()
		if err == nil {
			client.FlushDB(ctx)
			cancel()
			if tc, ok := any(t).(interface{ Cleanup(func()) }); ok {
				tc.Cleanup(func() { closeAndLog(t, "redis client", client) })
			}
			return client
		}
		cancel()
		closeAndLog(t, "redis client", client)
	}

	skipOrFail(t, requireRedis(), "Redis not available for testing")
	return nil
}
