package data

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/postcron/internal/core"
)

// MemoryCache implements core.CacheRepository and core.RunLocker inside one
// process. It is used when Redis is not configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryCache) liveLocked(key string) bool {
	exp, ok := m.entries[key]
	if !ok {
		return false
	}
	if !m.now().Before(exp) {
		delete(m.entries, key)
		return false
	}
	return true
}

// SetIfNotExists sets key for ttl unless a live entry exists.
func (m *MemoryCache) SetIfNotExists(_ context.Context, key string, _ []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errors.New("key cannot be empty")
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveLocked(key) {
		return false, nil
	}
	m.entries[key] = m.now().Add(ttl)
	return true, nil
}

// Delete removes key.
func (m *MemoryCache) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.liveLocked(key)
	delete(m.entries, key)
	return live, nil
}

// Exists reports whether key holds a live entry.
func (m *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(key), nil
}

// Health always succeeds.
func (m *MemoryCache) Health(context.Context) error { return nil }

// TryLock acquires an in-process lock for ttl.
func (m *MemoryCache) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lockKey := "lock:" + key
	ok, err := m.SetIfNotExists(ctx, lockKey, nil, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrLockHeld
	}
	return func(ctx context.Context) error {
		_, err := m.Delete(ctx, lockKey)
		return err
	}, nil
}
