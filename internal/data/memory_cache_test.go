package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/postcron/internal/core"
)

func TestMemoryCache_SetIfNotExists(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }

	ok, err := c.SetIfNotExists(ctx, "alert:stuck_posts", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetIfNotExists(ctx, "alert:stuck_posts", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second set within ttl must not win")

	now = now.Add(2 * time.Minute)
	exists, err := c.Exists(ctx, "alert:stuck_posts")
	require.NoError(t, err)
	assert.False(t, exists, "entry expires after ttl")

	ok, err = c.SetIfNotExists(ctx, "alert:stuck_posts", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.SetIfNotExists(ctx, "", nil, time.Minute)
	assert.Error(t, err)
}

func TestMemoryCache_TryLock(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	release, err := c.TryLock(ctx, "recovery", time.Minute)
	require.NoError(t, err)

	_, err = c.TryLock(ctx, "recovery", time.Minute)
	require.ErrorIs(t, err, core.ErrLockHeld)

	require.NoError(t, release(ctx))

	release, err = c.TryLock(ctx, "recovery", time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}
