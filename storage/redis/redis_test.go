package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a Redis client for testing
// Uses REDIS_TEST_ADDR or localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	l, err := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "subscriptions:lock:", l.config.KeyPrefix)
}

func TestLocker_TryLock(t *testing.T) {
	client := setupTestRedis(t)
	l, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	require.NoError(t, unlock(ctx))

	unlock, ok, err = l.TryLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, unlock(ctx))
}

func TestLocker_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	client := setupTestRedis(t)
	l, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	staleUnlock, ok, err := l.TryLock(ctx, "sweeper", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	_, ok, err = l.TryLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, staleUnlock(ctx))

	_, ok, err = l.TryLock(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "stale release must not free the new holder's lock")
}

func TestLocker_RejectsZeroTTL(t *testing.T) {
	l, err := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), DefaultConfig())
	require.NoError(t, err)

	_, _, err = l.TryLock(context.Background(), "sweeper", 0)
	assert.Error(t, err)
}
