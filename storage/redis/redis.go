// Package redis provides a Redis implementation of subscription.Locker so that sweeper runs
// in different processes do not overlap.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker implements subscription.Locker with SET NX and a token-checked release.
type Locker struct {
	client redis.UniversalClient
	config Config
	unlock *redis.Script
}

// Config holds Redis locker configuration
type Config struct {
	// KeyPrefix is prepended to all lock keys (default: "subscriptions:lock:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "subscriptions:lock:",
	}
}

// New creates a new Redis locker
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}

	return &Locker{
		client: client,
		config: config,
		// Only the holder's token may delete the key; an expired lock may belong to someone else.
		unlock: redis.NewScript(`
			if redis.call('GET', KEYS[1]) == ARGV[1] then
				return redis.call('DEL', KEYS[1])
			end
			return 0
		`),
	}, nil
}

// TryLock implements subscription.Locker
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive")
	}

	lockKey := l.config.KeyPrefix + key
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := l.unlock.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}
