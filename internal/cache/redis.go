package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/redis/go-redis/v9"
)

const redisPrefix = "cardsim:"

// incrWithExpiry sets the window only on the first increment.
var incrWithExpiry = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	val, err := c.client.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	return c.client.Set(ctx, redisPrefix+key, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return c.client.Del(ctx, redisPrefix+key).Err()
}

// GetProgress retrieves the cached progress of a run.
func (c *RedisCache) GetProgress(ctx context.Context, runID string) (*domain.RunProgress, error) {
	return getProgress(ctx, c, runID)
}

// SetProgress caches the progress of a run.
func (c *RedisCache) SetProgress(ctx context.Context, p *domain.RunProgress, ttl time.Duration) error {
	return setProgress(ctx, c, p, ttl)
}

// IncrementCounter atomically increments a counter using Redis INCR with PEXPIRE.
func (c *RedisCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}

	return incrWithExpiry.Run(ctx, c.client, []string{redisPrefix + "counter:" + key}, window.Milliseconds()).Int64()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
