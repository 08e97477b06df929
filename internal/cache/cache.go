// Package cache provides caching implementations for run progress and
// card counters.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
)

// ErrEmptyKey is returned for operations on an empty key.
var ErrEmptyKey = errors.New("cache key is required")

// New creates a new cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// ProgressKey is the cache key holding a run's progress snapshot.
func ProgressKey(runID string) string {
	return "run:" + runID + ":progress"
}

// CardFraudKey is the counter key for authorized frauds on a card in a run.
func CardFraudKey(runID string, cardID int64) string {
	return fmt.Sprintf("run:%s:card:%d:frauds", runID, cardID)
}

type byteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

func getProgress(ctx context.Context, s byteStore, runID string) (*domain.RunProgress, error) {
	data, err := s.Get(ctx, ProgressKey(runID))
	if err != nil || data == nil {
		return nil, err
	}

	var p domain.RunProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return &p, nil
}

func setProgress(ctx context.Context, s byteStore, p *domain.RunProgress, ttl time.Duration) error {
	if p == nil || p.RunID == "" {
		return ErrEmptyKey
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	return s.Set(ctx, ProgressKey(p.RunID), data, ttl)
}

// TwoPhaseCache implements the two-phase caching strategy.
// L1: Local LRU cache for fast reads
// L2: Redis shared between API replicas and workers
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}

	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, l1TTL), nil
}

func newTwoPhase(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	val, err = c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.l1TTL)
	}

	return val, nil
}

// Set writes to both L1 and L2. L1 keeps the shorter of the two TTLs.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}
	return c.remote.Set(ctx, key, value, ttl)
}

// Delete removes from both L1 and L2.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, key)
}

// GetProgress reads L2 only. Progress is rewritten every tick.
func (c *TwoPhaseCache) GetProgress(ctx context.Context, runID string) (*domain.RunProgress, error) {
	return c.remote.GetProgress(ctx, runID)
}

// SetProgress writes progress to L2 only.
func (c *TwoPhaseCache) SetProgress(ctx context.Context, p *domain.RunProgress, ttl time.Duration) error {
	return c.remote.SetProgress(ctx, p, ttl)
}

// IncrementCounter uses Redis for distributed atomic counters.
// L1 is not used for counters to ensure accuracy across nodes.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, key, window)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
