package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/cardsim/internal/domain"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newClockedCache(size int) (*LRUCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewLRUCache(size)
	c.now = clock.Now
	return c, clock
}

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		c, clock := newClockedCache(10)
		_ = c.Set(ctx, "expiring", []byte("temp"), 10*time.Second)

		if val, _ := c.Get(ctx, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		clock.Advance(11 * time.Second)

		if val, _ := c.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expected expired entry to be removed, size %d", size)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)

		_ = small.Set(ctx, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, "c", []byte("3"), time.Minute)

		// touch 'a' so 'b' is the oldest
		_, _ = small.Get(ctx, "a")

		_ = small.Set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("RequiresKey", func(t *testing.T) {
		if err := cache.Set(ctx, "", []byte("value"), time.Minute); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("expected ErrEmptyKey, got: %v", err)
		}
		if _, err := cache.Get(ctx, ""); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("expected ErrEmptyKey, got: %v", err)
		}
		if _, err := cache.IncrementCounter(ctx, "", time.Minute); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("expected ErrEmptyKey, got: %v", err)
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		c, clock := newClockedCache(10)
		window := time.Hour
		key := CardFraudKey("run-1", 42)

		if n, err := c.IncrementCounter(ctx, key, window); err != nil || n != 1 {
			t.Fatalf("expected count 1, got %d (err %v)", n, err)
		}
		if n, _ := c.IncrementCounter(ctx, key, window); n != 2 {
			t.Errorf("expected count 2, got %d", n)
		}

		other, _ := c.IncrementCounter(ctx, CardFraudKey("run-2", 42), window)
		if other != 1 {
			t.Errorf("expected separate counter per run, got %d", other)
		}

		clock.Advance(window + time.Second)

		if n, _ := c.IncrementCounter(ctx, key, window); n != 1 {
			t.Errorf("expected count 1 after window reset, got %d", n)
		}
	})

	t.Run("Progress", func(t *testing.T) {
		p := &domain.RunProgress{
			RunID:        "run-1",
			Tick:         12,
			GlobalTime:   time.Date(2016, 1, 1, 12, 0, 0, 0, time.UTC),
			Customers:    100,
			Fraudsters:   5,
			Transactions: 40,
		}
		if err := cache.SetProgress(ctx, p, time.Minute); err != nil {
			t.Fatalf("SetProgress failed: %v", err)
		}

		got, err := cache.GetProgress(ctx, "run-1")
		if err != nil {
			t.Fatalf("GetProgress failed: %v", err)
		}
		if got == nil || got.Tick != 12 || got.Transactions != 40 || !got.GlobalTime.Equal(p.GlobalTime) {
			t.Errorf("unexpected progress %+v", got)
		}

		missing, err := cache.GetProgress(ctx, "run-unknown")
		if err != nil || missing != nil {
			t.Errorf("expected nil progress for unknown run, got %+v (err %v)", missing, err)
		}

		if err := cache.SetProgress(ctx, &domain.RunProgress{}, time.Minute); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("expected ErrEmptyKey for progress without run ID, got: %v", err)
		}
	})

	t.Run("CorruptProgress", func(t *testing.T) {
		_ = cache.Set(ctx, ProgressKey("run-bad"), []byte("{"), time.Minute)
		if _, err := cache.GetProgress(ctx, "run-bad"); err == nil {
			t.Error("expected decode error")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}

		if val, _ := testCache.Get(ctx, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestKeys(t *testing.T) {
	if got := ProgressKey("abc"); got != "run:abc:progress" {
		t.Errorf("unexpected progress key %q", got)
	}
	if got := CardFraudKey("abc", 7); got != "run:abc:card:7:frauds" {
		t.Errorf("unexpected counter key %q", got)
	}
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
