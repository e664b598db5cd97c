package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func testTable(id string) *domain.RateTable {
	return domain.NewRateTable(id, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), 4, 0.25,
		map[int]float64{1: 0.5, 2: 0},
		map[int]float64{7: 1},
		map[int]float64{9: 0},
	)
}

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100, time.Minute)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
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
		clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		c := NewLRUCache(10, 0)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, "expiring", []byte("temp"), 10*time.Millisecond)
		_ = c.Set(ctx, "forever", []byte("kept"), 0)

		if val, _ := c.Get(ctx, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(time.Hour)

		if val, _ := c.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
		if val, _ := c.Get(ctx, "forever"); val == nil {
			t.Error("expected entry without TTL to survive")
		}
	})

	t.Run("DefaultTTL", func(t *testing.T) {
		clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		c := NewLRUCache(10, time.Minute)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, "k", []byte("v"), 0)
		clock = clock.Add(2 * time.Minute)
		if val, _ := c.Get(ctx, "k"); val != nil {
			t.Error("expected default TTL to expire entry")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3, time.Minute)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := smallCache.Get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := smallCache.Get(ctx, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("RequiresKey", func(t *testing.T) {
		if err := cache.Set(ctx, "", []byte("value"), time.Minute); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := cache.Get(ctx, ""); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("RateTable", func(t *testing.T) {
		if err := cache.SetRateTable(ctx, testTable("tbl-1"), time.Minute); err != nil {
			t.Fatalf("SetRateTable failed: %v", err)
		}

		got, err := cache.GetRateTable(ctx, "tbl-1")
		if err != nil {
			t.Fatalf("GetRateTable failed: %v", err)
		}
		if got == nil || got.GlobalRate() != 0.25 {
			t.Fatalf("unexpected table: %+v", got)
		}
		if v, ok := got.Lookup(domain.RateIP, 7); !ok || v != 1 {
			t.Errorf("expected ip 7 rate 1, got %v (%v)", v, ok)
		}

		missing, err := cache.GetRateTable(ctx, "tbl-missing")
		if err != nil || missing != nil {
			t.Errorf("expected nil, nil for missing table, got %v, %v", missing, err)
		}

		if err := cache.SetRateTable(ctx, nil, time.Minute); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for nil table, got %v", err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50, time.Minute)
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

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10, time.Minute)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}

		// Cache should be empty after close
		if val, _ := testCache.Get(ctx, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cache, err := NewRedisCache(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisCache failed: %v", err)
	}
	defer cache.Close()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := cache.Get(ctx, "k")
		if err != nil || string(val) != "v" {
			t.Errorf("expected 'v', got '%s' (%v)", val, err)
		}
		if !mr.Exists("kestrel:k") {
			t.Error("expected key stored under kestrel: prefix")
		}
	})

	t.Run("Expiration", func(t *testing.T) {
		_ = cache.Set(ctx, "short", []byte("v"), time.Second)
		mr.FastForward(2 * time.Second)
		val, err := cache.Get(ctx, "short")
		if err != nil || val != nil {
			t.Errorf("expected expired key to miss, got %v (%v)", val, err)
		}
	})

	t.Run("RateTable", func(t *testing.T) {
		if err := cache.SetRateTable(ctx, testTable("tbl-r"), 0); err != nil {
			t.Fatalf("SetRateTable failed: %v", err)
		}
		got, err := cache.GetRateTable(ctx, "tbl-r")
		if err != nil || got == nil {
			t.Fatalf("GetRateTable failed: %v", err)
		}
		if got.TrainRows() != 4 {
			t.Errorf("expected 4 train rows, got %d", got.TrainRows())
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "gone", []byte("v"), time.Minute)
		_ = cache.Delete(ctx, "gone")
		if val, _ := cache.Get(ctx, "gone"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewTwoPhaseCache(domain.CacheConfig{
		RedisAddr:    mr.Addr(),
		LocalMaxSize: 10,
		LocalTTL:     time.Minute,
	})
	if err != nil {
		t.Fatalf("NewTwoPhaseCache failed: %v", err)
	}
	defer c.Close()

	t.Run("WriteThrough", func(t *testing.T) {
		if err := c.SetRateTable(ctx, testTable("tbl-2"), time.Hour); err != nil {
			t.Fatalf("SetRateTable failed: %v", err)
		}
		if !mr.Exists("kestrel:rate_table:tbl-2") {
			t.Error("expected table written to L2")
		}
		if size, _ := c.Stats(); size != 1 {
			t.Errorf("expected 1 L1 entry, got %d", size)
		}
	})

	t.Run("L2PopulatesL1", func(t *testing.T) {
		_ = c.local.Close()
		got, err := c.GetRateTable(ctx, "tbl-2")
		if err != nil || got == nil {
			t.Fatalf("expected L2 hit, got %v", err)
		}
		if size, _ := c.Stats(); size != 1 {
			t.Errorf("expected L1 repopulated, got size %d", size)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Delete(ctx, rateTableKey("tbl-2"))
		got, err := c.GetRateTable(ctx, "tbl-2")
		if err != nil || got != nil {
			t.Errorf("expected miss after delete, got %v (%v)", got, err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := c.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("RedisType", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cache, err := New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr()})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*RedisCache); !ok {
			t.Error("expected RedisCache for redis type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
