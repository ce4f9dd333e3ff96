package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/logger"
	"github.com/alesierraalta/LUMONEW-sub011/types"
)

func newTestCache(t *testing.T, maxEntries int) *MemoryCache {
	t.Helper()

	cfg := &types.CacheConfig{
		Enabled: true,
		Type:    "memory",
		Config: map[string]interface{}{
			"max_entries":      maxEntries,
			"cleanup_interval": "",
		},
	}

	manager, err := NewMemoryCache(context.Background(), logger.NewZapWrapper(zap.NewNop()), cfg)
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}

	return manager.(*MemoryCache)
}

func TestMemoryCacheSetGet(t *testing.T) {
	c := newTestCache(t, 100)

	if err := c.Set("items:1", "laptop", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	value, ok := c.Get("items:1")
	if !ok {
		t.Fatal("expected hit")
	}
	if value != "laptop" {
		t.Fatalf("got %v, want laptop", value)
	}

	if _, ok := c.Get("items:2"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestMemoryCacheEmptyKeyRejected(t *testing.T) {
	c := newTestCache(t, 100)

	if err := c.Set("", "x", time.Minute); !types.IsError(err, types.ErrCacheKeyEmpty) {
		t.Fatalf("got %v, want ErrCacheKeyEmpty", err)
	}
}

func TestMemoryCacheExpiryRemovesEntry(t *testing.T) {
	c := newTestCache(t, 100)

	if err := c.Set("items:1", "laptop", time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("items:1"); ok {
		t.Fatal("expected expired entry to miss")
	}

	// The expired read must also have deleted the entry.
	if got := c.Len(); got != 0 {
		t.Fatalf("Len() = %d after expired read, want 0", got)
	}
}

func TestMemoryCacheEvictsOldestTenth(t *testing.T) {
	c := newTestCache(t, 20)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("items:%02d", i)
		if err := c.Set(key, i, time.Hour); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
		// Insertion timestamps must be strictly ordered for the test
		// to identify the eviction victims deterministically.
		time.Sleep(time.Millisecond)
	}

	if err := c.Set("items:new", "overflow", time.Hour); err != nil {
		t.Fatalf("Set overflow: %v", err)
	}

	// 10% of 20 entries is 2 victims, oldest first.
	for _, victim := range []string{"items:00", "items:01"} {
		if _, ok := c.Get(victim); ok {
			t.Fatalf("expected %s to be evicted", victim)
		}
	}

	if _, ok := c.Get("items:02"); !ok {
		t.Fatal("items:02 should have survived eviction")
	}
	if _, ok := c.Get("items:new"); !ok {
		t.Fatal("new entry should be present after eviction")
	}

	_, _, evictions := c.Stats()
	if evictions != 2 {
		t.Fatalf("evictions = %d, want 2", evictions)
	}
}

func TestMemoryCacheEvictionAtLeastOne(t *testing.T) {
	c := newTestCache(t, 3)

	for i := 0; i < 3; i++ {
		if err := c.Set(fmt.Sprintf("k%d", i), i, time.Hour); err != nil {
			t.Fatalf("Set: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Set("k3", 3, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := c.Get("k0"); ok {
		t.Fatal("expected oldest entry to be evicted even when 10% rounds to zero")
	}
	if got := c.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
}

func TestMemoryCacheInvalidatePatternClearsAll(t *testing.T) {
	c := newTestCache(t, 100)

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("items:%d", i), i, time.Hour)
	}

	removed, err := c.InvalidatePattern("")
	if err != nil {
		t.Fatalf("InvalidatePattern: %v", err)
	}
	if removed != 5 {
		t.Fatalf("removed = %d, want 5", removed)
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestMemoryCacheInvalidatePatternMatches(t *testing.T) {
	c := newTestCache(t, 100)

	c.Set("items:1", 1, time.Hour)
	c.Set("items:2", 2, time.Hour)
	c.Set("users:1", 3, time.Hour)

	removed, err := c.InvalidatePattern(`^items:`)
	if err != nil {
		t.Fatalf("InvalidatePattern: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	if _, ok := c.Get("users:1"); !ok {
		t.Fatal("non-matching key must survive")
	}
}

func TestMemoryCacheInvalidatePatternInvalidRegexp(t *testing.T) {
	c := newTestCache(t, 100)

	if _, err := c.InvalidatePattern("["); !types.IsError(err, types.ErrCachePatternInvalid) {
		t.Fatalf("got %v, want ErrCachePatternInvalid", err)
	}
}

func TestMemoryCacheRevisionChangesBuiltKey(t *testing.T) {
	c := newTestCache(t, 100)

	key1 := c.BuildCacheKey("/api/v1/inventory", []string{"inventory"}, nil)
	if err := c.Invalidate("inventory"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	key2 := c.BuildCacheKey("/api/v1/inventory", []string{"inventory"}, nil)

	if key1 == key2 {
		t.Fatal("cache key must change after dependency invalidation")
	}
}

func TestMemoryCacheInvalidateDropsDependents(t *testing.T) {
	c := newTestCache(t, 100)

	key := c.BuildCacheKey("/api/v1/inventory", []string{"inventory"}, map[string]string{"tenant": "acme"})
	if err := c.Set(key, "payload", time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := c.Invalidate("inventory"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	if _, ok := c.Get(key); ok {
		t.Fatal("dependent entry must be dropped on invalidation")
	}
}

func TestMemoryCacheSweep(t *testing.T) {
	c := newTestCache(t, 100)

	c.Set("short", 1, time.Millisecond)
	c.Set("long", 2, time.Hour)

	time.Sleep(5 * time.Millisecond)

	if swept := c.Sweep(); swept != 1 {
		t.Fatalf("Sweep() = %d, want 1", swept)
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}

func TestMemoryCacheLifecycle(t *testing.T) {
	c := newTestCache(t, 100)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("expected running after Start")
	}
	if err := c.Start(); !types.IsError(err, types.ErrServerAlreadyRunning) {
		t.Fatalf("second Start: got %v, want ErrServerAlreadyRunning", err)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.IsRunning() {
		t.Fatal("expected stopped after Stop")
	}
}
