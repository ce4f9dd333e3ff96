package cache

import (
	"context"
	"time"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

var customCacheCreators = make(map[string]types.CacheManagerCreator)

func RegisterCacheManager(cacheManagerName string, creator types.CacheManagerCreator) {
	customCacheCreators[cacheManagerName] = creator
}

// NewCacheManager builds the configured cache backend. When a metrics
// manager is supplied the backend is wrapped so every operation is counted
// and timed.
func NewCacheManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.CacheManager, error) {
	cacheConfig := config.GetConfig().Cache

	if !cacheConfig.Enabled {
		return nil, types.ErrCacheIsDisabled
	}

	var impl types.CacheManager
	var err error

	switch cacheConfig.Type {
	case "memory":
		impl, err = NewMemoryCache(ctx, logger, cacheConfig)
	case "redis":
		impl, err = NewRedisCache(ctx, logger, cacheConfig)
	default:
		if creator, exists := customCacheCreators[cacheConfig.Type]; exists {
			impl, err = creator(cacheConfig)
		} else {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", cacheConfig.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	if metrics == nil {
		return impl, nil
	}

	return &instrumentedCache{impl: impl, metrics: metrics}, nil
}

type instrumentedCache struct {
	impl    types.CacheManager
	metrics types.MetricsManager
}

func (c *instrumentedCache) Get(key string) (interface{}, bool) {
	start := time.Now()
	value, exists := c.impl.Get(key)

	if exists {
		c.record("get", "hit", start)
	} else {
		c.record("get", "miss", start)
	}
	return value, exists
}

func (c *instrumentedCache) Set(key string, value interface{}, ttl time.Duration) error {
	start := time.Now()
	err := c.impl.Set(key, value, ttl)
	c.record("set", resultLabel(err), start)
	return err
}

func (c *instrumentedCache) Delete(key string) error {
	start := time.Now()
	err := c.impl.Delete(key)
	c.record("delete", resultLabel(err), start)
	return err
}

func (c *instrumentedCache) Invalidate(keys ...string) error {
	start := time.Now()
	err := c.impl.Invalidate(keys...)
	c.record("invalidate", resultLabel(err), start)
	return err
}

func (c *instrumentedCache) InvalidatePattern(pattern string) (int, error) {
	start := time.Now()
	removed, err := c.impl.InvalidatePattern(pattern)
	c.record("invalidate_pattern", resultLabel(err), start)
	return removed, err
}

func (c *instrumentedCache) GetRevision(key string) uint64 { return c.impl.GetRevision(key) }

func (c *instrumentedCache) SetRevision(key string, revision uint64) {
	c.impl.SetRevision(key, revision)
}

func (c *instrumentedCache) BuildCacheKey(requestPath string, dependencies []string, metadata map[string]string) string {
	return c.impl.BuildCacheKey(requestPath, dependencies, metadata)
}

func (c *instrumentedCache) Len() int { return c.impl.Len() }

func (c *instrumentedCache) Start() error {
	start := time.Now()
	err := c.impl.Start()
	c.record("start", resultLabel(err), start)
	return err
}

func (c *instrumentedCache) Stop() error { return c.impl.Stop() }

func (c *instrumentedCache) IsRunning() bool { return c.impl.IsRunning() }

// Sweep forwards to the implementation when it supports on-demand sweeps.
func (c *instrumentedCache) Sweep() int {
	if sweeper, ok := c.impl.(interface{ Sweep() int }); ok {
		return sweeper.Sweep()
	}
	return 0
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *instrumentedCache) record(operation, result string, start time.Time) {
	c.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	c.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).Observe(time.Since(start).Seconds())
}
