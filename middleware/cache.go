package middleware

import (
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type CacheConfig struct {
	Enabled    bool          `json:"enabled"`
	DefaultTTL time.Duration `json:"default_ttl"`
}

// cachedResponse is the stored form of a GET response.
type cachedResponse struct {
	Status  int
	Body    []byte
	Headers map[string]string
}

// CacheMiddleware serves repeated GET responses from the cache manager.
// Keys include the tenant so responses never leak across tenants.
type CacheMiddleware struct {
	logger  types.Logger
	metrics types.MetricsManager
	cache   types.CacheManager
	cfg     *CacheConfig
	weight  int
}

func NewCacheMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, cache types.CacheManager) *CacheMiddleware {
	item := config.GetConfig().Middlewares.Cache

	cfg := &CacheConfig{
		Enabled:    item.Enabled,
		DefaultTTL: 5 * time.Minute,
	}
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, cfg); err != nil {
			logger.Error("Failed to unmarshal Cache middleware config", zap.Error(err))
		}
	}

	return &CacheMiddleware{
		logger:  logger,
		metrics: metrics,
		cache:   cache,
		cfg:     cfg,
		weight:  item.Weight,
	}
}

func (c *CacheMiddleware) Name() string { return "cache" }
func (c *CacheMiddleware) Weight() int  { return c.weight }

func (c *CacheMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if !c.cfg.Enabled || c.cache == nil {
		next(ctx)
		return
	}
	if string(ctx.Method()) != fasthttp.MethodGet {
		next(ctx)
		return
	}
	if config == nil || config.Cache == nil || !config.Cache.Enabled {
		next(ctx)
		return
	}

	key := c.buildCacheKey(ctx, config)

	if cached, exists := c.cache.Get(key); exists {
		if resp, ok := cached.(*cachedResponse); ok {
			c.recordLookup("hit")
			c.restore(ctx, resp)
			return
		}
	}

	c.recordLookup("miss")
	next(ctx)

	if !c.cacheable(ctx) {
		return
	}

	resp := &cachedResponse{
		Status:  ctx.Response.StatusCode(),
		Body:    append([]byte(nil), ctx.Response.Body()...),
		Headers: make(map[string]string),
	}
	ctx.Response.Header.VisitAll(func(k, v []byte) {
		resp.Headers[string(k)] = string(v)
	})

	ttl := c.cfg.DefaultTTL
	if config.Cache.TTL > 0 {
		ttl = config.Cache.TTL
	}

	if err := c.cache.Set(key, resp, ttl); err != nil {
		c.logger.Error("Failed to store cached response",
			zap.String("cache_key", key),
			zap.Error(err))
	}
}

func (c *CacheMiddleware) cacheable(ctx *fasthttp.RequestCtx) bool {
	status := ctx.Response.StatusCode()
	if status < 200 || status >= 300 {
		return false
	}
	if len(ctx.Response.Body()) == 0 {
		return false
	}

	cacheControl := strings.ToLower(string(ctx.Response.Header.Peek("Cache-Control")))
	return !strings.Contains(cacheControl, "no-cache") && !strings.Contains(cacheControl, "no-store")
}

func (c *CacheMiddleware) buildCacheKey(ctx *fasthttp.RequestCtx, config *types.RouteConfig) string {
	if config.Cache.Key != "" {
		return config.Cache.Key
	}

	requestPath := string(ctx.Path())
	if len(ctx.QueryArgs().QueryString()) > 0 {
		requestPath += "?" + string(ctx.QueryArgs().QueryString())
	}

	metadata := map[string]string{
		"method": string(ctx.Method()),
	}
	if tenant := string(ctx.Request.Header.Peek("X-Tenant-ID")); tenant != "" {
		metadata["tenant"] = tenant
	}
	if userID := string(ctx.Request.Header.Peek("X-User-ID")); userID != "" {
		metadata["user_id"] = userID
	}

	return c.cache.BuildCacheKey(requestPath, config.Cache.Deps, metadata)
}

func (c *CacheMiddleware) restore(ctx *fasthttp.RequestCtx, resp *cachedResponse) {
	ctx.SetStatusCode(resp.Status)
	for key, value := range resp.Headers {
		ctx.Response.Header.Set(key, value)
	}
	ctx.Response.Header.Set("X-Cache", "HIT")
	ctx.SetBody(resp.Body)
}

func (c *CacheMiddleware) recordLookup(result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.Counter("middleware_cache_lookups_total", map[string]string{
		"result": result,
	}).Inc()
}
