package middleware

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type RateLimitConfig struct {
	RequestsPerMinute int64         `json:"requests_per_minute"`
	BurstSize         int64         `json:"burst_size"`
	WindowSize        time.Duration `json:"window_size"`
}

// clientWindow counts requests in the current fixed window. Guarded by
// the middleware mutex.
type clientWindow struct {
	count        int64
	windowStart  time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// RateLimitMiddleware enforces a per-caller request budget. Callers are
// keyed by tenant when the X-Tenant-ID header is present, otherwise by
// client IP, so one noisy tenant cannot starve the rest.
type RateLimitMiddleware struct {
	ctx     context.Context
	logger  types.Logger
	metrics types.MetricsManager
	cfg     *RateLimitConfig
	name    string
	weight  int

	mu      sync.Mutex
	clients map[string]*clientWindow
}

var (
	tenantHeader    = []byte("X-Tenant-ID")
	realIPHeader    = []byte("X-Real-IP")
	forwardedHeader = []byte("X-Forwarded-For")
)

func NewRateLimitMiddleware(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *RateLimitMiddleware {
	cfg := &RateLimitConfig{
		RequestsPerMinute: 100,
		BurstSize:         20,
		WindowSize:        time.Minute,
	}

	item := config.GetConfig().Middlewares.RateLimit
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, cfg); err != nil {
			logger.Error("Failed to unmarshal RateLimit middleware config", zap.Error(err))
		}
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}

	rl := &RateLimitMiddleware{
		name:    "rate-limit",
		weight:  item.Weight,
		ctx:     ctx,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		clients: make(map[string]*clientWindow),
	}

	go rl.cleanupLoop()

	return rl
}

func (rl *RateLimitMiddleware) Name() string          { return rl.name }
func (rl *RateLimitMiddleware) Weight() int           { return rl.weight }
func (rl *RateLimitMiddleware) Provider() interface{} { return nil }

func (rl *RateLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	key := rl.callerKey(ctx)

	if !rl.allow(key) {
		if rl.metrics != nil {
			rl.metrics.Counter("rate_limit_rejected_total", nil).Inc()
		}
		rl.writeLimitExceeded(ctx)
		return
	}

	next(ctx)
}

func (rl *RateLimitMiddleware) callerKey(ctx *fasthttp.RequestCtx) string {
	if tenant := ctx.Request.Header.PeekBytes(tenantHeader); len(tenant) > 0 {
		return "t:" + string(tenant)
	}
	if realIP := ctx.Request.Header.PeekBytes(realIPHeader); len(realIP) > 0 {
		return "ip:" + string(realIP)
	}
	if forwarded := ctx.Request.Header.PeekBytes(forwardedHeader); len(forwarded) > 0 {
		if comma := bytes.IndexByte(forwarded, ','); comma > 0 {
			forwarded = forwarded[:comma]
		}
		return "ip:" + string(bytes.TrimSpace(forwarded))
	}
	return "ip:" + ctx.RemoteIP().String()
}

func (rl *RateLimitMiddleware) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window, exists := rl.clients[key]
	if !exists {
		rl.clients[key] = &clientWindow{count: 1, windowStart: now, lastSeen: now}
		return true
	}

	window.lastSeen = now

	if now.Before(window.blockedUntil) {
		return false
	}

	if now.Sub(window.windowStart) > rl.cfg.WindowSize {
		window.windowStart = now
		window.count = 1
		return true
	}

	window.count++
	if window.count > rl.cfg.RequestsPerMinute {
		window.blockedUntil = now.Add(rl.cfg.WindowSize)
		return false
	}
	return true
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.ctx.Done():
			return
		}
	}
}

func (rl *RateLimitMiddleware) cleanup() {
	cutoff := time.Now().Add(-time.Hour)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	var removed int
	for key, window := range rl.clients {
		if window.lastSeen.Before(cutoff) && time.Now().After(window.blockedUntil) {
			delete(rl.clients, key)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limit cleanup finished",
			zap.Int("removed", removed),
			zap.Int("remaining", len(rl.clients)))
	}
}

func (rl *RateLimitMiddleware) writeLimitExceeded(ctx *fasthttp.RequestCtx) {
	retryAfter := int(rl.cfg.WindowSize / time.Second)

	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.Response.Header.Set("Content-Type", "application/json")
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.FormatInt(rl.cfg.RequestsPerMinute, 10))
	ctx.SetBodyString(`{"success":false,"error":"rate limit exceeded"}`)
}
