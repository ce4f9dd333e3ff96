package middleware

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

type CORSMiddleware struct {
	logger  types.Logger
	metrics types.MetricsManager
	cfg     *CORSConfig
	name    string
	weight  int

	allowAll       bool
	exactOrigins   map[string]bool
	wildcardRoots  []string
	allowedMethods string
	allowedHeaders string
	exposedHeaders string
	maxAge         string
}

func NewCORSMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *CORSMiddleware {
	cfg := &CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key", "X-Tenant-ID", "X-Request-ID"},
		MaxAge:         86400,
	}

	item := config.GetConfig().Middlewares.CORS
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, cfg); err != nil {
			logger.Error("Failed to unmarshal CORS middleware config", zap.Error(err))
		}
	}

	cm := &CORSMiddleware{
		name:    "cors",
		weight:  item.Weight,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,

		allowedMethods: strings.Join(cfg.AllowedMethods, ", "),
		allowedHeaders: strings.Join(cfg.AllowedHeaders, ", "),
		exposedHeaders: strings.Join(cfg.ExposedHeaders, ", "),
		maxAge:         strconv.Itoa(cfg.MaxAge),
	}

	cm.allowAll = len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*"
	if !cm.allowAll {
		cm.exactOrigins = make(map[string]bool, len(cfg.AllowedOrigins))
		for _, origin := range cfg.AllowedOrigins {
			if strings.HasPrefix(origin, "*.") {
				cm.wildcardRoots = append(cm.wildcardRoots, strings.TrimPrefix(origin, "*."))
			} else {
				cm.exactOrigins[origin] = true
			}
		}
	}

	return cm
}

func (c *CORSMiddleware) Name() string          { return c.name }
func (c *CORSMiddleware) Weight() int           { return c.weight }
func (c *CORSMiddleware) Provider() interface{} { return nil }

func (c *CORSMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	origin := ctx.Request.Header.Peek("Origin")
	if len(origin) == 0 {
		next(ctx)
		return
	}

	if !c.originAllowed(string(origin)) {
		c.logger.Warn("CORS request blocked",
			zap.ByteString("origin", origin),
			zap.ByteString("path", ctx.Path()))

		ctx.SetStatusCode(fasthttp.StatusForbidden)
		ctx.Response.Header.SetContentType("application/json")
		ctx.SetBodyString(`{"success":false,"error":"origin not allowed"}`)
		return
	}

	if bytes.Equal(ctx.Method(), []byte(fasthttp.MethodOptions)) {
		c.writePreflight(ctx, origin)
		return
	}

	c.setAllowOrigin(ctx, origin)
	if c.exposedHeaders != "" {
		ctx.Response.Header.Set("Access-Control-Expose-Headers", c.exposedHeaders)
	}
	ctx.Response.Header.Add("Vary", "Origin")

	next(ctx)
}

func (c *CORSMiddleware) originAllowed(origin string) bool {
	if c.allowAll || c.exactOrigins[origin] {
		return true
	}

	host := origin
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}

	for _, root := range c.wildcardRoots {
		// *.example.com matches sub.example.com but not deep.sub.example.com
		suffix := "." + root
		if strings.HasSuffix(host, suffix) {
			sub := strings.TrimSuffix(host, suffix)
			if sub != "" && !strings.Contains(sub, ".") {
				return true
			}
		}
	}
	return false
}

func (c *CORSMiddleware) setAllowOrigin(ctx *fasthttp.RequestCtx, origin []byte) {
	if c.allowAll && !c.cfg.AllowCredentials {
		ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
	} else {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Origin", origin)
	}
	if c.cfg.AllowCredentials {
		ctx.Response.Header.Set("Access-Control-Allow-Credentials", "true")
	}
}

func (c *CORSMiddleware) writePreflight(ctx *fasthttp.RequestCtx, origin []byte) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	c.setAllowOrigin(ctx, origin)
	ctx.Response.Header.Set("Access-Control-Allow-Methods", c.allowedMethods)
	ctx.Response.Header.Set("Access-Control-Allow-Headers", c.allowedHeaders)
	ctx.Response.Header.Set("Access-Control-Max-Age", c.maxAge)
	ctx.Response.Header.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	ctx.SetBody(nil)
}
