package middleware

import (
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type LoggingConfig struct {
	LogLevel   string `json:"log_level"`
	LogHeaders bool   `json:"log_headers"`
	LogBody    bool   `json:"log_body"`
}

// LoggingMiddleware writes one access log line per request. Severity
// follows the response status, 5xx at error and 4xx at warn.
type LoggingMiddleware struct {
	logger  types.Logger
	metrics types.MetricsManager
	cfg     *LoggingConfig
	weight  int
}

var redactedHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"set-cookie":    true,
}

func NewLoggingMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *LoggingMiddleware {
	cfg := &LoggingConfig{LogLevel: "info"}

	item := config.GetConfig().Middlewares.Logging
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, cfg); err != nil {
			logger.Error("Failed to unmarshal Logging middleware config", zap.Error(err))
		}
	}

	return &LoggingMiddleware{
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		weight:  item.Weight,
	}
}

func (l *LoggingMiddleware) Name() string { return "logging" }
func (l *LoggingMiddleware) Weight() int  { return l.weight }

func (l *LoggingMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	start := time.Now()

	next(ctx)

	fields := []zap.Field{
		zap.String("method", string(ctx.Method())),
		zap.String("path", string(ctx.Path())),
		zap.Int("status", ctx.Response.StatusCode()),
		zap.Duration("duration", time.Since(start)),
		zap.String("remote_addr", l.remoteAddr(ctx)),
	}

	if query := ctx.QueryArgs().QueryString(); len(query) > 0 {
		fields = append(fields, zap.ByteString("query", query))
	}
	if tenant := ctx.Request.Header.Peek("X-Tenant-ID"); len(tenant) > 0 {
		fields = append(fields, zap.ByteString("tenant", tenant))
	}
	if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
		fields = append(fields, zap.ByteString("request_id", requestID))
	}
	if l.cfg.LogHeaders {
		fields = append(fields, zap.Any("headers", l.sanitizedHeaders(ctx)))
	}
	if l.cfg.LogBody && len(ctx.Response.Body()) > 0 {
		body := ctx.Response.Body()
		if len(body) > 1000 {
			fields = append(fields,
				zap.String("response", string(body[:1000])+"..."),
				zap.Int("response_size", len(body)))
		} else {
			fields = append(fields, zap.ByteString("response", body))
		}
	}

	switch {
	case ctx.Response.StatusCode() >= 500:
		l.logger.Error("Request completed", fields...)
	case ctx.Response.StatusCode() >= 400:
		l.logger.Warn("Request completed", fields...)
	default:
		l.logAtConfiguredLevel("Request completed", fields...)
	}
}

func (l *LoggingMiddleware) sanitizedHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	headers := make(map[string]string, 16)
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if redactedHeaders[strings.ToLower(name)] {
			headers[name] = "[REDACTED]"
		} else {
			headers[name] = string(value)
		}
	})
	return headers
}

func (l *LoggingMiddleware) remoteAddr(ctx *fasthttp.RequestCtx) string {
	if forwarded := string(ctx.Request.Header.Peek("X-Forwarded-For")); forwarded != "" {
		if comma := strings.Index(forwarded, ","); comma > 0 {
			return strings.TrimSpace(forwarded[:comma])
		}
		return forwarded
	}
	if realIP := string(ctx.Request.Header.Peek("X-Real-IP")); realIP != "" {
		return realIP
	}
	return ctx.RemoteIP().String()
}

func (l *LoggingMiddleware) logAtConfiguredLevel(msg string, fields ...zap.Field) {
	switch l.cfg.LogLevel {
	case "debug":
		l.logger.Debug(msg, fields...)
	case "warn":
		l.logger.Warn(msg, fields...)
	case "error":
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}
