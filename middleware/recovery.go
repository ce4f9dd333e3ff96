package middleware

import (
	"runtime/debug"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type RecoveryConfig struct {
	StackTrace bool `json:"stack_trace"`
}

// RecoveryMiddleware turns handler panics into 500 responses. It sits
// at the lowest weight so every other middleware runs inside it.
type RecoveryMiddleware struct {
	logger  types.Logger
	metrics types.MetricsManager
	cfg     *RecoveryConfig
	name    string
	weight  int
}

func NewRecoveryMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *RecoveryMiddleware {
	cfg := &RecoveryConfig{StackTrace: true}

	item := config.GetConfig().Middlewares.Recovery
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, cfg); err != nil {
			logger.Error("Failed to unmarshal Recovery middleware config", zap.Error(err))
		}
	}

	return &RecoveryMiddleware{
		name:    "recovery",
		weight:  item.Weight,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
	}
}

func (r *RecoveryMiddleware) Name() string          { return r.name }
func (r *RecoveryMiddleware) Weight() int           { return r.weight }
func (r *RecoveryMiddleware) Provider() interface{} { return nil }

func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	defer func() {
		if rec := recover(); rec != nil {
			fields := []zap.Field{
				zap.Any("panic", rec),
				zap.ByteString("method", ctx.Method()),
				zap.ByteString("path", ctx.Path()),
				zap.String("remote_addr", ctx.RemoteIP().String()),
			}
			if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
				fields = append(fields, zap.ByteString("request_id", requestID))
			}
			if r.cfg.StackTrace {
				fields = append(fields, zap.ByteString("stack", debug.Stack()))
			}
			r.logger.Error("Recovered from panic", fields...)

			if r.metrics != nil {
				r.metrics.Counter("http_panics_recovered_total", map[string]string{
					"path": string(ctx.Path()),
				}).Inc()
			}

			utils.CreateErrorResponse(ctx)
		}
	}()

	next(ctx)
}
