package middleware

import (
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type BodyLimitConfig struct {
	MaxBodySize int64 `json:"max_body_size"`
}

// BodyLimitMiddleware rejects mutation requests whose body exceeds the
// configured limit before the handler sees them.
type BodyLimitMiddleware struct {
	logger        types.Logger
	metrics       types.MetricsManager
	cfg           *BodyLimitConfig
	name          string
	weight        int
	errorResponse []byte
}

func NewBodyLimitMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *BodyLimitMiddleware {
	cfg := &BodyLimitConfig{MaxBodySize: 1024 * 1024}

	item := config.GetConfig().Middlewares.BodyLimit
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, cfg); err != nil {
			logger.Error("Failed to unmarshal BodyLimit middleware config", zap.Error(err))
		}
	}

	return &BodyLimitMiddleware{
		name:    "body-limit",
		weight:  item.Weight,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		errorResponse: []byte(fmt.Sprintf(
			`{"success":false,"error":"request body exceeds maximum size of %d bytes"}`,
			cfg.MaxBodySize)),
	}
}

func (bl *BodyLimitMiddleware) Name() string          { return bl.name }
func (bl *BodyLimitMiddleware) Weight() int           { return bl.weight }
func (bl *BodyLimitMiddleware) Provider() interface{} { return nil }

func (bl *BodyLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	switch string(ctx.Method()) {
	case fasthttp.MethodPost, fasthttp.MethodPut, fasthttp.MethodPatch, fasthttp.MethodDelete:
	default:
		next(ctx)
		return
	}

	contentLength := ctx.Request.Header.ContentLength()
	if int64(contentLength) > bl.cfg.MaxBodySize ||
		int64(len(ctx.PostBody())) > bl.cfg.MaxBodySize {
		bl.logger.Warn("Request body too large",
			zap.ByteString("path", ctx.Path()),
			zap.Int("content_length", contentLength))

		ctx.SetStatusCode(fasthttp.StatusRequestEntityTooLarge)
		ctx.SetContentType("application/json")
		ctx.SetConnectionClose()
		ctx.SetBody(bl.errorResponse)
		return
	}

	next(ctx)
}
