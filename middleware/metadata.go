package middleware

import (
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type MetadataConfig struct {
	PropagatedHeaders []string `json:"propagated_headers"`
	GenerateRequestID bool     `json:"generate_request_id"`
}

// MetadataMiddleware extracts caller identity headers into request
// metadata, assigns a request ID when the caller sent none, and stages
// the headers that should be propagated to upstream services.
type MetadataMiddleware struct {
	logger  types.Logger
	metrics types.MetricsManager
	cfg     *MetadataConfig
	weight  int
}

// header name to metadata key, lower-cased for propagation matching
var metadataHeaders = map[string]string{
	"x-tenant-id":   "tenant_id",
	"x-user-id":     "user_id",
	"x-request-id":  "request_id",
	"x-trace-id":    "trace_id",
	"x-client-id":   "client_id",
	"authorization": "authorization",
	"x-api-key":     "api_key",
}

func NewMetadataMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *MetadataMiddleware {
	cfg := &MetadataConfig{
		GenerateRequestID: true,
		PropagatedHeaders: []string{
			"Authorization",
			"X-Tenant-ID",
			"X-User-ID",
			"X-Real-IP",
			"X-Request-ID",
			"X-Trace-ID",
			"X-API-Key",
		},
	}

	item := config.GetConfig().Middlewares.Metadata
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, cfg); err != nil {
			logger.Error("Failed to unmarshal Metadata middleware config", zap.Error(err))
		}
	}

	return &MetadataMiddleware{
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		weight:  item.Weight,
	}
}

func (m *MetadataMiddleware) Name() string { return "metadata" }
func (m *MetadataMiddleware) Weight() int  { return m.weight }

func (m *MetadataMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	metadata := m.extractMetadata(ctx)

	if m.cfg.GenerateRequestID && metadata["request_id"] == "" {
		id := "req_" + uuid.NewString()
		metadata["request_id"] = id
		ctx.Request.Header.Set("X-Request-ID", id)
	}
	if metadata["request_id"] != "" {
		ctx.Response.Header.Set("X-Request-ID", metadata["request_id"])
	}

	ctx.SetUserValue("metadata", metadata)
	m.stagePropagation(ctx, metadata)

	next(ctx)
}

func (m *MetadataMiddleware) extractMetadata(ctx *fasthttp.RequestCtx) map[string]string {
	metadata := make(map[string]string, len(metadataHeaders)+1)

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		if metaKey, ok := metadataHeaders[strings.ToLower(string(key))]; ok && len(value) > 0 {
			metadata[metaKey] = string(value)
		}
	})

	metadata["real_ip"] = m.extractRealIP(ctx)
	return metadata
}

func (m *MetadataMiddleware) extractRealIP(ctx *fasthttp.RequestCtx) string {
	if realIP := string(ctx.Request.Header.Peek("X-Real-IP")); realIP != "" {
		return realIP
	}
	if forwarded := string(ctx.Request.Header.Peek("X-Forwarded-For")); forwarded != "" {
		if comma := strings.Index(forwarded, ","); comma > 0 {
			forwarded = forwarded[:comma]
		}
		return strings.TrimSpace(forwarded)
	}
	return ctx.RemoteIP().String()
}

func (m *MetadataMiddleware) stagePropagation(ctx *fasthttp.RequestCtx, metadata map[string]string) {
	propagation := make(map[string]string)

	for _, header := range m.cfg.PropagatedHeaders {
		lower := strings.ToLower(header)
		key, known := metadataHeaders[lower]
		if !known {
			if lower == "x-real-ip" {
				key = "real_ip"
			} else {
				continue
			}
		}
		if value := metadata[key]; value != "" {
			propagation[header] = value
		}
	}

	if len(propagation) > 0 {
		ctx.SetUserValue("propagation_headers", propagation)
	}
}
