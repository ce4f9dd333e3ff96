package middleware

import (
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type AuthConfig struct {
	Provider string `json:"provider"`
}

// AuthMiddleware authenticates incoming requests through the configured
// auth provider. OPTIONS requests pass through for CORS preflight.
type AuthMiddleware struct {
	logger   types.Logger
	metrics  types.MetricsManager
	provider types.AuthProvider
	name     string
	weight   int
}

func NewAuthMiddleware(providers types.AuthProviderManager, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*AuthMiddleware, error) {
	cfg := &AuthConfig{Provider: "token"}

	item := config.GetConfig().Middlewares.Auth
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, cfg); err != nil {
			logger.Error("Failed to unmarshal Auth middleware config", zap.Error(err))
			return nil, err
		}
	}

	provider, ok := providers.Get(cfg.Provider)
	if !ok {
		return nil, types.Errorf(types.ErrAuthProviderNotFound, "%s", cfg.Provider)
	}

	return &AuthMiddleware{
		name:     "auth",
		weight:   item.Weight,
		logger:   logger,
		metrics:  metrics,
		provider: provider,
	}, nil
}

func (a *AuthMiddleware) Name() string          { return a.name }
func (a *AuthMiddleware) Weight() int           { return a.weight }
func (a *AuthMiddleware) Provider() interface{} { return a.provider }

func (a *AuthMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if string(ctx.Method()) == fasthttp.MethodOptions {
		next(ctx)
		return
	}

	err := a.provider.ApplyToIncomingRequest(ctx)
	if err == nil {
		a.recordOutcome("success")
		next(ctx)
		return
	}

	// the basic provider answers with a browser challenge, not a 401
	if strings.Contains(err.Error(), "basic_auth_challenge_sent") {
		a.recordOutcome("challenge")
		return
	}

	a.logger.Warn("Authentication failed",
		zap.ByteString("path", ctx.Path()),
		zap.String("provider_type", a.provider.Type()),
		zap.Error(err))
	a.recordOutcome("rejected")

	ctx.Error("authentication required", fasthttp.StatusUnauthorized)
}

func (a *AuthMiddleware) recordOutcome(result string) {
	if a.metrics == nil {
		return
	}
	a.metrics.Counter("auth_requests_total", map[string]string{
		"provider": a.provider.Type(),
		"result":   result,
	}).Inc()
}
