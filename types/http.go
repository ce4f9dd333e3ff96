package types

import (
	"time"

	"github.com/valyala/fasthttp"
)

type HTTPServer interface {
	LifecycleManager
	HandleRequest(ctx *fasthttp.RequestCtx, handler FastHTTPHandler, config *RouteConfig)
}

type HTTPRouter interface {
	Add(method, path string, handler FastHTTPHandler, config *RouteConfig)
	GetAllRoutes() map[string]*RouteInfo
}

type RouteConfig struct {
	Cache               *CacheHandlerConfig
	Middlewares         []string
	DisabledMiddlewares []string
	Timeout             time.Duration
}

type RouteInfo struct {
	Handler FastHTTPHandler
	Config  *RouteConfig
}

type RouteDefinition struct {
	Method  string
	Path    string
	Handler FastHTTPHandler
	Config  *RouteConfig
}

// APIResponse is the conventional response envelope for gateway routes.
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
