package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

// FastHTTPServer serves the gateway API over fasthttp, optionally behind
// the TLS manager's listener. Every matched route runs through the
// middleware chain.
type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	middlewares     types.MiddlewareManager
	router          *FastHTTPRouter
	server          *fasthttp.Server
	listener        net.Listener
	httpConfig      *types.HTTPConfig
	tlsConfig       *types.TLSConfig
	tlsManager      types.TLSManager
	running         atomic.Bool
	shutdownTimeout time.Duration
}

func NewHTTPServer(
	ctx context.Context,
	config types.ConfigManager,
	logger types.Logger,
	metrics types.MetricsManager,
	middlewares types.MiddlewareManager,
	tlsManager types.TLSManager,
	router types.HTTPRouter) (*FastHTTPServer, error) {
	fastRouter, ok := router.(*FastHTTPRouter)
	if !ok {
		return nil, types.NewErrorf("unsupported router implementation %T", router)
	}

	shutdownTimeout := time.Duration(config.GetConfig().Server.HTTP.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		middlewares:     middlewares,
		tlsManager:      tlsManager,
		router:          fastRouter,
		httpConfig:      config.GetConfig().Server.HTTP,
		tlsConfig:       config.GetConfig().Server.TLS,
		shutdownTimeout: shutdownTimeout,
	}, nil
}

func (h *FastHTTPServer) Start() error {
	if !h.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}

	h.server = &fasthttp.Server{
		Handler:                      func(ctx *fasthttp.RequestCtx) { h.router.Handler(ctx, h) },
		ReadTimeout:                  time.Duration(h.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.httpConfig.IdleTimeout) * time.Second,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	addr := fmt.Sprintf("%s:%d", h.httpConfig.Host, h.httpConfig.Port)

	ln, err := h.listen(addr)
	if err != nil {
		h.running.Store(false)
		return err
	}
	h.listener = ln

	go func() {
		if err := h.server.Serve(h.listener); err != nil {
			if h.running.Load() {
				h.logger.Error("HTTP server failed", zap.Error(err))
				h.running.Store(false)
			}
		}
	}()

	h.logger.Info("HTTP server started",
		zap.String("address", addr),
		zap.Bool("tls", h.tlsConfig != nil && h.tlsConfig.Enabled))
	return nil
}

func (h *FastHTTPServer) listen(addr string) (net.Listener, error) {
	if h.tlsConfig != nil && h.tlsConfig.Enabled {
		ln, err := h.tlsManager.Serve(addr)
		if err != nil {
			return nil, types.WrapError(err, "failed to create TLS listener")
		}
		return ln, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, types.WrapError(err, "failed to create HTTP listener")
	}
	return ln, nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}

	defer h.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	if h.server != nil {
		if err := h.server.ShutdownWithContext(ctx); err != nil {
			h.logger.Warn("HTTP server shutdown timed out", zap.Error(err))
			return nil
		}
	}

	h.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.running.Load()
}

// HandleRequest runs the matched handler through the middleware chain.
func (h *FastHTTPServer) HandleRequest(ctx *fasthttp.RequestCtx, handler types.FastHTTPHandler, config *types.RouteConfig) {
	if handler == nil {
		ctx.Error(types.ErrPathNotFound.Error(), fasthttp.StatusNotFound)
		return
	}
	if config == nil {
		ctx.Error(types.ErrConfigNotFound.Error(), fasthttp.StatusInternalServerError)
		return
	}

	if h.middlewares != nil {
		h.middlewares.Execute(ctx, func(ctx *fasthttp.RequestCtx) {
			handler(ctx)
		}, config)
		return
	}

	handler(ctx)
}
