package middleware

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

const MaxMiddlewares = 64

// Manager registers middlewares by weight and executes the resulting
// chain around route handlers. Per-route configs can enable or disable
// individual middlewares by name; matching ignores case and hyphens so
// "BodyLimit" and "body-limit" refer to the same middleware.
type Manager struct {
	ctx     context.Context
	config  types.ConfigManager
	logger  types.Logger
	metrics types.MetricsManager
	cache   types.CacheManager
	auth    types.AuthProviderManager
	health  types.HealthManager

	mu          sync.RWMutex
	pending     map[string]types.Middleware
	ordered     []types.MiddlewareEntry
	nameToIndex map[string]int
	defaultMask uint64
	chains      map[uint64][]types.Middleware
	chainsMu    sync.RWMutex
	finalized   atomic.Bool
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, cache types.CacheManager, auth types.AuthProviderManager, health types.HealthManager) (*Manager, error) {
	return &Manager{
		ctx:     ctx,
		config:  config,
		logger:  logger,
		metrics: metrics,
		cache:   cache,
		auth:    auth,
		health:  health,
		pending: make(map[string]types.Middleware),
		chains:  make(map[uint64][]types.Middleware),
	}, nil
}

func itemEnabled(item *types.MiddlewareItemConfig) bool {
	return item != nil && item.Enabled
}

// RegisterMiddlewares builds every middleware the config enables, then
// freezes the chain order.
func (m *Manager) RegisterMiddlewares() error {
	config := m.config.GetConfig()
	if config.Middlewares == nil {
		return m.finalize()
	}

	if itemEnabled(config.Middlewares.Recovery) {
		if err := m.Register(NewRecoveryMiddleware(m.config, m.logger, m.metrics)); err != nil {
			return err
		}
	}
	if itemEnabled(config.Middlewares.Logging) {
		if err := m.Register(NewLoggingMiddleware(m.config, m.logger, m.metrics)); err != nil {
			return err
		}
	}
	if itemEnabled(config.Middlewares.Metadata) {
		if err := m.Register(NewMetadataMiddleware(m.config, m.logger, m.metrics)); err != nil {
			return err
		}
	}
	if itemEnabled(config.Middlewares.RateLimit) {
		if err := m.Register(NewRateLimitMiddleware(m.ctx, m.config, m.logger, m.metrics)); err != nil {
			return err
		}
	}
	if itemEnabled(config.Middlewares.Compression) {
		if err := m.Register(NewCompressionMiddleware(m.config, m.logger, m.metrics)); err != nil {
			return err
		}
	}
	if itemEnabled(config.Middlewares.BodyLimit) {
		if err := m.Register(NewBodyLimitMiddleware(m.config, m.logger, m.metrics)); err != nil {
			return err
		}
	}
	if itemEnabled(config.Middlewares.Cache) {
		if err := m.Register(NewCacheMiddleware(m.config, m.logger, m.metrics, m.cache)); err != nil {
			return err
		}
	}
	if itemEnabled(config.Middlewares.Auth) {
		authMw, err := NewAuthMiddleware(m.auth, m.config, m.logger, m.metrics)
		if err != nil {
			return err
		}
		if err := m.Register(authMw); err != nil {
			return err
		}
	}
	if itemEnabled(config.Middlewares.CORS) {
		if err := m.Register(NewCORSMiddleware(m.config, m.logger, m.metrics)); err != nil {
			return err
		}
	}

	return m.finalize()
}

func (m *Manager) Register(middleware types.Middleware) error {
	if middleware == nil {
		return types.ErrMiddlewareInvalidType
	}
	if m.finalized.Load() {
		return types.NewErrorf("cannot register middleware after finalization")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) >= MaxMiddlewares {
		return types.NewErrorf("maximum middleware count exceeded: %d", MaxMiddlewares)
	}

	m.pending[middleware.Name()] = middleware
	m.logger.Info("Middleware registered: " + middleware.Name())
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "-", ""))
}

func (m *Manager) finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized.Load() {
		return types.NewErrorf("configuration already finalized")
	}

	weights := make(map[int]string, len(m.pending))
	m.ordered = make([]types.MiddlewareEntry, 0, len(m.pending))
	for name, mw := range m.pending {
		if existing, taken := weights[mw.Weight()]; taken {
			return types.NewErrorf("duplicate weight %d for middlewares '%s' and '%s'",
				mw.Weight(), existing, name)
		}
		weights[mw.Weight()] = name
		m.ordered = append(m.ordered, types.MiddlewareEntry{
			Name:       name,
			Middleware: mw,
			Weight:     mw.Weight(),
		})
	}

	sort.Slice(m.ordered, func(i, j int) bool {
		return m.ordered[i].Weight < m.ordered[j].Weight
	})

	m.nameToIndex = make(map[string]int, len(m.ordered))
	m.defaultMask = 0
	for i, entry := range m.ordered {
		m.nameToIndex[normalizeName(entry.Name)] = i
		m.defaultMask |= 1 << uint(i)
	}
	m.pending = nil

	m.finalized.Store(true)
	return nil
}

func (m *Manager) Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if !m.finalized.Load() {
		handler(ctx)
		return
	}

	chain := m.chainFor(config)
	if len(chain) == 0 {
		handler(ctx)
		return
	}

	var index int
	var next func(*fasthttp.RequestCtx)
	next = func(ctx *fasthttp.RequestCtx) {
		if index >= len(chain) {
			handler(ctx)
			return
		}
		mw := chain[index]
		index++
		mw.Handle(ctx, next, config)
	}
	next(ctx)
}

// chainFor resolves the middleware list for a route config. Chains are
// cached by enable-mask, so each distinct route shape is built once.
func (m *Manager) chainFor(config *types.RouteConfig) []types.Middleware {
	mask := m.maskFor(config)
	if mask == 0 {
		return nil
	}

	m.chainsMu.RLock()
	chain, ok := m.chains[mask]
	m.chainsMu.RUnlock()
	if ok {
		return chain
	}

	chain = make([]types.Middleware, 0, len(m.ordered))
	for i, entry := range m.ordered {
		if mask&(1<<uint(i)) != 0 {
			chain = append(chain, entry.Middleware)
		}
	}

	m.chainsMu.Lock()
	m.chains[mask] = chain
	m.chainsMu.Unlock()
	return chain
}

func (m *Manager) maskFor(config *types.RouteConfig) uint64 {
	mask := m.defaultMask
	if config == nil {
		return mask
	}

	for _, name := range config.Middlewares {
		if index, ok := m.nameToIndex[normalizeName(name)]; ok {
			mask |= 1 << uint(index)
		}
	}
	for _, name := range config.DisabledMiddlewares {
		if index, ok := m.nameToIndex[normalizeName(name)]; ok {
			mask &= ^(1 << uint(index))
		}
	}
	return mask
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ordered = nil
	m.nameToIndex = nil
	m.defaultMask = 0
	m.pending = make(map[string]types.Middleware)

	m.chainsMu.Lock()
	m.chains = make(map[uint64][]types.Middleware)
	m.chainsMu.Unlock()

	m.finalized.Store(false)

	m.logger.Info("Middleware manager stopped")
}
