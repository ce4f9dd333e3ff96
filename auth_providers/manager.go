package auth_providers

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

// AuthProviderManager holds the providers built from configuration plus any
// registered programmatically. Registration is only allowed before Start so
// the provider set is stable while requests are flowing.
type AuthProviderManager struct {
	ctx       context.Context
	cancel    context.CancelFunc
	config    types.ConfigManager
	logger    types.Logger
	mu        sync.RWMutex
	providers map[string]types.AuthProvider
	running   atomic.Bool
}

func NewAuthProviderManager(
	ctx context.Context,
	config types.ConfigManager,
	logger types.Logger,
) (types.AuthProviderManager, error) {
	managerCtx, cancel := context.WithCancel(ctx)

	manager := &AuthProviderManager{
		ctx:       managerCtx,
		cancel:    cancel,
		config:    config,
		logger:    logger,
		providers: make(map[string]types.AuthProvider),
	}

	if err := manager.registerConfiguredProviders(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build auth providers")
	}

	return manager, nil
}

func (pm *AuthProviderManager) Start() error {
	if !pm.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}

	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for name, provider := range pm.providers {
		startable, ok := provider.(interface{ Start() error })
		if !ok {
			continue
		}
		if err := startable.Start(); err != nil {
			pm.running.Store(false)
			pm.logger.Error("Failed to start auth provider",
				zap.String("provider", name),
				zap.Error(err))
			return types.WrapError(err, "failed to start provider "+name)
		}
	}

	pm.logger.Info("Provider manager started",
		zap.Int("providers", len(pm.providers)))
	return nil
}

func (pm *AuthProviderManager) Stop() error {
	if !pm.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}

	pm.cancel()

	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for name, provider := range pm.providers {
		stoppable, ok := provider.(interface{ Stop() error })
		if !ok {
			continue
		}
		if err := stoppable.Stop(); err != nil {
			pm.logger.Error("Failed to stop auth provider",
				zap.String("provider", name),
				zap.Error(err))
		}
	}

	return nil
}

func (pm *AuthProviderManager) IsRunning() bool {
	return pm.running.Load()
}

func (pm *AuthProviderManager) Get(name string) (types.AuthProvider, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	provider, ok := pm.providers[name]
	return provider, ok
}

func (pm *AuthProviderManager) Register(name string, provider types.AuthProvider) error {
	if pm.IsRunning() {
		pm.logger.Warn("Provider manager is already running")
		return types.ErrServerAlreadyRunning
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, ok := pm.providers[name]; ok {
		return types.NewErrorf("provider %s already registered", name)
	}

	pm.providers[name] = provider
	return nil
}

func (pm *AuthProviderManager) registerConfiguredProviders() error {
	providersConfig := pm.config.GetConfig().AuthProviders
	if providersConfig == nil {
		pm.logger.Warn("No providers enabled")
		return nil
	}

	if providersConfig.Token != nil && providersConfig.Token.Enabled {
		if token, ok := providersConfig.Token.Params["token"].(string); ok {
			if err := pm.Register("token", NewTokenAuthProvider(token)); err != nil {
				return err
			}
		}
	}

	if providersConfig.Basic != nil && providersConfig.Basic.Enabled {
		if username, ok := providersConfig.Basic.Params["username"].(string); ok {
			if password, ok := providersConfig.Basic.Params["password"].(string); ok {
				if err := pm.Register("basic", NewBasicAuthProvider(username, password)); err != nil {
					return err
				}
			}
		}
	}

	return nil
}
