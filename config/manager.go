package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

// ConfigurationManager loads the service configuration once at construction
// and serves it lock-free through atomic pointers. Load may be called again
// to pick up an edited file; readers always see either the old or the new
// configuration, never a mix.
type ConfigurationManager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      atomic.Pointer[types.ServiceConfig]
	parser      atomic.Pointer[Parser]
	configPath  string
	loader      *Loader
	loadTimeout time.Duration
	running     atomic.Bool
}

func NewConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	managerCtx, cancel := context.WithCancel(ctx)

	cm := &ConfigurationManager{
		ctx:         managerCtx,
		cancel:      cancel,
		configPath:  configPath,
		loadTimeout: 30 * time.Second,
	}

	loader, err := NewLoader()
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create loader")
	}
	cm.loader = loader

	if err := cm.Load(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

func (cm *ConfigurationManager) Start() error {
	if !cm.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (cm *ConfigurationManager) Stop() error {
	if !cm.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}

	cm.cancel()
	cm.config.Store(nil)
	cm.parser.Store(nil)

	return nil
}

func (cm *ConfigurationManager) IsRunning() bool {
	return cm.running.Load()
}

func (cm *ConfigurationManager) Load() error {
	loadCtx, cancel := context.WithTimeout(cm.ctx, cm.loadTimeout)
	defer cancel()

	config, err := cm.loader.LoadFromFile(loadCtx, cm.configPath)
	if err != nil {
		return types.WrapError(err, "failed to load configuration from file")
	}

	// Parser first so a reader never sees a config without its parser.
	cm.parser.Store(NewParser(config))
	cm.config.Store(config)

	return nil
}

func (cm *ConfigurationManager) GetConfig() *types.ServiceConfig {
	return cm.config.Load()
}

func (cm *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	parser := cm.parser.Load()
	if parser == nil {
		return defaultValue
	}
	return parser.GetValue(path, defaultValue)
}

func (cm *ConfigurationManager) GetAs(path string, target interface{}) error {
	parser := cm.parser.Load()
	if parser == nil {
		return types.ErrConfigIsNil
	}
	return parser.GetAs(path, target)
}
