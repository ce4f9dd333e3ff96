package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alesierraalta/LUMONEW-sub011/action"
	"github.com/alesierraalta/LUMONEW-sub011/audit"
	"github.com/alesierraalta/LUMONEW-sub011/auth_providers"
	"github.com/alesierraalta/LUMONEW-sub011/batcher"
	"github.com/alesierraalta/LUMONEW-sub011/cache"
	"github.com/alesierraalta/LUMONEW-sub011/client"
	"github.com/alesierraalta/LUMONEW-sub011/config"
	"github.com/alesierraalta/LUMONEW-sub011/cron"
	"github.com/alesierraalta/LUMONEW-sub011/health"
	"github.com/alesierraalta/LUMONEW-sub011/logger"
	"github.com/alesierraalta/LUMONEW-sub011/metrics"
	"github.com/alesierraalta/LUMONEW-sub011/middleware"
	"github.com/alesierraalta/LUMONEW-sub011/optimizer"
	"github.com/alesierraalta/LUMONEW-sub011/server"
	"github.com/alesierraalta/LUMONEW-sub011/tls"
	"github.com/alesierraalta/LUMONEW-sub011/types"
)

const (
	stateStopped int32 = iota
	stateRunning
	stateStopping
)

// Components holds every manager the gateway runs. Everything is
// constructed once in NewService and passed down explicitly; there is
// no package-level state.
type Components struct {
	Config       types.ConfigManager
	Logger       types.LoggerManager
	Router       *server.FastHTTPRouter
	AuthProvider types.AuthProviderManager
	Health       types.HealthManager
	Metrics      types.MetricsManager
	TLSManager   types.TLSManager
	Cache        types.CacheManager
	Middlewares  types.MiddlewareManager
	Client       types.ClientManager
	Batcher      types.BatcherManager
	Optimizer    types.OptimizerManager
	Audit        types.AuditManager
	Actions      types.ActionBroker
	Cron         types.CronManager
	HTTPServer   types.HTTPServer
}

type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	configPath      string
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Int32
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	components      *Components
	logger          types.Logger
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	components, err := buildComponents(serviceCtx, configPath)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build components")
	}

	return &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		configPath:      configPath,
		components:      components,
		logger:          components.Logger,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}, nil
}

// Components exposes the constructed managers, mainly for tests and
// embedding callers.
func (s *Service) Components() *Components {
	return s.components
}

// Start brings up every component and then blocks until the service is
// shut down by a signal, Stop, or context cancellation.
func (s *Service) Start() (err error) {
	if !s.state.CompareAndSwap(stateStopped, stateRunning) {
		s.logger.Warn("Service is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service panic: %v", r)
			s.logger.Error("Service run panic", zap.String("stack", string(debug.Stack())))
			s.state.Store(stateStopped)
		}
	}()

	return s.run()
}

func (s *Service) run() error {
	s.logger.Info("Starting service")

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.state.Store(stateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger.Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger.Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.state.Store(stateStopped)

	s.logger.Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.state.CompareAndSwap(stateRunning, stateStopping) {
		s.logger.Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	s.logger.Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Cancel() {
	s.cancel()
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.state.Load() == stateRunning
}

func (s *Service) startComponents(ctx context.Context) error {
	c := s.components

	// Config and logger come up first; everything else logs through them.
	for _, step := range []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"config manager", c.Config},
		{"logger", c.Logger},
		{"auth provider", c.AuthProvider},
	} {
		if step.manager == nil {
			continue
		}
		if err := step.manager.Start(); err != nil {
			return types.WrapError(err, "failed to start "+step.name)
		}
	}

	if c.Health != nil {
		if err := c.Health.Start(); err != nil {
			s.logger.Error("Failed to start health manager", zap.Error(err))
		}
	}

	if c.Middlewares != nil {
		if err := c.Middlewares.RegisterMiddlewares(); err != nil {
			return types.WrapError(err, "failed to register middlewares")
		}
	}

	// Independent infrastructure starts concurrently.
	g, _ := errgroup.WithContext(ctx)

	for _, step := range []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"metrics manager", c.Metrics},
		{"cache manager", c.Cache},
		{"tls manager", c.TLSManager},
		{"audit manager", c.Audit},
	} {
		if step.manager == nil {
			continue
		}
		name, manager := step.name, step.manager
		g.Go(func() error {
			if err := manager.Start(); err != nil {
				s.logger.Error("Failed to start "+name, zap.Error(err))
			}
			return nil
		})
	}

	g.Wait()

	if err := ctx.Err(); err != nil {
		return types.NewErrorf("component startup timeout: %v", err)
	}

	// Client before batcher: flushed batches dispatch through it.
	for _, step := range []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"client manager", c.Client},
		{"batcher", c.Batcher},
		{"optimizer", c.Optimizer},
		{"action dispatcher", c.Actions},
	} {
		if step.manager == nil {
			continue
		}
		if err := step.manager.Start(); err != nil {
			s.logger.Error("Failed to start "+step.name, zap.Error(err))
		}
	}

	if c.HTTPServer != nil {
		if err := c.HTTPServer.Start(); err != nil {
			return types.WrapError(err, "failed to start HTTP server")
		}
	}

	if c.Cron != nil {
		if err := c.Cron.Start(); err != nil {
			s.logger.Error("Failed to start cron manager", zap.Error(err))
		}
	}

	s.logger.Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	c := s.components

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error

	s.logger.Info("Stopping service components...")

	// Stop intake first so in-flight work can drain.
	if c.Cron != nil {
		if err := c.Cron.Stop(); err != nil {
			s.logger.Error("Failed to stop cron manager", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if c.HTTPServer != nil {
		if err := c.HTTPServer.Stop(); err != nil {
			s.logger.Error("Failed to stop HTTP server", zap.Error(err))
			errs = append(errs, err)
		}
	}

	g, _ := errgroup.WithContext(ctx)

	for _, step := range []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"action dispatcher", c.Actions},
		{"batcher", c.Batcher},
		{"optimizer", c.Optimizer},
		{"client manager", c.Client},
	} {
		if step.manager == nil {
			continue
		}
		name, manager := step.name, step.manager
		g.Go(func() error {
			if err := manager.Stop(); err != nil {
				s.logger.Error("Failed to stop "+name, zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	if ctx.Err() != nil {
		s.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
	}

	if c.Middlewares != nil {
		c.Middlewares.Clear()
	}

	for _, step := range []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"auth provider", c.AuthProvider},
		{"tls manager", c.TLSManager},
		{"audit manager", c.Audit},
		{"cache manager", c.Cache},
		{"metrics manager", c.Metrics},
		{"health manager", c.Health},
		{"config manager", c.Config},
	} {
		if step.manager == nil {
			continue
		}
		if err := step.manager.Stop(); err != nil {
			s.logger.Error("Failed to stop "+step.name, zap.Error(err))
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errs)
	}

	s.logger.Info("All components stopped successfully")
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.state.CompareAndSwap(stateRunning, stateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			s.logger.Info("Service context cancelled")
		}

		signal.Stop(sigChan)
		close(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}

func buildComponents(ctx context.Context, configPath string) (*Components, error) {
	c := &Components{}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to build config manager")
	}
	c.Config = configManager

	cfg := configManager.GetConfig()

	loggerManager, err := logger.NewManager(ctx, configManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to build logger")
	}
	c.Logger = loggerManager

	router, err := server.NewFastHTTPRouter()
	if err != nil {
		return nil, types.WrapError(err, "failed to build router")
	}
	c.Router = router

	authProvider, err := auth_providers.NewAuthProviderManager(ctx, configManager, loggerManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to build auth provider")
	}
	c.AuthProvider = authProvider

	if cfg.Health != nil && cfg.Health.Enabled {
		healthManager, err := health.NewManager(ctx, configManager, loggerManager, router)
		if err != nil {
			return nil, types.WrapError(err, "failed to build health manager")
		}
		c.Health = healthManager
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsManager, err := metrics.NewManager(ctx, configManager, loggerManager)
		if err != nil {
			return nil, types.WrapError(err, "failed to build metrics manager")
		}
		metricsManager.RegisterRoutes(router)
		c.Metrics = metricsManager
	}

	if cfg.Server != nil && cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		tlsManager, err := tls.NewCertManager(ctx, loggerManager, configManager)
		if err != nil {
			return nil, types.WrapError(err, "failed to build TLS manager")
		}
		c.TLSManager = tlsManager
	}

	if cfg.Cache != nil && cfg.Cache.Enabled {
		cacheManager, err := cache.NewCacheManager(ctx, configManager, loggerManager, c.Metrics)
		if err != nil {
			return nil, types.WrapError(err, "failed to build cache manager")
		}
		c.Cache = cacheManager
	}

	if cfg.Middlewares != nil && cfg.Middlewares.Enabled {
		middlewareManager, err := middleware.NewManager(ctx, configManager, loggerManager, c.Metrics, c.Cache, authProvider, c.Health)
		if err != nil {
			return nil, types.WrapError(err, "failed to build middleware manager")
		}
		c.Middlewares = middlewareManager
	}

	if cfg.Client != nil && cfg.Client.Enabled {
		clientManager, err := client.NewManager(ctx, configManager, loggerManager, c.Metrics, c.Health, c.Middlewares, authProvider)
		if err != nil {
			return nil, types.WrapError(err, "failed to build client manager")
		}
		c.Client = clientManager
	}

	if cfg.Batcher != nil && cfg.Batcher.Enabled {
		if c.Client == nil {
			return nil, types.Errorf(types.ErrClientNotFound, "batcher requires the client manager")
		}
		dispatcher, err := batcher.NewClientDispatcher(c.Client, loggerManager)
		if err != nil {
			return nil, types.WrapError(err, "failed to build batch dispatcher")
		}
		batcherManager, err := batcher.NewBatcherManager(ctx, configManager, loggerManager, dispatcher, c.Metrics, batcher.NewWallClock())
		if err != nil {
			return nil, types.WrapError(err, "failed to build batcher")
		}
		c.Batcher = batcherManager
	}

	if cfg.Optimizer != nil && cfg.Optimizer.Enabled {
		optimizerManager, err := optimizer.NewOptimizerManager(ctx, configManager, loggerManager, c.Cache, c.Metrics)
		if err != nil {
			return nil, types.WrapError(err, "failed to build optimizer")
		}
		c.Optimizer = optimizerManager
	}

	if cfg.Audit != nil && cfg.Audit.Enabled {
		auditManager, err := audit.NewManager(ctx, configManager, loggerManager, c.Metrics, c.Health)
		if err != nil {
			return nil, types.WrapError(err, "failed to build audit manager")
		}
		c.Audit = auditManager
	}

	if cfg.Actions != nil && cfg.Actions.Enabled {
		actionBroker, err := action.NewActionBroker(ctx, configManager, loggerManager, c.Metrics, c.Health)
		if err != nil {
			return nil, types.WrapError(err, "failed to build action broker")
		}
		if registrar, ok := actionBroker.(interface {
			RegisterRoutes(router types.HTTPRouter)
		}); ok {
			registrar.RegisterRoutes(router)
		}
		c.Actions = actionBroker
	}

	if cfg.Cron != nil && cfg.Cron.Enabled {
		cronManager, err := cron.NewManager(ctx, configManager, loggerManager, c.Metrics, c.Health)
		if err != nil {
			return nil, types.WrapError(err, "failed to build cron manager")
		}
		c.Cron = cronManager
	}

	gateway := NewGateway(loggerManager, c.Client, c.Batcher, c.Optimizer, c.Cache, c.Audit, c.Actions)
	gateway.RegisterRoutes(router)

	if err := registerMaintenanceJobs(c, loggerManager); err != nil {
		return nil, types.WrapError(err, "failed to register maintenance jobs")
	}

	httpServer, err := server.NewHTTPServer(ctx, configManager, loggerManager, c.Metrics, c.Middlewares, c.TLSManager, router)
	if err != nil {
		return nil, types.WrapError(err, "failed to build HTTP server")
	}
	c.HTTPServer = httpServer

	return c, nil
}

// registerMaintenanceJobs wires the periodic hygiene work: expired-entry
// sweeps, an analytics snapshot, and audit retention.
func registerMaintenanceJobs(c *Components, log types.Logger) error {
	if c.Cron == nil {
		return nil
	}

	if c.Cache != nil {
		if sweeper, ok := c.Cache.(interface{ Sweep() int }); ok {
			if err := c.Cron.Add("cache_sweep", "0 */5 * * * *", func() {
				removed := sweeper.Sweep()
				if removed > 0 {
					log.Debug("Cache sweep removed expired entries", zap.Int("removed", removed))
				}
			}); err != nil {
				return err
			}
		}
	}

	if c.Optimizer != nil {
		if err := c.Cron.Add("analytics_snapshot", "0 0 * * * *", func() {
			analytics := c.Optimizer.Analytics()
			log.Info("Query analytics snapshot",
				zap.Int("total_queries", analytics.TotalQueries),
				zap.Duration("avg_duration", analytics.AvgDuration),
				zap.Float64("cache_hit_rate", analytics.CacheHitRate),
				zap.Float64("error_rate", analytics.ErrorRate))
		}); err != nil {
			return err
		}
	}

	if c.Audit != nil {
		if err := c.Cron.Add("audit_retention", "0 30 3 * * *", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := c.Audit.Purge(ctx, time.Now().AddDate(0, 0, -90)); err != nil {
				log.Error("Audit retention purge failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	return nil
}
