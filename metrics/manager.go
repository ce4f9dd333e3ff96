package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

// Manager wraps the selected metrics backend and degrades to no-op
// instruments while the backend is not running, so callers never have
// to nil-check their counters.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  types.Logger
	backend types.MetricsManager
	running atomic.Bool
}

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(metricsManagerName, creator)
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger) (types.MetricsManager, error) {
	metricsConfig := config.GetConfig().Metrics
	if !metricsConfig.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	managerCtx, cancel := context.WithCancel(ctx)

	var backend types.MetricsManager
	var err error

	switch metricsConfig.Type {
	case "memory":
		backend, err = NewMemoryMetrics(managerCtx, logger, metricsConfig)
	case "prometheus":
		backend, err = NewPrometheusMetrics(managerCtx, logger, metricsConfig)
	default:
		if creator, exists := customMetricsCreators.Load(metricsConfig.Type); exists {
			backend, err = creator.(types.MetricsManagerCreator)(metricsConfig)
		} else {
			err = types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", metricsConfig.Type)
		}
	}
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	logger.Info("Metrics manager initialized", zap.String("type", metricsConfig.Type))

	return &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		backend: backend,
	}, nil
}

func (w *Manager) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}

	if err := w.backend.Start(); err != nil {
		w.running.Store(false)
		return types.WrapError(err, "failed to start metrics manager")
	}

	w.logger.Info("Metrics manager started")
	return nil
}

func (w *Manager) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}

	defer w.cancel()

	if err := w.backend.Stop(); err != nil {
		w.logger.Error("Error during metrics manager shutdown", zap.Error(err))
		return err
	}

	w.logger.Info("Metrics manager stopped")
	return nil
}

func (w *Manager) IsRunning() bool {
	return w.running.Load()
}

func (w *Manager) RegisterRoutes(router types.HTTPRouter) {
	w.backend.RegisterRoutes(router)
}

func (w *Manager) Counter(name string, labels map[string]string) types.Counter {
	if w.running.Load() {
		return w.backend.Counter(name, labels)
	}
	return &emptyCounter{}
}

func (w *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	if w.running.Load() {
		return w.backend.Gauge(name, labels)
	}
	return &emptyGauge{}
}

func (w *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if w.running.Load() {
		return w.backend.Histogram(name, buckets, labels)
	}
	return &emptyHistogram{}
}

func (w *Manager) Summary(name string, objectives map[float64]float64, labels map[string]string) types.Summary {
	if w.running.Load() {
		return w.backend.Summary(name, objectives, labels)
	}
	return &emptySummary{}
}

func (w *Manager) StartRuntimeCollection() error {
	if w.running.Load() {
		return w.backend.StartRuntimeCollection()
	}
	return types.ErrMetricsNotRunning
}

func (w *Manager) StopRuntimeCollection() error {
	return w.backend.StopRuntimeCollection()
}

func (w *Manager) GetMetrics() ([]byte, error) {
	if !w.running.Load() {
		return nil, types.ErrMetricsNotRunning
	}
	return w.backend.GetMetrics()
}

func (w *Manager) GetStats() ([]byte, error) {
	if !w.running.Load() {
		return nil, types.ErrMetricsNotRunning
	}
	return w.backend.GetStats()
}

type emptyCounter struct{}

func (c *emptyCounter) Inc()          {}
func (c *emptyCounter) Add(_ float64) {}
func (c *emptyCounter) Get() float64  { return 0 }

type emptyGauge struct{}

func (g *emptyGauge) Set(_ float64) {}
func (g *emptyGauge) Inc()          {}
func (g *emptyGauge) Dec()          {}
func (g *emptyGauge) Add(_ float64) {}
func (g *emptyGauge) Sub(_ float64) {}
func (g *emptyGauge) Get() float64  { return 0 }

type emptyHistogram struct{}

func (h *emptyHistogram) Observe(_ float64)           {}
func (h *emptyHistogram) ObserveDuration(_ time.Time) {}
func (h *emptyHistogram) GetCount() uint64            { return 0 }
func (h *emptyHistogram) GetSum() float64             { return 0 }

type emptySummary struct{}

func (s *emptySummary) Observe(_ float64)           {}
func (s *emptySummary) ObserveDuration(_ time.Time) {}
func (s *emptySummary) GetCount() uint64            { return 0 }
func (s *emptySummary) GetSum() float64             { return 0 }
