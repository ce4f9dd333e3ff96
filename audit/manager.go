package audit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var customStoreCreators = make(map[string]types.AuditStoreCreator)

// RegisterAuditStore registers a custom store type usable via the
// audit config "type" field.
func RegisterAuditStore(storeType string, creator types.AuditStoreCreator) {
	customStoreCreators[storeType] = creator
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, health types.HealthManager) (types.AuditManager, error) {
	auditConfig := config.GetConfig().Audit

	if auditConfig == nil || !auditConfig.Enabled {
		return nil, types.ErrAuditIsDisabled
	}

	var impl types.AuditManager
	var err error

	switch auditConfig.Type {
	case "memory":
		impl, err = NewMemoryStore(ctx, logger, auditConfig)
	case "clover":
		impl, err = NewCloverStore(ctx, logger, auditConfig)
	case "sqlite":
		impl, err = NewSQLiteStore(ctx, logger, auditConfig)
	default:
		if creator, exists := customStoreCreators[auditConfig.Type]; exists {
			impl, err = creator(auditConfig.Config)
		} else {
			return nil, types.Errorf(types.ErrAuditStoreUnknown, "type: %s", auditConfig.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	manager := newInstrumentedAuditManager(logger, metrics, impl)

	if health != nil {
		health.RegisterChecker("audit", func(checkCtx context.Context) types.HealthCheck {
			if !manager.IsRunning() {
				return types.HealthCheck{
					Status:  types.StatusUnhealthy,
					Message: "audit store is not running",
				}
			}
			if _, err := manager.Count(checkCtx, &types.AuditFilter{Limit: 1}); err != nil {
				return types.HealthCheck{
					Status:  types.StatusUnhealthy,
					Message: err.Error(),
				}
			}
			return types.HealthCheck{Status: types.StatusHealthy}
		})
	}

	return manager, nil
}

// validateEntry fills generated fields and rejects entries missing the
// actor/action/resource triple.
func validateEntry(entry *types.AuditEntry) error {
	if entry == nil {
		return types.ErrAuditEntryInvalid
	}
	if entry.Actor == "" || entry.Action == "" || entry.Resource == "" {
		return types.Errorf(types.ErrAuditEntryInvalid, "actor, action and resource are required")
	}
	return nil
}

type instrumentedAuditManager struct {
	impl    types.AuditManager
	logger  types.Logger
	metrics types.MetricsManager
	state   atomic.Value
}

func newInstrumentedAuditManager(logger types.Logger, metrics types.MetricsManager, impl types.AuditManager) types.AuditManager {
	instrumented := &instrumentedAuditManager{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}

	instrumented.state.Store(StateStopped)
	return instrumented
}

func (am *instrumentedAuditManager) Start() error {
	if !am.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if am.getState() == StateStarting {
			am.setState(StateRunning)
		}
	}()

	err := am.impl.Start()
	if err != nil {
		am.setState(StateStopped)
		return err
	}

	am.logger.Info("Audit manager started")
	return nil
}

func (am *instrumentedAuditManager) Stop() error {
	if !am.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		am.setState(StateStopped)
	}()

	err := am.impl.Stop()
	if err != nil {
		am.logger.Error("Failed to stop audit store", zap.Error(err))
		return err
	}

	am.logger.Info("Audit manager stopped gracefully")
	return nil
}

func (am *instrumentedAuditManager) IsRunning() bool {
	return am.getState() == StateRunning
}

func (am *instrumentedAuditManager) Record(ctx context.Context, entry *types.AuditEntry) error {
	start := time.Now()
	err := am.impl.Record(ctx, entry)
	am.recordMetric("record", err, time.Since(start))
	return err
}

func (am *instrumentedAuditManager) Query(ctx context.Context, filter *types.AuditFilter) ([]*types.AuditEntry, error) {
	start := time.Now()
	entries, err := am.impl.Query(ctx, filter)
	am.recordMetric("query", err, time.Since(start))
	return entries, err
}

func (am *instrumentedAuditManager) Count(ctx context.Context, filter *types.AuditFilter) (int64, error) {
	start := time.Now()
	count, err := am.impl.Count(ctx, filter)
	am.recordMetric("count", err, time.Since(start))
	return count, err
}

func (am *instrumentedAuditManager) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	start := time.Now()
	purged, err := am.impl.Purge(ctx, olderThan)
	am.recordMetric("purge", err, time.Since(start))

	if err == nil && purged > 0 {
		am.logger.Info("Audit entries purged",
			zap.Int64("purged", purged),
			zap.Time("older_than", olderThan))
	}

	return purged, err
}

func (am *instrumentedAuditManager) recordMetric(operation string, err error, duration time.Duration) {
	if am.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	counter := am.metrics.Counter("audit_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	counter.Inc()

	histogram := am.metrics.Histogram("audit_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
		map[string]string{"operation": operation},
	)
	histogram.Observe(duration.Seconds())
}

func (am *instrumentedAuditManager) getState() State {
	return am.state.Load().(State)
}

func (am *instrumentedAuditManager) setState(newState State) bool {
	currentState := am.getState()
	return am.state.CompareAndSwap(currentState, newState)
}

func (am *instrumentedAuditManager) transitionState(from, to State) bool {
	return am.state.CompareAndSwap(from, to)
}
