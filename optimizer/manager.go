package optimizer

import (
	"context"
	"time"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

func NewOptimizerManager(ctx context.Context, config types.ConfigManager, logger types.Logger, cache types.CacheManager, metrics types.MetricsManager) (types.OptimizerManager, error) {
	optimizerConfig := config.GetConfig().Optimizer

	if !optimizerConfig.Enabled {
		return nil, types.ErrOptimizerIsDisabled
	}

	impl, err := NewOptimizer(ctx, logger, optimizerConfig, cache)
	if err != nil {
		return nil, err
	}

	if metrics == nil {
		return impl, nil
	}

	return newInstrumentedOptimizer(metrics, impl), nil
}

type instrumentedOptimizer struct {
	impl    types.OptimizerManager
	metrics types.MetricsManager
}

func newInstrumentedOptimizer(metrics types.MetricsManager, impl types.OptimizerManager) types.OptimizerManager {
	return &instrumentedOptimizer{
		impl:    impl,
		metrics: metrics,
	}
}

func (io *instrumentedOptimizer) Do(ctx context.Context, operationID, query string, fn types.QueryFunc) (interface{}, error) {
	start := time.Now()

	wrapped := fn
	executed := false
	if fn != nil {
		wrapped = func(ctx context.Context) (interface{}, error) {
			executed = true
			return fn(ctx)
		}
	}

	result, err := io.impl.Do(ctx, operationID, query, wrapped)

	outcome := "hit"
	switch {
	case err != nil:
		outcome = "error"
	case executed:
		outcome = "miss"
	}

	counter := io.metrics.Counter("optimizer_queries_total", map[string]string{
		"result": outcome,
	})
	counter.Inc()

	duration := io.metrics.Histogram("optimizer_query_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0},
		map[string]string{"result": outcome},
	)
	duration.Observe(time.Since(start).Seconds())

	return result, err
}

func (io *instrumentedOptimizer) Estimate(query string) types.CostEstimate {
	return io.impl.Estimate(query)
}

func (io *instrumentedOptimizer) Record(sample types.MetricSample) {
	io.impl.Record(sample)
}

func (io *instrumentedOptimizer) Analytics() types.QueryAnalytics {
	return io.impl.Analytics()
}

func (io *instrumentedOptimizer) InvalidateOperation(pattern string) (int, error) {
	return io.impl.InvalidateOperation(pattern)
}

func (io *instrumentedOptimizer) Start() error {
	return io.impl.Start()
}

func (io *instrumentedOptimizer) Stop() error {
	return io.impl.Stop()
}

func (io *instrumentedOptimizer) IsRunning() bool {
	return io.impl.IsRunning()
}
