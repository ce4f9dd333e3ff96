package batcher

import (
	"context"
	"time"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

func NewBatcherManager(ctx context.Context, config types.ConfigManager, logger types.Logger, dispatcher types.BatchDispatcher, metrics types.MetricsManager, clock Clock) (types.BatcherManager, error) {
	batcherConfig := config.GetConfig().Batcher

	if !batcherConfig.Enabled {
		return nil, types.ErrBatcherIsDisabled
	}

	impl, err := NewBatcher(ctx, logger, batcherConfig, dispatcher, clock)
	if err != nil {
		return nil, err
	}

	if metrics == nil {
		return impl, nil
	}

	return newInstrumentedBatcher(metrics, impl), nil
}

type instrumentedBatcher struct {
	impl    types.BatcherManager
	metrics types.MetricsManager
}

func newInstrumentedBatcher(metrics types.MetricsManager, impl types.BatcherManager) types.BatcherManager {
	return &instrumentedBatcher{
		impl:    impl,
		metrics: metrics,
	}
}

func (ib *instrumentedBatcher) Enqueue(ctx context.Context, request *types.BatchRequest) (types.BatchTicket, error) {
	if request == nil {
		return ib.impl.Enqueue(ctx, request)
	}

	start := time.Now()
	ticket, err := ib.impl.Enqueue(ctx, request)

	result := "accepted"
	switch {
	case types.IsError(err, types.ErrBatchEnqueueRejected):
		result = "rejected"
	case err != nil:
		result = "error"
	}

	counter := ib.metrics.Counter("batcher_enqueue_total", map[string]string{
		"method": request.Method,
		"result": result,
	})
	counter.Inc()

	duration := ib.metrics.Histogram("batcher_enqueue_duration_seconds",
		[]float64{0.00001, 0.0001, 0.001, 0.01},
		map[string]string{"method": request.Method},
	)
	duration.Observe(time.Since(start).Seconds())

	return ticket, err
}

func (ib *instrumentedBatcher) Stats() types.BatcherStats {
	stats := ib.impl.Stats()

	pending := ib.metrics.Gauge("batcher_pending_batches", nil)
	pending.Set(float64(stats.PendingBatches))

	return stats
}

func (ib *instrumentedBatcher) Start() error {
	return ib.impl.Start()
}

func (ib *instrumentedBatcher) Stop() error {
	return ib.impl.Stop()
}

func (ib *instrumentedBatcher) IsRunning() bool {
	return ib.impl.IsRunning()
}
