package optimizer

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

type OptimizerState int32

const (
	OptimizerStateStopped OptimizerState = iota
	OptimizerStateRunning
)

// Optimizer memoizes query results through the cache layer, sizing each
// entry's TTL from the estimated query cost, and records a sample for
// every execution.
type Optimizer struct {
	ctx       context.Context
	cancel    context.CancelFunc
	config    *types.OptimizerConfig
	logger    types.Logger
	cache     types.CacheManager
	estimator *Estimator
	recorder  *Recorder
	state     atomic.Value
}

func NewOptimizer(ctx context.Context, logger types.Logger, config *types.OptimizerConfig, cache types.CacheManager) (*Optimizer, error) {
	optimizerCtx, cancel := context.WithCancel(ctx)

	o := &Optimizer{
		ctx:       optimizerCtx,
		cancel:    cancel,
		config:    config,
		logger:    logger,
		cache:     cache,
		estimator: NewEstimator(config.MinTTL, config.MaxTTL),
		recorder:  NewRecorder(config.SampleCapacity, config.TopN),
	}

	o.state.Store(OptimizerStateStopped)

	return o, nil
}

// Do returns the cached result for (operationID, query) when present,
// otherwise executes fn, records a sample, and caches the result with
// a TTL suggested by the cost estimate. A failed fn is never cached.
// An empty query is fine: proxied REST reads have no SQL text, so they
// estimate as low complexity and earn the minimum TTL.
func (o *Optimizer) Do(ctx context.Context, operationID, query string, fn types.QueryFunc) (interface{}, error) {
	if fn == nil {
		return nil, types.NewErrorf("query function is nil for operation %s", operationID)
	}
	if o.getState() != OptimizerStateRunning {
		return nil, types.ErrServerNotRunning
	}

	estimate := o.estimator.Estimate(query)
	key := o.cacheKey(operationID, query)

	start := time.Now()

	if o.cache != nil {
		if value, ok := o.cache.Get(key); ok {
			o.recorder.Record(types.MetricSample{
				OperationID: operationID,
				Duration:    time.Since(start),
				ResultSize:  resultSize(value),
				CacheHit:    true,
				Timestamp:   start,
			})
			return value, nil
		}
	}

	result, err := fn(ctx)
	duration := time.Since(start)

	sample := types.MetricSample{
		OperationID: operationID,
		Duration:    duration,
		Timestamp:   start,
	}

	if err != nil {
		sample.Error = err.Error()
		o.recorder.Record(sample)
		return nil, err
	}

	sample.ResultSize = resultSize(result)
	o.recorder.Record(sample)

	if o.cache != nil {
		if cacheErr := o.cache.Set(key, result, estimate.SuggestedTTL); cacheErr != nil {
			o.logger.Warn("Failed to cache query result",
				zap.String("operation_id", operationID),
				zap.Error(cacheErr))
		}
	}

	return result, nil
}

func (o *Optimizer) Estimate(query string) types.CostEstimate {
	return o.estimator.Estimate(query)
}

func (o *Optimizer) Record(sample types.MetricSample) {
	o.recorder.Record(sample)
}

func (o *Optimizer) Analytics() types.QueryAnalytics {
	return o.recorder.Analytics()
}

// InvalidateOperation drops every cached result whose key matches the
// pattern. An empty pattern drops all of them.
func (o *Optimizer) InvalidateOperation(pattern string) (int, error) {
	if o.cache == nil {
		return 0, nil
	}
	return o.cache.InvalidatePattern(pattern)
}

func (o *Optimizer) Start() error {
	if !o.state.CompareAndSwap(OptimizerStateStopped, OptimizerStateRunning) {
		o.logger.Warn("Optimizer already running")
		return types.ErrServerAlreadyRunning
	}

	o.logger.Info("Optimizer started",
		zap.Int("sample_capacity", o.recorder.capacity),
		zap.Duration("min_ttl", o.estimator.minTTL),
		zap.Duration("max_ttl", o.estimator.maxTTL))

	return nil
}

func (o *Optimizer) Stop() error {
	if !o.state.CompareAndSwap(OptimizerStateRunning, OptimizerStateStopped) {
		o.logger.Warn("Optimizer not running")
		return types.ErrServerNotRunning
	}

	o.cancel()
	o.logger.Info("Optimizer stopped")

	return nil
}

func (o *Optimizer) IsRunning() bool {
	return o.getState() == OptimizerStateRunning
}

func (o *Optimizer) getState() OptimizerState {
	return o.state.Load().(OptimizerState)
}

func (o *Optimizer) cacheKey(operationID, query string) string {
	digest := fnv.New64a()
	digest.Write([]byte(query))
	hash := fmt.Sprintf("%016x", digest.Sum64())

	if o.cache != nil {
		return o.cache.BuildCacheKey("query/"+operationID, []string{groupOf(operationID)}, map[string]string{"q": hash})
	}
	return "query/" + operationID + "/" + hash
}

func resultSize(value interface{}) int {
	switch v := value.(type) {
	case nil:
		return 0
	case string:
		return len(v)
	case []byte:
		return len(v)
	case []interface{}:
		return len(v)
	case map[string]interface{}:
		return len(v)
	default:
		return 1
	}
}
