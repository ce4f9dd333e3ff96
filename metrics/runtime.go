package metrics

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

const runtimeCollectionInterval = 15 * time.Second

// RuntimeCollector periodically samples Go runtime statistics into
// gauges on the owning metrics backend.
type RuntimeCollector struct {
	ctx       context.Context
	logger    types.Logger
	metrics   types.MetricsManager
	startedAt time.Time
	lastGC    uint32
	stop      chan struct{}
	done      chan struct{}
	running   int32
}

func NewRuntimeCollector(ctx context.Context, logger types.Logger, metrics types.MetricsManager) *RuntimeCollector {
	return &RuntimeCollector{
		ctx:     ctx,
		logger:  logger,
		metrics: metrics,
	}
}

func (c *RuntimeCollector) Start() error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	c.startedAt = time.Now()
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go c.collectLoop()

	c.logger.Info("Runtime metrics collection started",
		zap.Duration("interval", runtimeCollectionInterval))

	return nil
}

func (c *RuntimeCollector) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return nil
	}

	close(c.stop)

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Runtime metrics collection stop timeout")
	}

	c.logger.Info("Runtime metrics collection stopped")
	return nil
}

func (c *RuntimeCollector) collectLoop() {
	defer close(c.done)

	ticker := time.NewTicker(runtimeCollectionInterval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *RuntimeCollector) collect() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.metrics.Gauge("runtime_memory_bytes", map[string]string{"type": "heap_alloc"}).Set(float64(memStats.HeapAlloc))
	c.metrics.Gauge("runtime_memory_bytes", map[string]string{"type": "heap_inuse"}).Set(float64(memStats.HeapInuse))
	c.metrics.Gauge("runtime_memory_bytes", map[string]string{"type": "stack_inuse"}).Set(float64(memStats.StackInuse))
	c.metrics.Gauge("runtime_memory_bytes", map[string]string{"type": "sys"}).Set(float64(memStats.Sys))

	c.metrics.Gauge("runtime_heap_objects", nil).Set(float64(memStats.HeapObjects))
	c.metrics.Gauge("runtime_goroutines", nil).Set(float64(runtime.NumGoroutine()))
	c.metrics.Gauge("runtime_uptime_seconds", nil).Set(time.Since(c.startedAt).Seconds())

	if memStats.NumGC > c.lastGC {
		pauses := c.metrics.Histogram("runtime_gc_pause_seconds",
			[]float64{0.0001, 0.001, 0.01, 0.1, 1.0}, nil)
		for i := c.lastGC; i < memStats.NumGC; i++ {
			pauses.Observe(float64(memStats.PauseNs[i%uint32(len(memStats.PauseNs))]) / 1e9)
		}
		c.lastGC = memStats.NumGC
	}
}
