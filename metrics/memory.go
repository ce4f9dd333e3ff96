package metrics

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type MemoryMetricsConfig struct {
	Path string `yaml:"path" json:"path"`
}

// MemoryMetrics keeps all instruments in process memory. Useful for
// tests and single-instance deployments that only need the JSON stats
// endpoints, with no scrape infrastructure.
type MemoryMetrics struct {
	ctx        context.Context
	logger     types.Logger
	config     *MemoryMetricsConfig
	counters   sync.Map
	gauges     sync.Map
	histograms sync.Map
	summaries  sync.Map
	runtime    *RuntimeCollector
	running    int32
}

func NewMemoryMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	memConfig := &MemoryMetricsConfig{
		Path: "/metrics",
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, memConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory metrics config")
		}
	}

	return &MemoryMetrics{
		ctx:    ctx,
		logger: logger,
		config: memConfig,
	}, nil
}

func (m *MemoryMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		m.logger.Warn("Memory metrics is already running")
		return types.ErrServerAlreadyRunning
	}

	m.logger.Info("memory metrics started")
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		m.logger.Warn("Memory metrics is not running")
		return types.ErrServerNotRunning
	}

	if err := m.StopRuntimeCollection(); err != nil {
		return err
	}

	m.logger.Info("memory metrics stopped")
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := instrumentKey(name, labels)
	if existing, ok := m.counters.Load(key); ok {
		return existing.(*MemoryCounter)
	}

	counter := &MemoryCounter{}
	actual, _ := m.counters.LoadOrStore(key, counter)
	return actual.(*MemoryCounter)
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := instrumentKey(name, labels)
	if existing, ok := m.gauges.Load(key); ok {
		return existing.(*MemoryGauge)
	}

	gauge := &MemoryGauge{}
	actual, _ := m.gauges.LoadOrStore(key, gauge)
	return actual.(*MemoryGauge)
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := instrumentKey(name, labels)
	if existing, ok := m.histograms.Load(key); ok {
		return existing.(*MemoryHistogram)
	}

	histogram := NewMemoryHistogram(buckets)
	actual, _ := m.histograms.LoadOrStore(key, histogram)
	return actual.(*MemoryHistogram)
}

func (m *MemoryMetrics) Summary(name string, objectives map[float64]float64, labels map[string]string) types.Summary {
	key := instrumentKey(name, labels)
	if existing, ok := m.summaries.Load(key); ok {
		return existing.(*MemorySummary)
	}

	summary := &MemorySummary{}
	actual, _ := m.summaries.LoadOrStore(key, summary)
	return actual.(*MemorySummary)
}

func (m *MemoryMetrics) StartRuntimeCollection() error {
	if m.runtime == nil {
		m.runtime = NewRuntimeCollector(m.ctx, m.logger, m)
	}
	return m.runtime.Start()
}

func (m *MemoryMetrics) StopRuntimeCollection() error {
	if m.runtime != nil {
		return m.runtime.Stop()
	}
	return nil
}

func (m *MemoryMetrics) GetMetrics() ([]byte, error) {
	now := time.Now()
	var values []types.MetricValue

	m.counters.Range(func(key, value interface{}) bool {
		name, labels := parseInstrumentKey(key.(string))
		values = append(values, types.MetricValue{
			Name:      name,
			Type:      "COUNTER",
			Value:     value.(*MemoryCounter).Get(),
			Labels:    labels,
			Timestamp: now,
		})
		return true
	})

	m.gauges.Range(func(key, value interface{}) bool {
		name, labels := parseInstrumentKey(key.(string))
		values = append(values, types.MetricValue{
			Name:      name,
			Type:      "GAUGE",
			Value:     value.(*MemoryGauge).Get(),
			Labels:    labels,
			Timestamp: now,
		})
		return true
	})

	m.histograms.Range(func(key, value interface{}) bool {
		name, labels := parseInstrumentKey(key.(string))
		values = append(values, types.MetricValue{
			Name:      name,
			Type:      "HISTOGRAM",
			Value:     value.(*MemoryHistogram).GetSum(),
			Labels:    labels,
			Timestamp: now,
		})
		return true
	})

	m.summaries.Range(func(key, value interface{}) bool {
		name, labels := parseInstrumentKey(key.(string))
		values = append(values, types.MetricValue{
			Name:      name,
			Type:      "SUMMARY",
			Value:     value.(*MemorySummary).GetSum(),
			Labels:    labels,
			Timestamp: now,
		})
		return true
	})

	sort.Slice(values, func(i, j int) bool { return values[i].Name < values[j].Name })

	return utils.Marshal(values)
}

func (m *MemoryMetrics) GetStats() ([]byte, error) {
	stats := types.MetricsStats{LastUpdate: time.Now()}

	m.counters.Range(func(_, _ interface{}) bool { stats.CounterMetrics++; return true })
	m.gauges.Range(func(_, _ interface{}) bool { stats.GaugeMetrics++; return true })
	m.histograms.Range(func(_, _ interface{}) bool { stats.HistogramMetrics++; return true })
	m.summaries.Range(func(_, _ interface{}) bool { stats.SummaryMetrics++; return true })

	stats.TotalMetrics = stats.CounterMetrics + stats.GaugeMetrics + stats.HistogramMetrics + stats.SummaryMetrics

	return utils.Marshal(stats)
}

func (m *MemoryMetrics) RegisterRoutes(router types.HTTPRouter) {
	config := &types.RouteConfig{
		Cache: &types.CacheHandlerConfig{
			Enabled: false,
		},
		Timeout:             5 * time.Second,
		DisabledMiddlewares: []string{"auth", "body-limit", "cache", "cors", "logging"},
	}

	router.Add("GET", m.config.Path, func(ctx *fasthttp.RequestCtx) {
		data, err := m.GetMetrics()
		if err != nil {
			utils.CreateErrorResponse(ctx)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(data)
	}, config)
}

// instrumentKey flattens name and sorted labels into one map key so
// the same (name, labels) always resolves to the same instrument.
func instrumentKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func parseInstrumentKey(key string) (string, map[string]string) {
	parts := strings.Split(key, "|")
	if len(parts) == 1 {
		return key, nil
	}

	labels := make(map[string]string, len(parts)-1)
	for _, part := range parts[1:] {
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			labels[part[:idx]] = part[idx+1:]
		}
	}
	return parts[0], labels
}

type MemoryCounter struct {
	bits uint64
}

func (c *MemoryCounter) Inc() {
	c.Add(1)
}

func (c *MemoryCounter) Add(value float64) {
	for {
		old := atomic.LoadUint64(&c.bits)
		next := math.Float64bits(math.Float64frombits(old) + value)
		if atomic.CompareAndSwapUint64(&c.bits, old, next) {
			return
		}
	}
}

func (c *MemoryCounter) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.bits))
}

type MemoryGauge struct {
	bits uint64
}

func (g *MemoryGauge) Set(value float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(value))
}

func (g *MemoryGauge) Inc() { g.Add(1) }
func (g *MemoryGauge) Dec() { g.Add(-1) }

func (g *MemoryGauge) Add(value float64) {
	for {
		old := atomic.LoadUint64(&g.bits)
		next := math.Float64bits(math.Float64frombits(old) + value)
		if atomic.CompareAndSwapUint64(&g.bits, old, next) {
			return
		}
	}
}

func (g *MemoryGauge) Sub(value float64) { g.Add(-value) }

func (g *MemoryGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

type MemoryHistogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	count   uint64
	sum     float64
}

func NewMemoryHistogram(buckets []float64) *MemoryHistogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)

	return &MemoryHistogram{
		buckets: sorted,
		counts:  make([]uint64, len(sorted)),
	}
}

func (h *MemoryHistogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *MemoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *MemoryHistogram) GetCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *MemoryHistogram) GetSum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

type MemorySummary struct {
	mu    sync.Mutex
	count uint64
	sum   float64
}

func (s *MemorySummary) Observe(value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.sum += value
}

func (s *MemorySummary) ObserveDuration(start time.Time) {
	s.Observe(time.Since(start).Seconds())
}

func (s *MemorySummary) GetCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *MemorySummary) GetSum() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
