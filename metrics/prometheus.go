package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type PrometheusConfig struct {
	Path            string            `yaml:"path" json:"path"`
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

// PrometheusMetrics backs the metrics manager with a dedicated registry.
// Vectors are created lazily on first use and memoized by name.
type PrometheusMetrics struct {
	ctx      context.Context
	logger   types.Logger
	config   *PrometheusConfig
	registry *prometheus.Registry
	runtime  *RuntimeCollector
	running  atomic.Bool

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	summaries  map[string]*prometheus.SummaryVec
}

func NewPrometheusMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	promConfig := &PrometheusConfig{
		Path:            "/metrics",
		Namespace:       "lumonew_gateway",
		Labels:          make(map[string]string),
		EnableGoMetrics: true,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, promConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", promConfig.Namespace),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return &PrometheusMetrics{
		ctx:        ctx,
		logger:     logger,
		config:     promConfig,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		summaries:  make(map[string]*prometheus.SummaryVec),
	}, nil
}

func (p *PrometheusMetrics) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}
	p.logger.Info("Prometheus metrics started")
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}
	if err := p.StopRuntimeCollection(); err != nil {
		return err
	}
	p.logger.Info("Prometheus metrics stopped")
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return p.running.Load()
}

func (p *PrometheusMetrics) opts(name string) prometheus.Opts {
	return prometheus.Opts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        name,
		ConstLabels: p.config.Labels,
	}
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, exists := p.counters[name]
	if !exists {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts(p.opts(name)), labelNames(labels))
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}
	return &promCounter{logger: p.logger, vec: vec, labels: labels}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, exists := p.gauges[name]
	if !exists {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts(p.opts(name)), labelNames(labels))
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}
	return &promGauge{logger: p.logger, vec: vec, labels: labels}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, exists := p.histograms[name]
	if !exists {
		base := p.opts(name)
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   base.Namespace,
			Subsystem:   base.Subsystem,
			Name:        base.Name,
			Help:        base.Help,
			Buckets:     buckets,
			ConstLabels: base.ConstLabels,
		}, labelNames(labels))
		p.registry.MustRegister(vec)
		p.histograms[name] = vec
	}
	return &promHistogram{vec: vec, labels: labels}
}

func (p *PrometheusMetrics) Summary(name string, objectives map[float64]float64, labels map[string]string) types.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, exists := p.summaries[name]
	if !exists {
		base := p.opts(name)
		vec = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:   base.Namespace,
			Subsystem:   base.Subsystem,
			Name:        base.Name,
			Help:        base.Help,
			Objectives:  objectives,
			ConstLabels: base.ConstLabels,
		}, labelNames(labels))
		p.registry.MustRegister(vec)
		p.summaries[name] = vec
	}
	return &promSummary{vec: vec, labels: labels}
}

func (p *PrometheusMetrics) StartRuntimeCollection() error {
	if p.runtime == nil {
		p.runtime = NewRuntimeCollector(p.ctx, p.logger, p)
	}
	return p.runtime.Start()
}

func (p *PrometheusMetrics) StopRuntimeCollection() error {
	if p.runtime != nil {
		return p.runtime.Stop()
	}
	return nil
}

func (p *PrometheusMetrics) GetMetrics() ([]byte, error) {
	gathering, err := p.registry.Gather()
	if err != nil {
		p.logger.Error("Failed to gather prometheus metrics", zap.Error(err))
		return nil, err
	}

	var metrics []types.MetricValue
	for _, family := range gathering {
		for _, m := range family.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}

			var value float64
			switch {
			case m.Counter != nil:
				value = m.Counter.GetValue()
			case m.Gauge != nil:
				value = m.Gauge.GetValue()
			case m.Histogram != nil:
				value = m.Histogram.GetSampleSum()
			case m.Summary != nil:
				value = m.Summary.GetSampleSum()
			}

			metrics = append(metrics, types.MetricValue{
				Name:      family.GetName(),
				Type:      family.GetType().String(),
				Value:     value,
				Labels:    labels,
				Timestamp: time.Now(),
			})
		}
	}

	return utils.Marshal(metrics)
}

func (p *PrometheusMetrics) GetStats() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return utils.Marshal(types.MetricsStats{
		TotalMetrics:     len(p.counters) + len(p.gauges) + len(p.histograms) + len(p.summaries),
		CounterMetrics:   len(p.counters),
		GaugeMetrics:     len(p.gauges),
		HistogramMetrics: len(p.histograms),
		SummaryMetrics:   len(p.summaries),
		LastUpdate:       time.Now(),
	})
}

func (p *PrometheusMetrics) RegisterRoutes(router types.HTTPRouter) {
	config := &types.RouteConfig{
		Cache:               &types.CacheHandlerConfig{Enabled: false},
		Timeout:             5 * time.Second,
		DisabledMiddlewares: []string{"auth", "body-limit", "cache", "cors", "logging"},
	}

	scrape := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))

	router.Add("GET", p.config.Path, func(ctx *fasthttp.RequestCtx) {
		scrape(ctx)
	}, config)
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	return names
}

type promCounter struct {
	logger types.Logger
	vec    *prometheus.CounterVec
	labels map[string]string
}

func (c *promCounter) Inc()              { c.vec.With(c.labels).Inc() }
func (c *promCounter) Add(value float64) { c.vec.With(c.labels).Add(value) }

func (c *promCounter) Get() float64 {
	var m dto.Metric
	if err := c.vec.With(c.labels).Write(&m); err != nil {
		c.logger.Error("Failed to read counter", zap.Error(err))
	}
	return m.GetCounter().GetValue()
}

type promGauge struct {
	logger types.Logger
	vec    *prometheus.GaugeVec
	labels map[string]string
}

func (g *promGauge) Set(value float64) { g.vec.With(g.labels).Set(value) }
func (g *promGauge) Inc()              { g.vec.With(g.labels).Inc() }
func (g *promGauge) Dec()              { g.vec.With(g.labels).Dec() }
func (g *promGauge) Add(value float64) { g.vec.With(g.labels).Add(value) }
func (g *promGauge) Sub(value float64) { g.vec.With(g.labels).Sub(value) }

func (g *promGauge) Get() float64 {
	var m dto.Metric
	if err := g.vec.With(g.labels).Write(&m); err != nil {
		g.logger.Error("Failed to read gauge", zap.Error(err))
	}
	return m.GetGauge().GetValue()
}

type promHistogram struct {
	vec    *prometheus.HistogramVec
	labels map[string]string
}

func (h *promHistogram) Observe(value float64) { h.vec.With(h.labels).Observe(value) }

func (h *promHistogram) ObserveDuration(start time.Time) {
	h.vec.With(h.labels).Observe(time.Since(start).Seconds())
}

func (h *promHistogram) GetCount() uint64 {
	var m dto.Metric
	if err := writeMetric(h.vec.With(h.labels), &m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func (h *promHistogram) GetSum() float64 {
	var m dto.Metric
	if err := writeMetric(h.vec.With(h.labels), &m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleSum()
}

type promSummary struct {
	vec    *prometheus.SummaryVec
	labels map[string]string
}

func (s *promSummary) Observe(value float64) { s.vec.With(s.labels).Observe(value) }

func (s *promSummary) ObserveDuration(start time.Time) {
	s.vec.With(s.labels).Observe(time.Since(start).Seconds())
}

func (s *promSummary) GetCount() uint64 {
	var m dto.Metric
	if err := writeMetric(s.vec.With(s.labels), &m); err != nil {
		return 0
	}
	return m.GetSummary().GetSampleCount()
}

func (s *promSummary) GetSum() float64 {
	var m dto.Metric
	if err := writeMetric(s.vec.With(s.labels), &m); err != nil {
		return 0
	}
	return m.GetSummary().GetSampleSum()
}

// writeMetric extracts the current sample from an observer. The vecs
// always hand back concrete metrics, the assertion is for safety.
func writeMetric(observer interface{}, m *dto.Metric) error {
	metric, ok := observer.(prometheus.Metric)
	if !ok {
		return types.NewErrorf("observer does not expose a metric")
	}
	return metric.Write(m)
}
