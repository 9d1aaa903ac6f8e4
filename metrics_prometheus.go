package mqttmesh

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// PrometheusMetrics is a Metrics implementation backed by a Prometheus
// registerer. Collectors are created and registered lazily on first use
// of a metric name; the label key set of that first use is fixed for
// the lifetime of the collector.
type PrometheusMetrics struct {
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates a metrics instance registering on the
// given registerer. A nil registerer uses the default one.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		registerer: registerer,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels MetricLabels) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counter returns a counter metric.
func (m *PrometheusMetrics) Counter(name string, labels MetricLabels) Counter {
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames(labels))
		m.registerer.MustRegister(vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()

	return &promCounter{counter: vec.With(prometheus.Labels(labels))}
}

// Gauge returns a gauge metric.
func (m *PrometheusMetrics) Gauge(name string, labels MetricLabels) Gauge {
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames(labels))
		m.registerer.MustRegister(vec)
		m.gauges[name] = vec
	}
	m.mu.Unlock()

	return &promGauge{gauge: vec.With(prometheus.Labels(labels))}
}

// Histogram returns a histogram metric.
func (m *PrometheusMetrics) Histogram(name string, labels MetricLabels) Histogram {
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		m.registerer.MustRegister(vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()

	return &promHistogram{observer: vec.With(prometheus.Labels(labels))}
}

type promCounter struct {
	counter prometheus.Counter
}

func (c *promCounter) Inc() {
	c.counter.Inc()
}

func (c *promCounter) Add(delta float64) {
	c.counter.Add(delta)
}

func (c *promCounter) Value() float64 {
	var metric dto.Metric
	if err := c.counter.Write(&metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (g *promGauge) Set(value float64) {
	g.gauge.Set(value)
}

func (g *promGauge) Inc() {
	g.gauge.Inc()
}

func (g *promGauge) Dec() {
	g.gauge.Dec()
}

func (g *promGauge) Add(delta float64) {
	g.gauge.Add(delta)
}

func (g *promGauge) Sub(delta float64) {
	g.gauge.Sub(delta)
}

func (g *promGauge) Value() float64 {
	var metric dto.Metric
	if err := g.gauge.Write(&metric); err != nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}

type promHistogram struct {
	observer prometheus.Observer
}

func (h *promHistogram) Observe(value float64) {
	h.observer.Observe(value)
}

func (h *promHistogram) ObserveDuration(d time.Duration) {
	h.observer.Observe(d.Seconds())
}

func (h *promHistogram) Count() uint64 {
	metric, ok := h.observer.(prometheus.Metric)
	if !ok {
		return 0
	}

	var out dto.Metric
	if err := metric.Write(&out); err != nil {
		return 0
	}
	return out.GetHistogram().GetSampleCount()
}

func (h *promHistogram) Sum() float64 {
	metric, ok := h.observer.(prometheus.Metric)
	if !ok {
		return 0
	}

	var out dto.Metric
	if err := metric.Write(&out); err != nil {
		return 0
	}
	return out.GetHistogram().GetSampleSum()
}
