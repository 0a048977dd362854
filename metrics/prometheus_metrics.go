package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics backs the Metrics interface with the Prometheus client.
// Counter, Gauge and Histogram are supported, plain and labeled; a registered
// name resolves to exactly one collector.
type PrometheusMetrics struct {
	counters      map[string]prometheus.Counter
	counterVecs   map[string]*prometheus.CounterVec
	gauges        map[string]prometheus.Gauge
	gaugeVecs     map[string]*prometheus.GaugeVec
	histograms    map[string]prometheus.Histogram
	histogramVecs map[string]*prometheus.HistogramVec
	customBuckets map[string][]float64
}

// NewPrometheusMetrics creates an empty registry-backed metrics recorder.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		counters:      make(map[string]prometheus.Counter),
		counterVecs:   make(map[string]*prometheus.CounterVec),
		gauges:        make(map[string]prometheus.Gauge),
		gaugeVecs:     make(map[string]*prometheus.GaugeVec),
		histograms:    make(map[string]prometheus.Histogram),
		histogramVecs: make(map[string]*prometheus.HistogramVec),
		customBuckets: make(map[string][]float64),
	}
}

// SetCustomBuckets overrides the default histogram buckets for name. Must run
// before the histogram is registered.
func (p *PrometheusMetrics) SetCustomBuckets(name string, buckets []float64) {
	p.customBuckets[name] = buckets
}

func (p *PrometheusMetrics) bucketsFor(name string) []float64 {
	if buckets, ok := p.customBuckets[name]; ok {
		return buckets
	}
	return prometheus.DefBuckets
}

// Register creates and registers an unlabeled metric. metricType is one of
// "Counter", "Gauge" or "Histogram"; anything else is logged and dropped.
func (p *PrometheusMetrics) Register(name, metricType, help string) {
	switch metricType {
	case "Counter":
		counter := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		prometheus.MustRegister(counter)
		p.counters[name] = counter
	case "Gauge":
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		prometheus.MustRegister(gauge)
		p.gauges[name] = gauge
	case "Histogram":
		histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: p.bucketsFor(name),
		})
		prometheus.MustRegister(histogram)
		p.histograms[name] = histogram
	default:
		log.Printf("metrics: unknown metric type %q for %q, not registered", metricType, name)
	}
}

// RegisterWithLabels is Register for labeled metrics.
func (p *PrometheusMetrics) RegisterWithLabels(name, metricType, help string, labels []string) {
	switch metricType {
	case "Counter":
		counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
		prometheus.MustRegister(counterVec)
		p.counterVecs[name] = counterVec
	case "Gauge":
		gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
		prometheus.MustRegister(gaugeVec)
		p.gaugeVecs[name] = gaugeVec
	case "Histogram":
		histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: p.bucketsFor(name),
		}, labels)
		prometheus.MustRegister(histogramVec)
		p.histogramVecs[name] = histogramVec
	default:
		log.Printf("metrics: unknown metric type %q for %q, not registered", metricType, name)
	}
}

// Record updates an unlabeled metric: Add for counters, Set for gauges,
// Observe for histograms. Unregistered names are ignored.
func (p *PrometheusMetrics) Record(name string, value float64) {
	if counter, ok := p.counters[name]; ok {
		counter.Add(value)
		return
	}
	if gauge, ok := p.gauges[name]; ok {
		gauge.Set(value)
		return
	}
	if histogram, ok := p.histograms[name]; ok {
		histogram.Observe(value)
	}
}

// RecordWithLabels is Record for labeled metrics. labelValues must match the
// labels given at registration, in order.
func (p *PrometheusMetrics) RecordWithLabels(name string, value float64, labelValues ...string) {
	if counterVec, ok := p.counterVecs[name]; ok {
		counterVec.WithLabelValues(labelValues...).Add(value)
		return
	}
	if gaugeVec, ok := p.gaugeVecs[name]; ok {
		gaugeVec.WithLabelValues(labelValues...).Set(value)
		return
	}
	if histogramVec, ok := p.histogramVecs[name]; ok {
		histogramVec.WithLabelValues(labelValues...).Observe(value)
	}
}

// StartMetricsServer serves /metrics on the given port until the process
// exits. Run it in its own goroutine.
func (p *PrometheusMetrics) StartMetricsServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Printf("metrics: server stopped: %v", err)
	}
}
