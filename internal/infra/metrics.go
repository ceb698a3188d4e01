package infra

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "imagepage"

// Metrics groups the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	generations      *prometheus.CounterVec
	generationTime   *prometheus.HistogramVec
	variants         *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	pollTicks        *prometheus.CounterVec
	tasksRunning     prometheus.Gauge
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generations_total",
			Help:      "Generation submissions by flavor and outcome",
		}, []string{"flavor", "outcome"}),
		generationTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall clock time of a whole submission",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"flavor"}),
		variants: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "variants_total",
			Help:      "Fan-out variants by flavor and outcome",
		}, []string{"flavor", "outcome"}),
		providerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "provider_requests_total",
			Help:      "Outbound provider calls by provider and status code",
		}, []string{"provider", "status"}),
		pollTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "poll_ticks_total",
			Help:      "Status polls issued against job handles",
		}, []string{"outcome"}),
		tasksRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_running",
			Help:      "Background generations currently in flight",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ObserveGeneration(flavor, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(flavor, outcome).Inc()
	m.generationTime.WithLabelValues(flavor).Observe(d.Seconds())
}

func (m *Metrics) ObserveVariant(flavor, outcome string) {
	if m == nil {
		return
	}
	m.variants.WithLabelValues(flavor, outcome).Inc()
}

func (m *Metrics) ObserveProvider(provider string, status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.providerRequests.WithLabelValues(provider, label).Inc()
}

func (m *Metrics) ObservePollTick(outcome string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TaskStarted() {
	if m != nil {
		m.tasksRunning.Inc()
	}
}

func (m *Metrics) TaskFinished() {
	if m != nil {
		m.tasksRunning.Dec()
	}
}
