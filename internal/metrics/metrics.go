package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/modelrouter/internal/circuitbreaker"
	"github.com/jordanhubbard/modelrouter/internal/router"
)

// Registry owns the process's Prometheus collectors and implements
// router.Observer.
type Registry struct {
	reg *prometheus.Registry

	RoutesTotal     *prometheus.CounterVec
	RouteLatency    *prometheus.HistogramVec
	RouteAttempts   prometheus.Histogram
	RouteErrors     *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	CircuitRejected *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	ModelHealth     *prometheus.GaugeVec
	ModelLatency    *prometheus.GaugeVec
}

var _ router.Observer = (*Registry)(nil)

// New creates a registry with the routing collectors plus the Go runtime and
// process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RoutesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrouter_routes_total",
			Help: "Successful routing decisions",
		}, []string{"strategy", "model", "fallback"}),
		RouteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrouter_route_latency_ms",
			Help:    "End-to-end routing latency in milliseconds, including the model call",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"strategy"}),
		RouteAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelrouter_route_attempts",
			Help:    "Connector attempts per successful route",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		}),
		RouteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrouter_route_errors_total",
			Help: "Routing failures by error kind",
		}, []string{"kind"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrouter_retries_total",
			Help: "Retries scheduled by the executor",
		}, []string{"label", "category"}),
		CircuitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrouter_circuit_rejected_total",
			Help: "Calls rejected by an open circuit breaker",
		}, []string{"label"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrouter_cache_lookups_total",
			Help: "Decision cache lookups by result",
		}, []string{"result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelrouter_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"label"}),
		ModelHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelrouter_model_health",
			Help: "Model health (0 healthy, 1 degraded, 2 down)",
		}, []string{"model"}),
		ModelLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelrouter_model_latency_ms",
			Help: "Smoothed model latency in milliseconds",
		}, []string{"model"}),
	}
	reg.MustRegister(
		m.RoutesTotal, m.RouteLatency, m.RouteAttempts, m.RouteErrors,
		m.Retries, m.CircuitRejected, m.CacheLookups, m.BreakerState,
		m.ModelHealth, m.ModelLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Registry) ObserveRoute(strategy, modelID string, isFallback bool, elapsed time.Duration, attempts int) {
	m.RoutesTotal.WithLabelValues(strategy, modelID, strconv.FormatBool(isFallback)).Inc()
	m.RouteLatency.WithLabelValues(strategy).Observe(float64(elapsed.Microseconds()) / 1000)
	m.RouteAttempts.Observe(float64(attempts))
}

func (m *Registry) ObserveRouteError(kind router.ErrorKind) {
	m.RouteErrors.WithLabelValues(string(kind)).Inc()
}

func (m *Registry) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Registry) ObserveBreakerState(label string, state circuitbreaker.State) {
	m.BreakerState.WithLabelValues(label).Set(float64(state))
}

func (m *Registry) ObserveRetry(label string, _ int, category router.ErrorCategory) {
	m.Retries.WithLabelValues(label, string(category)).Inc()
}

func (m *Registry) ObserveCircuitRejected(label string) {
	m.CircuitRejected.WithLabelValues(label).Inc()
}

// ObserveHealth records a model's health state ("healthy", "degraded" or
// "down") and smoothed latency.
func (m *Registry) ObserveHealth(modelID, state string, avgLatencyMs float64) {
	v := 0.0
	switch state {
	case "degraded":
		v = 1
	case "down":
		v = 2
	}
	m.ModelHealth.WithLabelValues(modelID).Set(v)
	if avgLatencyMs > 0 {
		m.ModelLatency.WithLabelValues(modelID).Set(avgLatencyMs)
	}
}

// ForgetModel drops a removed model's series.
func (m *Registry) ForgetModel(modelID string) {
	m.ModelHealth.DeleteLabelValues(modelID)
	m.ModelLatency.DeleteLabelValues(modelID)
}
