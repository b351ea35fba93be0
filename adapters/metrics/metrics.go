// Package metrics provides Prometheus metrics for entigate.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/artpar/entigate/core/enrich"
	"github.com/artpar/entigate/core/schema"
)

const namespace = "entigate"

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// DefaultBuckets are the duration histogram buckets, in seconds.
var DefaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Collector holds all Prometheus metrics for entigate.
type Collector struct {
	gatherer prometheus.Gatherer

	// HTTP
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Entity operations
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Hook steps
	HookStepsTotal   *prometheus.CounterVec
	HookStepDuration *prometheus.HistogramVec

	// Enrichment
	EnrichNodes       *prometheus.HistogramVec
	EnrichTruncations *prometheus.CounterVec

	// Definitions and config
	DefinitionsLoaded  prometheus.Gauge
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector on a fresh registry that also carries the Go and
// process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates a collector registered with reg. Useful for tests
// to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   DefaultBuckets,
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of entity operations",
			},
			[]string{"type", "operation", "outcome"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Entity operation duration in seconds",
				Buckets:   DefaultBuckets,
			},
			[]string{"type", "operation"},
		),

		HookStepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_steps_total",
				Help:      "Total number of executed hook steps",
			},
			[]string{"type", "phase", "action", "outcome"},
		),
		HookStepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hook_step_duration_seconds",
				Help:      "Hook step duration in seconds",
				Buckets:   DefaultBuckets,
			},
			[]string{"type", "phase", "action"},
		),

		EnrichNodes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "enrich_nodes",
				Help:      "Documents resolved per enrichment run",
				Buckets:   []float64{0, 1, 5, 10, 50, 100, 250, 500},
			},
			[]string{"type"},
		),
		EnrichTruncations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrich_truncations_total",
				Help:      "Enrichment runs cut short by fanout or node limits",
			},
			[]string{"type"},
		),

		DefinitionsLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "definitions_loaded",
				Help:      "Number of datatype definitions currently loaded",
			},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// Handler returns the /metrics handler.
func (c *Collector) Handler() http.Handler {
	if c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveStep records a hook step.
func (c *Collector) ObserveStep(typeKey string, phase schema.HookPhase, action string, elapsed time.Duration, err error) {
	c.HookStepsTotal.WithLabelValues(typeKey, string(phase), action, outcome(err)).Inc()
	c.HookStepDuration.WithLabelValues(typeKey, string(phase), action).Observe(elapsed.Seconds())
}

// ObserveEnrichment records an enrichment run.
func (c *Collector) ObserveEnrichment(typeKey string, stats enrich.Stats) {
	c.EnrichNodes.WithLabelValues(typeKey).Observe(float64(stats.Nodes))
	if stats.Truncated {
		c.EnrichTruncations.WithLabelValues(typeKey).Inc()
	}
}

// ObserveOperation records an entity operation.
func (c *Collector) ObserveOperation(typeKey, operation string, elapsed time.Duration, err error) {
	c.OperationsTotal.WithLabelValues(typeKey, operation, outcome(err)).Inc()
	c.OperationDuration.WithLabelValues(typeKey, operation).Observe(elapsed.Seconds())
}

// ObserveRequest records an HTTP request. Status is bucketed to its class.
func (c *Collector) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	c.RequestsTotal.WithLabelValues(method, route, StatusClass(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (c *Collector) TrackInFlight() (done func()) {
	c.RequestsInFlight.Inc()
	return c.RequestsInFlight.Dec
}

// ObserveReload records a config reload attempt.
func (c *Collector) ObserveReload(err error) {
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.SetToCurrentTime()
}

// StatusClass maps 404 to "4xx".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return strconv.Itoa(status)
	}
	return strconv.Itoa(status/100) + "xx"
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
