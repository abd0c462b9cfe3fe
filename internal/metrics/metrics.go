// Package metrics exposes Prometheus collectors for the dispatcher.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"call-dispatcher/pkg/utils"
)

const namespace = "call_dispatcher"

// Metrics implements dispatch.Observer and reconcile.Observer.
type Metrics struct {
	gatherer prometheus.Gatherer

	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	cycleErrors     *prometheus.CounterVec
	dispatched      prometheus.Counter
	gatewayCalls    *prometheus.CounterVec
	gatewayDuration prometheus.Histogram
	enqueued        prometheus.Counter
	halted          prometheus.Counter
	callbacks       *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers every collector on reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_cycles_total",
			Help:      "Dispatch cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_cycle_duration_seconds",
			Help:      "Wall time of a dispatch cycle including the gateway call.",
			Buckets:   prometheus.DefBuckets,
		}),
		cycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_cycle_aborts_total",
			Help:      "Dispatch cycles rolled back, by store error class.",
		}, []string{"reason"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_calls_total",
			Help:      "Work items committed as dispatched.",
		}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Call-initiation requests by result.",
		}, []string{"status"}),
		gatewayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Latency of call-initiation requests.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_items_enqueued_total",
			Help:      "Work items accepted for dispatch.",
		}),
		halted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_items_halted_total",
			Help:      "Pending work items deleted by emergency halts.",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_callbacks_total",
			Help:      "Status callbacks by result (applied, unchanged, unknown, error).",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.cycleErrors,
		m.dispatched,
		m.gatewayCalls,
		m.gatewayDuration,
		m.enqueued,
		m.halted,
		m.callbacks,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) CycleFinished(outcome string, dispatched int, elapsed time.Duration) {
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(elapsed.Seconds())
	m.dispatched.Add(float64(dispatched))
}

func (m *Metrics) CycleFailed(reason error) {
	m.cycles.WithLabelValues("aborted").Inc()
	m.cycleErrors.WithLabelValues(utils.ClassifyPgError(reason)).Inc()
}

func (m *Metrics) GatewayFinished(status string, elapsed time.Duration) {
	m.gatewayCalls.WithLabelValues(status).Inc()
	m.gatewayDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Enqueued(n int) { m.enqueued.Add(float64(n)) }

func (m *Metrics) Halted(n int64) { m.halted.Add(float64(n)) }

func (m *Metrics) StatusApplied(result string) {
	m.callbacks.WithLabelValues(result).Inc()
}

// Handler serves the exposition format for the registry passed to New.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the matched route,
// so path parameters do not explode label cardinality.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
