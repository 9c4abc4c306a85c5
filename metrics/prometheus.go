// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "reimann"

// Metrics holds every collector on a private registry, so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Commitment log service
	leavesTotal     prometheus.Gauge
	appendsTotal    *prometheus.CounterVec
	proofsTotal     *prometheus.CounterVec
	proofCacheHits  prometheus.Counter
	requestLatency  *prometheus.HistogramVec
	feedSubscribers prometheus.Gauge

	// Watcher
	watcherHeight  prometheus.Gauge
	ordersObserved prometheus.Counter
	txsSkipped     *prometheus.CounterVec

	// Solver
	ordersByStatus *prometheus.GaugeVec
	ordersSettled  prometheus.Counter
	ordersFailed   prometheus.Counter
	stepDuration   *prometheus.HistogramVec

	// Both loops
	loopErrors *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		leavesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "smt",
			Name:      "leaves",
			Help:      "Number of leaves in the commitment log",
		}),
		appendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smt",
			Name:      "appends_total",
			Help:      "Append requests by result",
		}, []string{"result"}),
		proofsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smt",
			Name:      "proofs_total",
			Help:      "Proof queries by result",
		}, []string{"result"}),
		proofCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smt",
			Name:      "proof_cache_hits_total",
			Help:      "Proof queries answered from the cache",
		}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "smt",
			Name:      "request_duration_seconds",
			Help:      "HTTP handler latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"route"}),
		feedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "smt",
			Name:      "feed_subscribers",
			Help:      "Connected websocket feed subscribers",
		}),

		watcherHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "block_height",
			Help:      "Last fully processed source block",
		}),
		ordersObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "orders_observed_total",
			Help:      "Orders indexed from the source chain",
		}),
		txsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "txs_skipped_total",
			Help:      "Source transactions skipped by reason",
		}, []string{"reason"}),

		ordersByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "orders",
			Help:      "Orders by settlement status",
		}, []string{"status"}),
		ordersSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "orders_settled_total",
			Help:      "Orders fulfilled on the destination chain",
		}),
		ordersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "orders_failed_total",
			Help:      "Orders that exhausted their attempts",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "step_duration_seconds",
			Help:      "Duration of each settlement step",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"step"}),

		loopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_errors_total",
			Help:      "Errors returned by a loop iteration, before backoff",
		}, []string{"loop"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.leavesTotal,
		m.appendsTotal,
		m.proofsTotal,
		m.proofCacheHits,
		m.requestLatency,
		m.feedSubscribers,
		m.watcherHeight,
		m.ordersObserved,
		m.txsSkipped,
		m.ordersByStatus,
		m.ordersSettled,
		m.ordersFailed,
		m.stepDuration,
		m.loopErrors,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetLeaves(n uint64) {
	m.leavesTotal.Set(float64(n))
}

func (m *Metrics) IncAppends(result string) {
	m.appendsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncProofs(result string) {
	m.proofsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncProofCacheHits() {
	m.proofCacheHits.Inc()
}

func (m *Metrics) ObserveRequest(route string, d time.Duration) {
	m.requestLatency.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) SetFeedSubscribers(n int) {
	m.feedSubscribers.Set(float64(n))
}

func (m *Metrics) SetWatcherHeight(n uint64) {
	m.watcherHeight.Set(float64(n))
}

func (m *Metrics) IncOrdersObserved() {
	m.ordersObserved.Inc()
}

func (m *Metrics) IncTxsSkipped(reason string) {
	m.txsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetOrdersByStatus(status string, n int) {
	m.ordersByStatus.WithLabelValues(status).Set(float64(n))
}

func (m *Metrics) IncOrdersSettled() {
	m.ordersSettled.Inc()
}

func (m *Metrics) IncOrdersFailed() {
	m.ordersFailed.Inc()
}

func (m *Metrics) ObserveStep(step string, d time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) IncLoopErrors(loop string) {
	m.loopErrors.WithLabelValues(loop).Inc()
}
