// Package metrics exposes invocation-path counters and gauges through a
// Prometheus registry. All recording functions are safe to call before
// InitPrometheus: they become no-ops.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for lattice metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	invocationsTotal *prometheus.CounterVec
	retriesTotal     prometheus.Counter
	probesTotal      *prometheus.CounterVec
	sendFailures     prometheus.Counter

	invocationDuration *prometheus.HistogramVec

	pendingCalls prometheus.GaugeFunc
	executingOps prometheus.Gauge
	clusterSize  prometheus.Gauge
}

// Default histogram buckets for invocation duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 60000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem. The
// pendingCalls function is sampled on every scrape, so it should be cheap
// (the Call Registry reads its map length under its mutex, no walk).
func InitPrometheus(namespace string, pendingCalls func() float64) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total operations executed on this member",
			},
			[]string{"operation", "origin", "status"},
		),

		retriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocation_retries_total",
				Help:      "Total invocation re-dispatches after retryable failures",
			},
		),

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "liveness_probes_total",
				Help:      "Total is-still-executing probes answered on this member",
			},
			[]string{"executing"},
		),

		sendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_failures_total",
				Help:      "Total operation packets the transport refused",
			},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_ms",
				Help:      "Operation execution duration in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"operation"},
		),

		executingOps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executing_operations",
				Help:      "Operations currently running on the local runner",
			},
		),

		clusterSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cluster_size",
				Help:      "Members in the current membership view",
			},
		),
	}

	if pendingCalls != nil {
		pm.pendingCalls = prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_calls",
				Help:      "Registered call ids awaiting responses",
			},
			pendingCalls,
		)
		registry.MustRegister(pm.pendingCalls)
	}

	registry.MustRegister(
		pm.invocationsTotal,
		pm.retriesTotal,
		pm.probesTotal,
		pm.sendFailures,
		pm.invocationDuration,
		pm.executingOps,
		pm.clusterSize,
	)

	promMetrics = pm
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	if promMetrics == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// RecordInvocation records one executed operation.
func RecordInvocation(operation, origin, status string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.invocationsTotal.WithLabelValues(operation, origin, status).Inc()
	promMetrics.invocationDuration.WithLabelValues(operation).Observe(durationMs)
}

// RecordRetry records one re-dispatch.
func RecordRetry() {
	if promMetrics == nil {
		return
	}
	promMetrics.retriesTotal.Inc()
}

// RecordProbe records an answered liveness probe.
func RecordProbe(executing bool) {
	if promMetrics == nil {
		return
	}
	label := "false"
	if executing {
		label = "true"
	}
	promMetrics.probesTotal.WithLabelValues(label).Inc()
}

// RecordSendFailure records a refused packet send.
func RecordSendFailure() {
	if promMetrics == nil {
		return
	}
	promMetrics.sendFailures.Inc()
}

// ExecutingOpsInc/Dec track the local runner's in-flight operations.
func ExecutingOpsInc() {
	if promMetrics == nil {
		return
	}
	promMetrics.executingOps.Inc()
}

func ExecutingOpsDec() {
	if promMetrics == nil {
		return
	}
	promMetrics.executingOps.Dec()
}

// SetClusterSize publishes the current membership view size.
func SetClusterSize(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.clusterSize.Set(float64(n))
}
