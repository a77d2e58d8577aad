// Package metrics registers the Prometheus instruments the router and
// supervisor update. The teacher (slimsag/http-server-stabilizer) registers
// a single worker-restart counter via promauto and serves it on a side
// address; this module follows the same promauto + promhttp pattern and adds
// the instruments the gateway and supervisor need (spec §3.1 counters, §4.2
// quota events, §5 queue depth). Each Metrics owns a private
// prometheus.Registry rather than registering against the global default
// registerer, so constructing more than one Metrics in the same process
// (as the test suite does, one per test) never collides on metric names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the process registers. One instance is
// constructed at startup and passed explicitly to the supervisor and router,
// following this repo's no-global-mutable-state rule (spec §5).
type Metrics struct {
	Registry *prometheus.Registry

	WorkerRestarts    *prometheus.CounterVec
	WorkerStateGauge  *prometheus.GaugeVec
	RequestsRouted    *prometheus.CounterVec
	RequestsFailed    *prometheus.CounterVec
	QuotaExceededTotal *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	DispatchDuration  *prometheus.HistogramVec
}

// New registers and returns a fresh Metrics backed by its own registry.
// appName is prefixed onto every metric name, mirroring the teacher's
// *flagPrometheusAppName flag.
func New(appName string) *Metrics {
	prefix := appName
	if prefix != "" {
		prefix += "_"
	}

	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		WorkerRestarts: auto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "router_worker_restarts_total",
			Help: "Total number of worker process restarts, by worker id.",
		}, []string{"worker_id"}),

		WorkerStateGauge: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "router_worker_state",
			Help: "Current worker state as a gauge (1 for the active state, 0 otherwise), labeled by worker id and state.",
		}, []string{"worker_id", "state"}),

		RequestsRouted: auto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "router_requests_routed_total",
			Help: "Total requests dispatched to a worker, by worker id and model.",
		}, []string{"worker_id", "model"}),

		RequestsFailed: auto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "router_requests_failed_total",
			Help: "Total dispatch attempts that ended in an upstream timeout or connection error, by reason.",
		}, []string{"reason"}),

		QuotaExceededTotal: auto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "router_quota_exceeded_total",
			Help: "Total quota-exceeded events observed, by worker id and model.",
		}, []string{"worker_id", "model"}),

		QueueDepth: auto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "router_queue_depth",
			Help: "Current number of requests waiting on the saturation queue.",
		}),

		DispatchDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "router_dispatch_duration_seconds",
			Help:    "Time spent forwarding a request to a worker and reading its response.",
			Buckets: prometheus.DefBuckets,
		}, []string{"worker_id", "outcome"}),
	}
}
