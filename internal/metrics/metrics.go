// Package metrics exposes the control plane's Prometheus metrics:
// package-level collectors registered once at init, a Handler for the
// /metrics endpoint, and a Timer helper for histogram observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poseidon_nodes_total",
			Help: "Total number of storage nodes by health",
		},
		[]string{"health"},
	)

	PoolsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poseidon_pools_total",
			Help: "Total number of pools by state",
		},
		[]string{"state"},
	)

	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poseidon_volumes_total",
			Help: "Total number of volumes by state",
		},
		[]string{"state"},
	)

	FSARunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poseidon_fsa_run_duration_seconds",
			Help:    "Time taken for a single volume FSA run",
			Buckets: prometheus.DefBuckets,
		},
	)

	FSARerunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poseidon_fsa_reruns_total",
			Help: "Total number of FSA runs triggered by a rerun request made during a prior run",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poseidon_reconciliation_duration_seconds",
			Help:    "Time taken for a pool reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicaCreateFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poseidon_replica_create_failures_total",
			Help: "Total number of replica creation attempts that failed during placement",
		},
	)

	CSIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poseidon_csi_request_duration_seconds",
			Help:    "CSI controller request duration by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	CSIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poseidon_csi_requests_total",
			Help: "Total number of CSI controller requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(VolumesTotal)
	prometheus.MustRegister(FSARunDuration)
	prometheus.MustRegister(FSARerunsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReplicaCreateFailuresTotal)
	prometheus.MustRegister(CSIRequestDuration)
	prometheus.MustRegister(CSIRequestsTotal)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a histogram observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
