// Package metrics defines the Prometheus metrics exported by the
// dispatcher: queue depth, run throughput and duration, fleet size, pod
// lifecycle state, and claim outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the dispatcher's Prometheus registry and metric
// instruments. A dedicated registry (rather than the default global one)
// keeps test instances independent and avoids duplicate-registration
// panics when a server is constructed more than once in a process, e.g.
// in tests.
type Collector struct {
	registry *prometheus.Registry

	QueueDepth     *prometheus.GaugeVec
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	PodState       *prometheus.GaugeVec
	FleetRunners   *prometheus.GaugeVec
	ClaimsTotal    *prometheus.CounterVec
}

// New creates a Collector with all instruments registered.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowstate_queue_depth",
			Help: "Number of queued runs, by required capability tier.",
		}, []string{"capability"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstate_runs_total",
			Help: "Total runs completed, by action and terminal status.",
		}, []string{"action", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowstate_run_duration_seconds",
			Help:    "Run wall-clock duration from claim to terminal status, by action.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2.3h
		}, []string{"action"}),
		PodState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowstate_pod_state",
			Help: "1 for the autoscaler's managed pod's current status, 0 otherwise.",
		}, []string{"status"}),
		FleetRunners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowstate_fleet_runners",
			Help: "Number of registered runners, by status.",
		}, []string{"status"}),
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstate_claims_total",
			Help: "Claim attempts, by result (claimed, empty, rejected).",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.QueueDepth,
		c.RunsTotal,
		c.RunDuration,
		c.PodState,
		c.FleetRunners,
		c.ClaimsTotal,
	)
	return c
}

// Handler returns the HTTP handler that exposes the registry in the
// Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetPodState zeroes every known pod status gauge and sets the current one
// to 1, so a status transition doesn't leave the previous status's gauge
// stuck at 1.
func (c *Collector) SetPodState(current string) {
	for _, status := range []string{"none", "starting", "running", "draining", "drained", "stopped"} {
		v := 0.0
		if status == current {
			v = 1.0
		}
		c.PodState.WithLabelValues(status).Set(v)
	}
}
