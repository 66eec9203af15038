// Package metric provides Prometheus metrics for the cluster server.
package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all application metrics.
type Registry struct {
	registry *prometheus.Registry

	// RebalanceRounds counts balance rounds by phase and outcome
	// ("applied", "converged", "throttled", "already_running", "canceled",
	// "round_cap", "error").
	RebalanceRounds CounterVec

	// RebalanceDuration observes wall-clock time per TriggerRebalance call.
	RebalanceDuration Histogram

	// ClusterNodes is the number of data nodes known to this node's gossip view.
	ClusterNodes Gauge

	// SlotTableEpoch is the current slot table's epoch (monotonic version counter).
	SlotTableEpoch Gauge

	// ShardsAssigned is the number of slots with an assigned leader.
	ShardsAssigned Gauge

	// RequestsTotal counts HTTP requests by method, path and status.
	RequestsTotal CounterVec

	// RequestDuration observes HTTP request latency by method and path.
	RequestDuration HistogramVec
}

// Counter is a cumulative metric that only increases.
type Counter interface {
	Inc()
	Add(float64)
}

// CounterVec is a Counter with labels.
type CounterVec interface {
	WithLabelValues(lvs ...string) Counter
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
}

// Histogram samples observations and counts them in buckets.
type Histogram interface {
	Observe(float64)
}

// HistogramVec is a Histogram with labels.
type HistogramVec interface {
	WithLabelValues(lvs ...string) Histogram
}

// NewRegistry creates a new metrics registry backed by a fresh
// prometheus.Registry, plus the standard Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	rebalanceRounds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokmesh",
		Name:      "rebalance_rounds_total",
		Help:      "Number of balance rounds, by phase and outcome.",
	}, []string{"phase", "outcome"})

	rebalanceDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tokmesh",
		Name:      "rebalance_duration_seconds",
		Help:      "Wall-clock duration of a TriggerRebalance call.",
		Buckets:   prometheus.DefBuckets,
	})

	clusterNodes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tokmesh",
		Name:      "cluster_nodes",
		Help:      "Number of data nodes known to this node.",
	})

	slotTableEpoch := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tokmesh",
		Name:      "slot_table_epoch",
		Help:      "Current slot table epoch.",
	})

	shardsAssigned := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tokmesh",
		Name:      "shards_assigned",
		Help:      "Number of slots with an assigned leader.",
	})

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokmesh",
		Name:      "requests_total",
		Help:      "Total HTTP requests, by method, path and status.",
	}, []string{"method", "path", "status"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tokmesh",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency, by method and path.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	reg.MustRegister(rebalanceRounds, rebalanceDuration, clusterNodes, slotTableEpoch, shardsAssigned, requestsTotal, requestDuration)

	return &Registry{
		registry:          reg,
		RebalanceRounds:   counterVecAdapter{rebalanceRounds},
		RebalanceDuration: rebalanceDuration,
		ClusterNodes:      clusterNodes,
		SlotTableEpoch:    slotTableEpoch,
		ShardsAssigned:    shardsAssigned,
		RequestsTotal:     counterVecAdapter{requestsTotal},
		RequestDuration:   histogramVecAdapter{requestDuration},
	}
}

// Handler returns an HTTP handler exposing this registry in Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registerer exposes the underlying prometheus.Registerer so callers can
// register additional collectors directly (main registers the cluster
// Collector this way).
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns the process-wide default registry.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry()
	})
	return global
}

// Handler returns an HTTP handler for the global registry's /metrics endpoint.
func Handler() http.Handler {
	return Global().Handler()
}

// counterVecAdapter adapts *prometheus.CounterVec to the package's CounterVec
// interface so call sites depend on Registry's own small interface, not the
// prometheus client directly.
type counterVecAdapter struct {
	vec *prometheus.CounterVec
}

func (a counterVecAdapter) WithLabelValues(lvs ...string) Counter {
	return a.vec.WithLabelValues(lvs...)
}

// histogramVecAdapter adapts *prometheus.HistogramVec similarly.
type histogramVecAdapter struct {
	vec *prometheus.HistogramVec
}

func (a histogramVecAdapter) WithLabelValues(lvs ...string) Histogram {
	return a.vec.WithLabelValues(lvs...)
}
