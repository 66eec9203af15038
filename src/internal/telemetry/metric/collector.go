// Package metric provides Prometheus metrics for the cluster server.
package metric

import "github.com/prometheus/client_golang/prometheus"

// StatsProvider is the minimal view of cluster state a Collector scrapes on
// every /metrics request. Defined locally (rather than importing
// clusterserver) to avoid a metric<->clusterserver import cycle, since
// clusterserver itself depends on this package to publish rebalance counters.
type StatsProvider interface {
	ClusterNodeCount() int
	SlotTableEpoch() uint64
	ShardsAssigned() int
}

// Collector is a prometheus.Collector that scrapes live cluster state at
// collection time instead of being updated imperatively.
type Collector struct {
	source StatsProvider

	nodesDesc    *prometheus.Desc
	epochDesc    *prometheus.Desc
	assignedDesc *prometheus.Desc
}

// NewCollector creates a Collector over the given stats source.
func NewCollector(source StatsProvider) *Collector {
	return &Collector{
		source: source,
		nodesDesc: prometheus.NewDesc(
			"tokmesh_cluster_nodes", "Number of data nodes known to this node.", nil, nil),
		epochDesc: prometheus.NewDesc(
			"tokmesh_slot_table_epoch", "Current slot table epoch.", nil, nil),
		assignedDesc: prometheus.NewDesc(
			"tokmesh_shards_assigned", "Number of slots with an assigned leader.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodesDesc
	ch <- c.epochDesc
	ch <- c.assignedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.nodesDesc, prometheus.GaugeValue, float64(c.source.ClusterNodeCount()))
	ch <- prometheus.MustNewConstMetric(c.epochDesc, prometheus.GaugeValue, float64(c.source.SlotTableEpoch()))
	ch <- prometheus.MustNewConstMetric(c.assignedDesc, prometheus.GaugeValue, float64(c.source.ShardsAssigned()))
}
