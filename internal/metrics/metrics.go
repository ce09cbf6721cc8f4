// Package metrics holds the Prometheus collectors exported by nodes and the
// coordinator on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Partition liveness as seen by a cluster client.
var (
	PartitionAlive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "torua_partition_alive",
		Help: "1 if the partition is considered alive, 0 if dead",
	}, []string{"partition"})

	PartitionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torua_partition_transitions_total",
		Help: "Partition alive/dead transitions",
	}, []string{"partition", "to"})
)

// Cluster operations.
var (
	ClusterOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torua_cluster_operations_total",
		Help: "Cluster client operations by outcome",
	}, []string{"operation", "result"})

	ReplicasWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torua_cluster_replicas_written_total",
		Help: "Upload replicas committed by the cluster client",
	})
)

// Repartitioning.
var (
	RepartitionFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torua_repartition_files_total",
		Help: "Files examined by repartition passes by outcome",
	}, []string{"result"})

	RepartitionPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "torua_repartition_pass_duration_seconds",
		Help:    "Duration of repartition passes",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// Observe records the outcome of a cluster operation.
func Observe(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ClusterOperations.WithLabelValues(operation, result).Inc()
}
