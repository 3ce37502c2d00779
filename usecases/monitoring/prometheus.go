//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusMetrics struct {
	Registerer prometheus.Registerer

	ActivationsProcessed         *prometheus.CounterVec
	ActivationsFailed            *prometheus.CounterVec
	PassDurations                *prometheus.HistogramVec
	QueueLength                  *prometheus.GaugeVec
	CacheSize                    prometheus.Gauge
	CacheEvictions               *prometheus.CounterVec
	EpochsCompleted              prometheus.Counter
	PartitionsMerged             prometheus.Counter
	WeightsSubmitted             prometheus.Counter
	OrchestratorRequestDurations *prometheus.HistogramVec
	ObjectStoreTransferredBytes  *prometheus.CounterVec
	FullResets                   prometheus.Counter
	DesyncEvents                 prometheus.Counter
}

var (
	metrics     *PrometheusMetrics
	metricsOnce sync.Once
)

// GetMetrics returns the process-wide metrics instance. All components share
// the one registry so a single /metrics endpoint covers the node.
func GetMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		metrics = newPrometheusMetrics()
	})
	return metrics
}

func newPrometheusMetrics() *PrometheusMetrics {
	r := prometheus.DefaultRegisterer

	m := &PrometheusMetrics{
		Registerer: r,
		ActivationsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miner_activations_processed_total",
			Help: "Completed forward/backward passes",
		}, []string{"direction"}),
		ActivationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miner_activations_failed_total",
			Help: "Passes that errored and were moved to the failed queue",
		}, []string{"direction"}),
		PassDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "miner_pass_duration_seconds",
			Help:    "Duration of compute passes including tensor transfer",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"direction"}),
		QueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "miner_activation_queue_length",
			Help: "Records per direction in the durable activation queues",
		}, []string{"direction"}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miner_activation_cache_size",
			Help: "In-flight activations held in the snapshot cache",
		}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miner_activation_cache_evictions_total",
			Help: "Cache evictions by reason (timeout, inactive, backward)",
		}, []string{"reason"}),
		EpochsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_epochs_completed_total",
			Help: "Full training/uploading/merging cycles completed",
		}),
		PartitionsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_partitions_merged_total",
			Help: "Partition chunks merged and re-uploaded",
		}),
		WeightsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_weights_submitted_total",
			Help: "Weight submissions accepted by the orchestrator",
		}),
		OrchestratorRequestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "miner_orchestrator_request_duration_seconds",
			Help:    "Duration of orchestrator API requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"path"}),
		ObjectStoreTransferredBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miner_object_store_transferred_bytes_total",
			Help: "Bytes moved to/from object storage",
		}, []string{"operation"}),
		FullResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_full_resets_total",
			Help: "Full miner state resets",
		}),
		DesyncEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miner_desync_events_total",
			Help: "Times the node found itself out of sync with the orchestrator",
		}),
	}

	r.MustRegister(
		m.ActivationsProcessed, m.ActivationsFailed, m.PassDurations,
		m.QueueLength, m.CacheSize, m.CacheEvictions, m.EpochsCompleted,
		m.PartitionsMerged, m.WeightsSubmitted, m.OrchestratorRequestDurations,
		m.ObjectStoreTransferredBytes, m.FullResets, m.DesyncEvents,
	)

	return m
}
