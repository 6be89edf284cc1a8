// Package metrics holds the Prometheus collectors shared across the
// RateGate, JobQueue and BatchWorker, registered once against the default
// registry the way ethpandaops-lab-backend's middleware package does.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RateGateInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_sync_rategate_inflight",
		Help: "Number of remote API calls currently admitted by the RateGate.",
	})

	RateGateWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_sync_rategate_wait_seconds",
		Help:    "Time a task spent waiting for RateGate admission.",
		Buckets: prometheus.DefBuckets,
	})

	RateGateRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_rategate_retries_total",
		Help: "Retries issued by the RateGate backoff policy, by outcome.",
	}, []string{"outcome"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "catalog_sync_queue_depth",
		Help: "Pending BatchJobs per feed.",
	}, []string{"feed_key"})

	JobsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_jobs_processed_total",
		Help: "BatchJobs processed, by outcome (acked|failed).",
	}, []string{"outcome"})

	RowsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_rows_processed_total",
		Help: "Rows processed, by outcome (updated|skipped|failed).",
	}, []string{"feed_key", "outcome"})

	CheckpointLastProcessedRow = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "catalog_sync_checkpoint_last_processed_row",
		Help: "Last processed row index per feed.",
	}, []string{"feed_key"})
)

func init() {
	prometheus.MustRegister(
		RateGateInflight,
		RateGateWaitSeconds,
		RateGateRetriesTotal,
		QueueDepth,
		JobsProcessedTotal,
		RowsProcessedTotal,
		CheckpointLastProcessedRow,
	)
}
