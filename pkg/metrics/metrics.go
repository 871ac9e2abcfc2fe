// Package metrics exposes prometheus instrumentation, adapted from
// cuemby-warren's pkg/metrics/metrics.go and renamed to the document-database
// domain: Raft commits become routing-metadata commits, scheduling latency
// becomes query and txn latency, and reshard/WAL/index gauges are new.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RaftCommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "solidb_raft_commit_duration_seconds",
		Help:    "Latency of applying a command to the coordinator's routing-metadata Raft log.",
		Buckets: prometheus.DefBuckets,
	})

	QueryExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "solidb_query_execution_duration_seconds",
		Help:    "Latency of executing an SDBQL query end to end.",
		Buckets: prometheus.DefBuckets,
	})

	TxnCommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "solidb_txn_commit_duration_seconds",
		Help:    "Latency of committing a transaction, including WAL fsync.",
		Buckets: prometheus.DefBuckets,
	})

	WALFsyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "solidb_wal_fsync_duration_seconds",
		Help:    "Latency of a single WAL fsync call.",
		Buckets: prometheus.DefBuckets,
	})

	IndexBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "solidb_index_build_duration_seconds",
		Help:    "Latency of building an index over an existing collection.",
		Buckets: prometheus.DefBuckets,
	})

	ReshardTransferTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solidb_reshard_transfer_total",
		Help: "Documents moved by the resharder.",
	})

	ReshardTransferFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solidb_reshard_transfer_failures_total",
		Help: "Reshard batch transfers that still failed after every retry.",
	})

	ReplicationLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solidb_replication_lag_seconds",
		Help: "Estimated time since the last replication entry was applied locally.",
	})

	CursorsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solidb_cursors_active",
		Help: "Number of open server-side cursors.",
	})

	QueriesRejectedLimit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solidb_queries_rejected_limit_total",
		Help: "Queries aborted by QueryLimitExceeded.",
	})

	TxnConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solidb_txn_conflicts_total",
		Help: "Transactions that failed commit validation due to a write-set conflict.",
	})
)

// Timer measures an elapsed duration and reports it to a histogram,
// mirroring cuemby-warren's metrics.Timer helper.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration reports elapsed time since NewTimer to the histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
