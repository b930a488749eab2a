package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Collection metrics
	CollectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockstore_collections_open",
			Help: "Number of collections currently open on this peer",
		},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockstore_sync_duration_seconds",
			Help:    "Time taken for Collection.sync to drain pending actions",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockstore_sync_retries_total",
			Help: "Total number of sync retries by reason (pending, missing)",
		},
		[]string{"reason"},
	)

	SyncCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockstore_sync_commits_total",
			Help: "Total number of transactions successfully committed via sync",
		},
	)

	UpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockstore_update_duration_seconds",
			Help:    "Time taken for Collection.update to absorb remote history",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockstore_replays_total",
			Help: "Total number of conflict-driven pending-action replays",
		},
	)

	// Storage engine metrics
	MaterializeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockstore_materialize_duration_seconds",
			Help:    "Time taken to materialize a block revision",
			Buckets: prometheus.DefBuckets,
		},
	)

	RestoreCallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockstore_restore_callbacks_total",
			Help: "Total number of times the restore callback was invoked",
		},
	)

	PendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockstore_pend_duration_seconds",
			Help:    "Time taken for a storage pend operation",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockstore_commit_duration_seconds",
			Help:    "Time taken for a storage commit operation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cluster coordinator/member metrics
	ClusterRoundTripDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockstore_cluster_roundtrip_duration_seconds",
			Help:    "Coordinator round-trip latency to a peer, by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ClusterBatchRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockstore_cluster_batch_retries_total",
			Help: "Total number of coordinator batch retries after peer exclusion",
		},
		[]string{"operation"},
	)

	ClusterRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockstore_cluster_records_total",
			Help: "Total number of cluster records by terminal state",
			// state: consensus, rejected, expired
		},
		[]string{"state"},
	)

	LatchWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockstore_latch_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a named latch, by latch family",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"family"},
	)
)

func init() {
	prometheus.MustRegister(CollectionsOpen)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(SyncRetriesTotal)
	prometheus.MustRegister(SyncCommitsTotal)
	prometheus.MustRegister(UpdateDuration)
	prometheus.MustRegister(ReplaysTotal)

	prometheus.MustRegister(MaterializeDuration)
	prometheus.MustRegister(RestoreCallbacksTotal)
	prometheus.MustRegister(PendDuration)
	prometheus.MustRegister(CommitDuration)

	prometheus.MustRegister(ClusterRoundTripDuration)
	prometheus.MustRegister(ClusterBatchRetriesTotal)
	prometheus.MustRegister(ClusterRecordsTotal)
	prometheus.MustRegister(LatchWaitDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
