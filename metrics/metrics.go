// Package metrics exposes the sync engine's Prometheus gauges and
// counters (§4.12).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PendingTotal is the number of locally PENDING rows, by table.
	PendingTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "posync_pending_total",
			Help: "Number of locally PENDING rows awaiting upload, by table",
		},
		[]string{"table"},
	)

	// QueueDepth is the dependency queue's size, by status.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "posync_queue_depth",
			Help: "Number of dependency queue rows, by status",
		},
		[]string{"status"},
	)

	// SyncRunsTotal counts completed sync phases, by phase and outcome.
	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posync_sync_runs_total",
			Help: "Total number of sync phases run, by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	// UploadDuration measures wall-clock time per upload pass.
	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "posync_upload_duration_seconds",
			Help:    "Time taken to upload one batch of pending rows",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DownloadDuration measures wall-clock time per download pass.
	DownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "posync_download_duration_seconds",
			Help:    "Time taken to download one batch of new rows",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(PendingTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SyncRunsTotal)
	prometheus.MustRegister(UploadDuration)
	prometheus.MustRegister(DownloadDuration)
}

// Handler returns the Prometheus scrape handler, served at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
