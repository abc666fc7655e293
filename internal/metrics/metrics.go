// Package metrics registers the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FilesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_watcher_files_ready_total",
		Help: "Stable segment files emitted by the watcher",
	})
	FilesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_watcher_files_dropped_total",
		Help: "Ready files dropped because the upload queue was full",
	})
	WatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_watcher_errors_total",
		Help: "Unreadable paths and unparseable names seen while polling",
	})
	SeenEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nvr_watcher_seen_entries",
		Help: "Entries held in the watcher seen cache",
	})

	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_uploads_total",
		Help: "Upload outcomes by result",
	}, []string{"result"})
	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvr_upload_bytes_total",
		Help: "Bytes uploaded to object storage",
	})
	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nvr_upload_duration_seconds",
		Help:    "Time to upload one segment including retries",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	UploadsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nvr_uploads_in_flight",
		Help: "Uploads currently running",
	})

	Normalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_normalizer_events_total",
		Help: "Normalizer outcomes by result",
	}, []string{"result"})
	Indexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_indexer_writes_total",
		Help: "Indexer outcomes by result",
	}, []string{"result"})
	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nvr_pipeline_failures_total",
		Help: "Terminal failures recorded to the operator ledger",
	}, []string{"stage", "kind"})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nvr_http_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
