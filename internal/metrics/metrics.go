// Package metrics provides Prometheus metrics for the zipper service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all zipperd metrics.
var Registry = prometheus.NewRegistry()

// Metrics holds all Prometheus metrics for the archive pipeline.
type Metrics struct {
	// Fetch stats (counters)
	FilesFetched prometheus.Counter
	FetchErrors  prometheus.Counter

	// Archive stats
	ArchivesBuilt     prometheus.Counter
	ArchivesFailed    prometheus.Counter
	ArchiveBytes      prometheus.Counter
	NotificationsSent prometheus.Counter

	// Upload engine stats
	PartsUploaded prometheus.Counter
	ComposeCalls  prometheus.Counter

	// In-progress projections, mirrored from the dedup cache
	InProgressJobs     prometheus.Gauge
	InProgressInfo     *prometheus.GaugeVec // labels: fingerprint
	RequestDurationSec prometheus.Histogram
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// New initializes all pipeline metrics on the shared registry.
func New() *Metrics {
	return newWith(Registry)
}

// NewForTesting initializes metrics on a private registry so parallel
// tests do not collide on duplicate registration.
func NewForTesting() *Metrics {
	return newWith(prometheus.NewRegistry())
}

func newWith(reg *prometheus.Registry) *Metrics {
	return &Metrics{
		FilesFetched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "zipperd_files_fetched_total",
			Help: "Total files fetched from the source bucket",
		}),
		FetchErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "zipperd_fetch_errors_total",
			Help: "Total per-file fetch failures recorded in manifests",
		}),
		ArchivesBuilt: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "zipperd_archives_built_total",
			Help: "Total archives assembled and uploaded",
		}),
		ArchivesFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "zipperd_archives_failed_total",
			Help: "Total archive builds that ended in a processing error",
		}),
		ArchiveBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "zipperd_archive_bytes_total",
			Help: "Total bytes of finished archives uploaded",
		}),
		NotificationsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "zipperd_notifications_sent_total",
			Help: "Total requester notifications delivered",
		}),
		PartsUploaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "zipperd_parts_uploaded_total",
			Help: "Total multipart upload parts written",
		}),
		ComposeCalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "zipperd_compose_calls_total",
			Help: "Total storage compose operations issued",
		}),
		InProgressJobs: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "zipperd_in_progress_jobs",
			Help: "Number of archive builds currently in progress",
		}),
		InProgressInfo: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "zipperd_in_progress_info",
			Help: "In-progress archive builds by fingerprint (1 = building)",
		}, []string{"fingerprint"}),
		RequestDurationSec: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "zipperd_request_duration_seconds",
			Help:    "End-to-end archive request duration",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
}
