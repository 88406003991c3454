package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScanMetrics defines metrics operations needed by the scan engine.
type ScanMetrics interface {
	// Paging metrics.
	IncPagesFetched()
	AddMembersGrouped(count int)

	// Scan lifecycle metrics.
	IncScanFailures()
	ObserveChunkDuration(duration time.Duration)
	TrackScan(f func() error) error
}

// Metrics implements ScanMetrics on Prometheus collectors.
type Metrics struct {
	PagesFetched   prometheus.Counter
	MembersGrouped prometheus.Counter
	ScanFailures   prometheus.Counter
	ChunkDuration  prometheus.Histogram
	ScanTime       prometheus.Histogram
	ActiveScans    prometheus.Gauge
}

var _ ScanMetrics = (*Metrics)(nil)

// New creates a new Metrics instance with registered metrics.
func New(namespace string) *Metrics {
	return &Metrics{
		PagesFetched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Total number of membership pages fetched",
		}),
		MembersGrouped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "members_grouped_total",
			Help:      "Total number of members merged into flair groups",
		}),
		ScanFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_failures_total",
			Help:      "Total number of scan generations that failed",
		}),
		ChunkDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Time taken by each chunk of the paging loop",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		ScanTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Time taken by each scan invocation",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ActiveScans: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_scans",
			Help:      "Number of scan chunks currently executing",
		}),
	}
}

// Interface implementation methods.
func (m *Metrics) IncPagesFetched()            { m.PagesFetched.Inc() }
func (m *Metrics) AddMembersGrouped(count int) { m.MembersGrouped.Add(float64(count)) }
func (m *Metrics) IncScanFailures()            { m.ScanFailures.Inc() }

func (m *Metrics) ObserveChunkDuration(duration time.Duration) {
	m.ChunkDuration.Observe(duration.Seconds())
}

// TrackScan tracks the duration of a scan invocation and updates the metrics.
func (m *Metrics) TrackScan(f func() error) error {
	m.ActiveScans.Inc()
	defer m.ActiveScans.Dec()

	start := time.Now()
	err := f()
	m.ScanTime.Observe(time.Since(start).Seconds())
	return err
}

// StartServer starts the metrics HTTP server.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
