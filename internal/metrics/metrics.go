// Package metrics exposes the counters and gauges spec §6's GET /api/metrics
// surfaces, registered with prometheus/client_golang the way the teacher's
// pkg/metrics does, plus process-resource gauges sampled via gopsutil.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otdmz_records_ingested_total",
			Help: "Total records emitted by protocol clients, by source",
		},
		[]string{"source", "protocol"},
	)

	RecordsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otdmz_records_sent_total",
			Help: "Total records durably acknowledged by the sink, by source",
		},
		[]string{"source"},
	)

	DroppedNewest = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otdmz_dropped_newest_total",
			Help: "Records refused at the queue under drop_newest policy",
		},
		[]string{"source"},
	)

	DroppedOldest = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otdmz_dropped_oldest_total",
			Help: "Records evicted from the queue head under drop_oldest policy",
		},
		[]string{"source"},
	)

	Retries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "otdmz_sink_retries_total",
			Help: "Total sink batch-delivery retries",
		},
	)

	BreakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "otdmz_breaker_trips_total",
			Help: "Total circuit breaker transitions into the open state",
		},
	)

	DLQCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otdmz_dlq_total",
			Help: "Total records routed to the dead-letter queue, by source",
		},
		[]string{"source"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "otdmz_queue_depth",
			Help: "Current in-memory queue depth",
		},
	)

	SpoolBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otdmz_spool_bytes",
			Help: "Bytes currently held in a source's spool segments",
		},
		[]string{"source"},
	)

	Inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "otdmz_sink_inflight",
			Help: "Records currently in flight to the sink",
		},
	)

	ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otdmz_reconnect_attempts_total",
			Help: "Total client reconnect attempts, by source",
		},
		[]string{"source"},
	)

	ProcessCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "otdmz_process_cpu_percent",
			Help: "Connector process CPU utilization percent",
		},
	)

	ProcessRSSBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "otdmz_process_rss_bytes",
			Help: "Connector process resident set size in bytes",
		},
	)

	BatchSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "otdmz_batch_send_duration_seconds",
			Help:    "Time taken to flush a batch to the sink",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsIngested,
		RecordsSent,
		DroppedNewest,
		DroppedOldest,
		Retries,
		BreakerTrips,
		DLQCount,
		QueueDepth,
		SpoolBytes,
		Inflight,
		ReconnectAttempts,
		ProcessCPUPercent,
		ProcessRSSBytes,
		BatchSendDuration,
	)
}

// Handler returns the Prometheus HTTP handler; internal/api serves it as
// the GET /api/metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small duration-measuring helper, same shape as the teacher's.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
