// Package metrics owns every Prometheus series the broadcaster exports.
// All series are registered once at init via promauto; hot paths only touch
// pre-resolved counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process pool.
var (
	ProcessesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ffmpeg_processes_active",
		Help: "Transcoder processes currently running under the pool.",
	})
	SpawnPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ffmpeg_spawn_pending",
		Help: "Spawn requests admitted but not yet producing output.",
	})
	SpawnRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ffmpeg_spawn_rejected_total",
		Help: "Spawn requests rejected by a pre-spawn guard.",
	}, []string{"reason"})
	SpawnTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ffmpeg_spawn_timeout_total",
		Help: "Processes killed for missing the first-byte deadline.",
	})
	PoolPressureEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ffmpeg_pool_pressure_events_total",
		Help: "Times the pool crossed 80% of its process cap.",
	})
	AcquisitionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pool_acquisition_latency_seconds",
		Help:    "Latency from acquire call to usable process handle.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

// Per-channel.
var (
	ChannelRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_restart_total",
		Help: "Restarts executed per channel.",
	}, []string{"channel_id"})
	StreamSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_success_total",
		Help: "Transcoder runs that ended at end-of-item.",
	}, []string{"channel_id"})
	StreamFailure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_failure_total",
		Help: "Transcoder runs that ended in error.",
	}, []string{"channel_id"})
	ChannelMemoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "channel_memory_bytes",
		Help: "RSS of the channel's transcoder process.",
	}, []string{"channel_id"})
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Restart circuit state per channel: 0=closed 1=open 2=half-open.",
	}, []string{"channel_id"})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_stream_sessions",
		Help: "HTTP stream sessions currently attached to a broadcaster.",
	})
)

// System.
var (
	SystemRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_rss_bytes",
		Help: "Resident set size of this process.",
	})
	FDUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fd_usage",
		Help: "Open file descriptors held by this process.",
	})
	EventLoopLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "event_loop_lag_seconds",
		Help: "Observed drift of the health ticker from its interval.",
	})
	DBPoolCheckedOut = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_checked_out",
		Help: "Database connections currently in use.",
	})
	DBPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_size",
		Help: "Configured database connection pool size.",
	})
)

// Metadata and EPG.
var (
	MetadataLookupSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metadata_lookup_success_total",
		Help: "Metadata provider lookups that returned a usable result.",
	})
	MetadataLookupFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metadata_lookup_failure_total",
		Help: "Metadata provider lookups that failed.",
	})
	PlaceholderTitles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "placeholder_title_generated_total",
		Help: "Programmes emitted with a synthesized fallback title.",
	})
	XMLTVValidationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xmltv_validation_error_total",
		Help: "XMLTV generation cycles rejected by the validator.",
	})
	XMLTVLineupMismatch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xmltv_lineup_mismatch_total",
		Help: "Guide/lineup cross-check mismatches detected.",
	})
)

// Circuit gauge values.
const (
	CircuitClosed   = 0
	CircuitOpen     = 1
	CircuitHalfOpen = 2
)
