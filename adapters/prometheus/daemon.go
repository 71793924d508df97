package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/metrics"
)

// daemonMetrics implements daemon.Metrics using Prometheus.
type daemonMetrics struct {
	// Execution
	executionDuration *prometheus.HistogramVec
	eventsProcessed   *prometheus.CounterVec
	rangesFailed      *prometheus.CounterVec

	// Progress
	shardProgress    *prometheus.GaugeVec
	highWaterMark    prometheus.Gauge
	highWaterSkipped prometheus.Counter
	highWaterGap     prometheus.Gauge

	// Error handling
	eventsSkipped *prometheus.CounterVec
	agentsPaused  *prometheus.CounterVec
}

// NewDaemonMetrics creates a Prometheus implementation of daemon.Metrics
// and registers its collectors with reg.
func NewDaemonMetrics(reg prometheus.Registerer) daemon.Metrics {
	m := &daemonMetrics{
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jasperfx_daemon_execution_duration_seconds",
			Help:    "Time to process one event range in seconds",
			Buckets: rangeBuckets,
		}, []string{"shard"}),

		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jasperfx_daemon_events_processed_total",
			Help: "Total number of events processed",
		}, []string{"shard"}),

		rangesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jasperfx_daemon_ranges_failed_total",
			Help: "Total number of event ranges that failed",
		}, []string{"shard"}),

		shardProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jasperfx_daemon_shard_progress",
			Help: "Last committed sequence per shard",
		}, []string{"shard"}),

		highWaterMark: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jasperfx_daemon_high_water_mark",
			Help: "Highest sequence safe to read",
		}),

		highWaterSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jasperfx_daemon_high_water_skips_total",
			Help: "Total number of stale sequence gaps skipped",
		}),

		highWaterGap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jasperfx_daemon_high_water_last_skip_size",
			Help: "Number of sequences jumped by the last stale gap skip",
		}),

		eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jasperfx_daemon_events_skipped_total",
			Help: "Total number of events skipped by error handling",
		}, []string{"shard", "reason"}),

		agentsPaused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jasperfx_daemon_agents_paused_total",
			Help: "Total number of times a shard agent was paused",
		}, []string{"shard"}),
	}

	reg.MustRegister(
		m.executionDuration,
		m.eventsProcessed,
		m.rangesFailed,
		m.shardProgress,
		m.highWaterMark,
		m.highWaterSkipped,
		m.highWaterGap,
		m.eventsSkipped,
		m.agentsPaused,
	)

	return m
}

func (m *daemonMetrics) ExecutionDuration(shard string) metrics.Timer {
	return startTimer(m.executionDuration.WithLabelValues(shard))
}

func (m *daemonMetrics) EventsProcessed(shard string, count int) {
	m.eventsProcessed.WithLabelValues(shard).Add(float64(count))
}

func (m *daemonMetrics) RangeFailed(shard string) {
	m.rangesFailed.WithLabelValues(shard).Inc()
}

func (m *daemonMetrics) ShardProgress(shard string, sequence int64) {
	m.shardProgress.WithLabelValues(shard).Set(float64(sequence))
}

func (m *daemonMetrics) HighWaterMark(sequence int64) {
	m.highWaterMark.Set(float64(sequence))
}

func (m *daemonMetrics) HighWaterSkipped(from, to int64) {
	m.highWaterSkipped.Inc()
	m.highWaterGap.Set(float64(to - from))
}

func (m *daemonMetrics) EventSkipped(shard string, reason string) {
	m.eventsSkipped.WithLabelValues(shard, reason).Inc()
}

func (m *daemonMetrics) AgentPaused(shard string) {
	m.agentsPaused.WithLabelValues(shard).Inc()
}

var _ daemon.Metrics = (*daemonMetrics)(nil)
