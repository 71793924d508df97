package daemon

import "github.com/JasperFx/jasperfx-sub002/core/metrics"

// Metrics instruments the daemon. Implementations must be safe for
// concurrent use.
type Metrics interface {
	// Execution
	ExecutionDuration(shard string) metrics.Timer
	EventsProcessed(shard string, count int)
	RangeFailed(shard string)

	// Progress
	ShardProgress(shard string, sequence int64)
	HighWaterMark(sequence int64)
	HighWaterSkipped(from, to int64)

	// Error handling
	EventSkipped(shard string, reason string)
	AgentPaused(shard string)
}

type nopMetrics struct{}

func (nopMetrics) ExecutionDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) EventsProcessed(string, int)            {}
func (nopMetrics) RangeFailed(string)                     {}

func (nopMetrics) ShardProgress(string, int64)   {}
func (nopMetrics) HighWaterMark(int64)           {}
func (nopMetrics) HighWaterSkipped(int64, int64) {}

func (nopMetrics) EventSkipped(string, string) {}
func (nopMetrics) AgentPaused(string)          {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
