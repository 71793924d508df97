// Package metrics provides abstract metrics interfaces that allow pluggable
// instrumentation backends without coupling the projection engine to any
// specific implementation.
package metrics

import "time"

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc()
	// Add increments the counter by delta. delta must be >= 0.
	Add(delta float64)
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
}

// Histogram samples observations (e.g., execution latencies).
type Histogram interface {
	Observe(value float64)
}

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time.
type Timer interface {
	ObserveDuration()
}

// TimerFunc creates a new Timer. This allows deferred timing patterns like:
//
//	defer m.ExecutionDuration(shard).ObserveDuration()
type TimerFunc func() Timer

type funcTimer struct {
	start   time.Time
	observe func(time.Duration)
}

func (t *funcTimer) ObserveDuration() { t.observe(time.Since(t.start)) }

// NewTimer starts a Timer that hands the elapsed duration to observe.
func NewTimer(observe func(time.Duration)) Timer {
	return &funcTimer{start: time.Now(), observe: observe}
}
