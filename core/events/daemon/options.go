package daemon

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	valueOption[T any]  struct{ v T }
	LogOption           valueOption[*slog.Logger]
	MetricsOption       valueOption[Metrics]
	TracerOption        valueOption[trace.Tracer]
	ErrorHandlingOption struct {
		mode ShardExecutionMode
		opts ErrorHandlingOptions
	}
	DatabaseNameOption valueOption[string]
	DeadLetterOption   valueOption[DeadLetterStore]
	SettingsOption     valueOption[DaemonSettings]
	MultiOption[T any] struct{ opts []T }
)

// ExecutionOption configures executions.
type ExecutionOption interface{ applyToExecution(*executionOpts) }

// AgentOption configures shard agents.
type AgentOption interface{ applyToAgent(*agentOpts) }

// DaemonOption configures the daemon.
type DaemonOption interface{ applyToDaemon(*daemonOpts) }

func WithLog(l *slog.Logger) LogOption                   { return LogOption{v: l} }
func WithMetrics(m Metrics) MetricsOption                { return MetricsOption{v: m} }
func WithTracer(t trace.Tracer) TracerOption             { return TracerOption{v: t} }
func WithDatabaseName(n string) DatabaseNameOption       { return DatabaseNameOption{v: n} }
func WithDeadLetters(s DeadLetterStore) DeadLetterOption { return DeadLetterOption{v: s} }
func WithSettings(s DaemonSettings) SettingsOption       { return SettingsOption{v: s} }

// WithErrorHandling sets the error options used for ranges run in mode.
func WithErrorHandling(mode ShardExecutionMode, opts ErrorHandlingOptions) ErrorHandlingOption {
	return ErrorHandlingOption{mode: mode, opts: opts}
}

// WithExecutionOpts bundles execution options, e.g. to pass them through
// the daemon to every execution it builds.
func WithExecutionOpts(opts ...ExecutionOption) MultiOption[ExecutionOption] {
	return MultiOption[ExecutionOption]{opts: opts}
}

func (o LogOption) applyToExecution(e *executionOpts) { e.log = o.v }
func (o LogOption) applyToAgent(a *agentOpts)         { a.log = o.v }
func (o LogOption) applyToDaemon(d *daemonOpts)       { d.log = o.v }

func (o MetricsOption) applyToExecution(e *executionOpts) { e.metrics = o.v }
func (o MetricsOption) applyToAgent(a *agentOpts)         { a.metrics = o.v }
func (o MetricsOption) applyToDaemon(d *daemonOpts)       { d.metrics = o.v }

func (o TracerOption) applyToExecution(e *executionOpts) { e.tracer = o.v }
func (o TracerOption) applyToDaemon(d *daemonOpts)       { d.tracer = o.v }

func (o ErrorHandlingOption) applyToExecution(e *executionOpts) {
	if o.mode == Rebuild {
		e.rebuildErrors = o.opts
		return
	}
	e.continuousErrors = o.opts
}

func (o DatabaseNameOption) applyToExecution(e *executionOpts) { e.database = o.v }

func (o DeadLetterOption) applyToAgent(a *agentOpts)   { a.deadLetters = o.v }
func (o DeadLetterOption) applyToDaemon(d *daemonOpts) { d.deadLetters = o.v }

func (o SettingsOption) applyToAgent(a *agentOpts)   { a.settings = o.v }
func (o SettingsOption) applyToDaemon(d *daemonOpts) { d.settings = o.v }

func (o MultiOption[T]) applyToDaemon(d *daemonOpts) {
	for _, opt := range o.opts {
		if eo, ok := any(opt).(ExecutionOption); ok {
			d.executionOpts = append(d.executionOpts, eo)
		}
	}
}

// DaemonSettings tunes high-water detection and error handling.
type DaemonSettings struct {
	// StaleSequenceThreshold is how long a gap may block the high-water
	// mark before it is skipped.
	StaleSequenceThreshold time.Duration
	// SlowPollingTime is the polling interval while nothing changes.
	SlowPollingTime time.Duration
	// FastPollingTime is the polling interval right after a change.
	FastPollingTime time.Duration
	// AgentPauseTime is how long a paused agent waits before the daemon
	// restarts it. Zero keeps paused agents paused.
	AgentPauseTime time.Duration

	ContinuousErrors ErrorHandlingOptions
	RebuildErrors    ErrorHandlingOptions
}

func DefaultDaemonSettings() DaemonSettings {
	return DaemonSettings{
		StaleSequenceThreshold: 3 * time.Second,
		SlowPollingTime:        time.Second,
		FastPollingTime:        250 * time.Millisecond,
		ContinuousErrors: ErrorHandlingOptions{
			SkipApplyErrors:         true,
			SkipSerializationErrors: true,
			SkipUnknownEvents:       true,
		},
	}
}

func (s DaemonSettings) errorsFor(mode ShardExecutionMode) ErrorHandlingOptions {
	if mode == Rebuild {
		return s.RebuildErrors
	}
	return s.ContinuousErrors
}
