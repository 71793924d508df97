package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

// AgentStatus is the lifecycle state of a ShardAgent.
type AgentStatus int32

const (
	AgentStopped AgentStatus = iota
	AgentRunning
	AgentPaused
)

func (s AgentStatus) String() string {
	return [...]string{"Stopped", "Running", "Paused"}[s]
}

type agentOpts struct {
	log         *slog.Logger
	metrics     Metrics
	deadLetters DeadLetterStore
	settings    DaemonSettings
	onFailure   func(a *ShardAgent, err error)
}

type failureHandlerOption func(a *ShardAgent, err error)

func (o failureHandlerOption) applyToAgent(a *agentOpts) { a.onFailure = o }

// ShardAgent drives one shard: it loads pages of events up to the
// high-water mark and enqueues them on the shard's execution.
type ShardAgent struct {
	name      ShardName
	execution SubscriptionExecution
	loader    EventLoader
	db        EventDatabase
	tracker   *ShardStateTracker
	options   *AsyncOptions
	opts      agentOpts
	log       *slog.Logger

	status    atomic.Int32
	mode      atomic.Int32
	position  atomic.Int64 // ceiling of the last enqueued page
	committed atomic.Int64 // ceiling of the last committed range
	lastErr   atomic.Pointer[error]

	wake    chan struct{}
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	unsub   func()
}

func NewShardAgent(name ShardName, execution SubscriptionExecution, loader EventLoader, db EventDatabase, tracker *ShardStateTracker, options *AsyncOptions, opts ...AgentOption) *ShardAgent {
	o := agentOpts{
		log:         slog.Default(),
		metrics:     NopMetrics(),
		deadLetters: NewMemoryDeadLetterStore(),
		settings:    DefaultDaemonSettings(),
	}
	for _, opt := range opts {
		opt.applyToAgent(&o)
	}
	if options == nil {
		options = NewAsyncOptions()
	}
	return &ShardAgent{
		name:      name,
		execution: execution,
		loader:    loader,
		db:        db,
		tracker:   tracker,
		options:   options,
		opts:      o,
		log:       o.log.With(slog.String("shard", name.Identity())),
		wake:      make(chan struct{}, 1),
	}
}

func (a *ShardAgent) Name() ShardName { return a.name }

func (a *ShardAgent) Mode() ShardExecutionMode { return ShardExecutionMode(a.mode.Load()) }

func (a *ShardAgent) Status() AgentStatus { return AgentStatus(a.status.Load()) }

// Position is the ceiling of the last committed range.
func (a *ShardAgent) Position() int64 { return a.committed.Load() }

// LastError returns the error that paused the agent, if any.
func (a *ShardAgent) LastError() error {
	if p := a.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Start positions the shard and starts its fetch loop. An agent runs once;
// after Stop or Pause a new agent is needed.
func (a *ShardAgent) Start(ctx context.Context, mode ShardExecutionMode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	if a.started {
		return fmt.Errorf("%w: %s", ErrAgentStopped, a.name.Identity())
	}

	if err := a.execution.EnsureStorageExists(ctx); err != nil {
		return fmt.Errorf("ensure storage for %s: %w", a.name.Identity(), err)
	}

	pos, err := a.options.DetermineStartingPosition(ctx, a.tracker.HighWaterMark(), a.name, mode, a.db)
	if err != nil {
		return err
	}

	a.started = true
	a.mode.Store(int32(mode))
	a.position.Store(pos.Sequence)
	a.committed.Store(pos.Sequence)
	a.lastErr.Store(nil)
	a.status.Store(int32(AgentRunning))

	a.unsub = a.tracker.Subscribe(ObserverFunc(func(s ShardState) {
		if s.ShardName == HighWaterMark && s.Action == ActionUpdated {
			a.signal()
		}
	}))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(runCtx, a.done)

	a.log.Info("shard agent started",
		slog.String("mode", mode.String()),
		slog.Int64("position", pos.Sequence),
		slog.Bool("is_new", pos.IsNew),
	)
	state := NewShardState(a.name.Identity(), pos.Sequence)
	state.Action = ActionStarted
	_ = a.tracker.Publish(state)
	return nil
}

// Stop stops fetching and drains the execution.
func (a *ShardAgent) Stop(ctx context.Context) error {
	if !a.halt() {
		return nil
	}
	err := a.execution.StopAndDrain(ctx)
	a.status.Store(int32(AgentStopped))

	state := NewShardState(a.name.Identity(), a.committed.Load())
	state.Action = ActionStopped
	_ = a.tracker.Publish(state)
	a.log.Info("shard agent stopped", slog.Int64("position", a.committed.Load()))
	return err
}

// Pause hard stops the agent after a critical failure.
func (a *ShardAgent) Pause(ctx context.Context, cause error) error {
	a.halt()
	err := a.execution.HardStop(ctx)
	a.status.Store(int32(AgentPaused))
	a.opts.metrics.AgentPaused(a.name.Identity())

	state := NewShardState(a.name.Identity(), a.committed.Load())
	state.Action = ActionPaused
	state.Err = cause
	_ = a.tracker.Publish(state)
	a.log.Warn("shard agent paused", slog.Any("error", cause))
	return err
}

func (a *ShardAgent) halt() bool {
	a.mu.Lock()
	cancel, done, unsub := a.cancel, a.done, a.unsub
	a.cancel, a.done, a.unsub = nil, nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return false
	}
	unsub()
	cancel()
	<-done
	return true
}

// MarkSuccess records that the range ending at ceiling was committed.
func (a *ShardAgent) MarkSuccess(ceiling int64) {
	a.committed.Store(ceiling)
	a.opts.metrics.ShardProgress(a.name.Identity(), ceiling)
	_ = a.tracker.Publish(NewShardState(a.name.Identity(), ceiling))
	a.signal()
}

// MarkSkipped dead letters e.
func (a *ShardAgent) MarkSkipped(ctx context.Context, e *events.Event, err error) {
	dl := DeadLetter{
		Shard:     a.name.Identity(),
		Sequence:  e.Sequence,
		EventID:   e.ID.String(),
		EventType: e.EventType,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
	if derr := a.opts.deadLetters.Record(ctx, dl); derr != nil {
		a.log.Error("failed to record dead letter", slog.Any("error", derr))
	}
}

// ReportCriticalFailure hands err to the supervisor. Without one the agent
// pauses itself.
func (a *ShardAgent) ReportCriticalFailure(err error) {
	a.lastErr.Store(&err)
	a.log.Error("critical shard failure", slog.Any("error", err))
	if a.opts.onFailure != nil {
		go a.opts.onFailure(a, err)
		return
	}
	go func() { _ = a.Pause(context.Background(), err) }()
}

func (a *ShardAgent) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *ShardAgent) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := a.opts.settings.SlowPollingTime
	if interval <= 0 {
		interval = time.Second
	}
	poll := time.NewTicker(interval)
	defer poll.Stop()

	for {
		if err := a.fetchAvailable(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrQueueCompleted) {
				return
			}
			a.log.Error("failed to load events", slog.Any("error", err))
			a.ReportCriticalFailure(err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		case <-poll.C:
		}
	}
}

// fetchAvailable enqueues pages until the high-water mark is reached or the
// hopper is full.
func (a *ShardAgent) fetchAvailable(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		highWater := a.tracker.HighWaterMark()
		floor := a.position.Load()
		if floor >= highWater || floor-a.committed.Load() >= a.options.hopperSize() {
			return nil
		}

		mode := a.Mode()
		page, err := a.loader.LoadEvents(ctx, EventRequest{
			Shard:        a.name,
			Floor:        floor,
			HighWater:    highWater,
			BatchSize:    a.options.batchSize(),
			ErrorOptions: a.errorsFor(mode),
		})
		if err != nil {
			return err
		}
		a.recordSkipped(ctx, page.Skipped)

		if err := a.execution.Enqueue(page, a); err != nil {
			return err
		}
		a.position.Store(page.Ceiling)
	}
}

func (a *ShardAgent) errorsFor(mode ShardExecutionMode) ErrorHandlingOptions {
	return a.opts.settings.errorsFor(mode)
}

func (a *ShardAgent) recordSkipped(ctx context.Context, skipped []SkippedEvent) {
	for _, s := range skipped {
		a.log.Warn("skipped undecodable event",
			slog.Group("event", slog.Int64("seq", s.Sequence), slog.String("type", s.EventType)),
			slog.Any("error", s.Err),
		)
		a.opts.metrics.EventSkipped(a.name.Identity(), "decode")
		dl := DeadLetter{
			Shard:     a.name.Identity(),
			Sequence:  s.Sequence,
			EventType: s.EventType,
			Error:     s.Err.Error(),
			Timestamp: time.Now().UTC(),
		}
		if err := a.opts.deadLetters.Record(ctx, dl); err != nil {
			a.log.Error("failed to record dead letter", slog.Any("error", err))
		}
	}
}
