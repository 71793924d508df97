package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/trace"
)

// ProjectionSource describes a projection or subscription to the daemon.
type ProjectionSource interface {
	Name() string
	ShardNames() []ShardName
	Options() *AsyncOptions
	BuildExecution(shard ShardName, opts ...ExecutionOption) (SubscriptionExecution, error)
	// Teardown removes everything the shard wrote, before a rebuild.
	Teardown(ctx context.Context, shard ShardName) error
}

type daemonOpts struct {
	log           *slog.Logger
	metrics       Metrics
	tracer        trace.Tracer
	deadLetters   DeadLetterStore
	settings      DaemonSettings
	executionOpts []ExecutionOption
}

// AgentInfo describes a shard agent for status reports.
type AgentInfo struct {
	Shard    string
	Status   AgentStatus
	Mode     ShardExecutionMode
	Position int64
	Err      error
}

// Daemon supervises the shard agents of all registered projections. A
// critical failure pauses the failing agent; the others keep running.
type Daemon struct {
	id        string
	db        EventDatabase
	loader    EventLoader
	detector  *HighWaterDetector
	highWater *HighWaterAgent
	tracker   *ShardStateTracker
	opts      daemonOpts
	log       *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	sources []ProjectionSource
	agents  map[string]*ShardAgent
}

func New(db EventDatabase, store HighWaterStore, loader EventLoader, opts ...DaemonOption) *Daemon {
	o := daemonOpts{
		log:         slog.Default(),
		metrics:     NopMetrics(),
		deadLetters: NewMemoryDeadLetterStore(),
		settings:    DefaultDaemonSettings(),
	}
	for _, opt := range opts {
		opt.applyToDaemon(&o)
	}

	id := gonanoid.Must(8)
	log := o.log.With(slog.String("daemon", id), slog.String("database", db.Identifier()))
	tracker := NewShardStateTracker(log)
	detector := NewHighWaterDetector(store, o.settings, log)

	return &Daemon{
		id:        id,
		db:        db,
		loader:    loader,
		detector:  detector,
		highWater: NewHighWaterAgent(detector, tracker, o.settings, log, o.metrics),
		tracker:   tracker,
		opts:      o,
		log:       log,
		ctx:       context.Background(),
		agents:    map[string]*ShardAgent{},
	}
}

func (d *Daemon) ID() string                      { return d.id }
func (d *Daemon) Tracker() *ShardStateTracker     { return d.tracker }
func (d *Daemon) DeadLetters() DeadLetterStore    { return d.opts.deadLetters }
func (d *Daemon) HighWaterAgent() *HighWaterAgent { return d.highWater }

// Add registers sources. Names must be unique.
func (d *Daemon) Add(sources ...ProjectionSource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, src := range sources {
		for _, existing := range d.sources {
			if existing.Name() == src.Name() {
				return fmt.Errorf("projection %q already registered", src.Name())
			}
		}
		d.sources = append(d.sources, src)
	}
	return nil
}

// ShardNames lists the shards of every registered source.
func (d *Daemon) ShardNames() []ShardName {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []ShardName
	for _, src := range d.sources {
		out = append(out, src.ShardNames()...)
	}
	return out
}

// StartAll starts high-water detection and every shard in Continuous mode.
func (d *Daemon) StartAll(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = context.WithoutCancel(ctx)
	d.mu.Unlock()

	d.highWater.Start(d.ctx)

	var errs []error
	for _, shard := range d.ShardNames() {
		errs = append(errs, d.StartAgent(ctx, shard.Identity(), Continuous))
	}
	return errors.Join(errs...)
}

// StartAgent starts the shard with the given identity. Starting a running
// shard is a no-op.
func (d *Daemon) StartAgent(ctx context.Context, identity string, mode ShardExecutionMode) error {
	src, shard, err := d.find(identity)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if a, ok := d.agents[identity]; ok && a.Status() == AgentRunning {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	agent, err := d.buildAgent(src, shard)
	if err != nil {
		return err
	}
	if err := agent.Start(ctx, mode); err != nil {
		return err
	}

	d.mu.Lock()
	d.agents[identity] = agent
	d.mu.Unlock()

	d.highWater.CheckNow()
	return nil
}

// StopAgent drains and stops a shard.
func (d *Daemon) StopAgent(ctx context.Context, identity string) error {
	d.mu.Lock()
	agent, ok := d.agents[identity]
	delete(d.agents, identity)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return agent.Stop(ctx)
}

// RestartAgent stops a shard, paused or not, and starts it again from its
// persisted progress.
func (d *Daemon) RestartAgent(ctx context.Context, identity string) error {
	if err := d.StopAgent(ctx, identity); err != nil {
		d.log.Warn("stop before restart failed", slog.String("shard", identity), slog.Any("error", err))
	}
	return d.StartAgent(ctx, identity, Continuous)
}

// StopAll stops every shard and the high-water agent.
func (d *Daemon) StopAll(ctx context.Context) error {
	d.highWater.Stop()

	d.mu.Lock()
	agents := make([]*ShardAgent, 0, len(d.agents))
	for _, a := range d.agents {
		agents = append(agents, a)
	}
	d.agents = map[string]*ShardAgent{}
	d.mu.Unlock()

	var errs []error
	for _, a := range agents {
		errs = append(errs, a.Stop(ctx))
	}
	return errors.Join(errs...)
}

// Close stops everything and completes the tracker.
func (d *Daemon) Close(ctx context.Context) error {
	return errors.Join(d.StopAll(ctx), d.tracker.Complete(ctx))
}

// Statuses reports every known agent, sorted by shard.
func (d *Daemon) Statuses() []AgentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]AgentInfo, 0, len(d.agents))
	for id, a := range d.agents {
		out = append(out, AgentInfo{
			Shard:    id,
			Status:   a.Status(),
			Mode:     a.Mode(),
			Position: a.Position(),
			Err:      a.LastError(),
		})
	}
	slices.SortFunc(out, func(x, y AgentInfo) int {
		if x.Shard < y.Shard {
			return -1
		}
		if x.Shard > y.Shard {
			return 1
		}
		return 0
	})
	return out
}

// RebuildProjection tears down and replays every shard of the named
// projection up to the current high-water mark, then resumes it in
// Continuous mode.
func (d *Daemon) RebuildProjection(ctx context.Context, name string) error {
	src, err := d.source(name)
	if err != nil {
		return err
	}

	target, err := d.currentHighWater(ctx)
	if err != nil {
		return err
	}
	d.log.Info("rebuilding projection", slog.String("projection", name), slog.Int64("target", target))

	for _, shard := range src.ShardNames() {
		if err := d.rebuildShard(ctx, src, shard, target); err != nil {
			return fmt.Errorf("rebuild %s: %w", shard.Identity(), err)
		}
		if err := d.StartAgent(ctx, shard.Identity(), Continuous); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) rebuildShard(ctx context.Context, src ProjectionSource, shard ShardName, target int64) error {
	identity := shard.Identity()
	if err := d.StopAgent(ctx, identity); err != nil {
		return err
	}
	if err := src.Teardown(ctx, shard); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}

	agent, err := d.buildAgent(src, shard)
	if err != nil {
		return err
	}

	if replay, ok := agent.execution.TryBuildReplayExecutor(); ok {
		defer func() { _ = agent.execution.HardStop(ctx) }()
		agent.mode.Store(int32(Rebuild))
		pos, err := src.Options().DetermineStartingPosition(ctx, target, shard, Rebuild, d.db)
		if err != nil {
			return err
		}
		return replay.Replay(ctx, ReplayRequest{
			Shard:        shard,
			Loader:       d.loader,
			Floor:        pos.Sequence,
			Ceiling:      target,
			BatchSize:    src.Options().batchSize(),
			ErrorOptions: d.opts.settings.RebuildErrors,
			Agent:        agent,
		})
	}

	waitErr := d.waitForShard(ctx, identity, target, func() error {
		if err := agent.Start(ctx, Rebuild); err != nil {
			return err
		}
		d.mu.Lock()
		d.agents[identity] = agent
		d.mu.Unlock()
		d.highWater.CheckNow()
		return nil
	})
	return errors.Join(waitErr, d.StopAgent(ctx, identity))
}

// WaitForNonStaleData blocks until the high-water mark reached the highest
// sequence that existed when called and every running shard caught up
// with it.
func (d *Daemon) WaitForNonStaleData(ctx context.Context) error {
	target, err := d.db.FetchHighestEventSequenceNumber(ctx)
	if err != nil {
		return err
	}
	d.highWater.CheckNow()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		hw := d.tracker.HighWaterMark()
		if hw >= target && d.allCaughtUp(hw) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: high water %d, target %d: %w", ErrTimeout, hw, target, ctx.Err())
		case <-ticker.C:
			d.highWater.CheckNow()
		}
	}
}

func (d *Daemon) allCaughtUp(hw int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.agents {
		if a.Status() == AgentRunning && a.Position() < hw {
			return false
		}
	}
	return true
}

// waitForShard runs start and waits until the shard it started reports
// sequence. States published before the shard's Started state are ignored.
func (d *Daemon) waitForShard(ctx context.Context, identity string, sequence int64, start func() error) error {
	result := make(chan error, 1)
	send := func(err error) {
		select {
		case result <- err:
		default:
		}
	}

	started := false
	unsubscribe := d.tracker.Subscribe(ObserverFunc(func(s ShardState) {
		if s.ShardName != identity {
			return
		}
		switch {
		case s.Action == ActionStarted:
			started = true
			if s.Sequence >= sequence {
				send(nil)
			}
		case !started:
		case s.Action == ActionPaused:
			send(fmt.Errorf("shard paused: %w", s.Err))
		case s.Action == ActionUpdated && s.Sequence >= sequence:
			send(nil)
		}
	}))
	defer unsubscribe()

	if err := start(); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w %s at %d: %w", ErrTimeout, identity, sequence, ctx.Err())
	}
}

func (d *Daemon) currentHighWater(ctx context.Context) (int64, error) {
	stats, _, err := d.detector.Detect(ctx)
	if err != nil {
		return 0, err
	}
	if err := d.tracker.MarkHighWater(stats.CurrentMark); err != nil {
		return 0, err
	}
	return stats.CurrentMark, nil
}

func (d *Daemon) onCriticalFailure(agent *ShardAgent, err error) {
	identity := agent.Name().Identity()
	if perr := agent.Pause(d.ctx, err); perr != nil {
		d.log.Warn("pause failed", slog.String("shard", identity), slog.Any("error", perr))
	}

	pause := d.opts.settings.AgentPauseTime
	if pause <= 0 {
		return
	}
	time.AfterFunc(pause, func() {
		d.mu.Lock()
		current, ok := d.agents[identity]
		d.mu.Unlock()
		if !ok || current != agent || agent.Status() != AgentPaused {
			return
		}
		d.log.Info("restarting paused shard", slog.String("shard", identity))
		if err := d.RestartAgent(d.ctx, identity); err != nil {
			d.log.Error("restart failed", slog.String("shard", identity), slog.Any("error", err))
		}
	})
}

func (d *Daemon) buildAgent(src ProjectionSource, shard ShardName) (*ShardAgent, error) {
	execution, err := src.BuildExecution(shard, d.executionOptions()...)
	if err != nil {
		return nil, err
	}
	return NewShardAgent(shard, execution, d.loader, d.db, d.tracker, src.Options(),
		WithLog(d.opts.log),
		WithMetrics(d.opts.metrics),
		WithDeadLetters(d.opts.deadLetters),
		WithSettings(d.opts.settings),
		failureHandlerOption(d.onCriticalFailure),
	), nil
}

func (d *Daemon) executionOptions() []ExecutionOption {
	opts := []ExecutionOption{
		WithLog(d.opts.log),
		WithMetrics(d.opts.metrics),
		WithDatabaseName(d.db.Identifier()),
		WithErrorHandling(Continuous, d.opts.settings.ContinuousErrors),
		WithErrorHandling(Rebuild, d.opts.settings.RebuildErrors),
	}
	if d.opts.tracer != nil {
		opts = append(opts, WithTracer(d.opts.tracer))
	}
	return append(opts, d.opts.executionOpts...)
}

func (d *Daemon) source(name string) (ProjectionSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, src := range d.sources {
		if src.Name() == name {
			return src, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProjection, name)
}

func (d *Daemon) find(identity string) (ProjectionSource, ShardName, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, src := range d.sources {
		for _, shard := range src.ShardNames() {
			if shard.Identity() == identity {
				return src, shard, nil
			}
		}
	}
	return nil, ShardName{}, fmt.Errorf("%w: %s", ErrUnknownShard, identity)
}
