package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HighWaterStatus is the outcome of one detection.
type HighWaterStatus int

const (
	// HighWaterCaughtUp means there is nothing beyond the mark.
	HighWaterCaughtUp HighWaterStatus = iota
	// HighWaterChanged means the mark advanced.
	HighWaterChanged
	// HighWaterStale means a gap blocks the mark but is not old enough to
	// be skipped yet.
	HighWaterStale
	// HighWaterSkipped means a stale gap was skipped.
	HighWaterSkipped
)

func (s HighWaterStatus) String() string {
	return [...]string{"CaughtUp", "Changed", "Stale", "Skipped"}[s]
}

// HighWaterDetector computes the highest sequence that can be read safely
// given that concurrent writers may commit out of order.
type HighWaterDetector struct {
	store    HighWaterStore
	settings DaemonSettings
	log      *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	lastChange time.Time
}

func NewHighWaterDetector(store HighWaterStore, settings DaemonSettings, log *slog.Logger) *HighWaterDetector {
	if log == nil {
		log = slog.Default()
	}
	return &HighWaterDetector{
		store:      store,
		settings:   settings,
		log:        log.With(slog.String("component", "high_water_detector")),
		now:        time.Now,
		lastChange: time.Now(),
	}
}

// Detect advances the mark over contiguous sequences. A gap that blocked
// the mark for longer than StaleSequenceThreshold is skipped: the mark
// jumps to the highest sequence written before the threshold and then
// continues over contiguous sequences.
func (d *HighWaterDetector) Detect(ctx context.Context) (HighWaterStatistics, HighWaterStatus, error) {
	stats, err := d.store.FetchHighWaterStatistics(ctx)
	if err != nil {
		return stats, HighWaterCaughtUp, fmt.Errorf("fetch high water statistics: %w", err)
	}

	now := d.now()
	stats.Timestamp = now

	if stats.HasChanged() {
		if err := d.store.MarkHighWater(ctx, stats.CurrentMark); err != nil {
			return stats, HighWaterCaughtUp, err
		}
		d.touch(now)
		return stats, HighWaterChanged, nil
	}

	if stats.HighestSequence <= stats.CurrentMark {
		d.touch(now)
		return stats, HighWaterCaughtUp, nil
	}

	if now.Sub(d.since()) < d.settings.StaleSequenceThreshold {
		return stats, HighWaterStale, nil
	}

	safe, err := d.store.FindSafeStartMark(ctx, stats.CurrentMark, now.Add(-d.settings.StaleSequenceThreshold))
	if err != nil {
		return stats, HighWaterStale, fmt.Errorf("find safe start mark: %w", err)
	}
	if safe <= stats.CurrentMark {
		return stats, HighWaterStale, nil
	}

	ceiling, err := d.store.FindContiguousCeiling(ctx, safe)
	if err != nil {
		return stats, HighWaterStale, fmt.Errorf("find contiguous ceiling: %w", err)
	}

	d.log.Warn("skipping stale sequence gap",
		slog.Int64("previous_mark", stats.CurrentMark),
		slog.Int64("safe_start_mark", safe),
		slog.Int64("new_mark", ceiling),
	)

	stats.SafeStartMark = safe
	stats.LastMark = stats.CurrentMark
	stats.CurrentMark = ceiling
	if err := d.store.MarkHighWater(ctx, ceiling); err != nil {
		return stats, HighWaterStale, err
	}
	d.touch(now)
	return stats, HighWaterSkipped, nil
}

func (d *HighWaterDetector) touch(t time.Time) {
	d.mu.Lock()
	d.lastChange = t
	d.mu.Unlock()
}

func (d *HighWaterDetector) since() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastChange
}

// HighWaterAgent polls the detector and publishes marks through the
// tracker.
type HighWaterAgent struct {
	detector *HighWaterDetector
	tracker  *ShardStateTracker
	settings DaemonSettings
	log      *slog.Logger
	metrics  Metrics

	wake   chan struct{}
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHighWaterAgent(detector *HighWaterDetector, tracker *ShardStateTracker, settings DaemonSettings, log *slog.Logger, m Metrics) *HighWaterAgent {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = NopMetrics()
	}
	return &HighWaterAgent{
		detector: detector,
		tracker:  tracker,
		settings: settings,
		log:      log.With(slog.String("component", "high_water_agent")),
		metrics:  m,
		wake:     make(chan struct{}, 1),
	}
}

// Start runs the polling loop until Stop or ctx is done. Starting a running
// agent is a no-op.
func (a *HighWaterAgent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.run(ctx, a.done)
}

// Stop ends the polling loop and waits for it to exit.
func (a *HighWaterAgent) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *HighWaterAgent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

// CheckNow triggers a detection without waiting for the next poll.
func (a *HighWaterAgent) CheckNow() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *HighWaterAgent) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		case <-timer.C:
		}

		next := a.settings.SlowPollingTime
		if status := a.detectOnce(ctx); status == HighWaterChanged || status == HighWaterSkipped {
			next = a.settings.FastPollingTime
		}
		if next <= 0 {
			next = time.Second
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

func (a *HighWaterAgent) detectOnce(ctx context.Context) HighWaterStatus {
	stats, status, err := a.detector.Detect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Error("high water detection failed", slog.Any("error", err))
		}
		return status
	}

	switch status {
	case HighWaterChanged:
		a.metrics.HighWaterMark(stats.CurrentMark)
		a.publish(a.tracker.MarkHighWater(stats.CurrentMark))
	case HighWaterSkipped:
		a.metrics.HighWaterSkipped(stats.LastMark, stats.SafeStartMark)
		a.metrics.HighWaterMark(stats.CurrentMark)
		a.publish(a.tracker.MarkSkipping(stats.LastMark, stats.SafeStartMark))
		a.publish(a.tracker.MarkHighWater(stats.CurrentMark))
	default:
		if a.tracker.HighWaterMark() < stats.CurrentMark {
			a.publish(a.tracker.MarkHighWater(stats.CurrentMark))
		}
	}
	return status
}

func (a *HighWaterAgent) publish(err error) {
	if err != nil {
		a.log.Debug("tracker rejected state", slog.Any("error", err))
	}
}
