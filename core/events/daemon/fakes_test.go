package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/metrics"
)

type fakeBatch struct {
	mu       sync.Mutex
	progress map[string]int64
	pseudo   map[string][]*events.Event
	executed int
	closed   bool
}

func newFakeBatch() *fakeBatch {
	return &fakeBatch{progress: map[string]int64{}, pseudo: map[string][]*events.Event{}}
}

func (b *fakeBatch) RecordProgress(_ context.Context, r *EventRange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress[r.ShardName.Identity()] = r.Ceiling
	return nil
}

func (b *fakeBatch) Execute(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executed++
	return nil
}

func (b *fakeBatch) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBatch) add(shard string, e *events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pseudo[shard] = append(b.pseudo[shard], e)
}

func (b *fakeBatch) PseudoEventsFor(shard string) []*events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pseudo[shard]
}

type fakeFactory struct {
	mu      sync.Mutex
	batches []*fakeBatch
}

func (f *fakeFactory) StartBatch(context.Context, *EventRange) (ProjectionBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := newFakeBatch()
	f.batches = append(f.batches, b)
	return b, nil
}

func (f *fakeFactory) all() []*fakeBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeBatch(nil), f.batches...)
}

// fakeRunner records the sequences of every range it builds. apply, when
// set, runs first and may fail the range.
type fakeRunner struct {
	shard   ShardName
	batches *fakeFactory
	apply   func(ctx context.Context, r *EventRange) error
	produce func(b *fakeBatch, r *EventRange)

	mu        sync.Mutex
	processed [][]int64
	upstreams [][]string
}

func (f *fakeRunner) ShardName() ShardName                           { return f.shard }
func (f *fakeRunner) EnsureStorageExists(context.Context) error      { return nil }
func (f *fakeRunner) TryBuildReplayExecutor() (ReplayExecutor, bool) { return nil, false }

func (f *fakeRunner) GroupEvents(_ context.Context, r *EventRange) ([]*events.Event, error) {
	return r.Events, nil
}

func (f *fakeRunner) BuildBatch(ctx context.Context, r *EventRange, group []*events.Event) (*fakeBatch, error) {
	if f.apply != nil {
		if err := f.apply(ctx, r); err != nil {
			return nil, err
		}
	}

	var ups []string
	for _, u := range r.Upstream() {
		ups = append(ups, u.ShardIdentity())
	}
	f.mu.Lock()
	f.processed = append(f.processed, seqs(group))
	f.upstreams = append(f.upstreams, ups)
	f.mu.Unlock()

	var b *fakeBatch
	if r.BatchBehavior == BatchComposite {
		b = r.ActiveBatch.(*fakeBatch)
	} else {
		pb, _ := f.batches.StartBatch(ctx, r)
		b = pb.(*fakeBatch)
	}
	if f.produce != nil {
		f.produce(b, r)
	}
	return b, b.RecordProgress(ctx, r)
}

func (f *fakeRunner) ExecuteBatch(ctx context.Context, b *fakeBatch) error { return b.Execute(ctx) }

func (f *fakeRunner) ranges() [][]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]int64(nil), f.processed...)
}

type probeAgent struct {
	shard ShardName
	mode  ShardExecutionMode

	mu        sync.Mutex
	successes []int64
	skipped   []int64
	failures  []error
	signals   chan struct{}
}

func newProbeAgent(shard ShardName, mode ShardExecutionMode) *probeAgent {
	return &probeAgent{shard: shard, mode: mode, signals: make(chan struct{}, 64)}
}

func (a *probeAgent) Name() ShardName          { return a.shard }
func (a *probeAgent) Mode() ShardExecutionMode { return a.mode }

func (a *probeAgent) MarkSuccess(ceiling int64) {
	a.mu.Lock()
	a.successes = append(a.successes, ceiling)
	a.mu.Unlock()
	a.signals <- struct{}{}
}

func (a *probeAgent) MarkSkipped(_ context.Context, e *events.Event, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skipped = append(a.skipped, e.Sequence)
}

func (a *probeAgent) ReportCriticalFailure(err error) {
	a.mu.Lock()
	a.failures = append(a.failures, err)
	a.mu.Unlock()
	a.signals <- struct{}{}
}

// await waits for n outcomes, successes or failures.
func (a *probeAgent) await(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-a.signals:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for range outcome")
		}
	}
}

func (a *probeAgent) outcomes() ([]int64, []error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.successes...), append([]error(nil), a.failures...)
}

type countingMetrics struct {
	nopMetrics
	mu        sync.Mutex
	durations int
	processed int
	failed    int
	skipped   int
}

func (m *countingMetrics) ExecutionDuration(string) metrics.Timer {
	return metrics.NewTimer(func(time.Duration) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.durations++
	})
}

func (m *countingMetrics) EventsProcessed(_ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed += n
}

func (m *countingMetrics) RangeFailed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *countingMetrics) EventSkipped(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped++
}

func (m *countingMetrics) snapshot() (durations, processed, failed, skipped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durations, m.processed, m.failed, m.skipped
}
