package aggregation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/events/memstore"
	"github.com/JasperFx/jasperfx-sub002/core/events/slicing"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
)

type route struct {
	ID       string
	Name     string
	Distance int
}

func (r *route) CreateStarted(e events.Typed[started]) *route {
	return &route{ID: e.StreamKey, Name: e.Data.Name}
}

func (r *route) ApplyMoved(e moved) { r.Distance += e.Distance }

func (r *route) ApplyEnded(ended) *route { return nil }

type poison struct{}

type summary struct {
	Routes map[string]int
	Seen   int
}

type recordingAgent struct {
	shard daemon.ShardName
	mode  daemon.ShardExecutionMode

	mu       sync.Mutex
	skipped  []*events.Event
	failures []error
	done     chan int64
}

func newRecordingAgent(shard daemon.ShardName) *recordingAgent {
	return &recordingAgent{shard: shard, done: make(chan int64, 16)}
}

func (a *recordingAgent) Name() daemon.ShardName          { return a.shard }
func (a *recordingAgent) Mode() daemon.ShardExecutionMode { return a.mode }
func (a *recordingAgent) MarkSuccess(ceiling int64)       { a.done <- ceiling }

func (a *recordingAgent) MarkSkipped(_ context.Context, e *events.Event, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skipped = append(a.skipped, e)
}

func (a *recordingAgent) ReportCriticalFailure(err error) {
	a.mu.Lock()
	a.failures = append(a.failures, err)
	a.mu.Unlock()
	a.done <- -1
}

func (a *recordingAgent) await(t *testing.T) int64 {
	t.Helper()
	select {
	case c := <-a.done:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("range was not executed")
		return 0
	}
}

type fixture struct {
	log      *memstore.Store
	progress *storage.MemoryProgressStore
	batches  storage.BatchFactory
	routes   *Projection[*route, string]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	progress := storage.NewMemoryProgressStore()
	f := &fixture{
		log:      memstore.New("main", progress),
		progress: progress,
		batches:  storage.BatchFactory{Tx: &storage.MutexTransactor{}, Progress: progress},
	}
	f.routes = NewProjection("routes", slicing.ByStreamKey[*route](), storage.NewMemoryDocumentStore[*route, string](), f.batches)
	require.NoError(t, f.routes.Application().UseAggregateMethods())
	return f
}

func (f *fixture) page(t *testing.T, floor, ceiling int64) *daemon.EventPage {
	t.Helper()
	page, err := f.log.LoadEvents(t.Context(), daemon.EventRequest{Floor: floor, HighWater: ceiling, BatchSize: 100})
	require.NoError(t, err)
	return page
}

func (f *fixture) route(t *testing.T, id string) (*route, bool) {
	t.Helper()
	doc, ok, err := f.routes.Documents().Load(t.Context(), "", id)
	require.NoError(t, err)
	return doc, ok
}

func TestRunner_AggregatesSlices(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, f.log.Append(ctx,
		events.StartStreamKey("r1", started{"north"}, moved{3}),
		events.StartStreamKey("r2", started{"south"}, moved{1}, moved{1}),
	))

	shard := f.routes.ShardNames()[0]
	runner := f.routes.Runner(shard)
	rng := daemon.RangeFor(shard, f.page(t, 0, 5), nil)

	groups, err := runner.GroupEvents(ctx, rng)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, 2, groups[0].Len())

	batch, err := runner.BuildBatch(ctx, rng, groups)
	require.NoError(t, err)
	require.NoError(t, runner.ExecuteBatch(ctx, batch))

	r1, ok := f.route(t, "r1")
	require.True(t, ok)
	require.Equal(t, route{ID: "r1", Name: "north", Distance: 3}, *r1)

	r2, ok := f.route(t, "r2")
	require.True(t, ok)
	require.Equal(t, 2, r2.Distance)

	seq, err := f.progress.LoadProgress(ctx, "routes:All")
	require.NoError(t, err)
	require.Equal(t, int64(5), seq)
}

func TestRunner_ContinuesAcrossRanges(t *testing.T) {
	for _, size := range []int{0, 10} {
		f := newFixture(t)
		f.routes.CacheSize(size)
		ctx := t.Context()
		exec, err := f.routes.BuildExecution(f.routes.ShardNames()[0])
		require.NoError(t, err)
		agent := newRecordingAgent(f.routes.ShardNames()[0])

		require.NoError(t, f.log.Append(ctx, events.StartStreamKey("r1", started{"north"}, moved{3})))
		require.NoError(t, exec.Enqueue(f.page(t, 0, 2), agent))
		require.Equal(t, int64(2), agent.await(t))

		require.NoError(t, f.log.Append(ctx, events.AppendStreamKey("r1", moved{4})))
		require.NoError(t, exec.Enqueue(f.page(t, 2, 3), agent))
		require.Equal(t, int64(3), agent.await(t))

		r1, ok := f.route(t, "r1")
		require.True(t, ok)
		require.Equal(t, 7, r1.Distance, "cache size %d", size)

		require.NoError(t, f.log.Append(ctx, events.AppendStreamKey("r1", ended{}, moved{100})))
		require.NoError(t, exec.Enqueue(f.page(t, 3, 5), agent))
		require.Equal(t, int64(5), agent.await(t))

		_, ok = f.route(t, "r1")
		require.False(t, ok, "ended deletes the route and later events are not applied")

		require.NoError(t, exec.StopAndDrain(ctx))
	}
}

func TestRunner_SkipsPoisonEvents(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, f.routes.Application().AddApply(func(*route, poison) error {
		return errors.New("cannot apply")
	}))

	require.NoError(t, f.log.Append(ctx, events.StartStreamKey("r1", started{"north"}, moved{3}, poison{}, moved{2})))

	shard := f.routes.ShardNames()[0]
	exec, err := f.routes.BuildExecution(shard)
	require.NoError(t, err)
	agent := newRecordingAgent(shard)

	require.NoError(t, exec.Enqueue(f.page(t, 0, 4), agent))
	require.Equal(t, int64(4), agent.await(t))

	require.Len(t, agent.skipped, 1)
	require.Equal(t, int64(3), agent.skipped[0].Sequence)

	r1, ok := f.route(t, "r1")
	require.True(t, ok)
	require.Equal(t, 5, r1.Distance)
}

func TestRunner_PoisonEventFailsRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, f.routes.Application().AddApply(func(*route, poison) error {
		return errors.New("cannot apply")
	}))
	require.NoError(t, f.log.Append(ctx, events.StartStreamKey("r1", started{"north"}, poison{})))

	shard := f.routes.ShardNames()[0]
	exec, err := f.routes.BuildExecution(shard)
	require.NoError(t, err)
	agent := newRecordingAgent(shard)
	agent.mode = daemon.Rebuild

	require.NoError(t, exec.Enqueue(f.page(t, 0, 2), agent))
	require.Equal(t, int64(-1), agent.await(t))

	var aerr *events.ApplyEventError
	require.ErrorAs(t, agent.failures[0], &aerr)
	require.Equal(t, int64(2), aerr.Event.Sequence)

	_, ok := f.route(t, "r1")
	require.False(t, ok)
	seq, err := f.progress.LoadProgress(ctx, "routes:All")
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestReplayExecutor(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, f.log.Append(ctx,
		events.StartStreamKey("r1", started{"north"}, moved{1}, moved{1}),
		events.StartStreamKey("r2", started{"south"}, moved{5}),
	))

	shard := f.routes.ShardNames()[0]
	exec, err := f.routes.BuildExecution(shard)
	require.NoError(t, err)
	replay, ok := exec.TryBuildReplayExecutor()
	require.True(t, ok)

	agent := newRecordingAgent(shard)
	require.NoError(t, replay.Replay(ctx, daemon.ReplayRequest{
		Shard:     shard,
		Loader:    f.log,
		Ceiling:   5,
		BatchSize: 2,
		Agent:     agent,
	}))

	var marks []int64
	for len(agent.done) > 0 {
		marks = append(marks, <-agent.done)
	}
	require.Equal(t, []int64{2, 4, 5}, marks)

	r1, _ := f.route(t, "r1")
	require.Equal(t, 2, r1.Distance)
	r2, _ := f.route(t, "r2")
	require.Equal(t, 5, r2.Distance)
}

func TestComposite_DownstreamSeesUpstreamDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	summaries := NewProjection("summary", func(g *slicing.SliceGroup[*summary, string], evs []*events.Event) error {
		slicing.AddEventsWith(g, func(events.Updated[*route]) string { return "all" }, evs)
		return nil
	}, storage.NewMemoryDocumentStore[*summary, string](), f.batches)
	require.NoError(t, summaries.Application().AddApply(func(ctx context.Context, s *summary, u events.Updated[*route], session *Session) (*summary, error) {
		current, ok, err := LoadUpstream[*route, string](ctx, session, u.Entity.ID)
		if err != nil {
			return nil, err
		}
		if !ok || current.Distance != u.Entity.Distance {
			return nil, errors.New("upstream document not visible")
		}
		if s.Routes == nil {
			s.Routes = map[string]int{}
		}
		s.Routes[u.Entity.ID] = u.Entity.Distance
		s.Seen++
		return s, nil
	}))

	composite := daemon.NewCompositeProjection("dashboard", f.batches).Stage(f.routes).Stage(summaries)
	shard := composite.ShardNames()[0]
	exec, err := composite.BuildExecution(shard)
	require.NoError(t, err)
	agent := newRecordingAgent(shard)

	require.NoError(t, f.log.Append(ctx,
		events.StartStreamKey("r1", started{"north"}, moved{3}),
		events.StartStreamKey("r2", started{"south"}, moved{4}),
	))
	require.NoError(t, exec.Enqueue(f.page(t, 0, 4), agent))
	require.Equal(t, int64(4), agent.await(t))
	require.Empty(t, agent.failures)

	doc, ok, err := summaries.Documents().Load(ctx, "", "all")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]int{"r1": 3, "r2": 4}, doc.Routes)

	all, err := f.progress.AllProgress(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"dashboard:All": 4, "routes:All": 4, "summary:All": 4}, all)
}

func TestProjection_Teardown(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, f.log.Append(ctx, events.StartStreamKey("r1", started{"north"})))

	shard := f.routes.ShardNames()[0]
	exec, err := f.routes.BuildExecution(shard)
	require.NoError(t, err)
	agent := newRecordingAgent(shard)
	require.NoError(t, exec.Enqueue(f.page(t, 0, 1), agent))
	agent.await(t)

	require.NoError(t, f.routes.Teardown(ctx, shard))
	_, ok := f.route(t, "r1")
	require.False(t, ok)
	seq, err := f.progress.LoadProgress(ctx, shard.Identity())
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestRunner_StoresZeroStateDocument(t *testing.T) {
	progress := storage.NewMemoryProgressStore()
	log := memstore.New("main", progress)
	docs := storage.NewMemoryDocumentStore[*counter, string]()
	counters := NewProjection("counters", slicing.ByStreamKey[*counter](), docs,
		storage.BatchFactory{Tx: &storage.MutexTransactor{}, Progress: progress})
	require.NoError(t, counters.Application().UseAggregateMethods())

	ctx := t.Context()
	require.NoError(t, log.Append(ctx, events.StartStreamKey("c1", inc{}, dec{})))

	shard := counters.ShardNames()[0]
	runner := counters.Runner(shard)
	page, err := log.LoadEvents(ctx, daemon.EventRequest{HighWater: 2, BatchSize: 10})
	require.NoError(t, err)
	rng := daemon.RangeFor(shard, page, nil)

	groups, err := runner.GroupEvents(ctx, rng)
	require.NoError(t, err)
	batch, err := runner.BuildBatch(ctx, rng, groups)
	require.NoError(t, err)
	require.NoError(t, runner.ExecuteBatch(ctx, batch))

	doc, ok, err := docs.Load(ctx, "", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, &counter{}, doc)
}
