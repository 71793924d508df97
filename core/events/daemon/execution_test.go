package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

func pageOf(floor int64, n int) *EventPage {
	evs := eventsFrom(floor, n)
	return &EventPage{Floor: floor, Ceiling: floor + int64(n), Events: evs}
}

func TestGroupedExecution_ProcessesRangesSequentially(t *testing.T) {
	var inflight, maxInflight atomic.Int32
	runner := &fakeRunner{
		shard:   NewShardName("trips"),
		batches: &fakeFactory{},
		apply: func(context.Context, *EventRange) error {
			n := inflight.Add(1)
			defer inflight.Add(-1)
			if n > maxInflight.Load() {
				maxInflight.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			return nil
		},
	}
	exec := NewGroupedProjectionExecution(runner)
	agent := newProbeAgent(runner.shard, Continuous)

	for i := range 5 {
		require.NoError(t, exec.Enqueue(pageOf(int64(i*2), 2), agent))
	}
	agent.await(t, 5)

	successes, failures := agent.outcomes()
	require.Empty(t, failures)
	require.Equal(t, []int64{2, 4, 6, 8, 10}, successes)
	require.Equal(t, int32(1), maxInflight.Load())
	require.Equal(t, [][]int64{{1, 2}, {3, 4}, {5, 6}, {7, 8}, {9, 10}}, runner.ranges())

	for _, b := range runner.batches.all() {
		require.Equal(t, 1, b.executed)
		require.True(t, b.closed)
	}
	require.NoError(t, exec.StopAndDrain(t.Context()))
}

func TestGroupedExecution_FailureIsReportedAndQueueContinues(t *testing.T) {
	boom := errors.New("storage unavailable")
	m := &countingMetrics{}
	runner := &fakeRunner{
		shard:   NewShardName("trips"),
		batches: &fakeFactory{},
		apply: func(_ context.Context, r *EventRange) error {
			if r.Floor == 2 {
				return boom
			}
			return nil
		},
	}
	exec := NewGroupedProjectionExecution(runner, WithMetrics(m))
	agent := newProbeAgent(runner.shard, Continuous)

	require.NoError(t, exec.Enqueue(pageOf(0, 2), agent))
	require.NoError(t, exec.Enqueue(pageOf(2, 2), agent))
	require.NoError(t, exec.Enqueue(pageOf(4, 2), agent))
	agent.await(t, 3)

	successes, failures := agent.outcomes()
	require.Equal(t, []int64{2, 6}, successes)
	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[0], boom)

	require.Eventually(t, func() bool {
		durations, processed, failed, _ := m.snapshot()
		return durations == 3 && processed == 6 && failed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestGroupedExecution_CancellationIsNotAFailure(t *testing.T) {
	entered := make(chan struct{})
	runner := &fakeRunner{
		shard:   NewShardName("trips"),
		batches: &fakeFactory{},
		apply: func(ctx context.Context, _ *EventRange) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	exec := NewGroupedProjectionExecution(runner)
	agent := newProbeAgent(runner.shard, Continuous)

	require.NoError(t, exec.Enqueue(pageOf(0, 2), agent))
	<-entered
	require.NoError(t, exec.HardStop(t.Context()))

	require.ErrorIs(t, exec.Enqueue(pageOf(2, 2), agent), ErrQueueCompleted)

	time.Sleep(20 * time.Millisecond)
	successes, failures := agent.outcomes()
	require.Empty(t, successes)
	require.Empty(t, failures)
}

func TestGroupedExecution_StopAndDrainFinishesQueuedRanges(t *testing.T) {
	runner := &fakeRunner{
		shard:   NewShardName("trips"),
		batches: &fakeFactory{},
		apply: func(context.Context, *EventRange) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		},
	}
	exec := NewGroupedProjectionExecution(runner)
	agent := newProbeAgent(runner.shard, Continuous)

	require.NoError(t, exec.Enqueue(pageOf(0, 1), agent))
	require.NoError(t, exec.Enqueue(pageOf(1, 1), agent))
	require.NoError(t, exec.StopAndDrain(t.Context()))

	successes, _ := agent.outcomes()
	require.Equal(t, []int64{1, 2}, successes)
	require.ErrorIs(t, exec.Enqueue(pageOf(2, 1), agent), ErrQueueCompleted)
}

func poisonAt(seq int64) func(context.Context, *EventRange) error {
	return func(_ context.Context, r *EventRange) error {
		for _, e := range r.Events {
			if e.Sequence == seq {
				return &events.ApplyEventError{Event: e, Err: errors.New("cannot apply")}
			}
		}
		return nil
	}
}

func TestGroupedExecution_SkipsApplyErrorsWhenConfigured(t *testing.T) {
	m := &countingMetrics{}
	runner := &fakeRunner{shard: NewShardName("trips"), batches: &fakeFactory{}, apply: poisonAt(2)}
	exec := NewGroupedProjectionExecution(runner, WithMetrics(m))
	agent := newProbeAgent(runner.shard, Continuous)

	require.NoError(t, exec.Enqueue(pageOf(0, 3), agent))
	agent.await(t, 1)

	successes, failures := agent.outcomes()
	require.Empty(t, failures)
	require.Equal(t, []int64{3}, successes)
	require.Equal(t, []int64{2}, agent.skipped)
	require.Equal(t, [][]int64{{1, 3}}, runner.ranges())

	_, _, _, skipped := m.snapshot()
	require.Equal(t, 1, skipped)
}

func TestGroupedExecution_ApplyErrorsFailRebuild(t *testing.T) {
	runner := &fakeRunner{shard: NewShardName("trips"), batches: &fakeFactory{}, apply: poisonAt(2)}
	exec := NewGroupedProjectionExecution(runner)
	agent := newProbeAgent(runner.shard, Rebuild)

	require.NoError(t, exec.Enqueue(pageOf(0, 3), agent))
	agent.await(t, 1)

	_, failures := agent.outcomes()
	require.Len(t, failures, 1)
	var aerr *events.ApplyEventError
	require.ErrorAs(t, failures[0], &aerr)
	require.Empty(t, agent.skipped)
}

func TestGroupedExecution_ErrorHandlingOverride(t *testing.T) {
	runner := &fakeRunner{shard: NewShardName("trips"), batches: &fakeFactory{}, apply: poisonAt(1)}
	exec := NewGroupedProjectionExecution(runner, WithErrorHandling(Continuous, ErrorHandlingOptions{}))
	agent := newProbeAgent(runner.shard, Continuous)

	require.NoError(t, exec.Enqueue(pageOf(0, 1), agent))
	agent.await(t, 1)

	_, failures := agent.outcomes()
	require.Len(t, failures, 1)
}

func TestSubscriptionRunner(t *testing.T) {
	batches := &fakeFactory{}
	var seen [][]int64
	sub := SubscriptionFunc(func(_ context.Context, r *EventRange, _ ProjectionBatch) error {
		seen = append(seen, seqs(r.Events))
		return nil
	})
	shard := NewShardName("publisher")
	exec := NewSubscriptionRunner(shard, sub, batches)
	agent := newProbeAgent(shard, Continuous)

	require.NoError(t, exec.Enqueue(pageOf(0, 2), agent))
	require.NoError(t, exec.Enqueue(pageOf(2, 1), agent))
	require.NoError(t, exec.StopAndDrain(t.Context()))

	require.Equal(t, [][]int64{{1, 2}, {3}}, seen)
	all := batches.all()
	require.Len(t, all, 2)
	require.Equal(t, int64(3), all[1].progress["publisher:All"])
	require.Equal(t, 1, all[1].executed)
}
