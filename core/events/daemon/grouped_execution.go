package daemon

import (
	"context"
	"log/slog"
)

// GroupedProjectionRunner groups a range's events and writes the result
// into a batch.
type GroupedProjectionRunner[TBatch ProjectionBatch, TGroup any] interface {
	ShardName() ShardName
	EnsureStorageExists(ctx context.Context) error
	GroupEvents(ctx context.Context, r *EventRange) (TGroup, error)
	// BuildBatch applies the groups and records the range's progress. For
	// composite ranges it writes into r.ActiveBatch. On error the runner
	// releases any batch it started.
	BuildBatch(ctx context.Context, r *EventRange, group TGroup) (TBatch, error)
	// ExecuteBatch commits batch.
	ExecuteBatch(ctx context.Context, batch TBatch) error
	TryBuildReplayExecutor() (ReplayExecutor, bool)
}

// CompositeLeaf is an execution that can run as part of a composite stage.
type CompositeLeaf interface {
	Upstream
	ShardName() ShardName
	EnsureStorageExists(ctx context.Context) error
	// ProcessLeaf writes the range into r.ActiveBatch without committing.
	ProcessLeaf(ctx context.Context, r *EventRange) error
}

// GroupedProjectionExecution runs a GroupedProjectionRunner for one shard.
type GroupedProjectionExecution[TBatch ProjectionBatch, TGroup any] struct {
	*executionCore
	runner GroupedProjectionRunner[TBatch, TGroup]
}

func NewGroupedProjectionExecution[TBatch ProjectionBatch, TGroup any](runner GroupedProjectionRunner[TBatch, TGroup], opts ...ExecutionOption) *GroupedProjectionExecution[TBatch, TGroup] {
	e := &GroupedProjectionExecution[TBatch, TGroup]{runner: runner}
	e.executionCore = newExecutionCore(runner.ShardName(), e.processRange, opts)
	return e
}

func (e *GroupedProjectionExecution[TBatch, TGroup]) ShardName() ShardName { return e.runner.ShardName() }

// Source returns the runner, for downstream composite stages.
func (e *GroupedProjectionExecution[TBatch, TGroup]) Source() any { return e.runner }

func (e *GroupedProjectionExecution[TBatch, TGroup]) EnsureStorageExists(ctx context.Context) error {
	return e.runner.EnsureStorageExists(ctx)
}

func (e *GroupedProjectionExecution[TBatch, TGroup]) TryBuildReplayExecutor() (ReplayExecutor, bool) {
	return e.runner.TryBuildReplayExecutor()
}

func (e *GroupedProjectionExecution[TBatch, TGroup]) ProcessLeaf(ctx context.Context, r *EventRange) error {
	r.BatchBehavior = BatchComposite
	return e.processWithSkips(ctx, r)
}

func (e *GroupedProjectionExecution[TBatch, TGroup]) processRange(ctx context.Context, r *EventRange) error {
	group, err := e.runner.GroupEvents(ctx, r)
	if err != nil {
		return err
	}

	batch, err := e.runner.BuildBatch(ctx, r, group)
	if err != nil {
		return err
	}
	if r.BatchBehavior == BatchComposite {
		return nil
	}

	defer func() {
		if err := batch.Close(ctx); err != nil {
			e.log.Warn("failed to close batch", slog.Any("error", err))
		}
	}()
	return e.runner.ExecuteBatch(ctx, batch)
}

var _ SubscriptionExecution = (*GroupedProjectionExecution[ProjectionBatch, any])(nil)
var _ CompositeLeaf = (*GroupedProjectionExecution[ProjectionBatch, any])(nil)
