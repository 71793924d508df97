package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

// ExecutionStage is a set of leaves run in parallel against the same range.
type ExecutionStage struct {
	Leaves []CompositeLeaf
}

// ExecuteDownstream runs every leaf on its own clone of r, then registers
// the leaves as upstream of r and puts the documents they wrote, as
// pseudo-events, in front of r's events for the next stage.
func (s *ExecutionStage) ExecuteDownstream(ctx context.Context, r *EventRange) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, leaf := range s.Leaves {
		g.Go(func() error {
			leafRange := r.CloneForExecutionLeaf(leaf.ShardName())
			if err := leaf.ProcessLeaf(gctx, leafRange); err != nil {
				return fmt.Errorf("%s: %w", leaf.ShardIdentity(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	source, _ := r.ActiveBatch.(PseudoEventSource)
	var produced []*events.Event
	for _, leaf := range s.Leaves {
		r.AddUpstream(leaf)
		if source != nil {
			produced = append(produced, source.PseudoEventsFor(leaf.ShardIdentity())...)
		}
	}
	if len(produced) > 0 {
		r.PrependEvents(produced)
	}
	return nil
}

// CompositeExecution runs ordered stages inside one shared batch. Either the
// whole composite range commits or none of it does.
type CompositeExecution struct {
	*executionCore
	stages  []*ExecutionStage
	batches BatchFactory
}

func NewCompositeExecution(shard ShardName, batches BatchFactory, stages []*ExecutionStage, opts ...ExecutionOption) *CompositeExecution {
	c := &CompositeExecution{stages: stages, batches: batches}
	c.executionCore = newExecutionCore(shard, c.processRange, opts)
	return c
}

func (c *CompositeExecution) Stages() []*ExecutionStage { return c.stages }

func (c *CompositeExecution) EnsureStorageExists(ctx context.Context) error {
	var errs []error
	for _, stage := range c.stages {
		for _, leaf := range stage.Leaves {
			errs = append(errs, leaf.EnsureStorageExists(ctx))
		}
	}
	return errors.Join(errs...)
}

// StopAndDrain drains the composite queue, then stops the leaves.
func (c *CompositeExecution) StopAndDrain(ctx context.Context) error {
	err := c.executionCore.StopAndDrain(ctx)
	c.stopLeaves(ctx)
	return err
}

func (c *CompositeExecution) HardStop(ctx context.Context) error {
	err := c.executionCore.HardStop(ctx)
	c.stopLeaves(ctx)
	return err
}

// leaves are driven through ProcessLeaf; their own queues are never used.
func (c *CompositeExecution) stopLeaves(ctx context.Context) {
	for _, stage := range c.stages {
		for _, leaf := range stage.Leaves {
			if s, ok := leaf.(interface{ HardStop(context.Context) error }); ok {
				_ = s.HardStop(ctx)
			}
		}
	}
}

func (c *CompositeExecution) TryBuildReplayExecutor() (ReplayExecutor, bool) { return nil, false }

func (c *CompositeExecution) processRange(ctx context.Context, r *EventRange) error {
	batch, err := c.batches.StartBatch(ctx, r)
	if err != nil {
		return err
	}
	defer func() {
		if err := batch.Close(ctx); err != nil {
			c.log.Warn("failed to close composite batch", slog.Any("error", err))
		}
	}()

	r.ActiveBatch = batch
	r.BatchBehavior = BatchComposite

	for i, stage := range c.stages {
		if err := stage.ExecuteDownstream(ctx, r); err != nil {
			return fmt.Errorf("stage %d: %w", i+1, err)
		}
	}

	if err := batch.RecordProgress(ctx, r); err != nil {
		return err
	}
	return batch.Execute(ctx)
}

var _ SubscriptionExecution = (*CompositeExecution)(nil)

// LeafSource is a projection that can run as a composite leaf.
type LeafSource interface {
	ProjectionSource
	BuildLeaf(shard ShardName, opts ...ExecutionOption) (CompositeLeaf, error)
}

// CompositeProjection chains stages of projections. Later stages see the
// documents written by earlier stages as Updated and ProjectionDeleted
// events.
type CompositeProjection struct {
	name    string
	version uint
	options *AsyncOptions
	batches BatchFactory
	stages  [][]LeafSource
}

func NewCompositeProjection(name string, batches BatchFactory) *CompositeProjection {
	return &CompositeProjection{name: name, version: 1, options: NewAsyncOptions(), batches: batches}
}

// Stage appends a stage made of sources.
func (c *CompositeProjection) Stage(sources ...LeafSource) *CompositeProjection {
	c.stages = append(c.stages, sources)
	return c
}

func (c *CompositeProjection) Version(v uint) *CompositeProjection {
	c.version = v
	return c
}

func (c *CompositeProjection) Name() string           { return c.name }
func (c *CompositeProjection) Options() *AsyncOptions { return c.options }

func (c *CompositeProjection) ShardNames() []ShardName {
	return []ShardName{{Name: c.name, ShardKey: AllShards, Version: c.version}}
}

func (c *CompositeProjection) BuildExecution(shard ShardName, opts ...ExecutionOption) (SubscriptionExecution, error) {
	stages := make([]*ExecutionStage, 0, len(c.stages))
	for _, sources := range c.stages {
		stage := &ExecutionStage{}
		for _, src := range sources {
			for _, leafShard := range src.ShardNames() {
				leaf, err := src.BuildLeaf(leafShard, opts...)
				if err != nil {
					return nil, fmt.Errorf("composite %s: %w", c.name, err)
				}
				stage.Leaves = append(stage.Leaves, leaf)
			}
		}
		stages = append(stages, stage)
	}
	return NewCompositeExecution(shard, c.batches, stages, opts...), nil
}

func (c *CompositeProjection) Teardown(ctx context.Context, _ ShardName) error {
	var errs []error
	for _, sources := range c.stages {
		for _, src := range sources {
			for _, shard := range src.ShardNames() {
				errs = append(errs, src.Teardown(ctx, shard))
			}
		}
	}
	return errors.Join(errs...)
}

var _ ProjectionSource = (*CompositeProjection)(nil)
