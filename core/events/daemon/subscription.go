package daemon

import (
	"context"
	"log/slog"
)

// Subscription receives ranges of events, e.g. to publish them elsewhere.
// When ProcessEvents fails with an apply error the range may be retried
// without the failing event. Inside a composite, whatever was staged into
// the batch by the failed call is discarded before the retry.
type Subscription interface {
	ProcessEvents(ctx context.Context, r *EventRange, batch ProjectionBatch) error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func(ctx context.Context, r *EventRange, batch ProjectionBatch) error

func (f SubscriptionFunc) ProcessEvents(ctx context.Context, r *EventRange, batch ProjectionBatch) error {
	return f(ctx, r, batch)
}

// SubscriptionRunner runs a Subscription for one shard. Progress is stored
// in a batch from the factory so it commits together with whatever the
// subscription staged.
type SubscriptionRunner struct {
	*executionCore
	subscription Subscription
	batches      BatchFactory
}

func NewSubscriptionRunner(shard ShardName, subscription Subscription, batches BatchFactory, opts ...ExecutionOption) *SubscriptionRunner {
	s := &SubscriptionRunner{subscription: subscription, batches: batches}
	s.executionCore = newExecutionCore(shard, s.processRange, opts)
	return s
}

func (s *SubscriptionRunner) ShardName() ShardName                           { return s.shard }
func (s *SubscriptionRunner) Source() any                                    { return s.subscription }
func (s *SubscriptionRunner) EnsureStorageExists(context.Context) error      { return nil }
func (s *SubscriptionRunner) TryBuildReplayExecutor() (ReplayExecutor, bool) { return nil, false }

func (s *SubscriptionRunner) ProcessLeaf(ctx context.Context, r *EventRange) error {
	r.BatchBehavior = BatchComposite
	return s.processWithSkips(ctx, r)
}

func (s *SubscriptionRunner) processRange(ctx context.Context, r *EventRange) error {
	if r.BatchBehavior == BatchComposite {
		batch := r.ActiveBatch
		scoped, ok := batch.(ScopedBatch)
		if ok {
			batch = scoped.Scope()
		}
		if err := s.subscription.ProcessEvents(ctx, r, batch); err != nil {
			return err
		}
		if err := batch.RecordProgress(ctx, r); err != nil {
			return err
		}
		if ok {
			return scoped.Merge(batch)
		}
		return nil
	}

	batch, err := s.batches.StartBatch(ctx, r)
	if err != nil {
		return err
	}
	defer func() {
		if err := batch.Close(ctx); err != nil {
			s.log.Warn("failed to close batch", slog.Any("error", err))
		}
	}()

	if err := s.subscription.ProcessEvents(ctx, r, batch); err != nil {
		return err
	}
	if err := batch.RecordProgress(ctx, r); err != nil {
		return err
	}
	return batch.Execute(ctx)
}

var _ SubscriptionExecution = (*SubscriptionRunner)(nil)
var _ CompositeLeaf = (*SubscriptionRunner)(nil)

// SubscriptionSource registers a Subscription with the daemon as a single
// shard.
type SubscriptionSource struct {
	name         string
	version      uint
	options      *AsyncOptions
	subscription Subscription
	batches      BatchFactory
}

func NewSubscriptionSource(name string, subscription Subscription, batches BatchFactory) *SubscriptionSource {
	return &SubscriptionSource{
		name:         name,
		version:      1,
		options:      NewAsyncOptions(),
		subscription: subscription,
		batches:      batches,
	}
}

func (s *SubscriptionSource) Version(v uint) *SubscriptionSource {
	s.version = v
	return s
}

func (s *SubscriptionSource) Name() string           { return s.name }
func (s *SubscriptionSource) Options() *AsyncOptions { return s.options }

func (s *SubscriptionSource) ShardNames() []ShardName {
	return []ShardName{{Name: s.name, ShardKey: AllShards, Version: s.version}}
}

func (s *SubscriptionSource) BuildExecution(shard ShardName, opts ...ExecutionOption) (SubscriptionExecution, error) {
	return NewSubscriptionRunner(shard, s.subscription, s.batches, opts...), nil
}

func (s *SubscriptionSource) BuildLeaf(shard ShardName, opts ...ExecutionOption) (CompositeLeaf, error) {
	return NewSubscriptionRunner(shard, s.subscription, s.batches, opts...), nil
}

// Teardown delegates to the subscription when it can reset itself.
func (s *SubscriptionSource) Teardown(ctx context.Context, shard ShardName) error {
	if t, ok := s.subscription.(interface {
		Teardown(ctx context.Context, shard ShardName) error
	}); ok {
		return t.Teardown(ctx, shard)
	}
	return nil
}

var (
	_ ProjectionSource = (*SubscriptionSource)(nil)
	_ LeafSource       = (*SubscriptionSource)(nil)
)
