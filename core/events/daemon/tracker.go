package daemon

import (
	"context"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/JasperFx/jasperfx-sub002/core/block"
)

// Observer receives shard states.
type Observer interface {
	OnNext(state ShardState)
	OnError(err error)
	OnCompleted()
}

// ObserverFunc adapts a function to Observer. OnError and OnCompleted are
// ignored.
type ObserverFunc func(state ShardState)

func (f ObserverFunc) OnNext(state ShardState) { f(state) }
func (ObserverFunc) OnError(error)             {}
func (ObserverFunc) OnCompleted()              {}

// ShardStateTracker broadcasts shard states to observers. States are
// delivered one at a time, in publish order, to every observer.
type ShardStateTracker struct {
	log   *slog.Logger
	queue *block.Queue[ShardState]

	mu        sync.RWMutex
	observers map[string]Observer
	order     []string
	states    map[string]ShardState
	highWater int64
}

func NewShardStateTracker(log *slog.Logger) *ShardStateTracker {
	if log == nil {
		log = slog.Default()
	}
	t := &ShardStateTracker{
		log:       log.With(slog.String("component", "shard_state_tracker")),
		observers: map[string]Observer{},
		states:    map[string]ShardState{},
	}
	t.queue = block.New(context.Background(), t.publish, block.WithPanicHandler(func(r any, _ []byte) {
		t.log.Error("observer panicked", slog.Any("panic", r))
	}))
	return t
}

// Subscribe registers o and returns a function removing it.
func (t *ShardStateTracker) Subscribe(o Observer) (unsubscribe func()) {
	id := gonanoid.Must()

	t.mu.Lock()
	t.observers[id] = o
	t.order = append(t.order, id)
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.observers, id)
		for i, x := range t.order {
			if x == id {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
}

// Publish enqueues state for delivery.
func (t *ShardStateTracker) Publish(state ShardState) error {
	if err := t.queue.Post(state); err != nil {
		return ErrQueueCompleted
	}
	return nil
}

// MarkHighWater publishes a new high-water mark.
func (t *ShardStateTracker) MarkHighWater(sequence int64) error {
	return t.Publish(NewShardState(HighWaterMark, sequence))
}

// MarkSkipping publishes that the high-water agent skipped a stale gap
// between previousGoodMark and sequence.
func (t *ShardStateTracker) MarkSkipping(previousGoodMark, sequence int64) error {
	state := NewShardState(HighWaterMark, sequence)
	state.Action = ActionSkipped
	state.PreviousGoodMark = previousGoodMark
	return t.Publish(state)
}

// HighWaterMark returns the last delivered high-water mark.
func (t *ShardStateTracker) HighWaterMark() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.highWater
}

// StateFor returns the last delivered state of a shard.
func (t *ShardStateTracker) StateFor(shardName string) (ShardState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[shardName]
	return s, ok
}

// WaitForShardState blocks until shardName reports a sequence of at least
// sequence, or ctx is done.
func (t *ShardStateTracker) WaitForShardState(ctx context.Context, shardName string, sequence int64) error {
	reached := func(s ShardState) bool {
		return s.ShardName == shardName && s.Sequence >= sequence && s.Action != ActionSkipped
	}

	done := make(chan struct{})
	var once sync.Once
	unsubscribe := t.Subscribe(ObserverFunc(func(s ShardState) {
		if reached(s) {
			once.Do(func() { close(done) })
		}
	}))
	defer unsubscribe()

	if s, ok := t.StateFor(shardName); ok && reached(s) {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete stops accepting states, delivers the queued ones and notifies
// observers with OnCompleted.
func (t *ShardStateTracker) Complete(ctx context.Context) error {
	t.queue.Complete()
	if err := t.queue.Wait(ctx); err != nil {
		return err
	}
	for _, o := range t.snapshot() {
		o.OnCompleted()
	}
	return nil
}

func (t *ShardStateTracker) publish(_ context.Context, state ShardState) {
	t.mu.Lock()
	if state.Action != ActionSkipped {
		t.states[state.ShardName] = state
		if state.ShardName == HighWaterMark {
			t.highWater = state.Sequence
		}
	}
	t.mu.Unlock()

	for _, o := range t.snapshot() {
		t.deliver(o, state)
	}
}

func (t *ShardStateTracker) deliver(o Observer, state ShardState) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("observer panicked", slog.Any("panic", r), slog.String("state", state.String()))
		}
	}()
	o.OnNext(state)
}

func (t *ShardStateTracker) snapshot() []Observer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Observer, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.observers[id])
	}
	return out
}
