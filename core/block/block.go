// Package block provides an ordered, single-concurrency work queue.
//
// Items posted to a [Queue] are handed to its handler one at a time, in
// posting order, on a dedicated goroutine. Posting never blocks. This is the
// execution discipline of a projection shard: ranges for one shard must be
// applied strictly in sequence order and never concurrently.
package block

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
)

// ErrCompleted is returned by Post once Complete was called.
var ErrCompleted = errors.New("queue is completed")

// Handler processes a single item. ctx is cancelled by Cancel.
type Handler[T any] func(ctx context.Context, item T)

// Option configures a Queue.
type Option func(*config)

type config struct {
	onPanic func(recovered any, stack []byte)
}

// WithPanicHandler is invoked when the handler panics; the queue keeps
// processing subsequent items.
func WithPanicHandler(fn func(recovered any, stack []byte)) Option {
	return func(c *config) { c.onPanic = fn }
}

// Queue runs posted items sequentially.
type Queue[T any] struct {
	mu        sync.Mutex
	items     []T
	completed bool

	notify  chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler[T]
	onPanic func(recovered any, stack []byte)
}

// New starts a queue whose handler context derives from ctx.
func New[T any](ctx context.Context, handler Handler[T], opts ...Option) *Queue[T] {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	q := &Queue[T]{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		handler: handler,
		onPanic: cfg.onPanic,
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	go q.run()
	return q
}

// Post enqueues item without blocking.
func (q *Queue[T]) Post(item T) error {
	q.mu.Lock()
	if q.completed {
		q.mu.Unlock()
		return ErrCompleted
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Complete stops accepting new items. Already queued items are still
// processed unless Cancel is called.
func (q *Queue[T]) Complete() {
	q.mu.Lock()
	q.completed = true
	q.mu.Unlock()
	q.wake()
}

// Cancel cancels the handler context and drops queued items. The item in
// flight, if any, observes the cancellation through its context.
func (q *Queue[T]) Cancel() { q.cancel() }

// Done is closed when the worker goroutine has exited.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

// Wait blocks until the worker exited or ctx is done.
func (q *Queue[T]) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of items waiting to be processed.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for {
		item, ok := q.next()
		if !ok {
			return
		}
		q.invoke(item)
	}
}

func (q *Queue[T]) next() (item T, ok bool) {
	for {
		q.mu.Lock()
		if q.ctx.Err() != nil {
			q.items = nil
			q.mu.Unlock()
			return item, false
		}
		if len(q.items) > 0 {
			var zero T
			item = q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		if q.completed {
			q.mu.Unlock()
			return item, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.ctx.Done():
		}
	}
}

func (q *Queue[T]) invoke(item T) {
	defer func() {
		if r := recover(); r != nil && q.onPanic != nil {
			q.onPanic(r, debug.Stack())
		}
	}()
	q.handler(q.ctx, item)
}
