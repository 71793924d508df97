package block

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueue_Sequential(t *testing.T) {
	var (
		mu      sync.Mutex
		seen    []int
		running atomic.Int32
		maxSeen atomic.Int32
	)

	q := New(t.Context(), func(ctx context.Context, i int) {
		cur := running.Add(1)
		if cur > maxSeen.Load() {
			maxSeen.Store(cur)
		}
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, i)
		mu.Unlock()
		running.Add(-1)
	})

	for i := range 20 {
		require.NoError(t, q.Post(i))
	}
	q.Complete()
	require.NoError(t, q.Wait(t.Context()))

	require.Len(t, seen, 20)
	for i, v := range seen {
		require.Equal(t, i, v)
	}
	require.Equal(t, int32(1), maxSeen.Load())
}

func TestQueue_PostAfterComplete(t *testing.T) {
	q := New(t.Context(), func(context.Context, int) {})
	q.Complete()
	require.ErrorIs(t, q.Post(1), ErrCompleted)
	require.NoError(t, q.Wait(t.Context()))
}

func TestQueue_CancelDropsPending(t *testing.T) {
	release := make(chan struct{})
	var handled atomic.Int32

	q := New(t.Context(), func(ctx context.Context, i int) {
		if i == 0 {
			<-release
		}
		if ctx.Err() == nil {
			handled.Add(1)
		}
	})

	require.NoError(t, q.Post(0))
	require.NoError(t, q.Post(1))
	require.NoError(t, q.Post(2))

	q.Complete()
	q.Cancel()
	close(release)

	require.NoError(t, q.Wait(t.Context()))
	require.Equal(t, int32(0), handled.Load())
}

func TestQueue_PanicDoesNotStopQueue(t *testing.T) {
	var recovered atomic.Int32
	var handled atomic.Int32

	q := New(t.Context(), func(_ context.Context, i int) {
		if i == 1 {
			panic("boom")
		}
		handled.Add(1)
	}, WithPanicHandler(func(any, []byte) { recovered.Add(1) }))

	for i := range 3 {
		require.NoError(t, q.Post(i))
	}
	q.Complete()
	require.NoError(t, q.Wait(t.Context()))

	require.Equal(t, int32(1), recovered.Load())
	require.Equal(t, int32(2), handled.Load())
}

func TestQueue_WaitHonorsContext(t *testing.T) {
	q := New(t.Context(), func(context.Context, int) {})
	defer q.Cancel()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)
}
