package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRU_Basic(t *testing.T) {
	l := NewLRU[string, int](LRUOpts{Size: 2})
	defer l.Close()

	l.Put("a", 1)
	l.Put("b", 2)

	val, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, val)

	l.Put("c", 3) // evicts "b"

	_, ok = l.Get("b")
	require.False(t, ok)

	val, ok = l.Get("c")
	require.True(t, ok)
	require.Equal(t, 3, val)
}

func TestLRU_Promotion(t *testing.T) {
	l := NewLRU[string, int](LRUOpts{Size: 2})
	defer l.Close()

	l.Put("a", 1)
	l.Put("b", 2)
	l.Get("a")
	l.Put("c", 3)

	_, ok := l.Get("b")
	require.False(t, ok)
	_, ok = l.Get("a")
	require.True(t, ok)
}

func TestLRU_DeleteAndPurge(t *testing.T) {
	l := NewLRU[int, string](LRUOpts{Size: 4})
	defer l.Close()

	l.Put(1, "one")
	l.Put(2, "two")
	l.Delete(1)

	_, ok := l.Get(1)
	require.False(t, ok)

	l.Purge()
	_, ok = l.Get(2)
	require.False(t, ok)

	l.Delete(99)
}

func TestLRU_TTL(t *testing.T) {
	l := NewLRU[string, int](LRUOpts{Size: 2})
	defer l.Close()

	l.Put("a", 1, WithTTL(50*time.Millisecond))
	l.Put("b", 2)

	_, ok := l.Get("a")
	require.True(t, ok)

	time.Sleep(70 * time.Millisecond)

	_, ok = l.Get("a")
	require.False(t, ok)
	_, ok = l.Get("b")
	require.True(t, ok)
}

func TestLRU_Concurrent(t *testing.T) {
	l := NewLRU[string, int](LRUOpts{Size: 100})
	defer l.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 500 {
				l.Put("key", j)
				l.Get("key")
			}
		}()
	}
	wg.Wait()
}

func TestLRU_Close(t *testing.T) {
	l := NewLRU[string, int](LRUOpts{Size: 2})
	l.Put("a", 1)
	l.Close()

	_, ok := l.Get("a")
	require.False(t, ok)

	l.Put("b", 2)
	l.Delete("a")
	l.Close()
}
