package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
}

type entry[K comparable, V any] struct {
	key       K
	val       V
	expiresAt time.Time
}

func (e *entry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type getReq[K comparable, V any] struct {
	key  K
	resp chan getResp[V]
}

type getResp[V any] struct {
	val V
	ok  bool
}

type putReq[K comparable, V any] struct {
	key  K
	val  V
	opts PutOptions
}

// LRU is a size bounded cache owned by a single goroutine; all operations
// are messages to that goroutine.
type LRU[K comparable, V any] struct {
	getCh   chan getReq[K, V]
	putCh   chan putReq[K, V]
	delCh   chan K
	purgeCh chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (l *LRU[K, V]) Get(key K) (v V, ok bool) {
	resp := make(chan getResp[V], 1)
	select {
	case l.getCh <- getReq[K, V]{key: key, resp: resp}:
	case <-l.stop:
		return v, false
	}
	r := <-resp
	return r.val, r.ok
}

func (l *LRU[K, V]) Put(key K, val V, opts ...PutOption) {
	var o PutOptions
	for _, opt := range opts {
		opt(&o)
	}
	select {
	case l.putCh <- putReq[K, V]{key: key, val: val, opts: o}:
	case <-l.stop:
	}
}

func (l *LRU[K, V]) Delete(key K) {
	select {
	case l.delCh <- key:
	case <-l.stop:
	}
}

func (l *LRU[K, V]) Purge() {
	select {
	case l.purgeCh <- struct{}{}:
	case <-l.stop:
	}
}

// Close stops the owning goroutine. Later calls are no-ops and Get misses.
func (l *LRU[K, V]) Close() {
	l.once.Do(func() { close(l.stop) })
}

func NewLRU[K comparable, V any](opts LRUOpts) *LRU[K, V] {
	if opts.Size <= 0 {
		opts.Size = 128
	}

	l := &LRU[K, V]{
		getCh:   make(chan getReq[K, V]),
		putCh:   make(chan putReq[K, V]),
		delCh:   make(chan K),
		purgeCh: make(chan struct{}),
		stop:    make(chan struct{}),
	}

	go l.run(opts.Size)

	return l
}

func (l *LRU[K, V]) run(size int) {
	ll := list.New()
	items := make(map[K]*list.Element)

	remove := func(ele *list.Element) {
		ll.Remove(ele)
		delete(items, ele.Value.(*entry[K, V]).key)
	}

	for {
		select {
		case <-l.stop:
			return

		case req := <-l.getCh:
			ele, ok := items[req.key]
			if !ok {
				req.resp <- getResp[V]{}
				continue
			}
			e := ele.Value.(*entry[K, V])
			if e.expired(time.Now()) {
				remove(ele)
				req.resp <- getResp[V]{}
				continue
			}
			ll.MoveToFront(ele)
			req.resp <- getResp[V]{val: e.val, ok: true}

		case req := <-l.putCh:
			var expiresAt time.Time
			if req.opts.TTL > 0 {
				expiresAt = time.Now().Add(req.opts.TTL)
			}
			if ele, ok := items[req.key]; ok {
				ll.MoveToFront(ele)
				e := ele.Value.(*entry[K, V])
				e.val = req.val
				e.expiresAt = expiresAt
				continue
			}
			items[req.key] = ll.PushFront(&entry[K, V]{key: req.key, val: req.val, expiresAt: expiresAt})
			if ll.Len() > size {
				if last := ll.Back(); last != nil {
					remove(last)
				}
			}

		case key := <-l.delCh:
			if ele, ok := items[key]; ok {
				remove(ele)
			}

		case <-l.purgeCh:
			ll.Init()
			items = make(map[K]*list.Element)
		}
	}
}

var _ Cache[string, any] = (*LRU[string, any])(nil)
