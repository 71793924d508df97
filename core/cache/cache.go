package cache

import "time"

type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) {
		o.TTL = ttl
	}
}

// Cache is a keyed cache of V. Aggregation runners use it to keep recently
// committed snapshots between ranges.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, val V, opts ...PutOption)
	Delete(key K)
	// Purge drops every entry.
	Purge()
}
