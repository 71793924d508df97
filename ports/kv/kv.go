// Package kv is a small key/value port. The daemon keeps shard progress and
// its last high-water mark in it when the event log has no tables of its own.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

type Entry struct {
	Data []byte
}

type PutOptions struct {
	// TTL expires the entry. Stores that cannot expire single keys reject it.
	TTL time.Duration
}

// Store is implemented by MemStore and the JetStream bucket in adapters/nats.
type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) (Entry, error)
	// Delete succeeds for missing keys.
	Delete(ctx context.Context, key string) error
	// Keys lists all keys starting with prefix, in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// PutJSON stores v encoded as JSON.
func PutJSON[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func GetJSON[T any](ctx context.Context, store Store, key string) (T, error) {
	var out T
	entry, err := store.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(entry.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}
