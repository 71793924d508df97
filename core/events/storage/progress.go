package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/JasperFx/jasperfx-sub002/ports/kv"
)

// ProgressStore persists the committed ceiling of each shard.
type ProgressStore interface {
	// LoadProgress returns 0 for unknown shards.
	LoadProgress(ctx context.Context, shard string) (int64, error)
	SaveProgress(ctx context.Context, shard string, sequence int64) error
	DeleteProgress(ctx context.Context, shard string) error
	AllProgress(ctx context.Context) (map[string]int64, error)
}

// Progress is the persisted record of a shard.
type Progress struct {
	Shard       string    `json:"shard"`
	Sequence    int64     `json:"sequence"`
	LastUpdated time.Time `json:"last_updated"`
}

const progressPrefix = "progress."

// KVProgressStore keeps progress in a kv.Store.
type KVProgressStore struct {
	store kv.Store
}

func NewKVProgressStore(store kv.Store) *KVProgressStore {
	return &KVProgressStore{store: store}
}

// progressKey maps a shard identity to a key safe for restrictive stores.
func progressKey(shard string) string {
	return progressPrefix + strings.NewReplacer(":", ".", " ", "_").Replace(shard)
}

func (s *KVProgressStore) LoadProgress(ctx context.Context, shard string) (int64, error) {
	p, err := kv.GetJSON[Progress](ctx, s.store, progressKey(shard))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.Sequence, nil
}

func (s *KVProgressStore) SaveProgress(ctx context.Context, shard string, sequence int64) error {
	return kv.PutJSON(ctx, s.store, progressKey(shard), Progress{
		Shard:       shard,
		Sequence:    sequence,
		LastUpdated: time.Now().UTC(),
	}, kv.PutOptions{})
}

func (s *KVProgressStore) DeleteProgress(ctx context.Context, shard string) error {
	return s.store.Delete(ctx, progressKey(shard))
}

func (s *KVProgressStore) AllProgress(ctx context.Context) (map[string]int64, error) {
	keys, err := s.store.Keys(ctx, progressPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(keys))
	for _, key := range keys {
		p, err := kv.GetJSON[Progress](ctx, s.store, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[p.Shard] = p.Sequence
	}
	return out, nil
}

// MemoryProgressStore keeps progress in a map.
type MemoryProgressStore struct {
	mu    sync.RWMutex
	marks map[string]int64
}

func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{marks: map[string]int64{}}
}

func (s *MemoryProgressStore) LoadProgress(_ context.Context, shard string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marks[shard], nil
}

func (s *MemoryProgressStore) SaveProgress(_ context.Context, shard string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[shard] = sequence
	return nil
}

func (s *MemoryProgressStore) DeleteProgress(_ context.Context, shard string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, shard)
	return nil
}

func (s *MemoryProgressStore) AllProgress(context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.marks))
	for k, v := range s.marks {
		out[k] = v
	}
	return out, nil
}

var (
	_ ProgressStore = (*KVProgressStore)(nil)
	_ ProgressStore = (*MemoryProgressStore)(nil)
)
