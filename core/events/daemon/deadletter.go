package daemon

import (
	"context"
	"sync"
)

// MemoryDeadLetterStore keeps dead letters in memory.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters []DeadLetter
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

func (s *MemoryDeadLetterStore) Record(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

// List returns the dead letters of shard, or all of them when shard is
// empty.
func (s *MemoryDeadLetterStore) List(_ context.Context, shard string) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DeadLetter
	for _, dl := range s.letters {
		if shard == "" || dl.Shard == shard {
			out = append(out, dl)
		}
	}
	return out, nil
}

var _ DeadLetterStore = (*MemoryDeadLetterStore)(nil)
