// Package memstore is an in-memory event log implementing the read ports of
// the projection daemon. It allocates sequences the way a server does, so
// tests can reproduce gaps left by slow or failed writers.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
)

type Store struct {
	name     string
	progress storage.ProgressStore
	registry *events.Registry

	mu        sync.RWMutex
	log       []*events.Event
	bySeq     map[int64]*events.Event
	versions  map[string]int64
	allocated int64
	highWater int64
}

type Option func(*Store)

// WithRegistry makes LoadEvents treat events whose type is not registered
// as unknown.
func WithRegistry(r *events.Registry) Option {
	return func(s *Store) { s.registry = r }
}

func New(name string, progress storage.ProgressStore, opts ...Option) *Store {
	if progress == nil {
		progress = storage.NewMemoryProgressStore()
	}
	s := &Store{
		name:     name,
		progress: progress,
		bySeq:    map[int64]*events.Event{},
		versions: map[string]int64{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Progress() storage.ProgressStore { return s.progress }

// Reserve allocates n sequences without writing events, like a writer that
// has not committed yet.
func (s *Store) Reserve(n int) *events.SequenceQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserve(n)
}

func (s *Store) reserve(n int) *events.SequenceQueue {
	seqs := make([]int64, n)
	for i := range seqs {
		s.allocated++
		seqs[i] = s.allocated
	}
	return events.NewSequenceQueue(seqs...)
}

// SkipSequences allocates n sequences that are never written.
func (s *Store) SkipSequences(n int) { s.Reserve(n) }

// Append allocates sequences and commits actions atomically.
func (s *Store) Append(ctx context.Context, actions ...*events.StreamAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range actions {
		n += len(a.Events)
	}
	return s.commit(ctx, s.reserve(n), actions)
}

// AppendReserved commits actions using sequences reserved earlier.
func (s *Store) AppendReserved(ctx context.Context, q *events.SequenceQueue, actions ...*events.StreamAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(ctx, q, actions)
}

func (s *Store) commit(ctx context.Context, q *events.SequenceQueue, actions []*events.StreamAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	versions := map[string]int64{}
	var written []*events.Event
	for _, a := range actions {
		key := streamKey(a)
		current, ok := versions[key]
		if !ok {
			current = s.versions[key]
		}
		if err := a.PrepareEvents(current, q); err != nil {
			return err
		}
		versions[key] = a.Version
		written = append(written, a.Events...)
	}
	for k, v := range versions {
		s.versions[k] = v
	}
	for _, e := range written {
		s.bySeq[e.Sequence] = e
		i, _ := slices.BinarySearchFunc(s.log, e.Sequence, func(x *events.Event, seq int64) int {
			return cmp.Compare(x.Sequence, seq)
		})
		s.log = slices.Insert(s.log, i, e)
	}
	return nil
}

func streamKey(a *events.StreamAction) string {
	if a.Key != "" {
		return a.Key
	}
	return a.ID.String()
}

// StreamVersion returns the current version of a stream.
func (s *Store) StreamVersion(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[key]
}

// Events returns every committed event in sequence order.
func (s *Store) Events() []*events.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.log)
}

func (s *Store) Identifier() string { return s.name }

func (s *Store) ProjectionProgressFor(ctx context.Context, shard daemon.ShardName) (int64, error) {
	return s.progress.LoadProgress(ctx, shard.Identity())
}

func (s *Store) FetchHighestEventSequenceNumber(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.log) == 0 {
		return 0, nil
	}
	return s.log[len(s.log)-1].Sequence, nil
}

func (s *Store) FindEventStoreFloorAtTime(_ context.Context, t time.Time) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.log {
		if !e.Timestamp.Before(t) {
			return e.Sequence - 1, true, nil
		}
	}
	return 0, false, nil
}

func (s *Store) FetchHighWaterStatistics(ctx context.Context) (daemon.HighWaterStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return daemon.HighWaterStatistics{
		LastMark:        s.highWater,
		HighestSequence: s.allocated,
		CurrentMark:     s.contiguousFrom(s.highWater),
	}, nil
}

func (s *Store) FindContiguousCeiling(_ context.Context, from int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contiguousFrom(from), nil
}

func (s *Store) contiguousFrom(from int64) int64 {
	ceiling := from
	for {
		if _, ok := s.bySeq[ceiling+1]; !ok {
			return ceiling
		}
		ceiling++
	}
}

func (s *Store) FindSafeStartMark(_ context.Context, from int64, staleBefore time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	safe := from
	for _, e := range s.log {
		if e.Sequence > safe && !e.Timestamp.After(staleBefore) {
			safe = e.Sequence
		}
	}
	return safe, nil
}

func (s *Store) MarkHighWater(_ context.Context, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sequence > s.highWater {
		s.highWater = sequence
	}
	return nil
}

// LoadEvents returns up to BatchSize events in Floor < s <= HighWater.
func (s *Store) LoadEvents(ctx context.Context, req daemon.EventRequest) (*daemon.EventPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := &daemon.EventPage{Floor: req.Floor, Ceiling: req.HighWater}
	i, _ := slices.BinarySearchFunc(s.log, req.Floor+1, func(x *events.Event, seq int64) int {
		return cmp.Compare(x.Sequence, seq)
	})
	for ; i < len(s.log); i++ {
		e := s.log[i]
		if e.Sequence > req.HighWater {
			break
		}
		if req.BatchSize > 0 && len(page.Events)+len(page.Skipped) >= req.BatchSize {
			page.Ceiling = s.log[i-1].Sequence
			break
		}
		if s.registry != nil {
			if _, ok := s.registry.TypeFor(e.EventType); !ok {
				err := &events.UnknownEventTypeError{EventType: e.EventType, Sequence: e.Sequence}
				if !req.ErrorOptions.SkipUnknownEvents {
					return nil, fmt.Errorf("load %s: %w", req.Shard.Identity(), err)
				}
				page.Skipped = append(page.Skipped, daemon.SkippedEvent{Sequence: e.Sequence, EventType: e.EventType, Err: err})
				continue
			}
		}
		page.Events = append(page.Events, e)
	}
	return page, nil
}

var (
	_ daemon.EventDatabase  = (*Store)(nil)
	_ daemon.HighWaterStore = (*Store)(nil)
	_ daemon.EventLoader    = (*Store)(nil)
)
