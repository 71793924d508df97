// Package slicing partitions a range of events into per-identity slices.
package slicing

import (
	"cmp"
	"slices"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

// EventSlice is the ordered list of events destined for one aggregate.
// Events are kept in ascending Sequence order no matter how they were added.
type EventSlice[TDoc any, TId comparable] struct {
	ID       TId
	TenantID string
	events   []*events.Event
}

func NewEventSlice[TDoc any, TId comparable](id TId, tenantID string) *EventSlice[TDoc, TId] {
	return &EventSlice[TDoc, TId]{ID: id, TenantID: tenantID}
}

// Events returns the slice's events. The result must not be modified.
func (s *EventSlice[TDoc, TId]) Events() []*events.Event { return s.events }

func (s *EventSlice[TDoc, TId]) Len() int { return len(s.events) }

// AddEvent inserts e at its sequence position. Adding the same event twice
// is a no-op; distinct events sharing a sequence keep insertion order.
func (s *EventSlice[TDoc, TId]) AddEvent(e *events.Event) {
	i, found := slices.BinarySearchFunc(s.events, e.Sequence, func(x *events.Event, seq int64) int {
		return cmp.Compare(x.Sequence, seq)
	})
	if found {
		for ; i < len(s.events) && s.events[i].Sequence == e.Sequence; i++ {
			if s.events[i] == e || s.events[i].ID == e.ID {
				return
			}
		}
	}
	s.events = slices.Insert(s.events, i, e)
}

func (s *EventSlice[TDoc, TId]) AddEvents(evs []*events.Event) {
	for _, e := range evs {
		s.AddEvent(e)
	}
}

// RemoveEvent drops e from the slice. It reports whether e was present.
func (s *EventSlice[TDoc, TId]) RemoveEvent(e *events.Event) bool {
	for i, x := range s.events {
		if x == e {
			s.events = slices.Delete(s.events, i, i+1)
			return true
		}
	}
	return false
}
