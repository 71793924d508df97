package slicing

import (
	"reflect"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

// SliceGroup maps identities to slices for one tenant within one range.
type SliceGroup[TDoc any, TId comparable] struct {
	TenantID string

	order     []TId
	slices    map[TId]*EventSlice[TDoc, TId]
	onDropped func(*events.Event)
}

func NewSliceGroup[TDoc any, TId comparable](tenantID string) *SliceGroup[TDoc, TId] {
	return &SliceGroup[TDoc, TId]{
		TenantID: tenantID,
		slices:   map[TId]*EventSlice[TDoc, TId]{},
	}
}

// OnDroppedEvent registers fn to observe events discarded because their
// identity was the zero value.
func (g *SliceGroup[TDoc, TId]) OnDroppedEvent(fn func(*events.Event)) {
	g.onDropped = fn
}

// AddEvent appends e to the slice for id. Events whose identity is the zero
// value of TId are dropped.
func (g *SliceGroup[TDoc, TId]) AddEvent(id TId, e *events.Event) {
	var zero TId
	if id == zero {
		if g.onDropped != nil {
			g.onDropped(e)
		}
		return
	}
	g.sliceFor(id).AddEvent(e)
}

func (g *SliceGroup[TDoc, TId]) AddEvents(id TId, evs []*events.Event) {
	for _, e := range evs {
		g.AddEvent(id, e)
	}
}

// Slices returns the slices in the order they were first created.
func (g *SliceGroup[TDoc, TId]) Slices() []*EventSlice[TDoc, TId] {
	out := make([]*EventSlice[TDoc, TId], 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.slices[id])
	}
	return out
}

func (g *SliceGroup[TDoc, TId]) Slice(id TId) (*EventSlice[TDoc, TId], bool) {
	s, ok := g.slices[id]
	return s, ok
}

func (g *SliceGroup[TDoc, TId]) Len() int { return len(g.order) }

// EventCount is the number of event placements across all slices.
func (g *SliceGroup[TDoc, TId]) EventCount() int {
	n := 0
	for _, s := range g.slices {
		n += s.Len()
	}
	return n
}

func (g *SliceGroup[TDoc, TId]) sliceFor(id TId) *EventSlice[TDoc, TId] {
	s, ok := g.slices[id]
	if !ok {
		s = NewEventSlice[TDoc](id, g.TenantID)
		g.slices[id] = s
		g.order = append(g.order, id)
	}
	return s
}

// AddEventsWith adds every event matching TSel to the slice returned by
// selector. Non-matching events are ignored so several passes can be made
// over the same batch.
func AddEventsWith[TSel any, TDoc any, TId comparable](g *SliceGroup[TDoc, TId], selector func(TSel) TId, evs []*events.Event) {
	for _, e := range evs {
		if v, ok := match[TSel](e); ok {
			g.AddEvent(selector(v), e)
		}
	}
}

// FanOutWith is AddEventsWith for selectors returning several identities.
// The event is added to each of them.
func FanOutWith[TSel any, TDoc any, TId comparable](g *SliceGroup[TDoc, TId], selector func(TSel) []TId, evs []*events.Event) {
	for _, e := range evs {
		v, ok := match[TSel](e)
		if !ok {
			continue
		}
		for _, id := range selector(v) {
			g.AddEvent(id, e)
		}
	}
}

// match returns e itself, its payload, or its Typed wrapper as a TSel.
func match[TSel any](e *events.Event) (TSel, bool) {
	if v, ok := any(e).(TSel); ok {
		return v, true
	}
	if v, ok := e.Data.(TSel); ok {
		return v, true
	}
	var zero TSel
	t := reflect.TypeFor[TSel]()
	ptr := t.Kind() == reflect.Pointer
	if ptr {
		t = t.Elem()
	}
	w, ok := events.WrapperFor(t)
	if !ok {
		return zero, false
	}
	wrapped, ok := w.WrapEvent(e)
	if !ok {
		return zero, false
	}
	if ptr {
		p := reflect.New(t)
		p.Elem().Set(reflect.ValueOf(wrapped))
		return p.Interface().(TSel), true
	}
	return wrapped.(TSel), true
}
