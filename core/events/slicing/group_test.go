package slicing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

type colors struct{ Tags []string }

type tagged interface{ Colors() []string }

func (c colors) Colors() []string { return c.Tags }

type doc struct{}

func seqEvent(seq int64, data any) *events.Event {
	e := events.New(data)
	e.Sequence = seq
	return e
}

func sequences(s *EventSlice[doc, string]) []int64 {
	var out []int64
	for _, e := range s.Events() {
		out = append(out, e.Sequence)
	}
	return out
}

func TestFanOut_PreservesSequenceOrder(t *testing.T) {
	evs := []*events.Event{
		seqEvent(1, colors{[]string{"blue", "green"}}),
		seqEvent(2, colors{[]string{"blue", "purple"}}),
		seqEvent(3, colors{[]string{"orange", "purple"}}),
		seqEvent(4, colors{[]string{"blue", "pink"}}),
		seqEvent(5, colors{[]string{"pink", "green"}}),
		seqEvent(6, colors{[]string{"orange", "blue", "pink"}}),
	}

	g := NewSliceGroup[doc, string]("")
	FanOutWith(g, tagged.Colors, evs)

	blue, ok := g.Slice("blue")
	require.True(t, ok)
	require.Equal(t, []*events.Event{evs[0], evs[1], evs[3], evs[5]}, blue.Events())

	green, _ := g.Slice("green")
	require.Equal(t, []int64{1, 5}, sequences(green))
	require.Equal(t, 5, g.Len())
}

func TestMultiplePasses_PreserveSequenceOrder(t *testing.T) {
	evs := []*events.Event{
		seqEvent(1, colors{[]string{"blue"}}),
		seqEvent(2, "blue"),
		seqEvent(3, colors{[]string{"blue"}}),
		seqEvent(4, "blue"),
	}

	g := NewSliceGroup[doc, string]("")
	// later sequences first: strings, then the tagged events
	AddEventsWith(g, func(s string) string { return s }, evs)
	FanOutWith(g, tagged.Colors, evs)

	blue, _ := g.Slice("blue")
	require.Equal(t, []int64{1, 2, 3, 4}, sequences(blue))
}

func TestAddEvent_SameEventOnce(t *testing.T) {
	e := seqEvent(3, "x")
	g := NewSliceGroup[doc, string]("")
	g.AddEvent("a", e)
	g.AddEvent("a", e)

	a, _ := g.Slice("a")
	require.Equal(t, 1, a.Len())
}

func TestDefaultIdentity_IsDropped(t *testing.T) {
	var dropped []*events.Event
	g := NewSliceGroup[doc, uuid.UUID]("")
	g.OnDroppedEvent(func(e *events.Event) { dropped = append(dropped, e) })

	e1, e2 := seqEvent(1, "a"), seqEvent(2, "b")
	g.AddEvents(uuid.Nil, []*events.Event{e1})
	g.AddEvent(uuid.Nil, e2)

	require.Empty(t, g.Slices())
	require.Equal(t, 0, g.Len())
	require.Equal(t, []*events.Event{e1, e2}, dropped)
}

func TestAddEventsWith_IgnoresOtherTypes(t *testing.T) {
	type moved struct{ Trip string }

	evs := []*events.Event{seqEvent(1, moved{"t1"}), seqEvent(2, "noise"), seqEvent(3, moved{"t2"})}
	g := NewSliceGroup[doc, string]("")
	AddEventsWith(g, func(m moved) string { return m.Trip }, evs)

	require.Equal(t, 2, g.Len())
	require.Equal(t, 2, g.EventCount())
}

func TestAddEventsWith_TypedAndMetadataSelectors(t *testing.T) {
	type moved struct{ Trip string }

	e := seqEvent(1, moved{"t1"})
	e.StreamKey = "stream-1"

	g := NewSliceGroup[doc, string]("")
	AddEventsWith(g, func(te events.Typed[moved]) string { return te.Data.Trip + "/" + te.StreamKey }, []*events.Event{e})
	AddEventsWith(g, func(ev *events.Event) string { return ev.StreamKey }, []*events.Event{e})

	_, ok := g.Slice("t1/stream-1")
	require.True(t, ok)
	_, ok = g.Slice("stream-1")
	require.True(t, ok)
}

func TestAddEventsWith_PointerTypedSelector(t *testing.T) {
	type moved struct{ Trip string }

	e := seqEvent(1, moved{"t1"})
	evs := []*events.Event{e, seqEvent(2, "noise")}

	g := NewSliceGroup[doc, string]("")
	AddEventsWith(g, func(te *events.Typed[moved]) string {
		require.Same(t, e, te.Event)
		return te.Data.Trip
	}, evs)

	require.Equal(t, 1, g.Len())
	s, ok := g.Slice("t1")
	require.True(t, ok)
	require.Equal(t, []int64{1}, sequences(s))
}

func TestGroupByTenant(t *testing.T) {
	a1, b1, a2 := seqEvent(1, "x"), seqEvent(2, "y"), seqEvent(3, "z")
	a1.TenantID, b1.TenantID, a2.TenantID = "a", "b", "a"
	a1.StreamKey, b1.StreamKey, a2.StreamKey = "s1", "s1", "s1"

	groups, err := GroupByTenant([]*events.Event{a1, b1, a2}, ByStreamKey[doc](), nil)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, "a", groups[0].TenantID)

	s, _ := groups[0].Slice("s1")
	require.Equal(t, "a", s.TenantID)
	require.Equal(t, []*events.Event{a1, a2}, s.Events())
}
