package daemon

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

type tick struct{ N int }

func eventsFrom(floor int64, n int) []*events.Event {
	out := make([]*events.Event, n)
	for i := range out {
		e := events.New(tick{i})
		e.Sequence = floor + int64(i) + 1
		out[i] = e
	}
	return out
}

func seqs(evs []*events.Event) []int64 {
	out := make([]int64, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Sequence)
	}
	return out
}

func TestEventRange_Size(t *testing.T) {
	r := NewEventRange(NewShardName("trips"), 100, 150)
	require.Equal(t, int64(50), r.Size())

	r.Events = eventsFrom(110, 5)
	require.Equal(t, int64(5), r.Size())

	r.Events = []*events.Event{}
	require.Equal(t, int64(0), r.Size())
}

func TestEventRange_SkipEventSequence(t *testing.T) {
	r := NewEventRange(NewShardName("trips"), 110, 115)
	r.Events = eventsFrom(110, 5)
	require.Equal(t, []int64{111, 112, 113, 114, 115}, seqs(r.Events))

	r.SkipEventSequence(114)
	require.Equal(t, []int64{114, 115}, seqs(r.Events))

	r.SkipEventSequence(0)
	require.Len(t, r.Events, 2)
}

func TestEventRange_CloneForExecutionLeaf(t *testing.T) {
	parent := NewEventRange(NewShardName("dashboard"), 0, 3)
	parent.Events = eventsFrom(0, 3)
	parent.Mode = Rebuild

	leafName := NewShardName("trips")
	leaf := parent.CloneForExecutionLeaf(leafName)

	require.Equal(t, leafName, leaf.ShardName)
	require.Equal(t, parent.Floor, leaf.Floor)
	require.Equal(t, parent.Ceiling, leaf.Ceiling)
	require.Equal(t, Rebuild, leaf.Mode)
	require.Equal(t, BatchComposite, leaf.BatchBehavior)

	leaf.SkipEvent(leaf.Events[0])
	require.Len(t, leaf.Events, 2)
	require.Len(t, parent.Events, 3, "skipping in a leaf leaves the parent alone")

	parent.AddUpstream(fakeUpstream("stage-1"))
	require.Len(t, leaf.Upstream(), 1, "upstreams are shared")
}

func TestEventRange_PrependEvents(t *testing.T) {
	r := NewEventRange(NewShardName("trips"), 0, 2)
	r.Events = eventsFrom(0, 2)
	pseudo := events.New(events.Updated[string]{Entity: "x"})

	r.PrependEvents([]*events.Event{pseudo})
	require.Same(t, pseudo, r.Events[0])
	require.Len(t, r.Events, 3)
}

func TestShardName_Identity(t *testing.T) {
	require.Equal(t, "trips:All", NewShardName("trips").Identity())
	require.Equal(t, "trips:V3:All", ShardName{Name: "trips", Version: 3}.Identity())
	require.Equal(t, "trips:tenant-a", ShardName{Name: "trips", ShardKey: "tenant-a", Version: 1}.Identity())
}

type fakeUpstream string

func (u fakeUpstream) ShardIdentity() string { return string(u) }
func (u fakeUpstream) Source() any           { return nil }
