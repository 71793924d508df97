package daemon

import (
	"fmt"
	"slices"
	"sync"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

// BatchBehavior tells whether a range owns its batch or shares the active
// batch of a composite execution.
type BatchBehavior int

const (
	BatchIndividual BatchBehavior = iota
	BatchComposite
)

// Upstream is an execution from an earlier composite stage.
type Upstream interface {
	ShardIdentity() string
	// Source returns what downstream stages may consult, typically the
	// projection runner.
	Source() any
}

// EventRange is the span floor < s <= ceiling of the log processed by one
// shard, optionally with its events loaded.
type EventRange struct {
	ShardName ShardName
	Floor     int64
	Ceiling   int64
	Events    []*events.Event

	Agent         SubscriptionAgent
	Mode          ShardExecutionMode
	BatchBehavior BatchBehavior
	ActiveBatch   ProjectionBatch

	upstream *upstreams
}

type upstreams struct {
	mu    sync.Mutex
	items []Upstream
}

func NewEventRange(shard ShardName, floor, ceiling int64) *EventRange {
	return &EventRange{ShardName: shard, Floor: floor, Ceiling: ceiling, upstream: &upstreams{}}
}

// RangeFor wraps a loaded page.
func RangeFor(shard ShardName, page *EventPage, agent SubscriptionAgent) *EventRange {
	r := NewEventRange(shard, page.Floor, page.Ceiling)
	r.Events = page.Events
	r.Agent = agent
	if agent != nil {
		r.Mode = agent.Mode()
	}
	return r
}

// Size is the number of loaded events, or the numeric span when the events
// were not loaded.
func (r *EventRange) Size() int64 {
	if r.Events != nil {
		return int64(len(r.Events))
	}
	return r.Ceiling - r.Floor
}

// SkipEventSequence drops loaded events with a sequence below threshold.
func (r *EventRange) SkipEventSequence(threshold int64) {
	r.Events = slices.DeleteFunc(r.Events, func(e *events.Event) bool { return e.Sequence < threshold })
}

// SkipEvent removes e from the loaded events.
func (r *EventRange) SkipEvent(e *events.Event) {
	r.Events = slices.DeleteFunc(r.Events, func(x *events.Event) bool { return x == e })
}

// CloneForExecutionLeaf returns a range for one leaf of a composite
// projection. Floor, ceiling, agent, batch and upstream list are shared; the
// event list is copied so the leaf can skip events without touching the
// parent.
func (r *EventRange) CloneForExecutionLeaf(shard ShardName) *EventRange {
	return &EventRange{
		ShardName:     shard,
		Floor:         r.Floor,
		Ceiling:       r.Ceiling,
		Events:        slices.Clone(r.Events),
		Agent:         r.Agent,
		Mode:          r.Mode,
		BatchBehavior: BatchComposite,
		ActiveBatch:   r.ActiveBatch,
		upstream:      r.ups(),
	}
}

// AddUpstream registers an execution of an earlier stage.
func (r *EventRange) AddUpstream(u Upstream) {
	ups := r.ups()
	ups.mu.Lock()
	defer ups.mu.Unlock()
	ups.items = append(ups.items, u)
}

// Upstream returns the executions of earlier stages.
func (r *EventRange) Upstream() []Upstream {
	ups := r.ups()
	ups.mu.Lock()
	defer ups.mu.Unlock()
	return slices.Clone(ups.items)
}

func (r *EventRange) ups() *upstreams {
	if r.upstream == nil {
		r.upstream = &upstreams{}
	}
	return r.upstream
}

// PrependEvents inserts evs in front of the loaded events.
func (r *EventRange) PrependEvents(evs []*events.Event) {
	r.Events = append(slices.Clone(evs), r.Events...)
}

func (r *EventRange) String() string {
	return fmt.Sprintf("EventRange(%s, %d..%d, %d events)", r.ShardName.Identity(), r.Floor, r.Ceiling, len(r.Events))
}
