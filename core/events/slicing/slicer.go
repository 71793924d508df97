package slicing

import (
	"github.com/google/uuid"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

// Slicer fills a group from the events of one tenant.
type Slicer[TDoc any, TId comparable] func(g *SliceGroup[TDoc, TId], evs []*events.Event) error

// ByStreamID slices events by their GUID stream identity.
func ByStreamID[TDoc any]() Slicer[TDoc, uuid.UUID] {
	return func(g *SliceGroup[TDoc, uuid.UUID], evs []*events.Event) error {
		for _, e := range evs {
			g.AddEvent(e.StreamID, e)
		}
		return nil
	}
}

// ByStreamKey slices events by their string stream identity.
func ByStreamKey[TDoc any]() Slicer[TDoc, string] {
	return func(g *SliceGroup[TDoc, string], evs []*events.Event) error {
		for _, e := range evs {
			g.AddEvent(e.StreamKey, e)
		}
		return nil
	}
}

// GroupByTenant splits evs by tenant, keeping the order of first appearance,
// and runs slicer once per tenant.
func GroupByTenant[TDoc any, TId comparable](evs []*events.Event, slicer Slicer[TDoc, TId], onDropped func(*events.Event)) ([]*SliceGroup[TDoc, TId], error) {
	var tenants []string
	byTenant := map[string][]*events.Event{}
	for _, e := range evs {
		if _, ok := byTenant[e.TenantID]; !ok {
			tenants = append(tenants, e.TenantID)
		}
		byTenant[e.TenantID] = append(byTenant[e.TenantID], e)
	}

	groups := make([]*SliceGroup[TDoc, TId], 0, len(tenants))
	for _, tenant := range tenants {
		g := NewSliceGroup[TDoc, TId](tenant)
		if onDropped != nil {
			g.OnDroppedEvent(onDropped)
		}
		if err := slicer(g, byTenant[tenant]); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}
