// Package demo is a small trip-tracking domain used by the jasperfx-daemon
// command: trips are aggregated per stream and rolled up per driver.
package demo

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/aggregation"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/events/slicing"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
)

type (
	TripStarted struct {
		Driver string `json:"driver"`
	}
	TripMoved struct {
		Distance int `json:"distance"`
	}
	TripEnded     struct{}
	TripCancelled struct {
		Reason string `json:"reason,omitempty"`
	}
)

// Register adds the trip events to r.
func Register(r *events.Registry) {
	events.Register[TripStarted](r)
	events.Register[TripMoved](r)
	events.Register[TripEnded](r)
	events.Register[TripCancelled](r)
}

type Trip struct {
	ID       string `json:"id"`
	Driver   string `json:"driver"`
	Distance int    `json:"distance"`
	Legs     int    `json:"legs"`
	Ended    bool   `json:"ended"`
}

func (t *Trip) CreateStarted(e events.Typed[TripStarted]) *Trip {
	return &Trip{ID: e.StreamKey, Driver: e.Data.Driver}
}

func (t *Trip) ApplyMoved(e TripMoved) {
	if t.Ended {
		return
	}
	t.Distance += e.Distance
	t.Legs++
}

func (t *Trip) ApplyEnded(TripEnded) { t.Ended = true }

// A cancelled trip is deleted.
func (t *Trip) ApplyCancelled(TripCancelled) *Trip { return nil }

// Driver sums the distance of the trips of one driver.
type Driver struct {
	Name  string         `json:"name"`
	Trips map[string]int `json:"trips"`
	Total int            `json:"total"`
}

func (d *Driver) ApplyTrip(u events.Updated[*Trip]) {
	if d.Trips == nil {
		d.Trips = map[string]int{}
	}
	d.Name = u.Entity.Driver
	d.Trips[u.Entity.ID] = u.Entity.Distance
	d.Total = 0
	for _, km := range d.Trips {
		d.Total += km
	}
}

// Stores are the document stores the demo projections write to.
type Stores struct {
	Trips   storage.DocumentStore[*Trip, string]
	Drivers storage.DocumentStore[*Driver, string]
	Batches storage.BatchFactory
}

type Projections struct {
	Trips     *aggregation.Projection[*Trip, string]
	Drivers   *aggregation.Projection[*Driver, string]
	Dashboard *daemon.CompositeProjection
	Log       *daemon.SubscriptionSource
}

// NewProjections builds the "dashboard" composite (trips, then drivers) and
// the "trip_log" subscription.
func NewProjections(s Stores, log *slog.Logger, batchSize int) (*Projections, error) {
	trips := aggregation.NewProjection("trips", slicing.ByStreamKey[*Trip](), s.Trips, s.Batches).WithLog(log)
	if err := trips.Application().UseAggregateMethods(); err != nil {
		return nil, fmt.Errorf("trips: %w", err)
	}

	drivers := aggregation.NewProjection("drivers", func(g *slicing.SliceGroup[*Driver, string], evs []*events.Event) error {
		slicing.AddEventsWith(g, func(u events.Updated[*Trip]) string { return u.Entity.Driver }, evs)
		return nil
	}, s.Drivers, s.Batches).WithLog(log)
	if err := drivers.Application().UseAggregateMethods(); err != nil {
		return nil, fmt.Errorf("drivers: %w", err)
	}

	dashboard := daemon.NewCompositeProjection("dashboard", s.Batches).Stage(trips).Stage(drivers)
	tripLog := daemon.NewSubscriptionSource("trip_log", daemon.SubscriptionFunc(func(ctx context.Context, r *daemon.EventRange, _ daemon.ProjectionBatch) error {
		for _, e := range r.Events {
			if _, ok := e.Data.(TripEnded); ok {
				log.InfoContext(ctx, "trip ended", slog.String("trip", e.StreamKey), slog.Int64("sequence", e.Sequence))
			}
		}
		return nil
	}), s.Batches)

	if batchSize > 0 {
		dashboard.Options().BatchSize = batchSize
		tripLog.Options().BatchSize = batchSize
	}
	return &Projections{Trips: trips, Drivers: drivers, Dashboard: dashboard, Log: tripLog}, nil
}

// Sources returns the projections to register with a daemon.
func (p *Projections) Sources() []daemon.ProjectionSource {
	return []daemon.ProjectionSource{p.Dashboard, p.Log}
}

var drivers = []string{"ann", "bob", "cho", "dee"}

// GenerateTrips returns n trips, each with a few legs. Most end, some are
// cancelled and some stay open.
func GenerateTrips(rnd *rand.Rand, prefix string, n int) []*events.StreamAction {
	actions := make([]*events.StreamAction, 0, n)
	for i := range n {
		evs := []any{TripStarted{Driver: drivers[rnd.IntN(len(drivers))]}}
		for range 1 + rnd.IntN(4) {
			evs = append(evs, TripMoved{Distance: 1 + rnd.IntN(20)})
		}
		switch p := rnd.IntN(10); {
		case p < 7:
			evs = append(evs, TripEnded{})
		case p < 8:
			evs = append(evs, TripCancelled{Reason: "no show"})
		}
		actions = append(actions, events.StartStreamKey(fmt.Sprintf("%s-%d", prefix, i+1), evs...))
	}
	return actions
}
