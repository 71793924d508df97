package demo

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/events/memstore"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
)

func TestDashboard(t *testing.T) {
	ctx := t.Context()
	registry := events.NewRegistry()
	Register(registry)

	progress := storage.NewMemoryProgressStore()
	log := memstore.New("demo", progress, memstore.WithRegistry(registry))
	stores := Stores{
		Trips:   storage.NewMemoryDocumentStore[*Trip, string](),
		Drivers: storage.NewMemoryDocumentStore[*Driver, string](),
		Batches: storage.BatchFactory{Tx: &storage.MutexTransactor{}, Progress: progress},
	}
	p, err := NewProjections(stores, slog.Default(), 2)
	require.NoError(t, err)

	settings := daemon.DefaultDaemonSettings()
	settings.SlowPollingTime = 20 * time.Millisecond
	settings.FastPollingTime = 5 * time.Millisecond
	d := daemon.New(log, log, log, daemon.WithSettings(settings))
	require.NoError(t, d.Add(p.Sources()...))
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	require.NoError(t, log.Append(ctx,
		events.StartStreamKey("t1", TripStarted{"ann"}, TripMoved{5}, TripMoved{3}, TripEnded{}, TripMoved{100}),
		events.StartStreamKey("t2", TripStarted{"ann"}, TripMoved{4}),
		events.StartStreamKey("t3", TripStarted{"bob"}, TripMoved{1}, TripCancelled{}),
	))
	require.NoError(t, d.StartAll(ctx))

	wait, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitForNonStaleData(wait))

	t1, ok, err := stores.Trips.Load(ctx, "", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, &Trip{ID: "t1", Driver: "ann", Distance: 8, Legs: 2, Ended: true}, t1)

	_, ok, err = stores.Trips.Load(ctx, "", "t3")
	require.NoError(t, err)
	require.False(t, ok)

	ann, ok, err := stores.Drivers.Load(ctx, "", "ann")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 12, ann.Total)
	require.Equal(t, map[string]int{"t1": 8, "t2": 4}, ann.Trips)

	for _, s := range d.Statuses() {
		require.Equal(t, int64(10), s.Position, s.Shard)
	}
}

func TestGenerateTrips(t *testing.T) {
	actions := GenerateTrips(rand.New(rand.NewPCG(1, 2)), "run", 20)
	require.Len(t, actions, 20)
	for i, a := range actions {
		require.Equal(t, events.Start, a.ActionType)
		require.NotEmpty(t, a.Key, i)
		require.IsType(t, TripStarted{}, a.Events[0].Data)
		require.GreaterOrEqual(t, len(a.Events), 2)
	}
	require.Equal(t, "run-1", actions[0].Key)
}
