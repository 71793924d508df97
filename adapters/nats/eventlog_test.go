package nats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
)

type tripStarted struct{ Driver string }
type tripMoved struct{ Distance int }
type tripAudited struct{ By string }

func newTestRegistry() *events.Registry {
	r := events.NewRegistry()
	events.Register[tripStarted](r)
	events.Register[tripMoved](r)
	return r
}

func newTestEventLog(t *testing.T, connect Connector, registry *events.Registry) *EventLog {
	t.Helper()
	log, err := NewEventLog(t.Context(), EventLogConfig{
		Connect:    connect,
		StreamName: "trips",
		Registry:   registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestEventLog_AppendAndLoad(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))
	log := newTestEventLog(t, connect, newTestRegistry())
	ctx := t.Context()

	require.Equal(t, "TRIPS", log.Identifier())

	require.NoError(t, log.Append(ctx,
		events.StartStreamKey("t1", tripStarted{"ann"}, tripMoved{3}),
		events.StartStreamKey("t2", tripStarted{"bob"}),
	))
	require.NoError(t, log.Append(ctx, events.AppendStreamKey("t1", tripMoved{4})))

	highest, err := log.FetchHighestEventSequenceNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), highest)

	t.Run("versions", func(t *testing.T) {
		v, err := log.streamVersion(ctx, log.subjectPrefix+".t1")
		require.NoError(t, err)
		require.Equal(t, int64(3), v)
	})

	t.Run("stream exists", func(t *testing.T) {
		require.ErrorIs(t, log.Append(ctx, events.StartStreamKey("t2", tripStarted{"eve"})), events.ErrStreamExists)
	})

	t.Run("expected version", func(t *testing.T) {
		a := events.AppendStreamKey("t2", tripMoved{1})
		a.ExpectedVersion = 5
		var cerr *events.ConcurrencyError
		require.ErrorAs(t, log.Append(ctx, a), &cerr)
	})

	t.Run("invalid key", func(t *testing.T) {
		require.Error(t, log.Append(ctx, events.StartStreamKey("a.b", tripStarted{"x"})))
	})

	t.Run("page", func(t *testing.T) {
		page, err := log.LoadEvents(ctx, daemon.EventRequest{Floor: 0, HighWater: 4, BatchSize: 100})
		require.NoError(t, err)
		require.Len(t, page.Events, 4)
		require.Equal(t, int64(4), page.Ceiling)

		first := page.Events[0]
		require.Equal(t, int64(1), first.Sequence)
		require.Equal(t, int64(1), first.Version)
		require.Equal(t, "t1", first.StreamKey)
		require.Equal(t, "trip_started", first.EventType)
		require.Equal(t, tripStarted{"ann"}, first.Data)

		last := page.Events[3]
		require.Equal(t, int64(4), last.Sequence)
		require.Equal(t, int64(3), last.Version)
		require.Equal(t, tripMoved{4}, last.Data)
	})

	t.Run("partial page", func(t *testing.T) {
		page, err := log.LoadEvents(ctx, daemon.EventRequest{Floor: 1, HighWater: 4, BatchSize: 2})
		require.NoError(t, err)
		require.Len(t, page.Events, 2)
		require.Equal(t, int64(3), page.Ceiling)
	})

	t.Run("bounded by high water", func(t *testing.T) {
		page, err := log.LoadEvents(ctx, daemon.EventRequest{Floor: 0, HighWater: 2, BatchSize: 100})
		require.NoError(t, err)
		require.Len(t, page.Events, 2)
		require.Equal(t, int64(2), page.Ceiling)
	})

	t.Run("floor at time", func(t *testing.T) {
		floor, found, err := log.FindEventStoreFloorAtTime(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.True(t, found)
		require.Zero(t, floor)

		_, found, err = log.FindEventStoreFloorAtTime(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.False(t, found)
	})
}

func TestEventLog_UnknownEvents(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))
	writerRegistry := newTestRegistry()
	events.Register[tripAudited](writerRegistry)
	writer := newTestEventLog(t, connect, writerRegistry)
	reader := newTestEventLog(t, connect, newTestRegistry())
	ctx := t.Context()

	require.NoError(t, writer.Append(ctx, events.StartStreamKey("t1", tripStarted{"ann"}, tripAudited{"ops"}, tripMoved{1})))

	_, err := reader.LoadEvents(ctx, daemon.EventRequest{HighWater: 3, BatchSize: 10})
	var unknown *events.UnknownEventTypeError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, int64(2), unknown.Sequence)

	page, err := reader.LoadEvents(ctx, daemon.EventRequest{
		HighWater:    3,
		BatchSize:    10,
		ErrorOptions: daemon.ErrorHandlingOptions{SkipUnknownEvents: true},
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.Len(t, page.Skipped, 1)
	require.Equal(t, "trip_audited", page.Skipped[0].EventType)
}

func TestEventLog_HighWater(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))
	marks := newTestKv(t, connect)
	log, err := NewEventLog(t.Context(), EventLogConfig{
		Connect:  connect,
		Registry: newTestRegistry(),
		Marks:    marks,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	ctx := t.Context()

	require.NoError(t, log.Append(ctx, events.StartStreamKey("t1", tripStarted{"ann"}, tripMoved{1})))

	stats, err := log.FetchHighWaterStatistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.LastMark)
	require.Equal(t, int64(2), stats.CurrentMark)
	require.True(t, stats.HasChanged())

	require.NoError(t, log.MarkHighWater(ctx, 2))
	stats, err = log.FetchHighWaterStatistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.LastMark)
	require.False(t, stats.HasChanged())

	keys, err := marks.Keys(ctx, "daemon.")
	require.NoError(t, err)
	require.Equal(t, []string{highWaterKey}, keys)
}

type seenSequences struct {
	mu   sync.Mutex
	seqs []int64
}

func (s *seenSequences) ProcessEvents(_ context.Context, r *daemon.EventRange, _ daemon.ProjectionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range r.Events {
		s.seqs = append(s.seqs, e.Sequence)
	}
	return nil
}

func TestEventLog_Daemon(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))
	progress := storage.NewKVProgressStore(newTestKv(t, connect))
	log, err := NewEventLog(t.Context(), EventLogConfig{
		Connect:  connect,
		Registry: newTestRegistry(),
		Progress: progress,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	ctx := t.Context()

	settings := daemon.DefaultDaemonSettings()
	settings.SlowPollingTime = 50 * time.Millisecond
	settings.FastPollingTime = 10 * time.Millisecond

	seen := &seenSequences{}
	batches := storage.BatchFactory{Tx: &storage.MutexTransactor{}, Progress: progress}
	d := daemon.New(log, log, log, daemon.WithSettings(settings))
	require.NoError(t, d.Add(daemon.NewSubscriptionSource("feed", seen, batches)))
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	require.NoError(t, log.Append(ctx, events.StartStreamKey("t1", tripStarted{"ann"}, tripMoved{1}, tripMoved{2})))
	require.NoError(t, d.StartAll(ctx))

	wait, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, d.WaitForNonStaleData(wait))

	seq, err := progress.LoadProgress(ctx, "feed:All")
	require.NoError(t, err)
	require.Equal(t, int64(3), seq)

	seen.mu.Lock()
	defer seen.mu.Unlock()
	require.Equal(t, []int64{1, 2, 3}, seen.seqs)
}
