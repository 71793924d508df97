package prometheus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/events/memstore"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
)

func TestNewDaemonMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDaemonMetrics(reg)

	require.NotNil(t, m)

	timer := m.ExecutionDuration("trips:All")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.EventsProcessed("trips:All", 5)
	m.RangeFailed("trips:All")
	m.ShardProgress("trips:All", 42)
	m.HighWaterMark(50)
	m.HighWaterSkipped(40, 45)
	m.EventSkipped("trips:All", "apply")
	m.AgentPaused("trips:All")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["jasperfx_daemon_execution_duration_seconds"])
	assert.True(t, names["jasperfx_daemon_events_skipped_total"])
	assert.True(t, names["jasperfx_daemon_agents_paused_total"])

	dm := m.(*daemonMetrics)
	assert.Equal(t, float64(5), testutil.ToFloat64(dm.eventsProcessed.WithLabelValues("trips:All")))
	assert.Equal(t, float64(42), testutil.ToFloat64(dm.shardProgress.WithLabelValues("trips:All")))
	assert.Equal(t, float64(50), testutil.ToFloat64(dm.highWaterMark))
	assert.Equal(t, float64(5), testutil.ToFloat64(dm.highWaterGap))
}

func TestDaemonMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewDaemonMetrics(reg)
	assert.Panics(t, func() { NewDaemonMetrics(reg) })
}

func TestDaemonMetrics_RecordedByDaemon(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDaemonMetrics(reg)
	ctx := t.Context()

	progress := storage.NewMemoryProgressStore()
	log := memstore.New("main", progress)
	batches := storage.BatchFactory{Tx: &storage.MutexTransactor{}, Progress: progress}

	settings := daemon.DefaultDaemonSettings()
	settings.SlowPollingTime = 20 * time.Millisecond
	settings.FastPollingTime = 5 * time.Millisecond

	d := daemon.New(log, log, log, daemon.WithSettings(settings), daemon.WithMetrics(m))
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	noop := daemon.SubscriptionFunc(func(context.Context, *daemon.EventRange, daemon.ProjectionBatch) error { return nil })
	require.NoError(t, d.Add(daemon.NewSubscriptionSource("feed", noop, batches)))

	require.NoError(t, log.Append(ctx, events.StartStreamKey("t1", "a", "b", "c")))
	require.NoError(t, d.StartAll(ctx))

	wait, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitForNonStaleData(wait))

	dm := m.(*daemonMetrics)
	assert.Equal(t, float64(3), testutil.ToFloat64(dm.highWaterMark))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(dm.shardProgress.WithLabelValues("feed:All")) == 3 &&
			testutil.ToFloat64(dm.eventsProcessed.WithLabelValues("feed:All")) == 3
	}, time.Second, 10*time.Millisecond)
}
