package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type tripStarted struct{ Driver string }
type tripMoved struct{ Distance float64 }

func TestForEvents_ActionType(t *testing.T) {
	id := uuid.New()

	start := ForEvents(id, "", []*Event{{Version: 1}, {Version: 2}})
	require.Equal(t, Start, start.ActionType)
	require.Equal(t, int64(2), start.Version)

	appended := ForEvents(id, "", []*Event{{Version: 3}, {Version: 4}})
	require.Equal(t, Append, appended.ActionType)
}

func TestPrepareEvents_Start(t *testing.T) {
	action := StartStream(uuid.New(), tripStarted{"a"}, tripMoved{1}, tripMoved{2}, tripMoved{3})
	action.TenantID = "t1"

	require.NoError(t, action.PrepareEvents(0, NewSequenceQueue(11, 12, 13, 14)))

	for i, e := range action.Events {
		require.Equal(t, int64(i+1), e.Version)
		require.Equal(t, int64(11+i), e.Sequence)
		require.Equal(t, action.ID, e.StreamID)
		require.Equal(t, "t1", e.TenantID)
		require.False(t, e.Timestamp.IsZero())
	}
	require.Equal(t, "trip_started", action.Events[0].EventType)
	require.Equal(t, int64(4), action.Version)
}

func TestPrepareEvents_Append(t *testing.T) {
	action := AppendStreamKey("trip-1", tripMoved{1}, tripMoved{2}, tripMoved{3}, tripMoved{4})
	require.NoError(t, action.PrepareEvents(5, NewSequenceQueue(20, 21, 22, 23)))

	var versions []int64
	for _, e := range action.Events {
		versions = append(versions, e.Version)
		require.Equal(t, "trip-1", e.StreamKey)
	}
	require.Equal(t, []int64{6, 7, 8, 9}, versions)
}

func TestPrepareEvents_Errors(t *testing.T) {
	t.Run("start on existing stream", func(t *testing.T) {
		action := StartStream(uuid.New(), tripStarted{})
		require.ErrorIs(t, action.PrepareEvents(3, NewSequenceQueue(1)), ErrStreamExists)
	})

	t.Run("expected version", func(t *testing.T) {
		action := AppendStream(uuid.New(), tripMoved{})
		action.ExpectedVersion = 2
		var cerr *ConcurrencyError
		require.ErrorAs(t, action.PrepareEvents(3, NewSequenceQueue(1)), &cerr)
		require.Equal(t, int64(3), cerr.Actual)
	})

	t.Run("sequence exhausted", func(t *testing.T) {
		action := AppendStream(uuid.New(), tripMoved{}, tripMoved{})
		require.ErrorIs(t, action.PrepareEvents(0, NewSequenceQueue(1)), ErrSequenceExhausted)
	})
}
