package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StreamActionType tells whether a StreamAction starts a new stream or
// appends to an existing one.
type StreamActionType int

const (
	Append StreamActionType = iota
	Start
)

func (t StreamActionType) String() string {
	if t == Start {
		return "Start"
	}
	return "Append"
}

// StreamAction is a set of uncommitted events for one stream.
type StreamAction struct {
	ID         uuid.UUID
	Key        string
	ActionType StreamActionType
	TenantID   string
	// ExpectedVersion, when positive, is the version the stream must have
	// before the append.
	ExpectedVersion int64
	// Version is the stream version after PrepareEvents.
	Version int64
	Events  []*Event
}

// StartStream creates a Start action for a GUID identified stream.
func StartStream(id uuid.UUID, data ...any) *StreamAction {
	return &StreamAction{ID: id, ActionType: Start, Events: wrapAll(data)}
}

// StartStreamKey creates a Start action for a string identified stream.
func StartStreamKey(key string, data ...any) *StreamAction {
	return &StreamAction{Key: key, ActionType: Start, Events: wrapAll(data)}
}

// AppendStream creates an Append action for a GUID identified stream.
func AppendStream(id uuid.UUID, data ...any) *StreamAction {
	return &StreamAction{ID: id, ActionType: Append, Events: wrapAll(data)}
}

// AppendStreamKey creates an Append action for a string identified stream.
func AppendStreamKey(key string, data ...any) *StreamAction {
	return &StreamAction{Key: key, ActionType: Append, Events: wrapAll(data)}
}

// ForEvents builds an action from already versioned events. The action type
// is Start when the first event has version 1.
func ForEvents(id uuid.UUID, key string, evs []*Event) *StreamAction {
	a := &StreamAction{ID: id, Key: key, ActionType: Append, Events: evs}
	if len(evs) > 0 && evs[0].Version == 1 {
		a.ActionType = Start
	}
	if len(evs) > 0 {
		a.Version = evs[len(evs)-1].Version
	}
	return a
}

func wrapAll(data []any) []*Event {
	evs := make([]*Event, 0, len(data))
	for _, d := range data {
		if e, ok := d.(*Event); ok {
			evs = append(evs, e)
			continue
		}
		evs = append(evs, New(d))
	}
	return evs
}

// PrepareEvents assigns versions, sequences and stream metadata. currentVersion
// is the stream version stored on the server; sequences are dequeued from q.
func (a *StreamAction) PrepareEvents(currentVersion int64, q *SequenceQueue) error {
	if a.ActionType == Start && currentVersion > 0 {
		return fmt.Errorf("%w: %s", ErrStreamExists, a.identity())
	}
	if a.ExpectedVersion > 0 && a.ExpectedVersion != currentVersion {
		return &ConcurrencyError{Stream: a.identity(), Expected: a.ExpectedVersion, Actual: currentVersion}
	}

	now := time.Now().UTC()
	for i, e := range a.Events {
		seq, err := q.Next()
		if err != nil {
			return err
		}
		e.Sequence = seq
		e.Version = currentVersion + int64(i) + 1
		e.StreamID = a.ID
		e.StreamKey = a.Key
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.TenantID == "" {
			e.TenantID = a.TenantID
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		if e.EventType == "" {
			e.EventType = TypeName(e.Data)
		}
	}
	a.Version = currentVersion + int64(len(a.Events))
	return nil
}

func (a *StreamAction) identity() string {
	if a.Key != "" {
		return a.Key
	}
	return a.ID.String()
}

// SequenceQueue hands out sequence numbers reserved on the server.
type SequenceQueue struct {
	seqs []int64
}

func NewSequenceQueue(seqs ...int64) *SequenceQueue {
	return &SequenceQueue{seqs: seqs}
}

// Next dequeues the next reserved sequence.
func (q *SequenceQueue) Next() (int64, error) {
	if len(q.seqs) == 0 {
		return 0, ErrSequenceExhausted
	}
	s := q.seqs[0]
	q.seqs = q.seqs[1:]
	return s, nil
}

func (q *SequenceQueue) Len() int { return len(q.seqs) }
