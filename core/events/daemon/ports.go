package daemon

import (
	"context"
	"time"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

// EventDatabase is the read side of the event store the daemon needs to
// position shards.
type EventDatabase interface {
	// Identifier names the database, used by SubscribeFromPresent filters.
	Identifier() string
	// ProjectionProgressFor returns the last committed ceiling, 0 if none.
	ProjectionProgressFor(ctx context.Context, shard ShardName) (int64, error)
	FetchHighestEventSequenceNumber(ctx context.Context) (int64, error)
	// FindEventStoreFloorAtTime returns the floor preceding the first event
	// written at or after t. found is false when there is no such event.
	FindEventStoreFloorAtTime(ctx context.Context, t time.Time) (floor int64, found bool, err error)
}

// HighWaterStatistics is one observation of the log's sequence state.
type HighWaterStatistics struct {
	// LastMark is the persisted high-water mark.
	LastMark int64
	// HighestSequence is the highest sequence assigned so far.
	HighestSequence int64
	// CurrentMark is the highest sequence reachable from LastMark without
	// crossing a gap.
	CurrentMark int64
	// SafeStartMark is set when a stale gap was skipped.
	SafeStartMark int64
	Timestamp     time.Time
}

// HasChanged reports whether the contiguous ceiling moved past LastMark.
func (s HighWaterStatistics) HasChanged() bool { return s.CurrentMark > s.LastMark }

// HighWaterStore is the storage side of high-water detection.
type HighWaterStore interface {
	FetchHighWaterStatistics(ctx context.Context) (HighWaterStatistics, error)
	// FindContiguousCeiling returns the highest s >= from such that every
	// sequence in from+1..s exists.
	FindContiguousCeiling(ctx context.Context, from int64) (int64, error)
	// FindSafeStartMark returns the highest sequence, not below from, of
	// the events written at or before staleBefore.
	FindSafeStartMark(ctx context.Context, from int64, staleBefore time.Time) (int64, error)
	MarkHighWater(ctx context.Context, sequence int64) error
}

// EventRequest asks a loader for the page after Floor.
type EventRequest struct {
	Shard        ShardName
	Floor        int64
	HighWater    int64
	BatchSize    int
	ErrorOptions ErrorHandlingOptions
}

// SkippedEvent is an event the loader could not decode and skipped per the
// request's error options.
type SkippedEvent struct {
	Sequence  int64
	EventType string
	Err       error
}

// EventPage is a loaded run of events. Ceiling is the last sequence
// considered, which is HighWater when the page is not full.
type EventPage struct {
	Floor   int64
	Ceiling int64
	Events  []*events.Event
	Skipped []SkippedEvent
}

// EventLoader reads pages of events.
type EventLoader interface {
	LoadEvents(ctx context.Context, req EventRequest) (*EventPage, error)
}

// ProjectionBatch is the unit of work a range is written into.
type ProjectionBatch interface {
	// RecordProgress stages the range's ceiling as the progress of its shard.
	RecordProgress(ctx context.Context, r *EventRange) error
	// Execute commits the staged work.
	Execute(ctx context.Context) error
	// Close releases the batch. Uncommitted work is discarded.
	Close(ctx context.Context) error
}

// ScopedBatch is implemented by shared batches that can give one composite
// leaf a private buffer. Work staged in a scope reaches the shared batch
// only through Merge.
type ScopedBatch interface {
	Scope() ProjectionBatch
	Merge(scope ProjectionBatch) error
}

// BatchFactory starts batches for executions that do not build their own.
type BatchFactory interface {
	StartBatch(ctx context.Context, r *EventRange) (ProjectionBatch, error)
}

// PseudoEventSource is implemented by batches that can describe the
// documents a shard wrote as events for downstream composite stages.
type PseudoEventSource interface {
	PseudoEventsFor(shardIdentity string) []*events.Event
}

// SubscriptionAgent is the owner of an execution. It receives the outcome
// of each range.
type SubscriptionAgent interface {
	Name() ShardName
	Mode() ShardExecutionMode
	MarkSuccess(ceiling int64)
	MarkSkipped(ctx context.Context, e *events.Event, err error)
	ReportCriticalFailure(err error)
}

// ReplayRequest asks a replay executor to rebuild a shard up to Ceiling.
type ReplayRequest struct {
	Shard        ShardName
	Loader       EventLoader
	Floor        int64
	Ceiling      int64
	BatchSize    int
	ErrorOptions ErrorHandlingOptions
	Agent        SubscriptionAgent
}

// ReplayExecutor rebuilds a shard synchronously, bypassing the agent's
// fetch loop.
type ReplayExecutor interface {
	Replay(ctx context.Context, req ReplayRequest) error
}

// SubscriptionExecution processes the ranges of one shard.
type SubscriptionExecution interface {
	ShardIdentity() string
	DatabaseName() string
	EnsureStorageExists(ctx context.Context) error
	Enqueue(page *EventPage, agent SubscriptionAgent) error
	StopAndDrain(ctx context.Context) error
	HardStop(ctx context.Context) error
	TryBuildReplayExecutor() (ReplayExecutor, bool)
}

// DeadLetter records an event skipped by a shard.
type DeadLetter struct {
	Shard     string
	Sequence  int64
	EventID   string
	EventType string
	Error     string
	Timestamp time.Time
}

type DeadLetterStore interface {
	Record(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, shard string) ([]DeadLetter, error)
}
