package daemon

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Position is where a shard starts reading. IsNew tells the shard to treat
// the run as a fresh start rather than a resumption.
type Position struct {
	Sequence int64
	IsNew    bool
}

type subscriptionStrategy int

const (
	strategyDefault subscriptionStrategy = iota
	strategyFromPresent
	strategyFromTime
	strategyFromSequence
	strategyInlineToAsync
)

// AsyncOptions configures how an asynchronous projection or subscription
// consumes events. At most one Subscribe* constraint is active; the last
// call wins.
type AsyncOptions struct {
	// BatchSize is the maximum number of events per loaded page.
	BatchSize int
	// MaximumHopperSize bounds the number of events loaded but not yet
	// committed by a shard.
	MaximumHopperSize int

	strategy     subscriptionStrategy
	databases    []string
	fromTime     time.Time
	fromSequence int64
}

func NewAsyncOptions() *AsyncOptions {
	return &AsyncOptions{BatchSize: 500, MaximumHopperSize: 5000}
}

// SubscribeFromPresent starts new shards at the current high-water mark,
// optionally only for the named databases.
func (o *AsyncOptions) SubscribeFromPresent(databases ...string) *AsyncOptions {
	o.strategy = strategyFromPresent
	o.databases = databases
	return o
}

// SubscribeFromTime starts at the first event written at or after t.
func (o *AsyncOptions) SubscribeFromTime(t time.Time) *AsyncOptions {
	o.strategy = strategyFromTime
	o.fromTime = t
	return o
}

// SubscribeFromSequence starts after sequence.
func (o *AsyncOptions) SubscribeFromSequence(sequence int64) *AsyncOptions {
	o.strategy = strategyFromSequence
	o.fromSequence = sequence
	return o
}

// SubscribeAsInlineToAsync is for projections that used to run inline: the
// first run skips catch-up and starts at the highest existing sequence.
func (o *AsyncOptions) SubscribeAsInlineToAsync() *AsyncOptions {
	o.strategy = strategyInlineToAsync
	return o
}

func (o *AsyncOptions) batchSize() int {
	if o == nil || o.BatchSize <= 0 {
		return 500
	}
	return o.BatchSize
}

func (o *AsyncOptions) hopperSize() int64 {
	if o == nil || o.MaximumHopperSize <= 0 {
		return 5000
	}
	return int64(o.MaximumHopperSize)
}

// DetermineStartingPosition resolves where shard starts in mode. A shard
// that already progressed past a time or sequence constraint is never
// rewound.
func (o *AsyncOptions) DetermineStartingPosition(ctx context.Context, highWaterMark int64, shard ShardName, mode ShardExecutionMode, db EventDatabase) (Position, error) {
	strategy := strategyDefault
	if o != nil {
		strategy = o.strategy
	}

	if mode == Rebuild {
		switch strategy {
		case strategyFromTime:
			floor, found, err := db.FindEventStoreFloorAtTime(ctx, o.fromTime)
			if err != nil {
				return Position{}, fmt.Errorf("resolve floor at %s: %w", o.fromTime, err)
			}
			if !found {
				return Position{Sequence: 0, IsNew: true}, nil
			}
			return Position{Sequence: floor, IsNew: true}, nil
		case strategyFromSequence:
			return Position{Sequence: o.fromSequence, IsNew: true}, nil
		default:
			return Position{Sequence: 0, IsNew: true}, nil
		}
	}

	if strategy == strategyFromPresent && (len(o.databases) == 0 || slices.Contains(o.databases, db.Identifier())) {
		return Position{Sequence: highWaterMark, IsNew: true}, nil
	}

	progress, err := db.ProjectionProgressFor(ctx, shard)
	if err != nil {
		return Position{}, fmt.Errorf("load progress of %s: %w", shard.Identity(), err)
	}

	switch strategy {
	case strategyFromTime:
		floor, found, err := db.FindEventStoreFloorAtTime(ctx, o.fromTime)
		if err != nil {
			return Position{}, fmt.Errorf("resolve floor at %s: %w", o.fromTime, err)
		}
		if !found || progress >= floor {
			return Position{Sequence: progress}, nil
		}
		return Position{Sequence: floor, IsNew: true}, nil

	case strategyFromSequence:
		if progress >= o.fromSequence {
			return Position{Sequence: progress}, nil
		}
		return Position{Sequence: o.fromSequence, IsNew: true}, nil

	case strategyInlineToAsync:
		if progress > 0 {
			return Position{Sequence: progress}, nil
		}
		highest, err := db.FetchHighestEventSequenceNumber(ctx)
		if err != nil {
			return Position{}, fmt.Errorf("fetch highest sequence: %w", err)
		}
		return Position{Sequence: highest, IsNew: true}, nil
	}

	return Position{Sequence: progress}, nil
}
