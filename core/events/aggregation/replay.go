package aggregation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
)

// replayExecutor rebuilds a shard page by page without going through the
// agent's fetch loop.
type replayExecutor[TDoc any, TId comparable] struct {
	runner *Runner[TDoc, TId]
}

func (x *replayExecutor[TDoc, TId]) Replay(ctx context.Context, req daemon.ReplayRequest) error {
	floor := req.Floor
	for floor < req.Ceiling {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := req.Loader.LoadEvents(ctx, daemon.EventRequest{
			Shard:        req.Shard,
			Floor:        floor,
			HighWater:    req.Ceiling,
			BatchSize:    req.BatchSize,
			ErrorOptions: req.ErrorOptions,
		})
		if err != nil {
			return err
		}
		if req.Agent != nil {
			for _, s := range page.Skipped {
				req.Agent.MarkSkipped(ctx, &events.Event{Sequence: s.Sequence, EventType: s.EventType}, s.Err)
			}
		}

		rng := daemon.RangeFor(req.Shard, page, req.Agent)
		rng.Mode = daemon.Rebuild
		if err := x.page(ctx, rng, req.ErrorOptions); err != nil {
			return fmt.Errorf("replay %s: %w", rng, err)
		}
		if req.Agent != nil {
			req.Agent.MarkSuccess(page.Ceiling)
		}
		if page.Ceiling <= floor {
			break
		}
		floor = page.Ceiling
	}
	return nil
}

func (x *replayExecutor[TDoc, TId]) page(ctx context.Context, rng *daemon.EventRange, opts daemon.ErrorHandlingOptions) error {
	for {
		err := x.apply(ctx, rng)
		var aerr *events.ApplyEventError
		if err == nil || !opts.SkipApplyErrors || !errors.As(err, &aerr) || !slices.Contains(rng.Events, aerr.Event) {
			return err
		}
		if rng.Agent != nil {
			rng.Agent.MarkSkipped(ctx, aerr.Event, err)
		}
		rng.SkipEvent(aerr.Event)
	}
}

func (x *replayExecutor[TDoc, TId]) apply(ctx context.Context, rng *daemon.EventRange) error {
	groups, err := x.runner.GroupEvents(ctx, rng)
	if err != nil {
		return err
	}
	batch, err := x.runner.BuildBatch(ctx, rng, groups)
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close(ctx) }()
	return x.runner.ExecuteBatch(ctx, batch)
}
