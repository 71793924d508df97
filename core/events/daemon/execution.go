package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JasperFx/jasperfx-sub002/core/block"
	"github.com/JasperFx/jasperfx-sub002/core/events"
)

const tracerName = "github.com/JasperFx/jasperfx-sub002/core/events/daemon"

type executionOpts struct {
	log              *slog.Logger
	metrics          Metrics
	tracer           trace.Tracer
	database         string
	continuousErrors ErrorHandlingOptions
	rebuildErrors    ErrorHandlingOptions
}

func newExecutionOpts(opts []ExecutionOption) executionOpts {
	settings := DefaultDaemonSettings()
	o := executionOpts{
		log:              slog.Default(),
		metrics:          NopMetrics(),
		database:         "default",
		continuousErrors: settings.ContinuousErrors,
		rebuildErrors:    settings.RebuildErrors,
	}
	for _, opt := range opts {
		opt.applyToExecution(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

func (o executionOpts) errorsFor(mode ShardExecutionMode) ErrorHandlingOptions {
	if mode == Rebuild {
		return o.rebuildErrors
	}
	return o.continuousErrors
}

// executionCore is the queue discipline shared by all executions: ranges
// are processed one at a time in the order they were enqueued.
type executionCore struct {
	shard ShardName
	opts  executionOpts
	log   *slog.Logger
	queue *block.Queue[*EventRange]

	process func(ctx context.Context, r *EventRange) error
}

func newExecutionCore(shard ShardName, process func(context.Context, *EventRange) error, opts []ExecutionOption) *executionCore {
	o := newExecutionOpts(opts)
	c := &executionCore{
		shard:   shard,
		opts:    o,
		log:     o.log.With(slog.String("shard", shard.Identity()), slog.String("database", o.database)),
		process: process,
	}
	c.queue = block.New(context.Background(), c.executeRange, block.WithPanicHandler(func(r any, stack []byte) {
		c.log.Error("range execution panicked", slog.Any("panic", r), slog.String("stack", string(stack)))
	}))
	return c
}

func (c *executionCore) ShardIdentity() string { return c.shard.Identity() }
func (c *executionCore) DatabaseName() string  { return c.opts.database }

// Enqueue wraps page into a range and posts it for execution.
func (c *executionCore) Enqueue(page *EventPage, agent SubscriptionAgent) error {
	return c.EnqueueRange(RangeFor(c.shard, page, agent))
}

func (c *executionCore) EnqueueRange(r *EventRange) error {
	if err := c.queue.Post(r); err != nil {
		return fmt.Errorf("%w: %s", ErrQueueCompleted, c.shard.Identity())
	}
	return nil
}

// StopAndDrain stops accepting ranges, waits for the queued ones and then
// cancels the execution.
func (c *executionCore) StopAndDrain(ctx context.Context) error {
	c.queue.Complete()
	err := c.queue.Wait(ctx)
	c.queue.Cancel()
	return err
}

// HardStop stops accepting ranges and cancels without waiting.
func (c *executionCore) HardStop(context.Context) error {
	c.queue.Complete()
	c.queue.Cancel()
	return nil
}

func (c *executionCore) executeRange(ctx context.Context, r *EventRange) {
	if ctx.Err() != nil {
		return
	}

	ctx, span := c.opts.tracer.Start(ctx, "projection.execute", trace.WithAttributes(
		attribute.String("shard", c.shard.Identity()),
		attribute.Int64("floor", r.Floor),
		attribute.Int64("ceiling", r.Ceiling),
		attribute.Int("events", len(r.Events)),
	))
	defer span.End()

	timer := c.opts.metrics.ExecutionDuration(c.shard.Identity())
	defer func() {
		timer.ObserveDuration()
		c.opts.metrics.EventsProcessed(c.shard.Identity(), len(r.Events))
	}()

	err := c.processWithSkips(ctx, r)
	switch {
	case err == nil:
		c.log.Debug("range executed", slog.Int64("floor", r.Floor), slog.Int64("ceiling", r.Ceiling), slog.Int("events", len(r.Events)))
		if r.Agent != nil {
			r.Agent.MarkSuccess(r.Ceiling)
		}
	case isCancellation(ctx, err):
		c.log.Debug("range execution cancelled", slog.Int64("floor", r.Floor))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.opts.metrics.RangeFailed(c.shard.Identity())
		c.log.Error("failed to execute range",
			slog.Int64("floor", r.Floor),
			slog.Int64("ceiling", r.Ceiling),
			slog.Any("error", err),
		)
		if r.Agent != nil {
			r.Agent.ReportCriticalFailure(err)
		}
	}
}

// processWithSkips runs process and, when apply errors may be skipped,
// removes the failing event and retries.
func (c *executionCore) processWithSkips(ctx context.Context, r *EventRange) error {
	for {
		err := c.process(ctx, r)
		if err == nil {
			return nil
		}

		var aerr *events.ApplyEventError
		if !errors.As(err, &aerr) || !c.opts.errorsFor(r.Mode).SkipApplyErrors || !slices.Contains(r.Events, aerr.Event) {
			return err
		}

		c.log.Warn("skipping event that failed to apply",
			slog.Group("event",
				slog.Int64("seq", aerr.Event.Sequence),
				slog.String("type", aerr.Event.EventType),
				slog.String("id", aerr.Event.ID.String()),
			),
			slog.Any("error", aerr.Err),
		)
		c.opts.metrics.EventSkipped(c.shard.Identity(), "apply")
		if r.Agent != nil {
			r.Agent.MarkSkipped(ctx, aerr.Event, err)
		}
		r.SkipEvent(aerr.Event)
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || ctx.Err() != nil
}
