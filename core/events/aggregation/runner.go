package aggregation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/JasperFx/jasperfx-sub002/core/cache"
	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/events/slicing"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
)

type docKey[TId comparable] struct {
	tenant string
	id     TId
}

type sliceResult[TDoc any, TId comparable] struct {
	key     docKey[TId]
	doc     TDoc
	existed bool
}

// Runner aggregates the slices of a range into documents. It is the
// grouped runner behind every aggregation projection.
type Runner[TDoc any, TId comparable] struct {
	shard   daemon.ShardName
	app     *Application[TDoc, *Session]
	slicer  slicing.Slicer[TDoc, TId]
	docs    storage.DocumentStore[TDoc, TId]
	batches storage.BatchFactory
	cache   cache.Cache[docKey[TId], TDoc]
	log     *slog.Logger
}

func (r *Runner[TDoc, TId]) ShardName() daemon.ShardName { return r.shard }

func (r *Runner[TDoc, TId]) EnsureStorageExists(ctx context.Context) error {
	if s, ok := r.docs.(interface{ EnsureStorage(context.Context) error }); ok {
		return s.EnsureStorage(ctx)
	}
	return nil
}

func (r *Runner[TDoc, TId]) GroupEvents(_ context.Context, rng *daemon.EventRange) ([]*slicing.SliceGroup[TDoc, TId], error) {
	return slicing.GroupByTenant(rng.Events, r.slicer, func(e *events.Event) {
		r.log.Debug("event has no identity", slog.Group("event",
			slog.Int64("seq", e.Sequence),
			slog.String("type", e.EventType),
		))
	})
}

// BuildBatch applies every slice and stages the results. Nothing is staged
// unless every slice applied, so a retry after a skipped event starts
// clean.
func (r *Runner[TDoc, TId]) BuildBatch(ctx context.Context, rng *daemon.EventRange, groups []*slicing.SliceGroup[TDoc, TId]) (*storage.Batch, error) {
	batch, owned, err := r.batchFor(ctx, rng)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*storage.Batch, error) {
		if owned {
			_ = batch.Close(ctx)
		}
		return nil, err
	}

	upstream := rng.Upstream()
	var results []sliceResult[TDoc, TId]
	for _, g := range groups {
		session := &Session{TenantID: g.TenantID, Shard: r.shard, batch: batch, upstream: upstream}
		for _, slice := range g.Slices() {
			key := docKey[TId]{tenant: g.TenantID, id: slice.ID}
			snapshot, existed, err := r.Load(ctx, batch, g.TenantID, slice.ID)
			if err != nil {
				return fail(fmt.Errorf("load %v: %w", slice.ID, err))
			}
			// the snapshot may be mutated in place from here on
			r.cache.Delete(key)

			doc, err := r.app.ApplyAll(ctx, snapshot, slice.Events(), session)
			if err != nil {
				return fail(err)
			}
			results = append(results, sliceResult[TDoc, TId]{key: key, doc: doc, existed: existed})
		}
	}

	identity := r.shard.Identity()
	for _, res := range results {
		switch {
		case !IsDeleted(res.doc):
			err = r.docs.Store(batch, identity, res.key.tenant, res.key.id, res.doc)
		case res.existed:
			err = r.docs.Delete(batch, identity, res.key.tenant, res.key.id)
		default:
			continue
		}
		if err != nil {
			return fail(err)
		}
	}

	if err := batch.RecordProgress(ctx, rng); err != nil {
		return fail(err)
	}
	batch.OnCommitted(func() {
		for _, res := range results {
			if IsDeleted(res.doc) {
				r.cache.Delete(res.key)
				continue
			}
			r.cache.Put(res.key, res.doc)
		}
	})
	return batch, nil
}

func (r *Runner[TDoc, TId]) batchFor(ctx context.Context, rng *daemon.EventRange) (*storage.Batch, bool, error) {
	if rng.BatchBehavior == daemon.BatchComposite {
		b, ok := rng.ActiveBatch.(*storage.Batch)
		if !ok {
			return nil, false, fmt.Errorf("%s: composite batch is %T, not *storage.Batch", r.shard.Identity(), rng.ActiveBatch)
		}
		return b, false, nil
	}
	b, err := r.batches.StartBatch(ctx, rng)
	if err != nil {
		return nil, false, err
	}
	return b.(*storage.Batch), true, nil
}

func (r *Runner[TDoc, TId]) ExecuteBatch(ctx context.Context, batch *storage.Batch) error {
	return batch.Execute(ctx)
}

func (r *Runner[TDoc, TId]) TryBuildReplayExecutor() (daemon.ReplayExecutor, bool) {
	return &replayExecutor[TDoc, TId]{runner: r}, true
}

// Load returns the current document: the write staged in batch if any,
// then the cached snapshot, then the stored one.
func (r *Runner[TDoc, TId]) Load(ctx context.Context, batch *storage.Batch, tenantID string, id TId) (TDoc, bool, error) {
	var zero TDoc
	if batch != nil {
		if op, ok := batch.Pending(r.docs.DocType(), tenantID, id); ok {
			if op.Kind == storage.OpDelete {
				return zero, false, nil
			}
			return op.Doc.(TDoc), true, nil
		}
	}
	if doc, ok := r.cache.Get(docKey[TId]{tenant: tenantID, id: id}); ok {
		return doc, true, nil
	}
	return r.docs.Load(ctx, tenantID, id)
}

var _ daemon.GroupedProjectionRunner[*storage.Batch, []*slicing.SliceGroup[struct{}, string]] = (*Runner[struct{}, string])(nil)
