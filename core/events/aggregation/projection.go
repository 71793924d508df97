package aggregation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/JasperFx/jasperfx-sub002/core/cache"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/events/slicing"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
)

// Projection is an asynchronous aggregation: events are sliced by identity
// and folded into one document per identity.
type Projection[TDoc any, TId comparable] struct {
	name      string
	version   uint
	options   *daemon.AsyncOptions
	app       *Application[TDoc, *Session]
	slicer    slicing.Slicer[TDoc, TId]
	docs      storage.DocumentStore[TDoc, TId]
	batches   storage.BatchFactory
	cacheSize int
	log       *slog.Logger

	mu     sync.Mutex
	caches map[string]cache.Cache[docKey[TId], TDoc]
}

func NewProjection[TDoc any, TId comparable](name string, slicer slicing.Slicer[TDoc, TId], docs storage.DocumentStore[TDoc, TId], batches storage.BatchFactory) *Projection[TDoc, TId] {
	return &Projection[TDoc, TId]{
		name:    name,
		version: 1,
		options: daemon.NewAsyncOptions(),
		app:     NewApplication[TDoc, *Session](),
		slicer:  slicer,
		docs:    docs,
		batches: batches,
		log:     slog.Default(),
		caches:  map[string]cache.Cache[docKey[TId], TDoc]{},
	}
}

// Application is the handler table; register Create and Apply handlers on
// it before the projection runs.
func (p *Projection[TDoc, TId]) Application() *Application[TDoc, *Session] { return p.app }

// Version bumps the shard version; a new version replays from zero.
func (p *Projection[TDoc, TId]) Version(v uint) *Projection[TDoc, TId] {
	p.version = v
	return p
}

// CacheSize keeps up to n committed documents per shard between ranges.
// Zero disables the cache.
func (p *Projection[TDoc, TId]) CacheSize(n int) *Projection[TDoc, TId] {
	p.cacheSize = n
	return p
}

func (p *Projection[TDoc, TId]) WithLog(log *slog.Logger) *Projection[TDoc, TId] {
	p.log = log
	return p
}

func (p *Projection[TDoc, TId]) Name() string                                { return p.name }
func (p *Projection[TDoc, TId]) Options() *daemon.AsyncOptions               { return p.options }
func (p *Projection[TDoc, TId]) Documents() storage.DocumentStore[TDoc, TId] { return p.docs }

func (p *Projection[TDoc, TId]) ShardNames() []daemon.ShardName {
	return []daemon.ShardName{{Name: p.name, ShardKey: daemon.AllShards, Version: p.version}}
}

// Runner builds the runner for shard.
func (p *Projection[TDoc, TId]) Runner(shard daemon.ShardName) *Runner[TDoc, TId] {
	return &Runner[TDoc, TId]{
		shard:   shard,
		app:     p.app,
		slicer:  p.slicer,
		docs:    p.docs,
		batches: p.batches,
		cache:   p.cacheFor(shard),
		log:     p.log.With(slog.String("projection", p.name), slog.String("shard", shard.Identity())),
	}
}

func (p *Projection[TDoc, TId]) BuildExecution(shard daemon.ShardName, opts ...daemon.ExecutionOption) (daemon.SubscriptionExecution, error) {
	return daemon.NewGroupedProjectionExecution(p.Runner(shard), opts...), nil
}

func (p *Projection[TDoc, TId]) BuildLeaf(shard daemon.ShardName, opts ...daemon.ExecutionOption) (daemon.CompositeLeaf, error) {
	return daemon.NewGroupedProjectionExecution(p.Runner(shard), opts...), nil
}

// Teardown deletes the documents and the progress of shard.
func (p *Projection[TDoc, TId]) Teardown(ctx context.Context, shard daemon.ShardName) error {
	p.cacheFor(shard).Purge()
	return errors.Join(
		p.docs.Teardown(ctx),
		p.batches.Progress.DeleteProgress(ctx, shard.Identity()),
	)
}

func (p *Projection[TDoc, TId]) cacheFor(shard daemon.ShardName) cache.Cache[docKey[TId], TDoc] {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.caches[shard.Identity()]
	if !ok {
		if p.cacheSize > 0 {
			c = cache.NewLRU[docKey[TId], TDoc](cache.LRUOpts{Size: p.cacheSize})
		} else {
			c = cache.NewNop[docKey[TId], TDoc]()
		}
		p.caches[shard.Identity()] = c
	}
	return c
}

var (
	_ daemon.ProjectionSource = (*Projection[struct{}, string])(nil)
	_ daemon.LeafSource       = (*Projection[struct{}, string])(nil)
)
