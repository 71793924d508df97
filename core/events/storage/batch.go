package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
)

var (
	ErrBatchClosed    = errors.New("batch is closed")
	ErrBatchCommitted = errors.New("batch is already committed")
	ErrBatchScoped    = errors.New("scoped batch commits through its parent")
)

// OpKind is the kind of a staged write.
type OpKind int

const (
	OpStore OpKind = iota
	OpDelete
)

// Op is one staged document write.
type Op struct {
	Shard    string
	Kind     OpKind
	DocType  string
	TenantID string
	ID       any
	Doc      any
	// Event is the pseudo-event describing the write to downstream stages.
	Event *events.Event

	write func(ctx context.Context) error
}

// Transactor runs fn atomically.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TransactorFunc adapts a function to Transactor.
type TransactorFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f TransactorFunc) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// MutexTransactor serializes commits in memory.
type MutexTransactor struct{ mu sync.Mutex }

func (t *MutexTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(ctx)
}

// Batch stages writes and progress for one range, or for a whole composite
// range when shared by its leaves. Staging is safe for concurrent use.
type Batch struct {
	id       string
	tx       Transactor
	progress ProgressStore
	parent   *Batch

	mu          sync.Mutex
	ops         []Op
	marks       map[string]int64
	onCommitted []func()
	committed   bool
	closed      bool
}

func NewBatch(tx Transactor, progress ProgressStore) *Batch {
	return &Batch{
		id:       gonanoid.Must(10),
		tx:       tx,
		progress: progress,
		marks:    map[string]int64{},
	}
}

func (b *Batch) ID() string { return b.id }

// Stage adds op. The write runs when the batch executes.
func (b *Batch) Stage(op Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}
	b.ops = append(b.ops, op)
	return nil
}

// OnCommitted registers fn to run after a successful commit.
func (b *Batch) OnCommitted(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCommitted = append(b.onCommitted, fn)
}

func (b *Batch) RecordProgress(_ context.Context, r *daemon.EventRange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}
	b.marks[r.ShardName.Identity()] = r.Ceiling
	return nil
}

// Progress returns the staged progress marks.
func (b *Batch) Progress() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int64, len(b.marks))
	for k, v := range b.marks {
		out[k] = v
	}
	return out
}

// Operations returns the staged writes in staging order.
func (b *Batch) Operations() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Op(nil), b.ops...)
}

// Scope returns a batch staging into its own buffer. Its work joins b on
// Merge; a scope that is never merged is dropped.
func (b *Batch) Scope() daemon.ProjectionBatch {
	return &Batch{
		id:       b.id + "." + gonanoid.Must(6),
		tx:       b.tx,
		progress: b.progress,
		parent:   b,
		marks:    map[string]int64{},
	}
}

// Merge appends the writes, progress and commit hooks of a scope created
// by b. The scope is closed afterwards.
func (b *Batch) Merge(scope daemon.ProjectionBatch) error {
	s, ok := scope.(*Batch)
	if !ok || s.parent != b {
		return fmt.Errorf("batch %s cannot merge %T", b.id, scope)
	}

	s.mu.Lock()
	if err := s.checkOpen(); err != nil {
		s.mu.Unlock()
		return err
	}
	ops, marks, hooks := s.ops, s.marks, s.onCommitted
	s.closed = true
	s.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}
	b.ops = append(b.ops, ops...)
	maps.Copy(b.marks, marks)
	b.onCommitted = append(b.onCommitted, hooks...)
	return nil
}

// Pending returns the last staged write for a document. A scope also
// sees the writes of its parent.
func (b *Batch) Pending(docType, tenantID string, id any) (Op, bool) {
	b.mu.Lock()
	for i := len(b.ops) - 1; i >= 0; i-- {
		op := b.ops[i]
		if op.DocType == docType && op.TenantID == tenantID && op.ID == id {
			b.mu.Unlock()
			return op, true
		}
	}
	b.mu.Unlock()
	if b.parent != nil {
		return b.parent.Pending(docType, tenantID, id)
	}
	return Op{}, false
}

// PseudoEventsFor returns the pseudo-events of the writes staged by shard.
func (b *Batch) PseudoEventsFor(shardIdentity string) []*events.Event {
	var out []*events.Event
	if b.parent != nil {
		out = b.parent.PseudoEventsFor(shardIdentity)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range b.ops {
		if op.Shard == shardIdentity && op.Event != nil {
			out = append(out, op.Event)
		}
	}
	return out
}

// Execute commits writes and progress in one transaction.
func (b *Batch) Execute(ctx context.Context) error {
	if b.parent != nil {
		return ErrBatchScoped
	}
	b.mu.Lock()
	if err := b.checkOpen(); err != nil {
		b.mu.Unlock()
		return err
	}
	ops := append([]Op(nil), b.ops...)
	marks := make(map[string]int64, len(b.marks))
	for k, v := range b.marks {
		marks[k] = v
	}
	b.mu.Unlock()

	err := b.tx.InTx(ctx, func(ctx context.Context) error {
		for _, op := range ops {
			if op.write == nil {
				continue
			}
			if err := op.write(ctx); err != nil {
				return fmt.Errorf("%s %v: %w", op.DocType, op.ID, err)
			}
		}
		for shard, seq := range marks {
			if err := b.progress.SaveProgress(ctx, shard, seq); err != nil {
				return fmt.Errorf("save progress of %s: %w", shard, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.committed = true
	hooks := b.onCommitted
	b.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Close discards uncommitted work.
func (b *Batch) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.ops = nil
	b.onCommitted = nil
	return nil
}

func (b *Batch) checkOpen() error {
	if b.closed {
		return ErrBatchClosed
	}
	if b.committed {
		return ErrBatchCommitted
	}
	return nil
}

// BatchFactory starts batches sharing one transactor and progress store.
type BatchFactory struct {
	Tx       Transactor
	Progress ProgressStore
}

func (f BatchFactory) StartBatch(context.Context, *daemon.EventRange) (daemon.ProjectionBatch, error) {
	return NewBatch(f.Tx, f.Progress), nil
}

var (
	_ daemon.ProjectionBatch   = (*Batch)(nil)
	_ daemon.PseudoEventSource = (*Batch)(nil)
	_ daemon.ScopedBatch       = (*Batch)(nil)
	_ daemon.BatchFactory      = BatchFactory{}
)
