// Package aggregation builds aggregate snapshots from events.
//
// An [Application] is a table of Create and Apply handlers for one document
// type. Handlers are plain Go functions or methods; their parameters are
// bound by type once, at registration, to one of these roles: the event
// payload, a [events.Typed] wrapper, the raw *[events.Event], the session,
// the current snapshot (Apply only) or a context.Context.
//
// Create handlers are searched in this order:
//
//  1. constructors taking the payload (AddConstructor)
//  2. constructors taking a Typed wrapper (AddConstructor)
//  3. Create* methods on the document (UseAggregateMethods)
//  4. Create* methods on a projection object and explicit Create funcs
//  5. the default constructor followed by Apply
//
// Apply handlers follow the same order from step 3. A handler returning a
// nil document deletes the aggregate, so TDoc must be a pointer, interface,
// map or slice type.
package aggregation

import (
	"context"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/sf"
)

type resolution struct {
	h *handler
}

type cacheKey struct {
	kind handlerKind
	t    reflect.Type
}

// Application resolves and runs Create/Apply handlers for TDoc.
type Application[TDoc any, TSession any] struct {
	b binder

	mu       sync.RWMutex
	creates  []*handler
	applies  []*handler
	newBlank func() TDoc
	invalid  error

	resolved sync.Map // cacheKey -> resolution
	flight   *sf.Singleflight[resolution]
}

func NewApplication[TDoc any, TSession any]() *Application[TDoc, TSession] {
	a := &Application[TDoc, TSession]{
		b:      newBinder(reflect.TypeFor[TDoc](), reflect.TypeFor[TSession]()),
		flight: sf.New[resolution](),
	}
	if !a.b.nilable {
		a.invalid = a.b.configErr("document", "%v cannot be nil, use a pointer document", a.b.docType)
		return a
	}
	if a.b.docIsPtr && a.b.docBase.Kind() == reflect.Struct {
		a.newBlank = func() TDoc { return reflect.New(a.b.docBase).Interface().(TDoc) }
	}
	return a
}

// SetDefaultConstructor replaces the constructor used when no Create
// handler matches. nil disables the fallback.
func (a *Application[TDoc, TSession]) SetDefaultConstructor(fn func() TDoc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.newBlank = fn
}

// AddConstructor registers a function building a new document from an event,
// e.g. func(TripStarted) *Trip or func(events.Typed[TripStarted]) *Trip.
func (a *Application[TDoc, TSession]) AddConstructor(fn any) error {
	h, err := a.b.bind(funcName(fn), kindCreate, priorityCtorData, reflect.ValueOf(fn), receiverNone)
	if err != nil {
		return err
	}
	if h.wrapper != nil {
		h.priority = priorityCtorTyped
	}
	return a.add(h)
}

// AddCreate registers an explicit Create function.
func (a *Application[TDoc, TSession]) AddCreate(fn any) error {
	h, err := a.b.bind(funcName(fn), kindCreate, priorityProjection, reflect.ValueOf(fn), receiverNone)
	if err != nil {
		return err
	}
	return a.add(h)
}

// AddApply registers an explicit Apply function, e.g.
// func(*Trip, TripMoved) or func(Trip, TripMoved, Session) (Trip, error).
func (a *Application[TDoc, TSession]) AddApply(fn any) error {
	h, err := a.b.bind(funcName(fn), kindApply, priorityProjection, reflect.ValueOf(fn), receiverNone)
	if err != nil {
		return err
	}
	return a.add(h)
}

// UseAggregateMethods registers every method of *TDoc named Create* or
// Apply*. Create methods run on a blank document, Apply methods on the
// current snapshot.
func (a *Application[TDoc, TSession]) UseAggregateMethods() error {
	if a.invalid != nil {
		return a.invalid
	}
	if a.b.docBase.Kind() == reflect.Interface {
		return a.b.configErr("methods", "interface documents have no methods to scan")
	}
	pt := reflect.PointerTo(a.b.docBase)
	for i := range pt.NumMethod() {
		m := pt.Method(i)
		kind, ok := kindOf(m.Name)
		if !ok {
			continue
		}
		h, err := a.b.bind(pt.String()+"."+m.Name, kind, priorityAggregate, m.Func, receiverDoc)
		if err != nil {
			return err
		}
		if err := a.add(h); err != nil {
			return err
		}
	}
	return nil
}

// UseProjectionMethods registers every method of p named Create* or Apply*.
func (a *Application[TDoc, TSession]) UseProjectionMethods(p any) error {
	v := reflect.ValueOf(p)
	t := v.Type()
	for i := range t.NumMethod() {
		m := t.Method(i)
		kind, ok := kindOf(m.Name)
		if !ok {
			continue
		}
		h, err := a.b.bind(t.String()+"."+m.Name, kind, priorityProjection, v.Method(i), receiverNone)
		if err != nil {
			return err
		}
		if err := a.add(h); err != nil {
			return err
		}
	}
	return nil
}

func kindOf(method string) (handlerKind, bool) {
	switch {
	case strings.HasPrefix(method, "Create"):
		return kindCreate, true
	case strings.HasPrefix(method, "Apply"):
		return kindApply, true
	}
	return 0, false
}

func (a *Application[TDoc, TSession]) add(h *handler) error {
	if a.invalid != nil {
		return a.invalid
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	list := &a.applies
	if h.kind == kindCreate {
		list = &a.creates
	}
	for _, other := range *list {
		if other.priority == h.priority && other.dataType == h.dataType {
			return a.b.configErr(h.name, "%s for %v already registered by %s", h.kind, h.dataType, other.name)
		}
	}
	*list = append(*list, h)
	slices.SortStableFunc(*list, func(x, y *handler) int { return x.priority - y.priority })

	a.resolved.Clear()
	return nil
}

// EventTypes lists the payload types with at least one handler.
func (a *Application[TDoc, TSession]) EventTypes() []reflect.Type {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []reflect.Type
	for _, h := range slices.Concat(a.creates, a.applies) {
		if !slices.Contains(out, h.dataType) {
			out = append(out, h.dataType)
		}
	}
	return out
}

// Handles reports whether any handler accepts payloads of type t.
func (a *Application[TDoc, TSession]) Handles(t reflect.Type) bool {
	return a.lookup(kindCreate, t) != nil || a.lookup(kindApply, t) != nil
}

// lookup returns the cached handler for t. The first lookup of a type
// resolves it once; concurrent first lookups share the work.
func (a *Application[TDoc, TSession]) lookup(kind handlerKind, t reflect.Type) *handler {
	if t == nil {
		return nil
	}
	key := cacheKey{kind: kind, t: t}
	if r, ok := a.resolved.Load(key); ok {
		return r.(resolution).h
	}

	r, _, _ := a.flight.Do(kind.String()+"|"+t.PkgPath()+"|"+t.String(), func() (resolution, error) {
		return resolution{h: a.resolve(kind, t)}, nil
	})
	actual, _ := a.resolved.LoadOrStore(key, r)
	return actual.(resolution).h
}

func (a *Application[TDoc, TSession]) resolve(kind handlerKind, t reflect.Type) *handler {
	a.mu.RLock()
	defer a.mu.RUnlock()

	list := a.applies
	if kind == kindCreate {
		list = a.creates
	}
	for _, exact := range []bool{true, false} {
		for _, h := range list {
			if h.matches(t, exact) {
				return h
			}
		}
	}
	return nil
}

// Create builds a new document from e.
func (a *Application[TDoc, TSession]) Create(ctx context.Context, e *events.Event, session TSession) (TDoc, error) {
	var zero TDoc
	t := e.DataType()
	if h := a.lookup(kindCreate, t); h != nil {
		return invoke(ctx, a.b, h, zero, e, session)
	}

	a.mu.RLock()
	newBlank := a.newBlank
	a.mu.RUnlock()

	if h := a.lookup(kindApply, t); h != nil && newBlank != nil {
		return invoke(ctx, a.b, h, newBlank(), e, session)
	}
	return zero, &events.InvalidEventToStartAggregateError{AggregateType: a.b.docType, EventType: t}
}

// Apply applies e to snapshot. A nil snapshot is created from e instead.
// Events without an Apply handler leave the snapshot unchanged.
func (a *Application[TDoc, TSession]) Apply(ctx context.Context, snapshot TDoc, e *events.Event, session TSession) (TDoc, error) {
	if IsDeleted(snapshot) {
		return a.Create(ctx, e, session)
	}
	h := a.lookup(kindApply, e.DataType())
	if h == nil {
		return snapshot, nil
	}
	return invoke(ctx, a.b, h, snapshot, e, session)
}

// ApplyAll applies evs in order. Once a handler deletes the aggregate the
// remaining events are not applied and nil is returned.
func (a *Application[TDoc, TSession]) ApplyAll(ctx context.Context, snapshot TDoc, evs []*events.Event, session TSession) (TDoc, error) {
	var zero TDoc
	if len(evs) == 0 {
		return snapshot, nil
	}

	var err error
	if IsDeleted(snapshot) {
		snapshot, err = a.Create(ctx, evs[0], session)
		if err != nil {
			return zero, err
		}
		if IsDeleted(snapshot) {
			return zero, nil
		}
		evs = evs[1:]
	}

	for _, e := range evs {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		snapshot, err = a.Apply(ctx, snapshot, e, session)
		if err != nil {
			return zero, err
		}
		if IsDeleted(snapshot) {
			return zero, nil
		}
	}
	return snapshot, nil
}

// IsDeleted reports whether doc is nil. Non-nilable documents are never
// deleted.
func IsDeleted[TDoc any](doc TDoc) bool {
	v := reflect.ValueOf(&doc).Elem()
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}

func funcName(fn any) string {
	if fn == nil {
		return "<nil>"
	}
	return reflect.TypeOf(fn).String()
}
