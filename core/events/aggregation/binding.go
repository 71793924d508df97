package aggregation

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

type paramRole int

const (
	roleData paramRole = iota
	roleTyped
	roleEvent
	roleSession
	roleSnapshot
	roleContext
)

func (r paramRole) String() string {
	return [...]string{"data", "typed event", "event", "session", "snapshot", "context"}[r]
}

type handlerKind int

const (
	kindCreate handlerKind = iota
	kindApply
)

func (k handlerKind) String() string {
	if k == kindCreate {
		return "Create"
	}
	return "Apply"
}

// Priorities, lower wins.
const (
	priorityCtorData = iota + 1
	priorityCtorTyped
	priorityAggregate
	priorityProjection
)

type receiverMode int

const (
	// fn is a plain function or a bound method value
	receiverNone receiverMode = iota
	// fn is a method expression on *Doc; the receiver is the snapshot
	receiverDoc
)

var (
	contextType = reflect.TypeFor[context.Context]()
	eventType   = reflect.TypeFor[*events.Event]()
	errorType   = reflect.TypeFor[error]()
)

// ConfigurationError reports a Create/Apply handler that cannot be bound.
type ConfigurationError struct {
	Aggregate reflect.Type
	Handler   string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid handler %s for aggregate %v: %s", e.Handler, e.Aggregate, e.Reason)
}

// handler is a Create or Apply function bound once at registration: every
// parameter has a role and the return shape is known.
type handler struct {
	name     string
	kind     handlerKind
	priority int
	dataType reflect.Type
	wrapper  events.EventWrapper
	fn       reflect.Value
	receiver receiverMode
	roles    []paramRole

	returnsDoc bool
	returnsErr bool
}

// binder builds handlers for one document and session type.
type binder struct {
	docType     reflect.Type
	docBase     reflect.Type
	docIsPtr    bool
	nilable     bool
	sessionType reflect.Type
}

func newBinder(docType, sessionType reflect.Type) binder {
	b := binder{docType: docType, docBase: docType, sessionType: sessionType}
	if docType.Kind() == reflect.Pointer {
		b.docIsPtr = true
		b.docBase = docType.Elem()
	}
	switch docType.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		b.nilable = true
	}
	return b
}

func (b binder) configErr(name, format string, args ...any) error {
	return &ConfigurationError{Aggregate: b.docType, Handler: name, Reason: fmt.Sprintf(format, args...)}
}

// bind resolves the roles of fn's parameters. Method expressions on *Doc
// consume their first parameter as the receiver.
func (b binder) bind(name string, kind handlerKind, priority int, fn reflect.Value, receiver receiverMode) (*handler, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, b.configErr(name, "not a function")
	}
	ft := fn.Type()

	h := &handler{name: name, kind: kind, priority: priority, fn: fn, receiver: receiver}

	skip := 0
	if receiver == receiverDoc {
		skip = 1
	}

	seen := map[paramRole]bool{}
	for i := skip; i < ft.NumIn(); i++ {
		pt := ft.In(i)
		if pt.Kind() == reflect.Pointer {
			if _, ok := events.WrapperFor(pt.Elem()); ok {
				return nil, b.configErr(name, "parameter %d (%v) must take the wrapped event by value", i, pt)
			}
		}
		role := b.roleOf(kind, pt)
		if role != roleEvent && seen[role] {
			return nil, b.configErr(name, "parameter %d (%v) repeats the %s role", i, pt, role)
		}
		switch role {
		case roleData:
			if seen[roleTyped] {
				return nil, b.configErr(name, "parameter %d (%v) cannot be bound", i, pt)
			}
			h.dataType = pt
		case roleTyped:
			if seen[roleData] {
				return nil, b.configErr(name, "parameter %d (%v) cannot be bound", i, pt)
			}
			h.wrapper, _ = events.WrapperFor(pt)
			h.dataType = h.wrapper.EventDataType()
		}
		seen[role] = true
		h.roles = append(h.roles, role)
	}
	if h.dataType == nil {
		return nil, b.configErr(name, "no event data parameter")
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		switch {
		case ft.Out(0) == errorType:
			h.returnsErr = true
		case ft.Out(0).AssignableTo(b.docType):
			h.returnsDoc = true
		default:
			return nil, b.configErr(name, "unsupported return type %v", ft.Out(0))
		}
	case 2:
		if !ft.Out(0).AssignableTo(b.docType) || ft.Out(1) != errorType {
			return nil, b.configErr(name, "unsupported return types (%v, %v)", ft.Out(0), ft.Out(1))
		}
		h.returnsDoc, h.returnsErr = true, true
	default:
		return nil, b.configErr(name, "too many return values")
	}

	if kind == kindCreate && !h.returnsDoc && receiver != receiverDoc {
		return nil, b.configErr(name, "Create must return %v", b.docType)
	}
	return h, nil
}

func (b binder) roleOf(kind handlerKind, pt reflect.Type) paramRole {
	switch {
	case pt == contextType:
		return roleContext
	case kind == kindApply && pt == b.docType:
		return roleSnapshot
	case pt == b.sessionType:
		return roleSession
	case pt == eventType:
		return roleEvent
	}
	if _, ok := events.WrapperFor(pt); ok {
		return roleTyped
	}
	return roleData
}

// matches reports whether h handles payloads of type t. exact excludes
// interface matches.
func (h *handler) matches(t reflect.Type, exact bool) bool {
	if h.dataType == t {
		return true
	}
	return !exact && h.dataType.Kind() == reflect.Interface && t.Implements(h.dataType)
}

// invoke calls h. For Apply, snapshot is the current document.
func invoke[TDoc, TSession any](ctx context.Context, b binder, h *handler, snapshot TDoc, e *events.Event, session TSession) (out TDoc, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &events.ApplyEventError{Event: e, Err: fmt.Errorf("panic in %s: %v", h.name, r)}
		}
	}()

	args := make([]reflect.Value, 0, len(h.roles)+1)

	var result func() TDoc
	if h.receiver == receiverDoc {
		recv, res := docReceiver(b, h.kind, snapshot)
		args = append(args, recv)
		result = res
	} else {
		result = func() TDoc { return snapshot }
	}

	for _, role := range h.roles {
		switch role {
		case roleData:
			args = append(args, reflect.ValueOf(e.Data))
		case roleTyped:
			wrapped, ok := h.wrapper.WrapEvent(e)
			if !ok {
				return out, &events.ApplyEventError{Event: e, Err: fmt.Errorf("%s cannot take %T", h.name, e.Data)}
			}
			args = append(args, reflect.ValueOf(wrapped))
		case roleEvent:
			args = append(args, reflect.ValueOf(e))
		case roleSession:
			args = append(args, reflect.ValueOf(&session).Elem())
		case roleSnapshot:
			args = append(args, reflect.ValueOf(&snapshot).Elem())
		case roleContext:
			args = append(args, reflect.ValueOf(&ctx).Elem())
		}
	}

	outs := h.fn.Call(args)

	if h.returnsErr {
		if errV := outs[len(outs)-1]; !errV.IsNil() {
			herr := errV.Interface().(error)
			var aerr *events.ApplyEventError
			if errors.As(herr, &aerr) {
				return out, herr
			}
			return out, &events.ApplyEventError{Event: e, Err: herr}
		}
	}
	if h.returnsDoc {
		v := outs[0]
		if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
			return out, nil
		}
		reflect.ValueOf(&out).Elem().Set(v)
		return out, nil
	}
	return result(), nil
}

// docReceiver returns the receiver for a method on *Doc and a function
// reading the document after the call. Value documents are copied so the
// caller's snapshot is never mutated.
func docReceiver[TDoc any](b binder, kind handlerKind, snapshot TDoc) (reflect.Value, func() TDoc) {
	snap := reflect.ValueOf(&snapshot).Elem()
	if b.docIsPtr {
		if kind == kindApply && !snap.IsNil() {
			return snap, func() TDoc { return snapshot }
		}
		p := reflect.New(b.docBase)
		return p, func() TDoc { return p.Interface().(TDoc) }
	}

	p := reflect.New(b.docBase)
	if kind == kindApply {
		p.Elem().Set(snap)
	}
	return p, func() TDoc { return p.Elem().Interface().(TDoc) }
}
