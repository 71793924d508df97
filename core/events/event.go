package events

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Event is a single entry of the event log.
type Event struct {
	// ID is globally unique.
	ID uuid.UUID
	// Sequence is the global, monotonic position assigned by the log.
	Sequence int64
	// Version is the 1-based position within the stream.
	Version int64
	// StreamID is set for streams identified by a GUID.
	StreamID uuid.UUID
	// StreamKey is set for streams identified by a string.
	StreamKey string
	// EventType is the registered alias of Data.
	EventType string
	// Data is the decoded payload.
	Data any

	Timestamp     time.Time
	TenantID      string
	CausationID   string
	CorrelationID string
	Headers       map[string]any
}

// New wraps data in an Event with a fresh ID. Sequence and Version are
// assigned when the event is appended.
func New(data any) *Event {
	return &Event{
		ID:        uuid.New(),
		EventType: TypeName(data),
		Data:      data,
	}
}

// DataType returns the dynamic type of the payload.
func (e *Event) DataType() reflect.Type { return reflect.TypeOf(e.Data) }

// Header returns a header value or nil.
func (e *Event) Header(key string) any {
	if e.Headers == nil {
		return nil
	}
	return e.Headers[key]
}

// SetHeader sets a header, allocating the map on first use.
func (e *Event) SetHeader(key string, value any) {
	if e.Headers == nil {
		e.Headers = map[string]any{}
	}
	e.Headers[key] = value
}

// Typed is an event whose payload is statically known to be T. Handlers that
// need metadata (sequence, timestamp, tenant) next to the payload take a
// Typed[T] parameter instead of T.
type Typed[T any] struct {
	*Event
	Data T
}

// EventWrapper is implemented by every Typed[T]. It lets handler binding
// recognise wrapped-event parameters without knowing T.
type EventWrapper interface {
	EventDataType() reflect.Type
	WrapEvent(e *Event) (any, bool)
}

func (Typed[T]) EventDataType() reflect.Type { return reflect.TypeFor[T]() }

func (Typed[T]) WrapEvent(e *Event) (any, bool) {
	data, ok := e.Data.(T)
	if !ok {
		return nil, false
	}
	return Typed[T]{Event: e, Data: data}, true
}

// As returns e as a Typed[T] if its payload is a T.
func As[T any](e *Event) (Typed[T], bool) {
	data, ok := e.Data.(T)
	if !ok {
		return Typed[T]{}, false
	}
	return Typed[T]{Event: e, Data: data}, true
}

var wrapperType = reflect.TypeFor[EventWrapper]()

// WrapperFor reports whether t is a Typed[X] and returns a zero instance
// usable to wrap events.
func WrapperFor(t reflect.Type) (EventWrapper, bool) {
	if t == nil || t.Kind() != reflect.Struct || !t.Implements(wrapperType) {
		return nil, false
	}
	w, ok := reflect.Zero(t).Interface().(EventWrapper)
	return w, ok
}
