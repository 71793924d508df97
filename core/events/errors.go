package events

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrSequenceExhausted = errors.New("sequence queue exhausted")
	ErrStreamExists      = errors.New("stream already exists")
)

// ConcurrencyError is returned when a stream's version does not match the
// version expected by an append.
type ConcurrencyError struct {
	Stream   string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("unexpected version for stream %s: expected %d, actual %d", e.Stream, e.Expected, e.Actual)
}

// InvalidEventToStartAggregateError means no constructor or Create handler
// can build the aggregate from the event.
type InvalidEventToStartAggregateError struct {
	AggregateType reflect.Type
	EventType     reflect.Type
}

func (e *InvalidEventToStartAggregateError) Error() string {
	return fmt.Sprintf("no way to create aggregate %v from event %v", e.AggregateType, e.EventType)
}

// ApplyEventError wraps an error returned or panicked by a user Create or
// Apply handler.
type ApplyEventError struct {
	Event *Event
	Err   error
}

func (e *ApplyEventError) Error() string {
	return fmt.Sprintf("failed to apply event %s (id %s, sequence %d): %v",
		e.Event.EventType, e.Event.ID, e.Event.Sequence, e.Err)
}

func (e *ApplyEventError) Unwrap() error { return e.Err }

// UnknownEventTypeError is returned when decoding an alias nobody registered.
type UnknownEventTypeError struct {
	EventType string
	Sequence  int64
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q at sequence %d", e.EventType, e.Sequence)
}

// EventDeserializationError is returned when a payload cannot be decoded.
type EventDeserializationError struct {
	EventType string
	Sequence  int64
	Err       error
}

func (e *EventDeserializationError) Error() string {
	return fmt.Sprintf("failed to deserialize %q at sequence %d: %v", e.EventType, e.Sequence, e.Err)
}

func (e *EventDeserializationError) Unwrap() error { return e.Err }
