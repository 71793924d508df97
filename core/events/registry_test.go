package events

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

type customNamed struct{ N int }

func (customNamed) EventType() string { return "custom.named" }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	Register[tripStarted](r)
	Register[*tripMoved](r, "moved")
	Register[customNamed](r)

	require.ElementsMatch(t, []string{"trip_started", "moved", "custom.named"}, r.Aliases())

	alias, body, err := r.Encode(tripStarted{Driver: "x"})
	require.NoError(t, err)
	require.Equal(t, "trip_started", alias)

	v, err := r.Decode(alias, body)
	require.NoError(t, err)
	require.Equal(t, tripStarted{Driver: "x"}, v)

	v, err = r.Decode("moved", []byte(`{"Distance":2.5}`))
	require.NoError(t, err)
	require.Equal(t, &tripMoved{Distance: 2.5}, v)

	v, err = r.Decode("custom.named", []byte(`{"N":3}`))
	require.NoError(t, err)
	require.Equal(t, customNamed{N: 3}, v)
}

func TestRegistry_DecodeErrors(t *testing.T) {
	r := NewRegistry()
	Register[tripStarted](r)

	_, err := r.Decode("nope", nil)
	var unknown *UnknownEventTypeError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "nope", unknown.EventType)

	_, err = r.Decode("trip_started", []byte(`{`))
	var serr *EventDeserializationError
	require.ErrorAs(t, err, &serr)
}

func TestTyped(t *testing.T) {
	e := New(tripMoved{Distance: 3})

	typed, ok := As[tripMoved](e)
	require.True(t, ok)
	require.Equal(t, 3.0, typed.Data.Distance)
	require.Equal(t, e.ID, typed.ID)

	_, ok = As[tripStarted](e)
	require.False(t, ok)

	w, ok := WrapperFor(typedType[tripMoved]())
	require.True(t, ok)
	wrapped, ok := w.WrapEvent(e)
	require.True(t, ok)
	require.Equal(t, typed, wrapped)

	_, ok = WrapperFor(typedType[tripMoved]().Field(1).Type)
	require.False(t, ok)
}

func typedType[T any]() reflect.Type { return reflect.TypeFor[Typed[T]]() }
