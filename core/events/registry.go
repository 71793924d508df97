package events

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/JasperFx/jasperfx-sub002/core/reflector"
)

// TypeName returns the alias for a payload: the value of an EventType()
// method when present, otherwise the snake_case type name.
func TypeName(data any) string {
	if t, ok := data.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(data).Alias
}

// Registry maps event aliases to payload types so persisted events can be
// decoded.
type Registry struct {
	mu      sync.RWMutex
	byAlias map[string]reflect.Type
	byType  map[reflect.Type]string
}

func NewRegistry() *Registry {
	return &Registry{
		byAlias: map[string]reflect.Type{},
		byType:  map[reflect.Type]string{},
	}
}

// Register adds T under its default alias, or under alias when given.
func Register[T any](r *Registry, alias ...string) {
	t := reflect.TypeFor[T]()
	name := TypeName(reflect.Zero(t).Interface())
	if len(alias) > 0 && alias[0] != "" {
		name = alias[0]
	}
	r.RegisterType(t, name)
}

func (r *Registry) RegisterType(t reflect.Type, alias string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAlias[alias] = t
	r.byType[t] = alias
}

// AliasFor returns the registered alias of data's type, falling back to
// TypeName.
func (r *Registry) AliasFor(data any) string {
	r.mu.RLock()
	alias, ok := r.byType[reflect.TypeOf(data)]
	r.mu.RUnlock()
	if ok {
		return alias
	}
	return TypeName(data)
}

// TypeFor looks up the payload type of alias.
func (r *Registry) TypeFor(alias string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byAlias[alias]
	return t, ok
}

// Aliases returns all registered aliases.
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byAlias))
	for a := range r.byAlias {
		out = append(out, a)
	}
	return out
}

// Encode returns the alias and JSON body of data.
func (r *Registry) Encode(data any) (alias string, body []byte, err error) {
	body, err = json.Marshal(data)
	if err != nil {
		return "", nil, err
	}
	return r.AliasFor(data), body, nil
}

// Decode builds a payload of the type registered for alias. Registered
// pointer types decode to pointers, value types to values.
func (r *Registry) Decode(alias string, body []byte) (any, error) {
	t, ok := r.TypeFor(alias)
	if !ok {
		return nil, &UnknownEventTypeError{EventType: alias}
	}

	isPtr := t.Kind() == reflect.Pointer
	base := t
	if isPtr {
		base = t.Elem()
	}
	v := reflect.New(base)
	if len(body) > 0 {
		if err := json.Unmarshal(body, v.Interface()); err != nil {
			return nil, &EventDeserializationError{EventType: alias, Err: err}
		}
	}
	if isPtr {
		return v.Interface(), nil
	}
	return v.Elem().Interface(), nil
}
