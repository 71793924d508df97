package sf

import "golang.org/x/sync/singleflight"

// Singleflight runs at most one call per key at a time. Callers arriving
// while a call is in flight wait for it and share its result.
type Singleflight[T any] struct {
	group singleflight.Group
}

func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}

// Do runs fn unless a call for key is already in flight. shared reports
// whether the result went to more than one caller.
func (s *Singleflight[T]) Do(key string, fn func() (T, error)) (v T, shared bool, err error) {
	out, err, shared := s.group.Do(key, func() (any, error) { return fn() })
	if err != nil {
		return v, shared, err
	}
	return out.(T), shared, nil
}

// Forget makes the next Do for key run fn even if a call is in flight.
func (s *Singleflight[T]) Forget(key string) { s.group.Forget(key) }
