// Package sf wraps golang.org/x/sync/singleflight with a typed result.
//
// The aggregation package uses it so that the first events of a new type,
// arriving on several slices at once, resolve their Create or Apply handler
// exactly once:
//
//	flight := sf.New[resolution]()
//	r, _, err := flight.Do(key, func() (resolution, error) {
//		return resolveHandler(t)
//	})
package sf
