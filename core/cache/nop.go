package cache

type Nop[K comparable, V any] struct{}

func (Nop[K, V]) Get(K) (v V, ok bool)      { return v, false }
func (Nop[K, V]) Put(K, V, ...PutOption)    {}
func (Nop[K, V]) Delete(K)                  {}
func (Nop[K, V]) Purge()                    {}
func NewNop[K comparable, V any]() Nop[K, V] { return Nop[K, V]{} }

var _ Cache[string, any] = Nop[string, any]{}
