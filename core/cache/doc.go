// Package cache holds recently committed aggregate snapshots between event
// ranges, so a runner does not reload a hot document from its store for
// every range.
//
// [LRU] bounds the number of entries and can expire them with [WithTTL];
// [Nop] caches nothing and is used when a projection sets its cache size to
// zero. Both are safe for concurrent use.
//
//	c := cache.NewLRU[string, *Trip](cache.LRUOpts{Size: 1000})
//	defer c.Close()
//	c.Put("t1", trip)
//	if doc, ok := c.Get("t1"); ok {
//		...
//	}
package cache
