// Package imagecache provides a memory-bounded store of decoded images.
//
// The cache accounts every entry with an estimated byte cost and keeps the total
// under a configured capacity. When an insert pushes the total above capacity, a
// single purge pass evicts the least recently accessed entries until the total
// drops to the preferred target:
//
//	cache, err := imagecache.New(imagecache.Options{
//	    Capacity:        100 * 1024 * 1024,
//	    PreferredTarget: 60 * 1024 * 1024,
//	})
//	if err != nil {
//	    return err
//	}
//	_ = cache.Insert("https://example.com/a.png", img)
//	if img, ok := cache.Lookup("https://example.com/a.png"); ok {
//	    // use img
//	}
//
// # Cost
//
// The default cost is a conservative RGBA estimate of the decoded bitmap:
// width × height × scale² × 4 bytes, where width and height are measured in
// points (pixels divided by [Image.Scale]). Supply [Options.Cost] to override it.
//
// # Recency
//
// [Cache.Lookup] refreshes an entry's last-access time. Timestamps come from
// [Options.Clock], so tests can drive recency with a mock clock. Entries touched
// at the same instant are ordered by access sequence.
//
// # Oversized entries
//
// An image whose cost alone exceeds the capacity is rejected with [ErrTooLarge]
// and the cache is left untouched.
//
// # Concurrency
//
// Lookups share a read lock with each other. Insert, Remove, RemoveAll and Purge
// take the write lock. The PreferredTarget must be strictly below Capacity so
// that a purge always leaves headroom for the next insert.
package imagecache
