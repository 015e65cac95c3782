package imagecache

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/ligustah/picfetch/internal/logger"
)

var (
	// ErrInvalidCapacity is returned by New when the preferred target is not
	// strictly between zero and the capacity.
	ErrInvalidCapacity = errors.New("imagecache: preferred target must be positive and below capacity")

	// ErrTooLarge is returned by Insert for an image that cannot fit even in an
	// empty cache.
	ErrTooLarge = errors.New("imagecache: image exceeds cache capacity")

	// ErrNilImage is returned by Insert for a nil image.
	ErrNilImage = errors.New("imagecache: nil image")
)

// Observer receives cache activity. Implementations must be safe for
// concurrent use and must not call back into the cache.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheEvicted(entries int, bytes int64)
	CacheCost(total int64)
}

type noopObserver struct{}

func (noopObserver) CacheHit()               {}
func (noopObserver) CacheMiss()              {}
func (noopObserver) CacheEvicted(int, int64) {}
func (noopObserver) CacheCost(int64)         {}

// Options configures a Cache.
type Options struct {
	// Capacity is the hard limit on total cost in bytes.
	// Default: 100MB
	Capacity int64

	// PreferredTarget is the total cost a purge pass frees down to.
	// Default: 60MB
	PreferredTarget int64

	// Clock supplies last-access timestamps. Default: the wall clock.
	Clock clock.Clock

	// Cost estimates an entry's size. Default: DefaultCost.
	Cost func(*Image) int64

	// ShouldCache decides whether a freshly downloaded image is worth keeping.
	// Default: always true.
	ShouldCache func(key string, img *Image) bool

	// Observer receives hit/miss/eviction signals. Optional.
	Observer Observer

	// Logger overrides the package logger. Optional.
	Logger *slog.Logger
}

// DefaultOptions returns options with the default memory budget.
func DefaultOptions() Options {
	return Options{
		Capacity:        100 * 1024 * 1024,
		PreferredTarget: 60 * 1024 * 1024,
	}
}

type entry struct {
	key  string
	img  *Image
	cost int64

	lastAccess atomic.Int64
	seq        atomic.Uint64
}

// Cache is a memory-bounded key to image store with least-recently-accessed
// eviction. It is safe for concurrent use.
type Cache struct {
	opts Options
	log  *slog.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	totalCost int64

	seq atomic.Uint64
}

// New creates a cache. Zero Capacity and PreferredTarget take the defaults.
func New(opts Options) (*Cache, error) {
	def := DefaultOptions()
	if opts.Capacity == 0 && opts.PreferredTarget == 0 {
		opts.Capacity = def.Capacity
		opts.PreferredTarget = def.PreferredTarget
	}
	if opts.PreferredTarget <= 0 || opts.PreferredTarget >= opts.Capacity {
		return nil, fmt.Errorf("%w (capacity=%d, preferred=%d)", ErrInvalidCapacity, opts.Capacity, opts.PreferredTarget)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Cost == nil {
		opts.Cost = DefaultCost
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Logger("imagecache")
	}

	return &Cache{
		opts:    opts,
		log:     opts.Logger,
		entries: make(map[string]*entry),
	}, nil
}

// Capacity returns the configured capacity in bytes.
func (c *Cache) Capacity() int64 { return c.opts.Capacity }

// PreferredTarget returns the configured purge target in bytes.
func (c *Cache) PreferredTarget() int64 { return c.opts.PreferredTarget }

// ShouldCache reports whether img should be stored under key.
func (c *Cache) ShouldCache(key string, img *Image) bool {
	if c.opts.ShouldCache == nil {
		return true
	}
	return c.opts.ShouldCache(key, img)
}

// Insert stores img under key, replacing any previous entry, and then runs one
// purge pass.
func (c *Cache) Insert(key string, img *Image) error {
	if img == nil || img.Image == nil {
		return ErrNilImage
	}
	cost := c.opts.Cost(img)
	if cost > c.opts.Capacity {
		return fmt.Errorf("%w: %s costs %d bytes, capacity is %d", ErrTooLarge, key, cost, c.opts.Capacity)
	}

	e := &entry{key: key, img: img, cost: cost}
	c.touch(e)

	c.mu.Lock()
	if prev, ok := c.entries[key]; ok {
		c.totalCost -= prev.cost
	}
	c.entries[key] = e
	c.totalCost += cost
	evicted, freed := c.purgeLocked()
	total := c.totalCost
	c.mu.Unlock()

	if evicted > 0 {
		c.log.Debug("purged entries", "evicted", evicted, "freed", freed, "total", total)
		c.opts.Observer.CacheEvicted(evicted, freed)
	}
	c.opts.Observer.CacheCost(total)
	return nil
}

// Lookup returns the image stored under key and marks it as recently used.
func (c *Cache) Lookup(key string) (*Image, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	if ok {
		c.touch(e)
	}
	c.mu.RUnlock()

	if !ok {
		c.opts.Observer.CacheMiss()
		return nil, false
	}
	c.opts.Observer.CacheHit()
	return e.img, true
}

// Remove deletes the entry under key. It reports whether an entry existed.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		c.totalCost -= e.cost
	}
	total := c.totalCost
	c.mu.Unlock()

	if ok {
		c.opts.Observer.CacheCost(total)
	}
	return ok
}

// RemoveAll empties the cache.
func (c *Cache) RemoveAll() {
	c.mu.Lock()
	n := len(c.entries)
	freed := c.totalCost
	c.entries = make(map[string]*entry)
	c.totalCost = 0
	c.mu.Unlock()

	if n > 0 {
		c.log.Info("cache cleared", "entries", n, "freed", freed)
		c.opts.Observer.CacheEvicted(n, freed)
	}
	c.opts.Observer.CacheCost(0)
}

// Purge runs one eviction pass and returns the number of bytes freed.
func (c *Cache) Purge() int64 {
	c.mu.Lock()
	evicted, freed := c.purgeLocked()
	total := c.totalCost
	c.mu.Unlock()

	if evicted > 0 {
		c.opts.Observer.CacheEvicted(evicted, freed)
		c.opts.Observer.CacheCost(total)
	}
	return freed
}

// TotalCost returns the summed cost of all entries.
func (c *Cache) TotalCost() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalCost
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// purgeLocked evicts in ascending last-access order until the preferred target
// is reached. Callers hold the write lock.
func (c *Cache) purgeLocked() (evicted int, freed int64) {
	if c.totalCost <= c.opts.Capacity {
		return 0, 0
	}
	toFree := c.totalCost - c.opts.PreferredTarget

	sorted := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		ai, aj := sorted[i].lastAccess.Load(), sorted[j].lastAccess.Load()
		if ai != aj {
			return ai < aj
		}
		return sorted[i].seq.Load() < sorted[j].seq.Load()
	})

	for _, e := range sorted {
		if freed >= toFree {
			break
		}
		delete(c.entries, e.key)
		freed += e.cost
		evicted++
	}
	c.totalCost -= freed
	return evicted, freed
}

func (c *Cache) touch(e *entry) {
	e.lastAccess.Store(c.opts.Clock.Now().UnixNano())
	e.seq.Store(c.seq.Add(1))
}
