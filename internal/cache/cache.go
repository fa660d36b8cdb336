package cache

import (
	"container/heap"
	"strings"
	"sync"
	"time"
)

// Reason explains why an entry left the cache.
type Reason string

const (
	ReasonStale  Reason = "stale"  // expired, found on read or sweep
	ReasonEvict  Reason = "evict"  // capacity pressure, soonest expiry evicted
	ReasonSet    Reason = "set"    // replaced by a newer value for the same key
	ReasonDelete Reason = "delete" // explicit removal
)

// DisposeFunc observes entries leaving the cache.
type DisposeFunc[V any] func(key string, value V, reason Reason)

const (
	defaultCapacity = 1024
	defaultTTL      = 5 * time.Minute
	defaultSweep    = time.Minute
)

// Options configures a Cache. Zero values fall back to defaults.
type Options[V any] struct {
	Capacity      int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	OnDispose     DisposeFunc[V]
}

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
	expiresAt  time.Time
	index      int // position in the expiry heap
}

// expiryHeap orders entries by soonest expiry. Reads never reorder it.
type expiryHeap[V any] []*entry[V]

func (h expiryHeap[V]) Len() int           { return len(h) }
func (h expiryHeap[V]) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap[V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap[V]) Push(x any) {
	e := x.(*entry[V])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap[V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Cache is a bounded in-memory store with per-entry TTLs. Eviction under
// capacity pressure removes the entry closest to expiry, not the least
// recently used one. All operations are safe for concurrent use.
type Cache[V any] struct {
	mu        sync.Mutex
	entries   map[string]*entry[V]
	byExpiry  expiryHeap[V]
	capacity  int
	ttl       time.Duration
	onDispose DisposeFunc[V]

	done      chan struct{}
	closeOnce sync.Once
}

type disposal[V any] struct {
	key    string
	value  V
	reason Reason
}

// New builds a cache and starts its background sweeper. Call Close to stop it.
func New[V any](opts Options[V]) *Cache[V] {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweep
	}

	c := &Cache[V]{
		entries:   make(map[string]*entry[V]),
		capacity:  capacity,
		ttl:       ttl,
		onDispose: opts.OnDispose,
		done:      make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()

	return c
}

// Close stops the background sweeper. The cache remains usable afterwards,
// but expired entries are only purged on access.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// DefaultTTL reports the TTL applied by Set.
func (c *Cache[V]) DefaultTTL() time.Duration { return c.ttl }

// Get returns the live value for key. Expired entries are treated as absent
// even before the sweeper runs.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return zero, false
	}
	if !now.Before(e.expiresAt) {
		d := c.removeLocked(e, ReasonStale)
		c.mu.Unlock()
		c.dispose(d)
		return zero, false
	}
	v := e.value
	c.mu.Unlock()
	return v, true
}

// Set stores value under key with the cache default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.ttl)
}

// SetTTL stores value under key, replacing any previous value and resetting
// the expiry to now+ttl. When the cache is full and key is new, the entry
// with the soonest expiry is evicted first.
func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now()
	var out []disposal[V]

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		out = append(out, disposal[V]{key: key, value: e.value, reason: ReasonSet})
		e.value = value
		e.insertedAt = now
		e.expiresAt = now.Add(ttl)
		heap.Fix(&c.byExpiry, e.index)
		c.mu.Unlock()
		c.dispose(out...)
		return
	}

	if len(c.entries) >= c.capacity && len(c.byExpiry) > 0 {
		victim := heap.Pop(&c.byExpiry).(*entry[V])
		delete(c.entries, victim.key)
		reason := ReasonEvict
		if !now.Before(victim.expiresAt) {
			reason = ReasonStale
		}
		out = append(out, disposal[V]{key: victim.key, value: victim.value, reason: reason})
	}

	e := &entry[V]{
		key:        key,
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	c.entries[key] = e
	heap.Push(&c.byExpiry, e)
	c.mu.Unlock()
	c.dispose(out...)
}

// Delete removes key and reports whether it was present and live.
func (c *Cache[V]) Delete(key string) bool {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	live := now.Before(e.expiresAt)
	reason := ReasonDelete
	if !live {
		reason = ReasonStale
	}
	d := c.removeLocked(e, reason)
	c.mu.Unlock()
	c.dispose(d)
	return live
}

// Has reports whether key holds a live entry, without side effects on the
// eviction order.
func (c *Cache[V]) Has(key string) bool {
	now := time.Now()
	c.mu.Lock()
	e, ok := c.entries[key]
	live := ok && now.Before(e.expiresAt)
	c.mu.Unlock()
	return live
}

// RemainingTTL returns how long key stays live, zero when absent or expired.
func (c *Cache[V]) RemainingTTL(key string) time.Duration {
	now := time.Now()
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	rem := e.expiresAt.Sub(now)
	if rem < 0 {
		return 0
	}
	return rem
}

// InvalidateByPrefix deletes every key with the given prefix and returns the
// number of entries removed. Linear in the number of entries.
func (c *Cache[V]) InvalidateByPrefix(prefix string) int {
	var out []disposal[V]

	c.mu.Lock()
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, c.removeLocked(e, ReasonDelete))
		}
	}
	c.mu.Unlock()
	c.dispose(out...)
	return len(out)
}

// Len reports the number of stored entries, including not-yet-swept expired
// ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return n
}

func (c *Cache[V]) sweep() {
	now := time.Now()
	var out []disposal[V]

	c.mu.Lock()
	for len(c.byExpiry) > 0 && !now.Before(c.byExpiry[0].expiresAt) {
		e := heap.Pop(&c.byExpiry).(*entry[V])
		delete(c.entries, e.key)
		out = append(out, disposal[V]{key: e.key, value: e.value, reason: ReasonStale})
	}
	c.mu.Unlock()
	c.dispose(out...)
}

func (c *Cache[V]) removeLocked(e *entry[V], reason Reason) disposal[V] {
	heap.Remove(&c.byExpiry, e.index)
	delete(c.entries, e.key)
	return disposal[V]{key: e.key, value: e.value, reason: reason}
}

// dispose runs callbacks outside the lock so they may re-enter the cache.
func (c *Cache[V]) dispose(ds ...disposal[V]) {
	if c.onDispose == nil {
		return
	}
	for _, d := range ds {
		c.onDispose(d.key, d.value, d.reason)
	}
}
