/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// LoaderFunc computes the value for a missing key.
// It is called by GetOrLoad outside of the cache lock.
type LoaderFunc[K comparable, V any] func(key K) (V, error)

// OnEvictFunc is called when an entry leaves the cache because of the capacity bound
// or expiration. It is invoked after the cache lock is released and may be called
// concurrently from multiple goroutines.
type OnEvictFunc[K comparable, V any] func(key K, value V)

// EvictedEntry holds the key/value pair that was displaced to satisfy the capacity bound.
type EvictedEntry[K comparable, V any] struct {
	Key   K
	Value V
}

type cacheEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

func (e *cacheEntry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// LRUCache represents an LRU cache with eviction mechanism and Prometheus metrics.
//
// All operations are safe for concurrent use. Reads that promote an entry
// (Get, GetOrLoad) take the write lock because recency promotion mutates the
// internal ordering; Peek, Contains, Len, Cap, Keys and Stats take the read lock only.
type LRUCache[K comparable, V any] struct {
	maxEntries int

	defaultTTL time.Duration
	onEvict    OnEvictFunc[K, V]

	mu      sync.RWMutex
	lruList *list.List
	cache   map[K]*list.Element // map of cache entries, value is a lruList element

	loadGroup inFlightGroup[K, V]

	metricsCollector MetricsCollector
	stats            statsCounters

	timeNow func() time.Time // overridable in tests
}

// Options represents options for the cache.
type Options[K comparable, V any] struct {
	// DefaultTTL is the TTL applied by Add and GetOrLoad.
	// Zero means entries never expire.
	// Please note that expired entries are not removed immediately,
	// but only when they are accessed or swept (see RemoveExpired and PeriodicCleaner).
	DefaultTTL time.Duration

	// OnEvict, if set, is called for entries removed by the capacity bound or by expiration.
	// It is not called for explicit Remove, Purge, or overwrites.
	OnEvict OnEvictFunc[K, V]
}

// New creates a new LRUCache with the provided maximum number of entries and metrics collector.
func New[K comparable, V any](maxEntries int, metricsCollector MetricsCollector) (*LRUCache[K, V], error) {
	return NewWithOpts[K, V](maxEntries, metricsCollector, Options[K, V]{})
}

// NewWithOpts creates a new LRUCache with the provided maximum number of entries,
// metrics collector, and options.
// Metrics collector is used to collect statistics about cache usage.
// It can be nil, in this case, metrics will be disabled.
func NewWithOpts[K comparable, V any](
	maxEntries int, metricsCollector MetricsCollector, opts Options[K, V],
) (*LRUCache[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0")
	}
	if opts.DefaultTTL < 0 {
		return nil, fmt.Errorf("defaultTTL must be greater or equal to 0 (no expiration)")
	}
	if metricsCollector == nil {
		metricsCollector = disabledMetrics{}
	}

	return &LRUCache[K, V]{
		maxEntries:       maxEntries,
		defaultTTL:       opts.DefaultTTL,
		onEvict:          opts.OnEvict,
		lruList:          list.New(),
		cache:            make(map[K]*list.Element),
		metricsCollector: metricsCollector,
		timeNow:          time.Now,
	}, nil
}

// Get returns a value from the cache by the provided key
// and promotes the entry to most-recently-used.
// An expired entry is treated as not found and is removed on access.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	value, ok, expiredEntry := c.get(key, true)
	c.mu.Unlock()

	if expiredEntry != nil && c.onEvict != nil {
		c.onEvict(expiredEntry.key, expiredEntry.value)
	}
	return value, ok
}

// Peek returns a value from the cache by the provided key without promoting the entry
// and without removing it if it's expired.
func (c *LRUCache[K, V]) Peek(key K) (value V, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	elem, hit := c.cache[key]
	if !hit {
		return value, false
	}
	entry := elem.Value.(*cacheEntry[K, V])
	if entry.expired(c.timeNow()) {
		return value, false
	}
	return entry.value, true
}

// Add adds a value to the cache with the provided key, applying the default TTL.
// If the key is already present, its value and expiry are replaced and the entry
// is promoted to most-recently-used; the cache size doesn't change in this case.
// If the insertion exceeds the cache capacity, the least-recently-used entry
// is evicted and returned.
func (c *LRUCache[K, V]) Add(key K, value V) (EvictedEntry[K, V], bool) {
	var expiresAt time.Time
	if c.defaultTTL > 0 {
		expiresAt = c.timeNow().Add(c.defaultTTL)
	}
	return c.addEntry(key, value, expiresAt)
}

// AddWithTTL behaves like Add but applies the provided TTL instead of the default one.
// A non-positive ttl produces an entry that is already expired: it occupies
// a capacity slot until accessed or swept, but is visible to no Get.
func (c *LRUCache[K, V]) AddWithTTL(key K, value V, ttl time.Duration) (EvictedEntry[K, V], bool) {
	return c.addEntry(key, value, c.timeNow().Add(ttl))
}

// GetOrLoad returns a value from the cache by the provided key.
// If the key is absent (or expired), the loader is invoked, its result is added
// to the cache with the default TTL and returned.
//
// A loader failure is propagated to the caller verbatim and nothing is added to
// the cache, so a retried call will invoke the loader again.
//
// Concurrent calls for the same missing key share a single loader invocation:
// late callers wait and observe the first caller's result or failure.
// The loader runs outside of the cache lock, so it may use the cache for other
// keys; calling back into GetOrLoad for the same key deadlocks.
func (c *LRUCache[K, V]) GetOrLoad(key K, loader LoaderFunc[K, V]) (V, error) {
	return c.getOrLoad(key, loader, c.defaultTTL, false)
}

// GetOrLoadWithTTL behaves like GetOrLoad but applies the provided TTL
// to the loaded entry instead of the default one.
func (c *LRUCache[K, V]) GetOrLoadWithTTL(key K, loader LoaderFunc[K, V], ttl time.Duration) (V, error) {
	return c.getOrLoad(key, loader, ttl, true)
}

func (c *LRUCache[K, V]) getOrLoad(key K, loader LoaderFunc[K, V], ttl time.Duration, explicitTTL bool) (V, error) {
	if value, found := c.Get(key); found {
		return value, nil
	}

	return c.loadGroup.Do(key, func() (V, error) {
		// Re-check under the in-flight marker: another caller may have just stored the value.
		c.mu.Lock()
		value, found, expiredEntry := c.get(key, false)
		c.mu.Unlock()
		if expiredEntry != nil && c.onEvict != nil {
			c.onEvict(expiredEntry.key, expiredEntry.value)
		}
		if found {
			return value, nil
		}

		value, err := loader(key)
		if err != nil {
			var zero V
			return zero, err
		}

		var expiresAt time.Time
		if explicitTTL || ttl > 0 {
			expiresAt = c.timeNow().Add(ttl)
		}
		c.addEntry(key, value, expiresAt)
		return value, nil
	})
}

// Remove removes a value from the cache by the provided key
// and returns it if it was present.
// The OnEvict callback is not called for explicit removals.
func (c *LRUCache[K, V]) Remove(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, hit := c.cache[key]
	if !hit {
		return value, false
	}
	entry := elem.Value.(*cacheEntry[K, V])
	c.removeElem(elem)
	c.metricsCollector.SetAmount(len(c.cache))
	return entry.value, true
}

// Purge clears the cache. It is idempotent.
// Keep in mind that this method does not reset the cache size
// and does not reset Prometheus metrics except for the total number of entries.
// All removed entries will not be counted as evictions.
func (c *LRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metricsCollector.SetAmount(0)
	c.cache = make(map[K]*list.Element)
	c.lruList.Init()
}

// Resize changes the cache size and returns the number of evicted entries.
func (c *LRUCache[K, V]) Resize(size int) (evicted int) {
	if size <= 0 {
		return 0
	}

	c.mu.Lock()
	c.maxEntries = size
	var removed []*cacheEntry[K, V]
	for len(c.cache) > size {
		removed = append(removed, c.removeOldest())
	}
	evicted = len(removed)
	if evicted > 0 {
		c.metricsCollector.SetAmount(len(c.cache))
		c.metricsCollector.AddEvictions(evicted)
		c.stats.evictions.Add(int64(evicted))
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, entry := range removed {
			c.onEvict(entry.key, entry.value)
		}
	}
	return evicted
}

// RemoveExpired sweeps all expired entries from the cache and returns how many were removed.
// Entries without expiration time are not affected.
func (c *LRUCache[K, V]) RemoveExpired() int {
	c.mu.Lock()
	now := c.timeNow()
	var removed []*cacheEntry[K, V]
	for _, elem := range c.cache {
		entry := elem.Value.(*cacheEntry[K, V])
		if entry.expired(now) {
			removed = append(removed, entry)
			c.removeElem(elem)
		}
	}
	if len(removed) > 0 {
		c.metricsCollector.SetAmount(len(c.cache))
		c.metricsCollector.AddExpirations(len(removed))
		c.stats.expirations.Add(int64(len(removed)))
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, entry := range removed {
			c.onEvict(entry.key, entry.value)
		}
	}
	return len(removed)
}

// Len returns the number of entries in the cache,
// including expired entries that have not been accessed or swept yet.
func (c *LRUCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Cap returns the configured maximum number of entries.
func (c *LRUCache[K, V]) Cap() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxEntries
}

// Contains reports whether an unexpired entry for the provided key is in the cache.
// Unlike Get, it doesn't promote the entry.
func (c *LRUCache[K, V]) Contains(key K) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	elem, hit := c.cache[key]
	if !hit {
		return false
	}
	return !elem.Value.(*cacheEntry[K, V]).expired(c.timeNow())
}

// Keys returns the keys of all unexpired entries, from most to least recently used.
func (c *LRUCache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.timeNow()
	keys := make([]K, 0, len(c.cache))
	for elem := c.lruList.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*cacheEntry[K, V])
		if !entry.expired(now) {
			keys = append(keys, entry.key)
		}
	}
	return keys
}

// Stats returns a snapshot of the cache usage counters.
// Unlike the Prometheus collector, these counters are always maintained.
func (c *LRUCache[K, V]) Stats() Stats {
	return c.stats.snapshot()
}

func (c *LRUCache[K, V]) addEntry(key K, value V, expiresAt time.Time) (EvictedEntry[K, V], bool) {
	c.mu.Lock()
	evicted, hasEvicted := c.add(key, value, expiresAt)
	c.mu.Unlock()

	if hasEvicted && c.onEvict != nil {
		c.onEvict(evicted.Key, evicted.Value)
	}
	return evicted, hasEvicted
}

func (c *LRUCache[K, V]) get(key K, countMiss bool) (value V, ok bool, expiredEntry *cacheEntry[K, V]) {
	elem, hit := c.cache[key]
	if !hit {
		if countMiss {
			c.metricsCollector.IncMisses()
			c.stats.misses.Inc()
		}
		return value, false, nil
	}
	entry := elem.Value.(*cacheEntry[K, V])
	if entry.expired(c.timeNow()) {
		c.removeElem(elem)
		c.metricsCollector.SetAmount(len(c.cache))
		c.metricsCollector.AddExpirations(1)
		c.stats.expirations.Inc()
		if countMiss {
			c.metricsCollector.IncMisses()
			c.stats.misses.Inc()
		}
		return value, false, entry
	}
	c.lruList.MoveToFront(elem)
	c.metricsCollector.IncHits()
	c.stats.hits.Inc()
	return entry.value, true, nil
}

func (c *LRUCache[K, V]) add(key K, value V, expiresAt time.Time) (evicted EvictedEntry[K, V], hasEvicted bool) {
	if elem, hit := c.cache[key]; hit {
		// Overwrite counts as a touch, not as a new entry: the size doesn't change
		// and no eviction can be triggered.
		c.lruList.MoveToFront(elem)
		elem.Value = &cacheEntry[K, V]{key: key, value: value, expiresAt: expiresAt}
		return evicted, false
	}

	c.cache[key] = c.lruList.PushFront(&cacheEntry[K, V]{key: key, value: value, expiresAt: expiresAt})
	if len(c.cache) <= c.maxEntries {
		c.metricsCollector.SetAmount(len(c.cache))
		return evicted, false
	}

	entry := c.removeOldest()
	c.metricsCollector.SetAmount(len(c.cache))
	c.metricsCollector.AddEvictions(1)
	c.stats.evictions.Inc()
	return EvictedEntry[K, V]{Key: entry.key, Value: entry.value}, true
}

func (c *LRUCache[K, V]) removeOldest() *cacheEntry[K, V] {
	elem := c.lruList.Back()
	if elem == nil {
		return nil
	}
	entry := elem.Value.(*cacheEntry[K, V])
	c.removeElem(elem)
	return entry
}

func (c *LRUCache[K, V]) removeElem(elem *list.Element) {
	c.lruList.Remove(elem)
	delete(c.cache, elem.Value.(*cacheEntry[K, V]).key)
}
