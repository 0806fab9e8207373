/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"time"

	"go.uber.org/atomic"
)

// DefaultShardCount is the default number of shards for a ShardedLRUCache.
const DefaultShardCount = 16

// ShardedLRUCache distributes keys across multiple independent LRUCache instances
// to reduce lock contention under high concurrency.
// Each shard has its own lock and its own recency order, so the global LRU order
// is approximate: the capacity bound is enforced per shard, and the evicted entry
// is the least-recently-used one of the target shard, not of the whole cache.
type ShardedLRUCache[K comparable, V any] struct {
	shards     []*LRUCache[K, V]
	seed       maphash.Seed
	maxEntries int
}

// NewSharded creates a new ShardedLRUCache with the provided total maximum number of entries
// and metrics collector, distributing the capacity evenly across DefaultShardCount shards.
func NewSharded[K comparable, V any](maxEntries int, metricsCollector MetricsCollector) (*ShardedLRUCache[K, V], error) {
	return NewShardedWithOpts[K, V](maxEntries, metricsCollector, ShardedOptions[K, V]{})
}

// ShardedOptions represents options for the sharded cache.
type ShardedOptions[K comparable, V any] struct {
	Options[K, V]

	// ShardCount is the number of shards. Zero means DefaultShardCount.
	ShardCount int
}

// NewShardedWithOpts creates a new ShardedLRUCache with the provided total maximum number of entries,
// metrics collector, and options. The capacity is distributed evenly across the shards,
// with the remainder going to the first ones. Since each shard needs at least one slot,
// the total capacity may exceed the requested one when maxEntries < ShardCount.
func NewShardedWithOpts[K comparable, V any](
	maxEntries int, metricsCollector MetricsCollector, opts ShardedOptions[K, V],
) (*ShardedLRUCache[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0")
	}
	if opts.ShardCount < 0 {
		return nil, fmt.Errorf("shardCount must be greater or equal to 0 (default sharding)")
	}
	shardCount := opts.ShardCount
	if shardCount == 0 {
		shardCount = DefaultShardCount
	}
	if metricsCollector == nil {
		metricsCollector = disabledMetrics{}
	}

	perShard := maxEntries / shardCount
	remainder := maxEntries % shardCount
	if perShard < 1 {
		perShard = 1
		remainder = 0
	}

	totalAmount := atomic.NewInt64(0)
	shards := make([]*LRUCache[K, V], shardCount)
	for i := range shards {
		shardCap := perShard
		if i < remainder {
			shardCap++
		}
		shard, err := NewWithOpts[K, V](shardCap, &shardMetrics{
			parent:      metricsCollector,
			totalAmount: totalAmount,
		}, opts.Options)
		if err != nil {
			return nil, err
		}
		shards[i] = shard
	}

	return &ShardedLRUCache[K, V]{
		shards:     shards,
		seed:       maphash.MakeSeed(),
		maxEntries: maxEntries,
	}, nil
}

// Get returns a value from the cache by the provided key
// and promotes the entry within its shard.
func (s *ShardedLRUCache[K, V]) Get(key K) (V, bool) {
	return s.shard(key).Get(key)
}

// Peek returns a value from the cache by the provided key without promoting the entry.
func (s *ShardedLRUCache[K, V]) Peek(key K) (V, bool) {
	return s.shard(key).Peek(key)
}

// Add adds a value to the cache with the provided key, applying the default TTL.
// If the target shard is full, its least-recently-used entry is evicted and returned.
func (s *ShardedLRUCache[K, V]) Add(key K, value V) (EvictedEntry[K, V], bool) {
	return s.shard(key).Add(key, value)
}

// AddWithTTL behaves like Add but applies the provided TTL instead of the default one.
func (s *ShardedLRUCache[K, V]) AddWithTTL(key K, value V, ttl time.Duration) (EvictedEntry[K, V], bool) {
	return s.shard(key).AddWithTTL(key, value, ttl)
}

// GetOrLoad returns a value from the cache by the provided key,
// invoking the loader and caching its result on miss.
// Concurrent calls for the same missing key share a single loader invocation.
func (s *ShardedLRUCache[K, V]) GetOrLoad(key K, loader LoaderFunc[K, V]) (V, error) {
	return s.shard(key).GetOrLoad(key, loader)
}

// GetOrLoadWithTTL behaves like GetOrLoad but applies the provided TTL to the loaded entry.
func (s *ShardedLRUCache[K, V]) GetOrLoadWithTTL(key K, loader LoaderFunc[K, V], ttl time.Duration) (V, error) {
	return s.shard(key).GetOrLoadWithTTL(key, loader, ttl)
}

// Remove removes a value from the cache by the provided key and returns it if it was present.
func (s *ShardedLRUCache[K, V]) Remove(key K) (V, bool) {
	return s.shard(key).Remove(key)
}

// Purge clears all the shards.
func (s *ShardedLRUCache[K, V]) Purge() {
	for _, shard := range s.shards {
		shard.Purge()
	}
}

// RemoveExpired sweeps all expired entries from all the shards
// and returns how many were removed.
func (s *ShardedLRUCache[K, V]) RemoveExpired() int {
	removed := 0
	for _, shard := range s.shards {
		removed += shard.RemoveExpired()
	}
	return removed
}

// Len returns the total number of entries across all the shards.
func (s *ShardedLRUCache[K, V]) Len() int {
	total := 0
	for _, shard := range s.shards {
		total += shard.Len()
	}
	return total
}

// Cap returns the total configured maximum number of entries.
func (s *ShardedLRUCache[K, V]) Cap() int {
	return s.maxEntries
}

// ShardCount returns the number of shards.
func (s *ShardedLRUCache[K, V]) ShardCount() int {
	return len(s.shards)
}

// Contains reports whether an unexpired entry for the provided key is in the cache.
func (s *ShardedLRUCache[K, V]) Contains(key K) bool {
	return s.shard(key).Contains(key)
}

// Keys returns the keys of all unexpired entries. The order is from most to least
// recently used within each shard; no order is defined across shards.
func (s *ShardedLRUCache[K, V]) Keys() []K {
	var keys []K
	for _, shard := range s.shards {
		keys = append(keys, shard.Keys()...)
	}
	return keys
}

// Stats returns a snapshot of the usage counters aggregated over all the shards.
func (s *ShardedLRUCache[K, V]) Stats() Stats {
	var total Stats
	for _, shard := range s.shards {
		shard.stats.merge(&total)
	}
	return total
}

func (s *ShardedLRUCache[K, V]) shard(key K) *LRUCache[K, V] {
	var h maphash.Hash
	h.SetSeed(s.seed)

	// Binary encoding for common key types, fmt.Sprint is a fallback for the rest.
	var buf [8]byte
	switch k := any(key).(type) {
	case string:
		_, _ = h.WriteString(k)
	case int:
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(k)))
		_, _ = h.Write(buf[:])
	case int64:
		binary.LittleEndian.PutUint64(buf[:], uint64(k))
		_, _ = h.Write(buf[:])
	case int32:
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(k)))
		_, _ = h.Write(buf[:])
	case uint:
		binary.LittleEndian.PutUint64(buf[:], uint64(k))
		_, _ = h.Write(buf[:])
	case uint64:
		binary.LittleEndian.PutUint64(buf[:], k)
		_, _ = h.Write(buf[:])
	case uint32:
		binary.LittleEndian.PutUint64(buf[:], uint64(k))
		_, _ = h.Write(buf[:])
	default:
		_, _ = h.WriteString(fmt.Sprint(key))
	}

	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

// shardMetrics makes per-shard amount reporting additive: each shard reports its own
// entry count, and the shared gauge receives the total over all the shards.
// SetAmount is always called under the owning shard's lock, so lastAmount needs no
// synchronization of its own.
type shardMetrics struct {
	parent      MetricsCollector
	totalAmount *atomic.Int64
	lastAmount  int64
}

func (m *shardMetrics) SetAmount(amount int) {
	total := m.totalAmount.Add(int64(amount) - m.lastAmount)
	m.lastAmount = int64(amount)
	m.parent.SetAmount(int(total))
}

func (m *shardMetrics) IncHits() { m.parent.IncHits() }

func (m *shardMetrics) IncMisses() { m.parent.IncMisses() }

func (m *shardMetrics) AddEvictions(n int) { m.parent.AddEvictions(n) }

func (m *shardMetrics) AddExpirations(n int) { m.parent.AddExpirations(n) }
