/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMetrics struct {
	Amount      int
	Hits        int
	Misses      int
	Evictions   int
	Expirations int
}

func assertMetrics(t *testing.T, want testMetrics, mc *PrometheusMetrics) {
	t.Helper()
	assert.Equal(t, want.Amount, int(testutil.ToFloat64(mc.EntriesAmount)), "entries amount")
	assert.Equal(t, want.Hits, int(testutil.ToFloat64(mc.HitsTotal)), "hits")
	assert.Equal(t, want.Misses, int(testutil.ToFloat64(mc.MissesTotal)), "misses")
	assert.Equal(t, want.Evictions, int(testutil.ToFloat64(mc.EvictionsTotal)), "evictions")
	assert.Equal(t, want.Expirations, int(testutil.ToFloat64(mc.ExpirationsTotal)), "expirations")
}

func makeCache(t *testing.T, maxEntries int, opts Options[string, string]) (*LRUCache[string, string], *PrometheusMetrics) {
	t.Helper()
	mc := NewPrometheusMetrics()
	cache, err := NewWithOpts[string, string](maxEntries, mc, opts)
	require.NoError(t, err)
	return cache, mc
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		maxEntries int
		defaultTTL time.Duration
		wantErr    bool
	}{
		{name: "valid", maxEntries: 10},
		{name: "valid with ttl", maxEntries: 10, defaultTTL: time.Minute},
		{name: "zero capacity", maxEntries: 0, wantErr: true},
		{name: "negative capacity", maxEntries: -1, wantErr: true},
		{name: "negative default ttl", maxEntries: 10, defaultTTL: -time.Second, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, err := NewWithOpts[string, int](tt.maxEntries, nil, Options[string, int]{DefaultTTL: tt.defaultTTL})
			if tt.wantErr {
				require.Error(t, err)
				require.Nil(t, cache)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cache)
			require.Equal(t, tt.maxEntries, cache.Cap())
			require.Equal(t, 0, cache.Len())
		})
	}
}

func TestLRUCache(t *testing.T) {
	tests := []struct {
		name        string
		maxEntries  int
		fn          func(t *testing.T, cache *LRUCache[string, string])
		wantMetrics testMetrics
	}{
		{
			name:       "attempt to get not existing keys",
			maxEntries: 100,
			fn: func(t *testing.T, cache *LRUCache[string, string]) {
				for _, key := range []string{"user:1", "user:42", "user:777"} {
					_, found := cache.Get(key)
					require.False(t, found)
				}
			},
			wantMetrics: testMetrics{Misses: 3},
		},
		{
			name:       "add entries and get them",
			maxEntries: 100,
			fn: func(t *testing.T, cache *LRUCache[string, string]) {
				cache.Add("user:1", "Bob")
				cache.Add("user:42", "John")

				val, found := cache.Get("user:1")
				require.True(t, found)
				require.Equal(t, "Bob", val)
				val, found = cache.Get("user:42")
				require.True(t, found)
				require.Equal(t, "John", val)
			},
			wantMetrics: testMetrics{Amount: 2, Hits: 2},
		},
		{
			name:       "add entries with evictions",
			maxEntries: 2,
			fn: func(t *testing.T, cache *LRUCache[string, string]) {
				_, hasEvicted := cache.Add("a", "1")
				require.False(t, hasEvicted)
				_, hasEvicted = cache.Add("b", "2")
				require.False(t, hasEvicted)

				evicted, hasEvicted := cache.Add("c", "3")
				require.True(t, hasEvicted)
				require.Equal(t, EvictedEntry[string, string]{Key: "a", Value: "1"}, evicted)

				_, found := cache.Get("a")
				require.False(t, found)
			},
			wantMetrics: testMetrics{Amount: 2, Misses: 1, Evictions: 1},
		},
		{
			name:       "touch promotes",
			maxEntries: 2,
			fn: func(t *testing.T, cache *LRUCache[string, string]) {
				cache.Add("a", "1")
				cache.Add("b", "2")

				_, found := cache.Get("a")
				require.True(t, found)

				evicted, hasEvicted := cache.Add("c", "3")
				require.True(t, hasEvicted)
				require.Equal(t, "b", evicted.Key, "least recently touched entry must be evicted")

				require.True(t, cache.Contains("a"))
				require.True(t, cache.Contains("c"))
				require.False(t, cache.Contains("b"))
			},
			wantMetrics: testMetrics{Amount: 2, Hits: 1, Evictions: 1},
		},
		{
			name:       "overwrite doesn't change size and doesn't evict",
			maxEntries: 2,
			fn: func(t *testing.T, cache *LRUCache[string, string]) {
				cache.Add("a", "1")
				cache.Add("b", "2")

				_, hasEvicted := cache.Add("a", "111")
				require.False(t, hasEvicted)
				require.Equal(t, 2, cache.Len())

				val, found := cache.Get("a")
				require.True(t, found)
				require.Equal(t, "111", val)

				// Overwrite counts as a touch: "b" is now the oldest.
				evicted, hasEvicted := cache.Add("c", "3")
				require.True(t, hasEvicted)
				require.Equal(t, "b", evicted.Key)
			},
			wantMetrics: testMetrics{Amount: 2, Hits: 1, Evictions: 1},
		},
		{
			name:       "remove entries",
			maxEntries: 100,
			fn: func(t *testing.T, cache *LRUCache[string, string]) {
				cache.Add("a", "1")
				cache.Add("b", "2")

				val, ok := cache.Remove("a")
				require.True(t, ok)
				require.Equal(t, "1", val)

				_, ok = cache.Remove("a")
				require.False(t, ok)
				_, ok = cache.Remove("unknown")
				require.False(t, ok)

				require.Equal(t, 1, cache.Len())
			},
			wantMetrics: testMetrics{Amount: 1},
		},
		{
			name:       "purge is idempotent",
			maxEntries: 100,
			fn: func(t *testing.T, cache *LRUCache[string, string]) {
				cache.Add("a", "1")
				cache.Add("b", "2")

				cache.Purge()
				require.Equal(t, 0, cache.Len())
				cache.Purge()
				require.Equal(t, 0, cache.Len())
			},
			wantMetrics: testMetrics{Amount: 0},
		},
		{
			name:       "resize with evictions",
			maxEntries: 100,
			fn: func(t *testing.T, cache *LRUCache[string, string]) {
				for i := 0; i < 5; i++ {
					cache.Add(fmt.Sprintf("key-%d", i), "v")
				}
				require.Equal(t, 2, cache.Resize(3))
				require.Equal(t, 3, cache.Len())
				require.Equal(t, 3, cache.Cap())

				// The oldest two are gone.
				require.False(t, cache.Contains("key-0"))
				require.False(t, cache.Contains("key-1"))
				require.True(t, cache.Contains("key-2"))
			},
			wantMetrics: testMetrics{Amount: 3, Evictions: 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, mc := makeCache(t, tt.maxEntries, Options[string, string]{})
			tt.fn(t, cache)
			assertMetrics(t, tt.wantMetrics, mc)
		})
	}
}

func TestLRUCacheRecencyOrder(t *testing.T) {
	cache, _ := makeCache(t, 3, Options[string, string]{})

	// More insertions than capacity with no intervening gets:
	// exactly the last 3 keys survive, in insertion recency order.
	for i := 1; i <= 5; i++ {
		cache.Add(fmt.Sprintf("k%d", i), "v")
		require.LessOrEqual(t, cache.Len(), cache.Cap())
	}

	require.Equal(t, []string{"k5", "k4", "k3"}, cache.Keys())
}

func TestLRUCacheConcreteScenario(t *testing.T) {
	cache, err := New[int, string](3, nil)
	require.NoError(t, err)

	cache.Add(1, "a")
	cache.Add(2, "b")
	cache.Add(3, "c")

	val, found := cache.Get(1)
	require.True(t, found)
	require.Equal(t, "a", val)

	evicted, hasEvicted := cache.Add(4, "d")
	require.True(t, hasEvicted)
	require.Equal(t, 2, evicted.Key, "key 2 is the least recently used")

	require.Equal(t, 3, cache.Len())
	require.ElementsMatch(t, []int{1, 3, 4}, cache.Keys())
}

func TestLRUCacheExpiration(t *testing.T) {
	now := time.Now()
	setTime := func(cache *LRUCache[string, string], tm time.Time) {
		cache.timeNow = func() time.Time { return tm }
	}

	t.Run("entry expires exactly at TTL", func(t *testing.T) {
		cache, mc := makeCache(t, 10, Options[string, string]{})
		setTime(cache, now)
		cache.AddWithTTL("a", "1", time.Minute)

		setTime(cache, now.Add(time.Minute-time.Nanosecond))
		val, found := cache.Get("a")
		require.True(t, found)
		require.Equal(t, "1", val)

		setTime(cache, now.Add(time.Minute))
		_, found = cache.Get("a")
		require.False(t, found)
		require.Equal(t, 0, cache.Len(), "expired entry is removed on access")
		assertMetrics(t, testMetrics{Hits: 1, Misses: 1, Expirations: 1}, mc)
	})

	t.Run("non-positive TTL means already expired", func(t *testing.T) {
		cache, _ := makeCache(t, 10, Options[string, string]{})
		setTime(cache, now)
		cache.AddWithTTL("a", "1", 0)
		cache.AddWithTTL("b", "2", -time.Second)

		// Entries occupy capacity slots until touched, but are visible to no Get.
		require.Equal(t, 2, cache.Len())
		_, found := cache.Get("a")
		require.False(t, found)
		_, found = cache.Get("b")
		require.False(t, found)
		require.Equal(t, 0, cache.Len())
	})

	t.Run("default TTL is applied by Add", func(t *testing.T) {
		cache, _ := makeCache(t, 10, Options[string, string]{DefaultTTL: time.Minute})
		setTime(cache, now)
		cache.Add("a", "1")

		setTime(cache, now.Add(time.Minute))
		_, found := cache.Get("a")
		require.False(t, found)
	})

	t.Run("zero default TTL means no expiration", func(t *testing.T) {
		cache, _ := makeCache(t, 10, Options[string, string]{})
		setTime(cache, now)
		cache.Add("a", "1")

		setTime(cache, now.Add(1000*time.Hour))
		_, found := cache.Get("a")
		require.True(t, found)
	})

	t.Run("peek and contains don't remove expired entries", func(t *testing.T) {
		cache, _ := makeCache(t, 10, Options[string, string]{})
		setTime(cache, now)
		cache.AddWithTTL("a", "1", time.Minute)

		setTime(cache, now.Add(2*time.Minute))
		_, found := cache.Peek("a")
		require.False(t, found)
		require.False(t, cache.Contains("a"))
		require.Empty(t, cache.Keys())
		require.Equal(t, 1, cache.Len())
	})

	t.Run("remove expired sweeps only expired entries", func(t *testing.T) {
		cache, mc := makeCache(t, 10, Options[string, string]{})
		setTime(cache, now)
		cache.AddWithTTL("a", "1", time.Minute)
		cache.AddWithTTL("b", "2", time.Hour)
		cache.Add("c", "3")

		setTime(cache, now.Add(30*time.Minute))
		require.Equal(t, 1, cache.RemoveExpired())
		require.Equal(t, 2, cache.Len())
		require.False(t, cache.Contains("a"))
		require.True(t, cache.Contains("b"))
		require.True(t, cache.Contains("c"))
		require.Equal(t, 0, cache.RemoveExpired())
		assertMetrics(t, testMetrics{Amount: 2, Expirations: 1}, mc)
	})
}

func TestLRUCacheOnEvict(t *testing.T) {
	now := time.Now()

	var mu sync.Mutex
	evicted := make(map[string]string)
	opts := Options[string, string]{
		OnEvict: func(key, value string) {
			mu.Lock()
			defer mu.Unlock()
			evicted[key] = value
		},
	}
	cache, _ := makeCache(t, 2, opts)
	cache.timeNow = func() time.Time { return now }

	cache.Add("a", "1")
	cache.Add("b", "2")
	require.Empty(t, evicted)

	// Capacity eviction.
	cache.Add("c", "3")
	require.Equal(t, map[string]string{"a": "1"}, evicted)

	// Explicit removal and purge don't trigger the callback.
	cache.Remove("b")
	cache.Purge()
	require.Equal(t, map[string]string{"a": "1"}, evicted)

	// Expiration does.
	cache.AddWithTTL("d", "4", time.Minute)
	cache.timeNow = func() time.Time { return now.Add(time.Hour) }
	_, found := cache.Get("d")
	require.False(t, found)
	require.Equal(t, map[string]string{"a": "1", "d": "4"}, evicted)
}

func TestLRUCacheStats(t *testing.T) {
	cache, _ := makeCache(t, 2, Options[string, string]{})
	now := time.Now()
	cache.timeNow = func() time.Time { return now }

	cache.Add("a", "1")
	cache.Add("b", "2")
	cache.Add("c", "3") // evicts "a"
	cache.Get("b")
	cache.Get("missing")
	cache.AddWithTTL("d", "4", time.Minute) // evicts "c"
	cache.timeNow = func() time.Time { return now.Add(time.Hour) }
	cache.Get("d") // expired, counted as one more miss

	require.Equal(t, Stats{Hits: 1, Misses: 2, Evictions: 2, Expirations: 1}, cache.Stats())
}

func TestLRUCacheConcurrentResize(t *testing.T) {
	cache, err := New[int, int](64, nil)
	require.NoError(t, err)
	for i := 0; i < 64; i++ {
		cache.Add(i, i)
	}

	// Resize writes maxEntries, Cap and the ops below read it.
	// Must stay clean under the race detector.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for _, size := range []int{16, 64, 32, 128, 64} {
			cache.Resize(size)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			require.Positive(t, cache.Cap())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			cache.Add(i, i)
			cache.Get(i)
		}
	}()
	wg.Wait()

	require.LessOrEqual(t, cache.Len(), cache.Cap())
}

func TestLRUCacheConcurrentConsistency(t *testing.T) {
	const (
		maxEntries    = 64
		numGoroutines = 8
		numOps        = 2000
	)

	cache, err := New[int, int](maxEntries, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for g := 0; g < numGoroutines; g++ {
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < numOps; i++ {
				key := rnd.Intn(maxEntries * 2)
				switch rnd.Intn(4) {
				case 0:
					cache.Get(key)
				case 1, 2:
					cache.Add(key, key)
				case 3:
					cache.Remove(key)
				}
			}
		}(int64(g))
	}
	wg.Wait()

	require.LessOrEqual(t, cache.Len(), cache.Cap())

	// The index and the recency list must reference exactly the same entries.
	require.Equal(t, len(cache.cache), cache.lruList.Len())
	for elem := cache.lruList.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*cacheEntry[int, int])
		indexed, ok := cache.cache[entry.key]
		require.True(t, ok, "list entry %d is missing from the index", entry.key)
		require.Same(t, elem, indexed)
	}
}
