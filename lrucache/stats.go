/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import "go.uber.org/atomic"

// Stats is a point-in-time snapshot of cache usage counters.
type Stats struct {
	// Hits is the total number of successfully found keys.
	Hits int64

	// Misses is the total number of not found keys.
	Misses int64

	// Evictions is the total number of entries removed by the capacity bound.
	Evictions int64

	// Expirations is the total number of entries removed because their TTL elapsed.
	Expirations int64
}

type statsCounters struct {
	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

func (s *statsCounters) snapshot() Stats {
	return Stats{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
	}
}

func (s *statsCounters) merge(dst *Stats) {
	dst.Hits += s.hits.Load()
	dst.Misses += s.misses.Load()
	dst.Evictions += s.evictions.Load()
	dst.Expirations += s.expirations.Load()
}
