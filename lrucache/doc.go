/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package lrucache provides a capacity-bounded in-memory cache with LRU eviction policy,
// per-entry expiration, loader-based compute-on-miss with duplicate call suppression,
// optional sharding, and Prometheus metrics.
package lrucache
