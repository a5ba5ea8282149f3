// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the two-tier memoization cache for method
// analyses: a fast in-process session tier and an optional durable
// tier on BadgerDB. Both tiers key by MethodKey and validate entries
// against the source content fingerprint and the oracle identity.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/flowtrace/services/flow/analysis"
)

// Session tier defaults.
const (
	DefaultSessionTTL      = 30 * time.Minute
	DefaultSessionCapacity = 500
)

// sessionEntry is one session-tier cache entry.
type sessionEntry struct {
	key         string
	analysis    *analysis.MethodAnalysis
	fingerprint string
	insertedAt  time.Time
	accessCount int64
	elem        *list.Element
}

// SessionCache is the in-memory memoization tier. Entries expire after
// a fixed TTL and are evicted in insertion order once capacity is
// reached. A hit short-circuits the oracle call: within one session
// each distinct MethodKey is resolved by the oracle at most once.
//
// Thread Safety: SessionCache is safe for concurrent use. The engine
// itself runs single-flow, but the cache outlives sessions and may be
// probed by admin surfaces concurrently.
type SessionCache struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry
	order   *list.List // insertion order, oldest at front
	ttl     time.Duration
	cap     int

	hits      int64
	misses    int64
	evictions int64
}

// NewSessionCache creates a session cache. Non-positive ttl or
// capacity select the defaults.
func NewSessionCache(ttl time.Duration, capacity int) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	return &SessionCache{
		entries: make(map[string]*sessionEntry),
		order:   list.New(),
		ttl:     ttl,
		cap:     capacity,
	}
}

// Get returns the cached analysis for key if present, unexpired, and
// recorded under the same content fingerprint. A fingerprint mismatch
// silently removes the stale entry.
func (c *SessionCache) Get(key analysis.MethodKey, fingerprint string) (*analysis.MethodAnalysis, bool) {
	ks := key.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[ks]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if time.Since(entry.insertedAt) > c.ttl {
		c.removeLocked(entry)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if fingerprint != "" && entry.fingerprint != "" && entry.fingerprint != fingerprint {
		// Source changed since the entry was stored.
		c.removeLocked(entry)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	entry.accessCount++
	atomic.AddInt64(&c.hits, 1)
	return entry.analysis, true
}

// Set stores an analysis, evicting oldest entries beyond capacity.
func (c *SessionCache) Set(key analysis.MethodKey, a *analysis.MethodAnalysis, fingerprint string) {
	if a == nil {
		return
	}
	ks := key.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[ks]; ok {
		c.removeLocked(old)
	}
	entry := &sessionEntry{
		key:         ks,
		analysis:    a,
		fingerprint: fingerprint,
		insertedAt:  time.Now(),
	}
	entry.elem = c.order.PushBack(entry)
	c.entries[ks] = entry

	for len(c.entries) > c.cap {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*sessionEntry))
		atomic.AddInt64(&c.evictions, 1)
	}
}

// Invalidate removes entries for a type, or for one method when
// methodName is non-empty. Returns the number removed.
func (c *SessionCache) Invalidate(typeName, methodName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, entry := range c.entries {
		a := entry.analysis
		if a.TypeName != typeName {
			continue
		}
		if methodName != "" && a.MethodName != methodName {
			continue
		}
		c.removeLocked(entry)
		removed++
	}
	return removed
}

// Clear removes all entries.
func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*sessionEntry)
	c.order.Init()
}

// Len returns the current entry count.
func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit/miss/eviction counters.
func (c *SessionCache) Stats() (hits, misses, evictions int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses), atomic.LoadInt64(&c.evictions)
}

func (c *SessionCache) removeLocked(entry *sessionEntry) {
	delete(c.entries, entry.key)
	if entry.elem != nil {
		c.order.Remove(entry.elem)
		entry.elem = nil
	}
}
