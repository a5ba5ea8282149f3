// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"log/slog"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/flowtrace/services/flow/analysis"
	flowbadger "github.com/AleutianAI/flowtrace/services/flow/storage/badger"
)

// Options configures the two-tier analysis cache.
type Options struct {
	// SessionTTL and SessionCapacity bound the in-memory tier.
	SessionTTL      time.Duration
	SessionCapacity int

	// DurablePath enables the durable tier at this directory. Empty
	// disables it.
	DurablePath string

	// DurableInMemory runs the durable tier in memory (tests).
	DurableInMemory bool

	// Retention and MaxEntries bound the durable tier.
	Retention  time.Duration
	MaxEntries int

	Logger *slog.Logger
}

// Stats is a snapshot of cache counters.
type Stats struct {
	SessionHits      int64 `json:"session_hits"`
	SessionMisses    int64 `json:"session_misses"`
	SessionEvictions int64 `json:"session_evictions"`
	SessionEntries   int   `json:"session_entries"`
	DurableEnabled   bool  `json:"durable_enabled"`
	DurableEntries   int   `json:"durable_entries"`
	DurableHits      int64 `json:"durable_hits"`
	DurableMisses    int64 `json:"durable_misses"`
}

// AnalysisCache combines the session tier with the optional durable
// tier. Durable-tier failures never fail an analysis; they degrade to
// session-tier-only operation.
//
// Thread Safety: AnalysisCache is safe for concurrent use.
type AnalysisCache struct {
	session *SessionCache
	durable *PersistentCache // nil when disabled or unavailable
	db      *badgerdb.DB
	logger  *slog.Logger

	durableHits   atomic.Int64
	durableMisses atomic.Int64
}

// New creates the cache. A durable tier that cannot be opened is
// logged and disabled; New itself never fails for durable I/O reasons.
func New(opts Options) *AnalysisCache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &AnalysisCache{
		session: NewSessionCache(opts.SessionTTL, opts.SessionCapacity),
		logger:  logger,
	}

	if opts.DurablePath == "" && !opts.DurableInMemory {
		return c
	}

	var cfg flowbadger.Config
	if opts.DurableInMemory {
		cfg = flowbadger.InMemoryConfig()
	} else {
		cfg = flowbadger.DefaultConfig(opts.DurablePath)
	}
	cfg.Logger = logger

	db, err := flowbadger.Open(cfg)
	if err != nil {
		logger.Warn("durable cache disabled", "path", opts.DurablePath, "error", err)
		return c
	}
	durable, err := NewPersistentCache(db, opts.Retention, opts.MaxEntries, logger)
	if err != nil {
		logger.Warn("durable cache disabled", "error", err)
		_ = db.Close()
		return c
	}
	c.db = db
	c.durable = durable
	return c
}

// Close releases the durable tier.
func (c *AnalysisCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// DurableEnabled reports whether the durable tier is active.
func (c *AnalysisCache) DurableEnabled() bool {
	return c.durable != nil
}

// Get looks up an analysis, session tier first. A durable hit is
// promoted into the session tier.
func (c *AnalysisCache) Get(key analysis.MethodKey, fingerprint, oracleIdentity string) (*analysis.MethodAnalysis, bool) {
	if a, ok := c.session.Get(key, fingerprint); ok {
		return a, true
	}
	if c.durable == nil {
		return nil, false
	}
	a, ok := c.durable.Get(key, fingerprint, oracleIdentity)
	if !ok {
		c.durableMisses.Add(1)
		return nil, false
	}
	c.durableHits.Add(1)
	c.session.Set(key, a, fingerprint)
	return a, true
}

// Set stores an analysis in both tiers.
func (c *AnalysisCache) Set(key analysis.MethodKey, a *analysis.MethodAnalysis, fingerprint, oracleIdentity, sourcePath string) {
	c.session.Set(key, a, fingerprint)
	if c.durable != nil {
		c.durable.Set(key, a, fingerprint, oracleIdentity, sourcePath)
	}
}

// Invalidate removes entries for a type, or one method when
// methodName is non-empty, from both tiers.
func (c *AnalysisCache) Invalidate(typeName, methodName string) int {
	removed := c.session.Invalidate(typeName, methodName)
	if c.durable != nil {
		removed += c.durable.Invalidate(typeName, methodName)
	}
	return removed
}

// InvalidateBySourcePath drops entries recorded against a changed
// source file from both tiers. Used by the fsnotify watcher. When the
// durable tier is off there is no path-to-key mapping, so the whole
// session tier is cleared instead.
func (c *AnalysisCache) InvalidateBySourcePath(path string) {
	if c.durable == nil {
		c.session.Clear()
		return
	}
	for _, key := range c.durable.InvalidateBySourcePath(path) {
		c.session.Invalidate(key.TypeName, key.MethodName)
	}
}

// Clear empties both tiers.
func (c *AnalysisCache) Clear() {
	c.session.Clear()
	if c.durable != nil {
		c.durable.Clear()
	}
}

// Stats returns a counter snapshot.
func (c *AnalysisCache) Stats() Stats {
	hits, misses, evictions := c.session.Stats()
	s := Stats{
		SessionHits:      hits,
		SessionMisses:    misses,
		SessionEvictions: evictions,
		SessionEntries:   c.session.Len(),
		DurableEnabled:   c.durable != nil,
		DurableHits:      c.durableHits.Load(),
		DurableMisses:    c.durableMisses.Load(),
	}
	if c.durable != nil {
		s.DurableEntries = c.durable.Len()
	}
	return s
}
