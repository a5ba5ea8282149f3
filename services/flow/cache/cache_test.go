// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowtrace/services/flow/analysis"
)

func newTestCache(t *testing.T) *AnalysisCache {
	t.Helper()
	c := New(Options{
		SessionTTL:      time.Minute,
		SessionCapacity: 50,
		DurableInMemory: true,
		Retention:       time.Hour,
		MaxEntries:      100,
	})
	require.True(t, c.DurableEnabled())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAnalysisCache_SessionOnlyWhenNoDurablePath(t *testing.T) {
	c := New(Options{})
	defer c.Close()
	assert.False(t, c.DurableEnabled())

	key := analysis.MethodKey{TypeName: "A", MethodName: "run"}
	c.Set(key, makeAnalysis("A", "run"), "fp", "oracle", "a.py")
	_, ok := c.Get(key, "fp", "oracle")
	assert.True(t, ok)
}

func TestAnalysisCache_DurableHitPromotesToSession(t *testing.T) {
	c := newTestCache(t)
	key := analysis.MethodKey{TypeName: "A", MethodName: "run"}
	c.Set(key, makeAnalysis("A", "run"), "fp", "oracle", "a.py")

	// Drop the session tier; the durable tier must still answer and
	// repopulate the session tier.
	c.session.Clear()
	_, ok := c.Get(key, "fp", "oracle")
	require.True(t, ok)
	assert.Equal(t, 1, c.session.Len())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.DurableHits)
}

func TestAnalysisCache_InvalidateBothTiers(t *testing.T) {
	c := newTestCache(t)
	key := analysis.MethodKey{TypeName: "A", MethodName: "run"}
	c.Set(key, makeAnalysis("A", "run"), "fp", "oracle", "a.py")

	removed := c.Invalidate("A", "run")
	assert.Equal(t, 2, removed)
	_, ok := c.Get(key, "fp", "oracle")
	assert.False(t, ok)
}

func TestAnalysisCache_InvalidateBySourcePath(t *testing.T) {
	c := newTestCache(t)
	keyA := analysis.MethodKey{TypeName: "A", MethodName: "run"}
	keyB := analysis.MethodKey{TypeName: "B", MethodName: "run"}
	c.Set(keyA, makeAnalysis("A", "run"), "fp", "oracle", "src/a.py")
	c.Set(keyB, makeAnalysis("B", "run"), "fp", "oracle", "src/b.py")

	c.InvalidateBySourcePath("src/a.py")

	_, ok := c.Get(keyA, "fp", "oracle")
	assert.False(t, ok)
	_, ok = c.Get(keyB, "fp", "oracle")
	assert.True(t, ok)
}
