// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/flowtrace/services/flow/analysis"
)

// Config bounds one analysis session.
type Config struct {
	// MaxDepth limits call nesting. The root method is depth 0 and
	// frames through depth MaxDepth are analyzed; anything deeper
	// becomes a depth-limited placeholder.
	MaxDepth int

	// MaxTotalMethods is a breadth-wide budget on how many methods the
	// session may analyze, independent of depth.
	MaxTotalMethods int

	// PerCallTimeout bounds each individual oracle invocation.
	// Exceeding it fails that one method, not the session.
	PerCallTimeout time.Duration

	// CacheEnabled turns the memoization cache on for this session.
	CacheEnabled bool

	// OracleIdentity overrides the oracle's own identity string for
	// cache keying. Empty uses Oracle.Identity(). Threaded per
	// session so concurrent sessions can use different oracles.
	OracleIdentity string
}

// DefaultConfig returns conservative session bounds.
func DefaultConfig() Config {
	return Config{
		MaxDepth:        5,
		MaxTotalMethods: 30,
		PerCallTimeout:  2 * time.Minute,
		CacheEnabled:    true,
	}
}

// Progress receives streaming callbacks during a session. Both fields
// are optional. Callbacks run on the analysis goroutine and must not
// block.
type Progress struct {
	// OnFragment is invoked for every oracle reply fragment.
	OnFragment func(fragment string)

	// OnMethodComplete is invoked after each method's analysis is
	// integrated, including placeholders.
	OnMethodComplete func(key analysis.MethodKey, status analysis.Status)
}

// Session is the per-request state for one root-method analysis. It is
// created at request start, mutated only by the Controller, and
// discarded at request end. Sessions are never shared.
type Session struct {
	ID        string
	StartedAt time.Time
	Config    Config

	// OracleIdentity is the resolved identity used for cache keying.
	OracleIdentity string

	// Root is the requested (typeName, methodName).
	Root analysis.MethodKey

	// Analyses holds every analysis the session touched, including
	// placeholders, keyed by MethodKey.
	Analyses map[analysis.MethodKey]*analysis.MethodAnalysis

	// Completed is set once the root analysis returns.
	Completed bool

	// Cancelled is set when cooperative cancellation stopped the
	// session early; the result is partial, not an error.
	Cancelled bool

	stack       []analysis.CallStackFrame
	visited     map[analysis.MethodKey]bool
	analyzed    int
	oracleCalls int

	// rootErr records a root resolution failure, the only condition
	// that fails the whole session.
	rootErr error
}

// NewSession creates a session for one root method.
func NewSession(root analysis.MethodKey, cfg Config, oracleIdentity string) *Session {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	if cfg.MaxTotalMethods <= 0 {
		cfg.MaxTotalMethods = DefaultConfig().MaxTotalMethods
	}
	if cfg.PerCallTimeout <= 0 {
		cfg.PerCallTimeout = DefaultConfig().PerCallTimeout
	}
	if cfg.OracleIdentity != "" {
		oracleIdentity = cfg.OracleIdentity
	}
	return &Session{
		ID:             uuid.NewString(),
		StartedAt:      time.Now(),
		Config:         cfg,
		OracleIdentity: oracleIdentity,
		Root:           root,
		Analyses:       make(map[analysis.MethodKey]*analysis.MethodAnalysis),
		visited:        make(map[analysis.MethodKey]bool),
	}
}

// Depth returns the current call stack depth.
func (s *Session) Depth() int {
	return len(s.stack)
}

// Stack returns a copy of the current call stack.
func (s *Session) Stack() []analysis.CallStackFrame {
	return append([]analysis.CallStackFrame(nil), s.stack...)
}

// Visited reports whether key was already entered this session.
func (s *Session) Visited(key analysis.MethodKey) bool {
	return s.visited[key]
}

// MethodsAnalyzed returns the running count of analyzed methods.
func (s *Session) MethodsAnalyzed() int {
	return s.analyzed
}

// OracleCalls returns how many times the oracle was invoked.
func (s *Session) OracleCalls() int {
	return s.oracleCalls
}

func (s *Session) enter(key analysis.MethodKey, conditional bool) {
	s.visited[key] = true
	s.analyzed++
	s.stack = append(s.stack, analysis.CallStackFrame{
		TypeName:    key.TypeName,
		MethodName:  key.MethodName,
		Depth:       len(s.stack),
		Conditional: conditional,
	})
}

// leave pops the top call stack frame. Popping is the only mandatory
// cleanup and runs even when the frame's analysis failed.
func (s *Session) leave() {
	if len(s.stack) > 0 {
		s.stack = s.stack[:len(s.stack)-1]
	}
}

// record stores an analysis for key. An existing entry is kept unless
// it was a placeholder and the new analysis is complete: a method hit
// at the depth limit first may still be fully analyzed from a
// shallower call site later.
func (s *Session) record(key analysis.MethodKey, a *analysis.MethodAnalysis) {
	existing, exists := s.Analyses[key]
	if !exists || (existing.Status != analysis.StatusComplete && a.Status == analysis.StatusComplete) {
		s.Analyses[key] = a
	}
}
