// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package flow implements recursive method flow analysis: given a root
// (type, method) pair it resolves source, asks an oracle what the
// method does, classifies every reported call, recurses into the
// application-code ones under depth and budget limits, and flattens the
// result into a numbered linear walkthrough.
package flow

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/flowtrace/services/flow/analysis"
	"github.com/AleutianAI/flowtrace/services/flow/cache"
	"github.com/AleutianAI/flowtrace/services/flow/source"
)

var serviceTracer = otel.Tracer("flowtrace.flow.service")

const timeRounding = 10 * time.Millisecond

// Stats summarizes a finished session.
type Stats struct {
	MethodsAnalyzed int           `json:"methods_analyzed"`
	Complete        int           `json:"complete"`
	Partial         int           `json:"partial"`
	Errors          int           `json:"errors"`
	OracleCalls     int           `json:"oracle_calls"`
	Cancelled       bool          `json:"cancelled,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Result is the outcome of one flow analysis run.
type Result struct {
	Flow *analysis.LinearExecutionFlow `json:"flow"`

	// FormattedSteps is the plain-text walkthrough.
	FormattedSteps string `json:"formatted_steps"`

	Stats Stats `json:"stats"`
}

// Service is the long-lived entry point for flow analysis. It owns the
// oracle, resolver, cache, and optional source watcher; sessions are
// created per request.
//
// Thread Safety: Service is safe for concurrent use. Each request gets
// its own Session.
type Service struct {
	oracle   Oracle
	resolver *Resolver
	cache    *cache.AnalysisCache
	watcher  *source.Watcher
	logger   *slog.Logger
}

// ServiceOptions configures NewService. Cache and Watch are optional.
type ServiceOptions struct {
	Oracle   Oracle
	Provider source.Provider
	Cache    *cache.AnalysisCache

	// WatchPaths enables fsnotify-driven cache invalidation on the
	// given directories. Requires Cache.
	WatchPaths []string

	Logger *slog.Logger
}

// NewService wires a flow analysis service.
func NewService(opts ServiceOptions) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		oracle:   opts.Oracle,
		resolver: NewResolver(opts.Provider, logger),
		cache:    opts.Cache,
		logger:   logger,
	}

	if len(opts.WatchPaths) > 0 && opts.Cache != nil {
		w, err := source.NewWatcher(func(path string) {
			logger.Info("source changed, invalidating cached analyses", "path", path)
			opts.Cache.InvalidateBySourcePath(path)
		}, logger)
		if err != nil {
			logger.Warn("source watcher unavailable", "error", err)
		} else {
			for _, p := range opts.WatchPaths {
				w.Add(p)
			}
			s.watcher = w
		}
	}
	return s, nil
}

// Close stops the watcher and releases the cache.
func (s *Service) Close() error {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}

// Cache exposes the underlying cache for admin surfaces. May be nil.
func (s *Service) Cache() *cache.AnalysisCache {
	return s.cache
}

// RunFlowAnalysis analyzes typeName.methodName and returns the
// flattened walkthrough.
//
// Description:
//
//	Creates a session, runs the recursion controller from the root
//	method, and assembles the linear flow from everything the session
//	touched. Per-method failures and policy limits surface as partial
//	or error entries inside the result; the returned error is non-nil
//	only when the root type itself cannot be resolved. Cancelling ctx
//	stops recursion at the next method boundary and yields a partial
//	result.
//
// Inputs:
//
//	ctx - Cancellation governs the whole session.
//	typeName, methodName - The root method to trace.
//	cfg - Session bounds; zero fields take defaults.
//	progress - Optional streaming callbacks.
//
// Outputs:
//
//	*Result - The walkthrough, always non-nil on nil error.
//	error - Root resolution failure only.
func (s *Service) RunFlowAnalysis(ctx context.Context, typeName, methodName string, cfg Config, progress Progress) (*Result, error) {
	ctx, span := serviceTracer.Start(ctx, "Service.RunFlowAnalysis")
	span.SetAttributes(
		attribute.String("flow.root_type", typeName),
		attribute.String("flow.root_method", methodName),
	)
	defer span.End()

	root := analysis.MethodKey{TypeName: typeName, MethodName: methodName}
	session := NewSession(root, cfg, s.oracle.Identity())
	s.logger.Info("flow analysis started",
		"session_id", session.ID, "root", root.String(),
		"max_depth", session.Config.MaxDepth, "max_methods", session.Config.MaxTotalMethods)

	var controllerCache *cache.AnalysisCache
	if session.Config.CacheEnabled {
		controllerCache = s.cache
	}
	controller := NewController(s.oracle, s.resolver, controllerCache, s.logger, progress)

	controller.Analyze(ctx, typeName, methodName, session)
	session.Completed = true
	elapsed := time.Since(session.StartedAt)
	sessionDuration.Observe(elapsed.Seconds())

	if session.rootErr != nil {
		s.logger.Error("flow analysis failed: root unresolvable",
			"session_id", session.ID, "root", root.String(), "error", session.rootErr)
		span.RecordError(session.rootErr)
		return nil, session.rootErr
	}

	flow := AssembleLinearFlow(root, session.Analyses)
	result := &Result{
		Flow:           flow,
		FormattedSteps: FormatFlow(flow),
		Stats:          sessionStats(session, elapsed),
	}
	s.logger.Info("flow analysis finished",
		"session_id", session.ID, "root", root.String(),
		"steps", len(flow.Steps), "stats", FormatStats(result.Stats))
	return result, nil
}

func sessionStats(session *Session, elapsed time.Duration) Stats {
	stats := Stats{
		MethodsAnalyzed: session.MethodsAnalyzed(),
		OracleCalls:     session.OracleCalls(),
		Cancelled:       session.Cancelled,
		Duration:        elapsed,
	}
	for _, a := range session.Analyses {
		switch a.Status {
		case analysis.StatusComplete:
			stats.Complete++
		case analysis.StatusPartial:
			stats.Partial++
		default:
			stats.Errors++
		}
	}
	return stats
}
