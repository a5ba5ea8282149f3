// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/flowtrace/services/flow/analysis"
	"github.com/AleutianAI/flowtrace/services/flow/cache"
	"github.com/AleutianAI/flowtrace/services/flow/source"
)

var controllerTracer = otel.Tracer("flowtrace.flow.controller")

// identifierPattern accepts syntactically plausible type and method
// names across the supported languages.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.]*$`)

// Controller drives the depth-first expansion of a root method:
// resolve, check cache, invoke the oracle if needed, classify, and
// recurse into step-into calls under the session's depth, budget, and
// cycle limits.
//
// Inner methods are fully resolved before the controller proceeds to
// the next sibling call; the emitted walkthrough must match source
// call order, which a parallel scheduler would not preserve.
type Controller struct {
	oracle   Oracle
	resolver *Resolver
	cache    *cache.AnalysisCache // nil disables memoization
	logger   *slog.Logger
	progress Progress
}

// NewController wires a controller. cache may be nil.
func NewController(oracle Oracle, resolver *Resolver, c *cache.AnalysisCache, logger *slog.Logger, progress Progress) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		oracle:   oracle,
		resolver: resolver,
		cache:    c,
		logger:   logger,
		progress: progress,
	}
}

// Analyze produces the analysis for one method, recursively expanding
// its step-into calls. It always returns a usable analysis: policy
// limits and local failures become partial/error placeholder leaves.
// Only a root type that is entirely unresolvable fails the session
// (recorded on the session, surfaced by the Service).
func (c *Controller) Analyze(ctx context.Context, typeName, methodName string, session *Session) *analysis.MethodAnalysis {
	return c.analyze(ctx, typeName, methodName, session, false)
}

func (c *Controller) analyze(ctx context.Context, typeName, methodName string, session *Session, conditional bool) *analysis.MethodAnalysis {
	key := analysis.MethodKey{TypeName: typeName, MethodName: methodName}

	// Policy checks, cheapest first. Placeholders are still integrated
	// into the tree as leaves. Frames at depths 0 through MaxDepth are
	// analyzed; the first frame beyond MaxDepth is the placeholder.
	if session.Depth() > session.Config.MaxDepth {
		return c.placeholder(session, key, analysis.StatusPartial,
			"maximum recursion depth reached", "depth")
	}
	if session.MethodsAnalyzed() >= session.Config.MaxTotalMethods {
		return c.placeholder(session, key, analysis.StatusPartial,
			"maximum method count reached", "budget")
	}
	if !identifierPattern.MatchString(typeName) || !identifierPattern.MatchString(methodName) {
		return c.placeholder(session, key, analysis.StatusError,
			fmt.Sprintf("invalid type or method name: %s.%s", typeName, methodName), "identifier")
	}

	ctx, span := controllerTracer.Start(ctx, "Controller.analyze")
	span.SetAttributes(
		attribute.String("flow.type", typeName),
		attribute.String("flow.method", methodName),
		attribute.Int("flow.depth", session.Depth()),
	)
	defer span.End()

	session.enter(key, conditional)
	defer session.leave()

	base, resolveErr := c.obtain(ctx, key, session)
	if resolveErr != nil {
		if key == session.Root && session.Depth() == 1 {
			session.rootErr = resolveErr
		}
		span.RecordError(resolveErr)
		span.SetStatus(codes.Error, "resolution failed")
		c.logger.Warn("method resolution failed",
			"session_id", session.ID, "key", key.String(), "error", resolveErr)
		ph := analysis.NewPlaceholder(key, analysis.StatusError, resolveErr.Error())
		c.finish(session, key, ph)
		return ph
	}

	result := base
	if base.Status == analysis.StatusComplete {
		result = c.expandCalls(ctx, base, session)
	}
	span.SetAttributes(attribute.String("flow.status", string(result.Status)))
	c.finish(session, key, result)
	return result
}

// obtain produces the base (unexpanded) analysis for key via the
// resolver, the cache, and the oracle. The returned error is non-nil
// only when the type's source cannot be located at all; oracle
// timeouts and parse failures come back as error-status analyses,
// recorded rather than thrown.
func (c *Controller) obtain(ctx context.Context, key analysis.MethodKey, session *Session) (*analysis.MethodAnalysis, error) {
	resolved, err := c.resolver.Resolve(ctx, key.TypeName, key.MethodName)
	if err != nil {
		if ctx.Err() != nil {
			session.Cancelled = true
			return analysis.NewPlaceholder(key, analysis.StatusPartial, "analysis cancelled"), nil
		}
		return nil, err
	}

	fingerprint := analysis.Fingerprint(resolved.File.Content)
	if c.cacheEnabled(session) {
		if cached, ok := c.cache.Get(key, fingerprint, session.OracleIdentity); ok {
			c.logger.Debug("cache hit",
				"session_id", session.ID, "key", key.String())
			return cached, nil
		}
	}

	text, err := c.invokeOracle(ctx, session, OracleRequest{
		TypeName:   resolved.DefiningType,
		MethodName: key.MethodName,
		Source:     resolved.File.Content,
		Language:   resolved.File.Language,
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrOracleTimeout) {
			session.Cancelled = true
			return analysis.NewPlaceholder(key, analysis.StatusPartial, "analysis cancelled"), nil
		}
		return c.localFailure(key, resolved.File.Language, err), nil
	}

	parsed := analysis.ParseResponse(text)
	definer := resolved.DefiningType
	file := resolved.File
	if parsed.Status != analysis.StatusComplete && len(parsed.Suggestions) > 0 {
		parsed, definer, file = c.followSuggestions(ctx, session, key, parsed, resolved)
	}
	if parsed.Status != analysis.StatusComplete {
		return c.localFailure(key, file.Language, fmt.Errorf("%w: %s", ErrParse, parsed.ErrorMessage)), nil
	}

	a := &analysis.MethodAnalysis{
		TypeName:    key.TypeName,
		MethodName:  key.MethodName,
		Language:    file.Language,
		Status:      analysis.StatusComplete,
		Blocks:      parsed.Blocks,
		Calls:       parsed.Summary,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now(),
	}
	if definer != key.TypeName {
		a.InheritedFrom = definer
	}
	if c.cacheEnabled(session) {
		c.cache.Set(key, a, fingerprint, session.OracleIdentity, file.Path)
	}
	return a, nil
}

// followSuggestions tries the ancestor/alternative types named in a
// method-not-found reply, in the order given. Each suggestion goes
// through the resolver again; the first whose analysis parses
// complete wins.
func (c *Controller) followSuggestions(ctx context.Context, session *Session, key analysis.MethodKey, first *analysis.ParseResult, resolved *Resolved) (*analysis.ParseResult, string, *source.File) {
	tried := map[string]bool{resolved.DefiningType: true}
	for _, suggestion := range first.Suggestions {
		if ctx.Err() != nil {
			break
		}
		if tried[suggestion] {
			continue
		}
		tried[suggestion] = true

		suggested, err := c.resolver.Resolve(ctx, suggestion, key.MethodName)
		if err != nil {
			c.logger.Debug("suggested type unresolvable",
				"session_id", session.ID, "suggestion", suggestion, "error", err)
			continue
		}
		text, err := c.invokeOracle(ctx, session, OracleRequest{
			TypeName:   suggested.DefiningType,
			MethodName: key.MethodName,
			Source:     suggested.File.Content,
			Language:   suggested.File.Language,
		})
		if err != nil {
			continue
		}
		parsed := analysis.ParseResponse(text)
		if parsed.Status == analysis.StatusComplete {
			c.logger.Debug("oracle suggestion resolved method",
				"session_id", session.ID, "key", key.String(),
				"definer", suggested.DefiningType)
			return parsed, suggested.DefiningType, suggested.File
		}
	}
	return first, resolved.DefiningType, resolved.File
}

// invokeOracle runs one oracle call under the session's per-call
// timeout.
func (c *Controller) invokeOracle(ctx context.Context, session *Session, req OracleRequest) (string, error) {
	octx, cancel := context.WithTimeout(ctx, session.Config.PerCallTimeout)
	defer cancel()

	session.oracleCalls++
	start := time.Now()
	text, err := c.oracle.DescribeMethod(octx, req, c.progress.OnFragment)
	oracleCallDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(octx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			oracleCallsTotal.WithLabelValues("timeout").Inc()
			return "", fmt.Errorf("%w: %s.%s after %s",
				ErrOracleTimeout, req.TypeName, req.MethodName, session.Config.PerCallTimeout)
		}
		oracleCallsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("oracle invocation failed: %w", err)
	}
	oracleCallsTotal.WithLabelValues("ok").Inc()
	return text, nil
}

// expandCalls recurses into every step-into call of a complete
// analysis, in reported order, and integrates the children into an
// enriched copy. The base analysis (possibly shared via the cache) is
// never mutated.
func (c *Controller) expandCalls(ctx context.Context, base *analysis.MethodAnalysis, session *Session) *analysis.MethodAnalysis {
	enriched := base.Clone()
	for bi := range enriched.Blocks {
		block := &enriched.Blocks[bi]
		for ci := range block.Calls {
			call := &block.Calls[ci]
			if call.Classification != analysis.ClassStepInto {
				continue
			}
			// Cooperative cancellation: checked before each inner call.
			if ctx.Err() != nil {
				session.Cancelled = true
				enriched.Status = analysis.StatusPartial
				if enriched.ErrorMessage == "" {
					enriched.ErrorMessage = "analysis cancelled before all calls were expanded"
				}
				return enriched
			}

			targetType := call.TargetType
			if targetType == "" {
				// Bare method() citation: a self-call on the analyzed
				// type.
				targetType = base.TypeName
			}
			innerKey := analysis.MethodKey{TypeName: targetType, MethodName: call.TargetMethod}

			var inner *analysis.MethodAnalysis
			if session.Visited(innerKey) {
				// Already entered this session; integrate the existing
				// result without re-entering.
				inner = session.Analyses[innerKey]
				if inner == nil {
					// No recorded result means the callee is still on
					// the call stack: a cycle. The call site gets a
					// partial leaf; the in-progress frame keeps its own
					// eventual result.
					inner = analysis.NewPlaceholder(innerKey, analysis.StatusPartial,
						"circular dependency detected")
					placeholdersTotal.WithLabelValues("cycle").Inc()
					call.Cycle = true
					c.logger.Debug("cycle broken",
						"session_id", session.ID, "key", innerKey.String())
				}
			} else {
				inner = c.analyze(ctx, targetType, call.TargetMethod, session, call.ConditionalNote != "")
			}

			call.ExpectedBehavior = refineBehavior(call.ExpectedBehavior, inner)
			block.Narrative = appendInnerNote(block.Narrative, innerKey, inner)
		}
	}
	return enriched
}

func (c *Controller) cacheEnabled(session *Session) bool {
	return c.cache != nil && session.Config.CacheEnabled
}

// localFailure converts a single-method failure into an error-status
// leaf. Siblings and the parent continue unaffected.
func (c *Controller) localFailure(key analysis.MethodKey, language string, err error) *analysis.MethodAnalysis {
	a := analysis.NewPlaceholder(key, analysis.StatusError, err.Error())
	a.Language = language
	return a
}

func (c *Controller) placeholder(session *Session, key analysis.MethodKey, status analysis.Status, reason, policy string) *analysis.MethodAnalysis {
	c.logger.Debug("placeholder leaf",
		"session_id", session.ID, "key", key.String(), "policy", policy, "reason", reason)
	placeholdersTotal.WithLabelValues(policy).Inc()

	ph := analysis.NewPlaceholder(key, status, reason)
	session.record(key, ph)
	c.notify(key, status)
	return ph
}

func (c *Controller) finish(session *Session, key analysis.MethodKey, a *analysis.MethodAnalysis) {
	session.record(key, a)
	analysesTotal.WithLabelValues(string(a.Status)).Inc()
	c.notify(key, a.Status)
}

func (c *Controller) notify(key analysis.MethodKey, status analysis.Status) {
	if c.progress.OnMethodComplete != nil {
		c.progress.OnMethodComplete(key, status)
	}
}

// refineBehavior folds the inner method's findings into the call
// site's expected-behavior text.
func refineBehavior(existing string, inner *analysis.MethodAnalysis) string {
	summary := Summarize(inner)
	if existing == "" {
		return summary
	}
	return existing + "; traced: " + summary
}

// appendInnerNote appends a summarized inner-execution note to the
// owning block's narrative.
func appendInnerNote(narrative string, key analysis.MethodKey, inner *analysis.MethodAnalysis) string {
	note := fmt.Sprintf("Inner execution of %s: %s", key.String(), Summarize(inner))
	if narrative == "" {
		return note
	}
	return narrative + " " + note
}

// Summarize renders a one-line summary of an analysis, used for call
// refinement and method-return steps.
func Summarize(a *analysis.MethodAnalysis) string {
	if a == nil {
		return "not analyzed"
	}
	switch a.Status {
	case analysis.StatusComplete:
		total := a.Calls.Total()
		parts := fmt.Sprintf("%d execution blocks, %d calls", len(a.Blocks), total)
		if a.Calls.StepInto > 0 {
			parts += fmt.Sprintf(" (%d stepped into)", a.Calls.StepInto)
		}
		if len(a.Blocks) > 0 && a.Blocks[0].Description != "" {
			first := a.Blocks[0].Description
			if len(first) > 80 {
				first = first[:77] + "..."
			}
			parts += "; starts with: " + strings.TrimRight(first, ".")
		}
		return parts
	case analysis.StatusPartial:
		return "not expanded (" + a.ErrorMessage + ")"
	default:
		return "failed (" + a.ErrorMessage + ")"
	}
}
