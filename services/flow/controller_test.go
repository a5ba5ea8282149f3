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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowtrace/services/flow/analysis"
	"github.com/AleutianAI/flowtrace/services/flow/cache"
	"github.com/AleutianAI/flowtrace/services/flow/source"
)

// fakeProvider serves sources from an in-memory map.
type fakeProvider struct {
	files map[string]*source.File
}

func (p *fakeProvider) ResolveSource(_ context.Context, typeName string) (*source.File, error) {
	f, ok := p.files[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrTypeNotFound, typeName)
	}
	return f, nil
}

// fakeOracle replays scripted replies keyed "Type.method" and counts
// invocations per key.
type fakeOracle struct {
	mu      sync.Mutex
	replies map[string]string
	calls   map[string]int
	delay   time.Duration
	err     error
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		replies: make(map[string]string),
		calls:   make(map[string]int),
	}
}

func (o *fakeOracle) Identity() string { return "fake:test-model" }

func (o *fakeOracle) DescribeMethod(ctx context.Context, req OracleRequest, onFragment func(string)) (string, error) {
	o.mu.Lock()
	key := req.TypeName + "." + req.MethodName
	o.calls[key]++
	reply, ok := o.replies[key]
	err := o.err
	delay := o.delay
	o.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "METHOD_NOT_FOUND: no scripted reply for " + key, nil
	}
	if onFragment != nil {
		onFragment(reply)
	}
	return reply, nil
}

func (o *fakeOracle) callCount(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[key]
}

// reply builds an oracle reply with one block per calls entry.
func reply(narrative string, calls ...string) string {
	var b strings.Builder
	b.WriteString("BLOCK: " + narrative + "\n")
	b.WriteString("TYPE: method_call\n")
	b.WriteString("NARRATIVE: " + narrative + "\n")
	if len(calls) > 0 {
		b.WriteString("CALLS:\n")
		for _, c := range calls {
			b.WriteString("- " + c + "\n")
		}
	}
	return b.String()
}

func leafReply(narrative string) string {
	return "BLOCK: " + narrative + "\nTYPE: return\nNARRATIVE: " + narrative + "\n"
}

type testEngine struct {
	oracle   *fakeOracle
	provider *fakeProvider
	cache    *cache.AnalysisCache
	svc      *Service
}

func newTestEngine(t *testing.T, files map[string]string, withCache bool) *testEngine {
	t.Helper()
	provider := &fakeProvider{files: make(map[string]*source.File)}
	for name, content := range files {
		provider.files[name] = &source.File{
			Path:     "src/" + name + ".java",
			Content:  content,
			Language: "java",
		}
	}
	oracle := newFakeOracle()

	var c *cache.AnalysisCache
	if withCache {
		c = cache.New(cache.Options{DurableInMemory: true})
		t.Cleanup(func() { _ = c.Close() })
	}
	svc, err := NewService(ServiceOptions{
		Oracle:   oracle,
		Provider: provider,
		Cache:    c,
	})
	require.NoError(t, err)
	return &testEngine{oracle: oracle, provider: provider, cache: c, svc: svc}
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.PerCallTimeout = 5 * time.Second
	return cfg
}

func javaClass(name, body string) string {
	return "public class " + name + " {\n" + body + "\n}\n"
}

func javaMethod(name string) string {
	return "    public void " + name + "() {\n    }\n"
}

// -----------------------------------------------------------------------------

func TestAnalyze_SingleMethodNoCalls(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"Greeter": javaClass("Greeter", javaMethod("hello")),
	}, false)
	e.oracle.replies["Greeter.hello"] = leafReply("Prints a greeting and returns.")

	result, err := e.svc.RunFlowAnalysis(context.Background(), "Greeter", "hello", quickConfig(), Progress{})
	require.NoError(t, err)

	root := result.Flow.Analysis(analysis.MethodKey{TypeName: "Greeter", MethodName: "hello"})
	require.NotNil(t, root)
	assert.Equal(t, analysis.StatusComplete, root.Status)
	assert.Equal(t, 1, result.Stats.OracleCalls)
	assert.Contains(t, result.FormattedSteps, "Greeter.hello")
}

func TestAnalyze_RecursesOnlyIntoStepIntoCalls(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"OrderService":   javaClass("OrderService", javaMethod("submit")),
		"OrderValidator": javaClass("OrderValidator", javaMethod("validate")),
	}, false)
	e.oracle.replies["OrderService.submit"] = reply("Validates then persists the order.",
		"OrderValidator.validate(order) | step into | our code | checks invariants |",
		"order.getId() | object lookup | getter | reads the id |",
		"Repository.save(order) | external | framework | writes the row |",
	)
	e.oracle.replies["OrderValidator.validate"] = leafReply("Checks order invariants.")

	result, err := e.svc.RunFlowAnalysis(context.Background(), "OrderService", "submit", quickConfig(), Progress{})
	require.NoError(t, err)

	// Only the step-into target consumed an extra oracle call.
	assert.Equal(t, 1, e.oracle.callCount("OrderService.submit"))
	assert.Equal(t, 1, e.oracle.callCount("OrderValidator.validate"))
	assert.Equal(t, 2, result.Stats.OracleCalls)

	root := result.Flow.Analysis(analysis.MethodKey{TypeName: "OrderService", MethodName: "submit"})
	require.NotNil(t, root)
	assert.Equal(t, 1, root.Calls.StepInto)
	assert.Equal(t, 1, root.Calls.ObjectLookup)
	assert.Equal(t, 1, root.Calls.External)

	// The expanded call site is annotated with the inner findings.
	call := root.Blocks[0].Calls[0]
	assert.Contains(t, call.ExpectedBehavior, "traced")
	assert.Contains(t, root.Blocks[0].Narrative, "Inner execution of OrderValidator.validate")
}

func TestAnalyze_CycleBecomesPlaceholder(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"A": javaClass("A", javaMethod("ping")),
		"B": javaClass("B", javaMethod("pong")),
	}, false)
	e.oracle.replies["A.ping"] = reply("Delegates to B.",
		"B.pong(x) | step into | our code | bounces back |")
	e.oracle.replies["B.pong"] = reply("Delegates back to A.",
		"A.ping(x) | step into | our code | bounces back |")

	result, err := e.svc.RunFlowAnalysis(context.Background(), "A", "ping", quickConfig(), Progress{})
	require.NoError(t, err)

	// Each method is analyzed exactly once despite the cycle.
	assert.Equal(t, 1, e.oracle.callCount("A.ping"))
	assert.Equal(t, 1, e.oracle.callCount("B.pong"))

	root := result.Flow.Analysis(analysis.MethodKey{TypeName: "A", MethodName: "ping"})
	require.NotNil(t, root)
	assert.Equal(t, analysis.StatusComplete, root.Status)

	// Exactly one call site carries the cycle marker: B's back-edge
	// into the still-executing A.ping.
	assert.Equal(t, 1, countCycleCalls(result), "expected exactly one cycle-marked call")
	assert.Contains(t, result.FormattedSteps, "circular dependency detected")
}

func TestAnalyze_SelfRecursionMarksCycle(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"Walker": javaClass("Walker", javaMethod("descend")),
	}, false)
	e.oracle.replies["Walker.descend"] = reply("Recurses into itself.",
		"Walker.descend(next) | step into | our code | walks one level down |")

	result, err := e.svc.RunFlowAnalysis(context.Background(), "Walker", "descend", quickConfig(), Progress{})
	require.NoError(t, err)

	assert.Equal(t, 1, e.oracle.callCount("Walker.descend"))

	root := result.Flow.Analysis(analysis.MethodKey{TypeName: "Walker", MethodName: "descend"})
	require.NotNil(t, root)
	assert.Equal(t, analysis.StatusComplete, root.Status)

	// The self-call is a cycle, not a reference to a finished trace.
	assert.Equal(t, 1, countCycleCalls(result))
	assert.Contains(t, result.FormattedSteps, "circular dependency detected")
	assert.NotContains(t, result.FormattedSteps, "already traced")
}

// countCycleCalls counts cycle-marked call sites across the result.
func countCycleCalls(result *Result) int {
	var n int
	for _, a := range result.Flow.Analyses {
		for _, b := range a.Blocks {
			for _, c := range b.Calls {
				if c.Cycle {
					n++
				}
			}
		}
	}
	return n
}

func TestAnalyze_DepthBound(t *testing.T) {
	files := map[string]string{}
	for _, name := range []string{"A", "B", "C", "D"} {
		files[name] = javaClass(name, javaMethod("run"))
	}
	e := newTestEngine(t, files, false)
	e.oracle.replies["A.run"] = reply("Calls B.", "B.run() | step into | our code | next hop |")
	e.oracle.replies["B.run"] = reply("Calls C.", "C.run() | step into | our code | next hop |")
	e.oracle.replies["C.run"] = reply("Calls D.", "D.run() | step into | our code | next hop |")
	e.oracle.replies["D.run"] = leafReply("Bottom of the chain.")

	cfg := quickConfig()
	cfg.MaxDepth = 2
	result, err := e.svc.RunFlowAnalysis(context.Background(), "A", "run", cfg, Progress{})
	require.NoError(t, err)

	// A (depth 0) through C (depth 2) are analyzed in full; D is the
	// first frame past the limit and never reaches the oracle.
	assert.Equal(t, 1, e.oracle.callCount("A.run"))
	assert.Equal(t, 1, e.oracle.callCount("B.run"))
	assert.Equal(t, 1, e.oracle.callCount("C.run"))
	assert.Equal(t, 0, e.oracle.callCount("D.run"))

	assert.Equal(t, 3, result.Stats.Complete)
	assert.Equal(t, 1, result.Stats.Partial)

	d := result.Flow.Analysis(analysis.MethodKey{TypeName: "D", MethodName: "run"})
	require.NotNil(t, d)
	assert.Equal(t, analysis.StatusPartial, d.Status)
	assert.Contains(t, d.ErrorMessage, "depth")
}

func TestAnalyze_MethodBudget(t *testing.T) {
	files := map[string]string{"Root": javaClass("Root", javaMethod("run"))}
	var calls []string
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("Helper%d", i)
		files[name] = javaClass(name, javaMethod("work"))
		calls = append(calls, name+".work() | step into | our code | helps |")
	}
	e := newTestEngine(t, files, false)
	e.oracle.replies["Root.run"] = reply("Fans out to helpers.", calls...)
	for i := 0; i < 5; i++ {
		e.oracle.replies[fmt.Sprintf("Helper%d.work", i)] = leafReply("Does a unit of work.")
	}

	cfg := quickConfig()
	cfg.MaxTotalMethods = 3
	result, err := e.svc.RunFlowAnalysis(context.Background(), "Root", "run", cfg, Progress{})
	require.NoError(t, err)

	// Root plus two helpers fit the budget; the rest become partials.
	assert.Equal(t, 3, result.Stats.OracleCalls)

	var budgetPartials int
	for _, a := range result.Flow.Analyses {
		if a.Status == analysis.StatusPartial && strings.Contains(a.ErrorMessage, "method count") {
			budgetPartials++
		}
	}
	assert.Equal(t, 3, budgetPartials)
}

func TestAnalyze_InheritedMethodResolvedOnSupertype(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"Child": "public class Child extends Base {\n    public void childOnly() {}\n}\n",
		"Base":  javaClass("Base", javaMethod("process")),
	}, false)
	e.oracle.replies["Base.process"] = leafReply("Processes in the base class.")

	result, err := e.svc.RunFlowAnalysis(context.Background(), "Child", "process", quickConfig(), Progress{})
	require.NoError(t, err)

	root := result.Flow.Analysis(analysis.MethodKey{TypeName: "Child", MethodName: "process"})
	require.NotNil(t, root)
	assert.Equal(t, analysis.StatusComplete, root.Status)
	assert.Equal(t, "Child", root.TypeName)
	assert.Equal(t, "Base", root.InheritedFrom)
	assert.Contains(t, result.FormattedSteps, "defined on Base")
}

func TestAnalyze_OracleSuggestionFallback(t *testing.T) {
	// Widget textually declares render, so the hierarchy walk stops
	// there, but the oracle knows it is a stub and points at Legacy.
	e := newTestEngine(t, map[string]string{
		"Widget": "public class Widget {\n    public void render() { /* delegates */ }\n}\n",
		"Legacy": javaClass("Legacy", javaMethod("render")),
	}, false)
	e.oracle.replies["Widget.render"] = "METHOD_NOT_FOUND: render is a stub here.\nSUGGESTIONS: Legacy"
	e.oracle.replies["Legacy.render"] = leafReply("Renders using the legacy pipeline.")

	result, err := e.svc.RunFlowAnalysis(context.Background(), "Widget", "render", quickConfig(), Progress{})
	require.NoError(t, err)

	root := result.Flow.Analysis(analysis.MethodKey{TypeName: "Widget", MethodName: "render"})
	require.NotNil(t, root)
	assert.Equal(t, analysis.StatusComplete, root.Status)
	assert.Equal(t, "Legacy", root.InheritedFrom)
}

func TestAnalyze_RootResolutionFailureIsTheOnlySessionError(t *testing.T) {
	e := newTestEngine(t, map[string]string{}, false)

	_, err := e.svc.RunFlowAnalysis(context.Background(), "Ghost", "run", quickConfig(), Progress{})
	require.Error(t, err)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "Ghost", resErr.TypeName)
	assert.True(t, errors.Is(err, source.ErrTypeNotFound))
}

func TestAnalyze_InnerFailureStaysLocal(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"Root": javaClass("Root", javaMethod("run")),
	}, false)
	// Missing inner source: resolution of the inner call fails, the
	// root analysis still completes.
	e.oracle.replies["Root.run"] = reply("Calls a helper that has no source.",
		"Vanished.help() | step into | looks internal | helps |")

	result, err := e.svc.RunFlowAnalysis(context.Background(), "Root", "run", quickConfig(), Progress{})
	require.NoError(t, err)

	root := result.Flow.Analysis(analysis.MethodKey{TypeName: "Root", MethodName: "run"})
	require.NotNil(t, root)
	assert.Equal(t, analysis.StatusComplete, root.Status)

	inner := result.Flow.Analysis(analysis.MethodKey{TypeName: "Vanished", MethodName: "help"})
	require.NotNil(t, inner)
	assert.Equal(t, analysis.StatusError, inner.Status)
}

func TestAnalyze_InvalidIdentifierBecomesErrorLeaf(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"Root": javaClass("Root", javaMethod("run")),
	}, false)
	e.oracle.replies["Root.run"] = reply("Calls something the oracle garbled.",
		"Root.helper() | step into | our code | helps |")
	e.oracle.replies["Root.helper"] = leafReply("Helps.")

	_, err := e.svc.RunFlowAnalysis(context.Background(), "Not A Type!", "run", quickConfig(), Progress{})
	// An invalid root is an error leaf, not a session error: resolution
	// was never attempted, so there is no root resolution failure.
	require.NoError(t, err)
}

func TestAnalyze_MemoizationAcrossSessions(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"Greeter": javaClass("Greeter", javaMethod("hello")),
	}, true)
	e.oracle.replies["Greeter.hello"] = leafReply("Greets.")

	_, err := e.svc.RunFlowAnalysis(context.Background(), "Greeter", "hello", quickConfig(), Progress{})
	require.NoError(t, err)
	require.Equal(t, 1, e.oracle.callCount("Greeter.hello"))

	// Second session: answered entirely from cache.
	result, err := e.svc.RunFlowAnalysis(context.Background(), "Greeter", "hello", quickConfig(), Progress{})
	require.NoError(t, err)
	assert.Equal(t, 1, e.oracle.callCount("Greeter.hello"))
	assert.Equal(t, 0, result.Stats.OracleCalls)
}

func TestAnalyze_SourceChangeInvalidatesCachedAnalysis(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"Greeter": javaClass("Greeter", javaMethod("hello")),
	}, true)
	e.oracle.replies["Greeter.hello"] = leafReply("Greets.")

	_, err := e.svc.RunFlowAnalysis(context.Background(), "Greeter", "hello", quickConfig(), Progress{})
	require.NoError(t, err)

	// Edit the source; the fingerprint no longer matches.
	e.provider.files["Greeter"].Content = javaClass("Greeter", javaMethod("hello")+javaMethod("bye"))

	_, err = e.svc.RunFlowAnalysis(context.Background(), "Greeter", "hello", quickConfig(), Progress{})
	require.NoError(t, err)
	assert.Equal(t, 2, e.oracle.callCount("Greeter.hello"))
}

func TestAnalyze_CancellationYieldsPartial(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"Root":    javaClass("Root", javaMethod("run")),
		"Helper":  javaClass("Helper", javaMethod("work")),
		"Helper2": javaClass("Helper2", javaMethod("work")),
	}, false)
	e.oracle.replies["Root.run"] = reply("Calls both helpers.",
		"Helper.work() | step into | our code | does work |",
		"Helper2.work() | step into | our code | does more work |")
	e.oracle.replies["Helper.work"] = leafReply("Works.")
	e.oracle.replies["Helper2.work"] = leafReply("Works more.")

	ctx, cancel := context.WithCancel(context.Background())
	progress := Progress{
		OnMethodComplete: func(key analysis.MethodKey, _ analysis.Status) {
			// Cancel between the two helper expansions.
			if key.TypeName == "Helper" {
				cancel()
			}
		},
	}

	result, err := e.svc.RunFlowAnalysis(ctx, "Root", "run", quickConfig(), progress)
	require.NoError(t, err)
	assert.True(t, result.Stats.Cancelled)
	assert.Equal(t, 0, e.oracle.callCount("Helper2.work"))

	root := result.Flow.Analysis(analysis.MethodKey{TypeName: "Root", MethodName: "run"})
	require.NotNil(t, root)
	assert.Equal(t, analysis.StatusPartial, root.Status)
}

func TestAnalyze_OracleTimeoutBecomesErrorLeaf(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"Slow": javaClass("Slow", javaMethod("crawl")),
	}, false)
	e.oracle.replies["Slow.crawl"] = leafReply("Eventually finishes.")
	e.oracle.delay = 200 * time.Millisecond

	cfg := quickConfig()
	cfg.PerCallTimeout = 20 * time.Millisecond
	result, err := e.svc.RunFlowAnalysis(context.Background(), "Slow", "crawl", cfg, Progress{})
	require.NoError(t, err)

	root := result.Flow.Analysis(analysis.MethodKey{TypeName: "Slow", MethodName: "crawl"})
	require.NotNil(t, root)
	assert.Equal(t, analysis.StatusError, root.Status)
	assert.Contains(t, root.ErrorMessage, "timed out")
}
