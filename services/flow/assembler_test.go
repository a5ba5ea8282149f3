// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowtrace/services/flow/analysis"
)

func completeAnalysis(typeName, methodName string, blocks ...analysis.ExecutionBlock) *analysis.MethodAnalysis {
	return &analysis.MethodAnalysis{
		TypeName:   typeName,
		MethodName: methodName,
		Status:     analysis.StatusComplete,
		Blocks:     blocks,
	}
}

func stepIntoCall(targetType, targetMethod string) analysis.MethodCall {
	return analysis.MethodCall{
		TargetType:     targetType,
		TargetMethod:   targetMethod,
		Classification: analysis.ClassStepInto,
	}
}

func TestAssembleLinearFlow_InterleavesCallsAtCallSites(t *testing.T) {
	root := analysis.MethodKey{TypeName: "A", MethodName: "run"}
	analyses := map[analysis.MethodKey]*analysis.MethodAnalysis{
		root: completeAnalysis("A", "run",
			analysis.ExecutionBlock{
				ID:          "block-1",
				Type:        analysis.BlockMethodCall,
				Description: "Delegate to helper",
				Calls:       []analysis.MethodCall{stepIntoCall("B", "help")},
			},
			analysis.ExecutionBlock{
				ID:          "block-2",
				Type:        analysis.BlockReturn,
				Description: "Return the result",
			},
		),
		{TypeName: "B", MethodName: "help"}: completeAnalysis("B", "help",
			analysis.ExecutionBlock{
				ID:          "block-1",
				Type:        analysis.BlockAssignment,
				Description: "Compute the value",
			},
		),
	}

	flow := AssembleLinearFlow(root, analyses)
	require.NotEmpty(t, flow.Steps)

	// Step numbers are globally strictly increasing.
	for i, step := range flow.Steps {
		assert.Equal(t, i+1, step.Number)
	}

	var kinds []analysis.StepType
	var depths []int
	for _, s := range flow.Steps {
		kinds = append(kinds, s.Type)
		depths = append(depths, s.Depth)
	}
	assert.Equal(t, []analysis.StepType{
		analysis.StepMethodStart,  // A.run
		analysis.StepExecution,    // block-1
		analysis.StepMethodCall,   // call B.help
		analysis.StepMethodStart,  // B.help
		analysis.StepExecution,    // B block-1
		analysis.StepMethodEnd,    // B.help
		analysis.StepMethodReturn, // back in A.run
		analysis.StepExecution,    // block-2
		analysis.StepMethodEnd,    // A.run
	}, kinds)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1, 0, 0, 0}, depths)
}

func TestAssembleLinearFlow_ConditionalBlocksGetConditionalSteps(t *testing.T) {
	root := analysis.MethodKey{TypeName: "A", MethodName: "run"}
	analyses := map[analysis.MethodKey]*analysis.MethodAnalysis{
		root: completeAnalysis("A", "run",
			analysis.ExecutionBlock{ID: "block-1", Type: analysis.BlockConditional, Description: "If valid"},
			analysis.ExecutionBlock{ID: "block-2", Type: analysis.BlockShortCircuit, Description: "a() || b()"},
		),
	}
	flow := AssembleLinearFlow(root, analyses)
	assert.Equal(t, analysis.StepConditional, flow.Steps[1].Type)
	assert.Equal(t, analysis.StepConditional, flow.Steps[2].Type)
}

func TestAssembleLinearFlow_RepeatedMethodIsEmittedOnce(t *testing.T) {
	root := analysis.MethodKey{TypeName: "A", MethodName: "run"}
	shared := analysis.MethodKey{TypeName: "Util", MethodName: "format"}
	analyses := map[analysis.MethodKey]*analysis.MethodAnalysis{
		root: completeAnalysis("A", "run",
			analysis.ExecutionBlock{
				ID:   "block-1",
				Type: analysis.BlockMethodCall,
				Calls: []analysis.MethodCall{
					stepIntoCall("Util", "format"),
					stepIntoCall("Util", "format"),
				},
			},
		),
		shared: completeAnalysis("Util", "format",
			analysis.ExecutionBlock{ID: "block-1", Type: analysis.BlockReturn, Description: "Format it"},
		),
	}

	flow := AssembleLinearFlow(root, analyses)

	starts := 0
	for _, s := range flow.Steps {
		if s.Type == analysis.StepMethodStart && s.TypeName == "Util" {
			starts++
		}
	}
	assert.Equal(t, 1, starts)

	// The second call site references the earlier expansion.
	text := FormatFlow(flow)
	assert.Contains(t, text, "already traced at step")

	// The shared method appears once in the analyses map.
	assert.NotNil(t, flow.Analysis(shared))
}

func TestAssembleLinearFlow_PlaceholderLeaf(t *testing.T) {
	root := analysis.MethodKey{TypeName: "A", MethodName: "run"}
	deep := analysis.MethodKey{TypeName: "Deep", MethodName: "dive"}
	analyses := map[analysis.MethodKey]*analysis.MethodAnalysis{
		root: completeAnalysis("A", "run",
			analysis.ExecutionBlock{
				ID:    "block-1",
				Type:  analysis.BlockMethodCall,
				Calls: []analysis.MethodCall{stepIntoCall("Deep", "dive")},
			},
		),
		deep: analysis.NewPlaceholder(deep, analysis.StatusPartial, "maximum recursion depth reached"),
	}

	flow := AssembleLinearFlow(root, analyses)
	text := FormatFlow(flow)
	assert.Contains(t, text, "not expanded: maximum recursion depth reached")
	assert.Contains(t, text, "Exit Deep.dive (partial)")
}

func TestAssembleLinearFlow_MissingRoot(t *testing.T) {
	root := analysis.MethodKey{TypeName: "A", MethodName: "run"}
	flow := AssembleLinearFlow(root, map[analysis.MethodKey]*analysis.MethodAnalysis{})
	assert.Empty(t, flow.Steps)
	assert.True(t, strings.Contains(FormatFlow(flow), "empty"))
}
