// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"fmt"

	"github.com/AleutianAI/flowtrace/services/flow/analysis"
)

// assembler flattens the recursive analysis tree into the ordered,
// depth-annotated walkthrough. It holds the global step counter and the
// set of methods already emitted, so a method reached from several call
// sites is expanded once and referenced afterwards.
type assembler struct {
	analyses map[analysis.MethodKey]*analysis.MethodAnalysis
	steps    []analysis.Step
	next     int
	emitted  map[analysis.MethodKey]int // key -> step number of its method_start
}

// AssembleLinearFlow flattens the session's analysis map into a
// LinearExecutionFlow rooted at root. Calls are interleaved at their
// reported positions: a step-into call emits the callee's full
// sub-walkthrough before the caller's next step. Step numbers are
// globally strictly increasing.
func AssembleLinearFlow(root analysis.MethodKey, analyses map[analysis.MethodKey]*analysis.MethodAnalysis) *analysis.LinearExecutionFlow {
	asm := &assembler{
		analyses: analyses,
		next:     1,
		emitted:  make(map[analysis.MethodKey]int),
	}
	if rootAnalysis := analyses[root]; rootAnalysis != nil {
		asm.emitMethod(root, rootAnalysis, 0)
	}

	flow := &analysis.LinearExecutionFlow{
		Root:     root,
		Steps:    asm.steps,
		Analyses: make(map[string]*analysis.MethodAnalysis, len(analyses)),
	}
	for key, a := range analyses {
		flow.Analyses[key.String()] = a
	}
	return flow
}

func (asm *assembler) emit(depth int, key analysis.MethodKey, stepType analysis.StepType, description, blockID string) int {
	n := asm.next
	asm.next++
	asm.steps = append(asm.steps, analysis.Step{
		Number:      n,
		Depth:       depth,
		TypeName:    key.TypeName,
		MethodName:  key.MethodName,
		Type:        stepType,
		Description: description,
		BlockID:     blockID,
	})
	return n
}

func (asm *assembler) emitMethod(key analysis.MethodKey, a *analysis.MethodAnalysis, depth int) {
	start := asm.emit(depth, key, analysis.StepMethodStart, startDescription(key, a), "")
	asm.emitted[key] = start

	for _, block := range a.Blocks {
		stepType := analysis.StepExecution
		if block.Type == analysis.BlockConditional || block.Type == analysis.BlockShortCircuit {
			stepType = analysis.StepConditional
		}
		asm.emit(depth, key, stepType, blockDescription(block), block.ID)

		for _, call := range block.Calls {
			asm.emitCall(key, a, call, block.ID, depth)
		}
	}

	asm.emit(depth, key, analysis.StepMethodEnd, endDescription(key, a), "")
}

func (asm *assembler) emitCall(owner analysis.MethodKey, ownerAnalysis *analysis.MethodAnalysis, call analysis.MethodCall, blockID string, depth int) {
	targetType := call.TargetType
	if targetType == "" {
		targetType = ownerAnalysis.TypeName
	}
	target := analysis.MethodKey{TypeName: targetType, MethodName: call.TargetMethod}

	asm.emit(depth, owner, analysis.StepMethodCall, callDescription(target, call), blockID)

	if call.Classification != analysis.ClassStepInto {
		return
	}
	if call.Cycle {
		asm.emit(depth, owner, analysis.StepMethodReturn,
			fmt.Sprintf("%s is still executing on the call stack; circular dependency detected", target.String()), blockID)
		return
	}
	inner := asm.analyses[target]
	if inner == nil {
		return
	}
	if startStep, done := asm.emitted[target]; done {
		asm.emit(depth, owner, analysis.StepMethodReturn,
			fmt.Sprintf("%s already traced at step %d; returns as before", target.String(), startStep), blockID)
		return
	}

	asm.emitMethod(target, inner, depth+1)
	asm.emit(depth, owner, analysis.StepMethodReturn,
		fmt.Sprintf("Return from %s: %s", target.String(), Summarize(inner)), blockID)
}

func startDescription(key analysis.MethodKey, a *analysis.MethodAnalysis) string {
	switch a.Status {
	case analysis.StatusComplete:
		if a.InheritedFrom != "" {
			return fmt.Sprintf("Enter %s (defined on %s)", key.String(), a.InheritedFrom)
		}
		return "Enter " + key.String()
	case analysis.StatusPartial:
		return fmt.Sprintf("Enter %s (not expanded: %s)", key.String(), a.ErrorMessage)
	default:
		return fmt.Sprintf("Enter %s (analysis failed: %s)", key.String(), a.ErrorMessage)
	}
}

func endDescription(key analysis.MethodKey, a *analysis.MethodAnalysis) string {
	if a.Status == analysis.StatusComplete {
		return "Exit " + key.String()
	}
	return fmt.Sprintf("Exit %s (%s)", key.String(), a.Status)
}

func blockDescription(block analysis.ExecutionBlock) string {
	if block.Narrative != "" && block.Narrative != block.Description {
		return block.Description + ": " + block.Narrative
	}
	return block.Description
}

func callDescription(target analysis.MethodKey, call analysis.MethodCall) string {
	var label string
	switch call.Classification {
	case analysis.ClassStepInto:
		label = "step into"
	case analysis.ClassObjectLookup:
		label = "object lookup"
	case analysis.ClassNotFound:
		label = "unresolved"
	default:
		label = "external"
	}
	desc := fmt.Sprintf("Call %s(%s) [%s]", target.String(), call.Parameters, label)
	if call.ExpectedBehavior != "" {
		desc += ": " + call.ExpectedBehavior
	}
	if call.ConditionalNote != "" {
		desc += " (conditional: " + call.ConditionalNote + ")"
	}
	return desc
}
