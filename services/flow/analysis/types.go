// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis defines the data model for method flow analysis:
// the memoized MethodAnalysis tree, its execution blocks and classified
// calls, and the flattened linear execution flow.
//
// MethodAnalysis values are immutable once produced. Enrichment after
// child analyses complete always happens on a deep copy (Clone), never
// in place, so analyses stored in a cache are never mutated behind it.
package analysis

import (
	"fmt"
	"time"
)

// =============================================================================
// Keys and Enums
// =============================================================================

// MethodKey identifies a method as (typeName, methodName).
//
// Known limitation: the key carries no parameter list, so overloads of
// the same name collide in caching and cycle detection. The oracle's
// call citations usually omit parameter types, which makes a
// signature-qualified key impossible to match reliably.
type MethodKey struct {
	TypeName   string `json:"type_name"`
	MethodName string `json:"method_name"`
}

// String returns the canonical "Type.method" form.
func (k MethodKey) String() string {
	return k.TypeName + "." + k.MethodName
}

// Status is the completion status of a MethodAnalysis.
type Status string

const (
	// StatusComplete means the oracle produced at least one execution
	// block and all of them parsed.
	StatusComplete Status = "complete"

	// StatusPartial means a policy limit (depth, budget, cycle,
	// cancellation) stopped expansion. Partial is not a failure.
	StatusPartial Status = "partial"

	// StatusError means resolution, the oracle, or parsing failed for
	// this method. Errors stay local to the node.
	StatusError Status = "error"
)

// BlockType classifies one semantic unit within a method.
type BlockType string

const (
	BlockAssignment   BlockType = "assignment"
	BlockMethodCall   BlockType = "method_call"
	BlockConditional  BlockType = "conditional"
	BlockLoop         BlockType = "loop"
	BlockShortCircuit BlockType = "short_circuit"
	BlockReturn       BlockType = "return"
	BlockException    BlockType = "exception"
)

// Classification sorts a call site into exactly one expansion bucket.
type Classification string

const (
	// ClassStepInto marks application code to be recursively expanded.
	ClassStepInto Classification = "step_into"

	// ClassObjectLookup marks data access documented as-is, with no
	// further expansion.
	ClassObjectLookup Classification = "object_lookup"

	// ClassExternal marks framework/library/third-party calls. External
	// is also the default for any unrecognized classification phrase:
	// every call lands in exactly one bucket, none are dropped.
	ClassExternal Classification = "external"

	// ClassNotFound marks calls whose classification could not be
	// determined by the oracle.
	ClassNotFound Classification = "not_found"
)

// =============================================================================
// Method Analysis Tree
// =============================================================================

// MethodCall is one call site reported by the oracle.
type MethodCall struct {
	// TargetType is the type owning the called method. May be empty
	// when the oracle cited a bare method() call.
	TargetType string `json:"target_type,omitempty"`

	// TargetMethod is the called method name.
	TargetMethod string `json:"target_method"`

	// Parameters is the raw parameter text from the citation.
	Parameters string `json:"parameters,omitempty"`

	// Classification is the expansion bucket for this call.
	Classification Classification `json:"classification"`

	// Reasoning is the oracle's stated reason for the classification.
	Reasoning string `json:"reasoning,omitempty"`

	// ExpectedBehavior summarizes what the call is expected to do.
	// Refined with the inner method's findings after expansion.
	ExpectedBehavior string `json:"expected_behavior,omitempty"`

	// Order is the execution order index within the owning method.
	Order int `json:"order"`

	// ConditionalNote records conditional execution, e.g. a
	// short-circuit dependency on an earlier call.
	ConditionalNote string `json:"conditional_note,omitempty"`

	// Cycle marks a call whose target was still executing when the
	// call was reached; expansion stopped there to break the
	// recursion.
	Cycle bool `json:"cycle,omitempty"`
}

// Key returns the MethodKey for the call target.
func (c MethodCall) Key() MethodKey {
	return MethodKey{TypeName: c.TargetType, MethodName: c.TargetMethod}
}

// ExecutionBlock is one semantic unit within a method body.
type ExecutionBlock struct {
	ID          string       `json:"id"`
	Type        BlockType    `json:"type"`
	Description string       `json:"description"`
	Narrative   string       `json:"narrative,omitempty"`
	Calls       []MethodCall `json:"calls,omitempty"`

	// NextBlocks holds forward links to subsequent block IDs.
	NextBlocks []string `json:"next_blocks,omitempty"`
}

// CallSummary counts calls per classification bucket. The four buckets
// are disjoint and sum to the total call count.
type CallSummary struct {
	StepInto     int `json:"step_into"`
	ObjectLookup int `json:"object_lookup"`
	External     int `json:"external"`
	NotFound     int `json:"not_found"`
}

// Total returns the sum over all buckets.
func (s CallSummary) Total() int {
	return s.StepInto + s.ObjectLookup + s.External + s.NotFound
}

// Add counts one call in its bucket.
func (s *CallSummary) Add(c Classification) {
	switch c {
	case ClassStepInto:
		s.StepInto++
	case ClassObjectLookup:
		s.ObjectLookup++
	case ClassNotFound:
		s.NotFound++
	default:
		s.External++
	}
}

// MethodAnalysis is the unit of memoization: everything the system
// knows about one method's execution.
type MethodAnalysis struct {
	TypeName   string `json:"type_name"`
	MethodName string `json:"method_name"`
	Language   string `json:"language,omitempty"`

	Status Status `json:"status"`

	Blocks []ExecutionBlock `json:"blocks,omitempty"`
	Calls  CallSummary      `json:"calls"`

	// Fingerprint is the content hash of the defining source file at
	// analysis time. A changed fingerprint forces a fresh analysis.
	Fingerprint string `json:"fingerprint,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// InheritedFrom names the type that actually defines the method
	// when hierarchy resolution located it somewhere other than the
	// requested TypeName.
	InheritedFrom string `json:"inherited_from,omitempty"`

	// ErrorMessage describes the failure for StatusError, or the
	// policy limit for StatusPartial placeholders.
	ErrorMessage string `json:"error_message,omitempty"`
}

// Key returns the MethodKey of the analyzed method.
func (a *MethodAnalysis) Key() MethodKey {
	return MethodKey{TypeName: a.TypeName, MethodName: a.MethodName}
}

// StepIntoCalls returns all calls classified for recursive expansion,
// in reported order.
func (a *MethodAnalysis) StepIntoCalls() []MethodCall {
	var out []MethodCall
	for _, b := range a.Blocks {
		for _, c := range b.Calls {
			if c.Classification == ClassStepInto {
				out = append(out, c)
			}
		}
	}
	return out
}

// Clone returns a deep copy. Enrichment operates on clones so cached
// analyses stay immutable.
func (a *MethodAnalysis) Clone() *MethodAnalysis {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Blocks = make([]ExecutionBlock, len(a.Blocks))
	for i, b := range a.Blocks {
		nb := b
		nb.Calls = append([]MethodCall(nil), b.Calls...)
		nb.NextBlocks = append([]string(nil), b.NextBlocks...)
		cp.Blocks[i] = nb
	}
	return &cp
}

// NewPlaceholder builds a synthetic analysis for a node that could not
// be expanded (policy limit or failure). Placeholders are still
// integrated into the result tree as leaves.
func NewPlaceholder(key MethodKey, status Status, reason string) *MethodAnalysis {
	return &MethodAnalysis{
		TypeName:     key.TypeName,
		MethodName:   key.MethodName,
		Status:       status,
		ErrorMessage: reason,
		CreatedAt:    time.Now(),
	}
}

// =============================================================================
// Linear Execution Flow
// =============================================================================

// StepType tags one entry of the linear execution flow.
type StepType string

const (
	StepMethodStart  StepType = "method_start"
	StepExecution    StepType = "execution"
	StepMethodCall   StepType = "method_call"
	StepMethodReturn StepType = "method_return"
	StepConditional  StepType = "conditional"
	StepMethodEnd    StepType = "method_end"
)

// Step is one entry in the flattened walkthrough.
type Step struct {
	// Number is globally unique and strictly increasing in emission
	// order across the whole flow.
	Number int `json:"number"`

	// Depth is the call nesting level, 0 for the root method.
	Depth int `json:"depth"`

	// TypeName/MethodName identify the method owning this step.
	TypeName   string `json:"type_name"`
	MethodName string `json:"method_name"`

	Type        StepType `json:"type"`
	Description string   `json:"description"`

	// BlockID back-references the ExecutionBlock this step came from.
	BlockID string `json:"block_id,omitempty"`
}

// LinearExecutionFlow is the ordered, depth-annotated walkthrough
// assembled from the recursive analysis tree.
type LinearExecutionFlow struct {
	Root  MethodKey `json:"root"`
	Steps []Step    `json:"steps"`

	// Analyses deduplicates methods by canonical key string. A method
	// referenced from several call sites appears here once.
	Analyses map[string]*MethodAnalysis `json:"analyses"`
}

// Analysis returns the stored analysis for a key, or nil.
func (f *LinearExecutionFlow) Analysis(key MethodKey) *MethodAnalysis {
	return f.Analyses[key.String()]
}

// =============================================================================
// Session Bookkeeping
// =============================================================================

// CallStackFrame is one entry of a session's explicit call stack.
type CallStackFrame struct {
	TypeName   string `json:"type_name"`
	MethodName string `json:"method_name"`
	Depth      int    `json:"depth"`

	// Conditional notes that this frame is only reached under a
	// condition (e.g. the right side of a short-circuit).
	Conditional bool `json:"conditional,omitempty"`
}

func (f CallStackFrame) String() string {
	return fmt.Sprintf("%s.%s@%d", f.TypeName, f.MethodName, f.Depth)
}
