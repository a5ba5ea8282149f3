// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/flowtrace/services/llm"
)

// OracleRequest is the narrow textual contract between the engine and
// the analysis oracle.
type OracleRequest struct {
	// TypeName is the type whose source is attached.
	TypeName string

	// MethodName is the method to describe.
	MethodName string

	// Source is the full source of the defining type.
	Source string

	// Language is the source language name ("java", "python", ...).
	Language string
}

// Oracle turns a method's source context into a semantic execution
// description. The reply is free text; the engine tolerates malformed
// replies and never lets their shape leak into control logic.
type Oracle interface {
	// Identity returns a stable oracle identity string, part of the
	// durable cache key.
	Identity() string

	// DescribeMethod returns the oracle's description. Fragments are
	// streamed to onFragment when the backend supports it; onFragment
	// may be nil.
	DescribeMethod(ctx context.Context, req OracleRequest, onFragment func(string)) (string, error)
}

// llmOracle adapts an llm.Client to the Oracle interface.
type llmOracle struct {
	client llm.Client
	params llm.GenerationParams
}

// NewLLMOracle wraps an LLM client as the analysis oracle.
func NewLLMOracle(client llm.Client) Oracle {
	temperature := float32(0.1)
	maxTokens := 8192
	return &llmOracle{
		client: client,
		params: llm.GenerationParams{
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
		},
	}
}

func (o *llmOracle) Identity() string {
	return o.client.Identity()
}

func (o *llmOracle) DescribeMethod(ctx context.Context, req OracleRequest, onFragment func(string)) (string, error) {
	prompt := BuildPrompt(req)
	if onFragment == nil {
		return o.client.Generate(ctx, prompt, o.params)
	}
	return o.client.GenerateStream(ctx, prompt, o.params, onFragment)
}

// BuildPrompt renders the oracle prompt for one method. The reply
// conventions here are the same ones ParseResponse accepts; keeping
// them adjacent makes drift between prompt and parser visible in
// review.
func BuildPrompt(req OracleRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are analyzing %s source code.\n\n", displayLanguage(req.Language))
	fmt.Fprintf(&b, "Describe, step by step, what the method `%s` of type `%s` does when executed.\n\n", req.MethodName, req.TypeName)
	b.WriteString(`Reply using exactly this structure, one section per semantic step:

BLOCK: <one-line description of the step>
TYPE: <assignment | method_call | conditional | loop | short_circuit | return | exception>
NARRATIVE: <what happens during this step, in plain prose>
CALLS:
- Type.method(params) | <step into | object lookup | external | not found> | <why this classification> | <expected behavior> | <conditional note, if any>

Rules:
- List calls in the exact order they execute.
- Classify "step into" only for methods defined in this application's own code.
- Classify getters, setters, and plain field access as "object lookup".
- Classify framework, library, and runtime calls as "external".
- If the method does not exist in this source, reply with the single line
  METHOD_NOT_FOUND: <explanation>
  and, when you can, add "SUGGESTIONS: <TypeA, TypeB>" naming ancestor or
  alternative types that may define it.

`)
	fmt.Fprintf(&b, "Source of `%s`:\n\n```%s\n%s\n```\n", req.TypeName, req.Language, req.Source)
	return b.String()
}

func displayLanguage(lang string) string {
	if lang == "" {
		return "unknown-language"
	}
	return lang
}
