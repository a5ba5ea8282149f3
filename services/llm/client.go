// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides clients for the text-analysis oracles used by
// flowtrace. An oracle is any LLM backend that, given a class's source
// and a target method name, returns a semantic description of that
// method's execution.
//
// The oracle identity string ("backend:model", e.g. "ollama:granite4")
// is part of the durable cache key: different models produce different
// analyses for the same source, so identity is threaded explicitly
// through session config instead of living in package state.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// GenerationParams holds optional sampling parameters.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// FragmentFunc receives streamed response fragments as they arrive.
// Implementations must be fast; they run on the request path.
type FragmentFunc func(fragment string)

// Client is the standard interface for any oracle backend.
type Client interface {
	// Identity returns a stable "backend:model" string used for cache
	// keying and reporting.
	Identity() string

	// Generate returns the complete response for a prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// GenerateStream streams fragments to onFragment as they become
	// available and returns the accumulated response. Backends without
	// native streaming deliver the whole response as one fragment.
	GenerateStream(ctx context.Context, prompt string, params GenerationParams, onFragment FragmentFunc) (string, error)
}

// NewClient constructs a Client from an identity string.
//
// Supported forms:
//
//	"ollama:<model>"    - local Ollama server (OLLAMA_BASE_URL)
//	"openai:<model>"    - OpenAI API (OPENAI_API_KEY)
//	"anthropic:<model>" - Anthropic API (ANTHROPIC_API_KEY)
//	"ollama", "openai", "anthropic" - backend default model
//
// Inputs:
//
//	identity - Backend selector, optionally with a model suffix.
//
// Outputs:
//
//	Client - The constructed client.
//	error - Non-nil if the backend is unknown or misconfigured.
func NewClient(identity string) (Client, error) {
	backend := identity
	model := ""
	if i := strings.IndexByte(identity, ':'); i >= 0 {
		backend, model = identity[:i], identity[i+1:]
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "ollama", "":
		return NewOllamaClient(model)
	case "openai":
		return NewOpenAIClient(model)
	case "anthropic":
		return NewAnthropicClient(model)
	default:
		return nil, fmt.Errorf("unknown oracle backend %q (want ollama, openai, or anthropic)", backend)
	}
}
