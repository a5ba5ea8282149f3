// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"strings"
	"testing"
)

func TestNewClient_BackendSelection(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://localhost:11434")
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	tests := []struct {
		identity     string
		wantIdentity string
	}{
		{"ollama:granite4", "ollama:granite4"},
		{"openai:gpt-4o", "openai:gpt-4o"},
		{"anthropic:claude-sonnet-4", "anthropic:claude-sonnet-4"},
		// Model names may themselves contain colons (ollama tags).
		{"ollama:qwen2.5-coder:32b", "ollama:qwen2.5-coder:32b"},
	}
	for _, tt := range tests {
		client, err := NewClient(tt.identity)
		if err != nil {
			t.Fatalf("NewClient(%q): %v", tt.identity, err)
		}
		if got := client.Identity(); got != tt.wantIdentity {
			t.Errorf("NewClient(%q).Identity() = %q, want %q", tt.identity, got, tt.wantIdentity)
		}
	}
}

func TestNewClient_UnknownBackend(t *testing.T) {
	_, err := NewClient("mainframe:cobol-1")
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
	if !strings.Contains(err.Error(), "unknown oracle backend") {
		t.Errorf("unexpected error text: %v", err)
	}
}
