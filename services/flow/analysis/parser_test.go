// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReply = `BLOCK: Validate the incoming order
TYPE: conditional
NARRATIVE: Checks that the order has at least one line item and a known customer.
CALLS:
- OrderValidator.validate(order) | step into | defined in this codebase | returns a list of violations |
- order.getCustomerId() | object lookup | plain getter | returns the customer id |

BLOCK: Persist and publish
TYPE: method_call
NARRATIVE: Saves the order and emits an event.
CALLS:
- OrderRepository.save(order) | external | Spring Data repository | writes the row |
- EventBus.publish(event) | external | framework call | fire and forget | only when save succeeds
`

func TestParseResponse_CompleteReply(t *testing.T) {
	result := ParseResponse(sampleReply)

	require.Equal(t, StatusComplete, result.Status)
	require.Len(t, result.Blocks, 2)

	first := result.Blocks[0]
	assert.Equal(t, "block-1", first.ID)
	assert.Equal(t, BlockConditional, first.Type)
	assert.Equal(t, "Validate the incoming order", first.Description)
	assert.Contains(t, first.Narrative, "at least one line item")
	require.Len(t, first.Calls, 2)

	validate := first.Calls[0]
	assert.Equal(t, "OrderValidator", validate.TargetType)
	assert.Equal(t, "validate", validate.TargetMethod)
	assert.Equal(t, "order", validate.Parameters)
	assert.Equal(t, ClassStepInto, validate.Classification)
	assert.Equal(t, "defined in this codebase", validate.Reasoning)
	assert.Equal(t, 0, validate.Order)

	getter := first.Calls[1]
	assert.Equal(t, ClassObjectLookup, getter.Classification)
	assert.Equal(t, 1, getter.Order)

	second := result.Blocks[1]
	assert.Equal(t, BlockMethodCall, second.Type)
	require.Len(t, second.Calls, 2)
	assert.Equal(t, "only when save succeeds", second.Calls[1].ConditionalNote)

	// Global call order keeps counting across blocks.
	assert.Equal(t, 2, second.Calls[0].Order)
	assert.Equal(t, 3, second.Calls[1].Order)

	// Blocks are forward-linked in reply order.
	require.Len(t, result.Blocks[0].NextBlocks, 1)
	assert.Equal(t, "block-2", result.Blocks[0].NextBlocks[0])
	assert.Empty(t, result.Blocks[1].NextBlocks)

	assert.Equal(t, 1, result.Summary.StepInto)
	assert.Equal(t, 1, result.Summary.ObjectLookup)
	assert.Equal(t, 2, result.Summary.External)
	assert.Equal(t, 4, result.Summary.Total())
}

func TestParseResponse_MethodNotFoundWithSuggestions(t *testing.T) {
	raw := `METHOD_NOT_FOUND: submitOrder is not defined on OrderService.
SUGGESTIONS: AbstractOrderService, BaseService`

	result := ParseResponse(raw)
	require.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.ErrorMessage, "method not found")
	assert.Equal(t, []string{"AbstractOrderService", "BaseService"}, result.Suggestions)
	assert.Empty(t, result.Blocks)
}

func TestParseResponse_ProseNotFound(t *testing.T) {
	raw := "The method `charge` does not exist in this class. It is likely defined in the parent class PaymentBase."

	result := ParseResponse(raw)
	require.Equal(t, StatusError, result.Status)
	assert.Equal(t, []string{"PaymentBase"}, result.Suggestions)
}

func TestParseResponse_EmptyAndGarbage(t *testing.T) {
	empty := ParseResponse("   \n ")
	assert.Equal(t, StatusError, empty.Status)
	assert.Contains(t, empty.ErrorMessage, "empty")

	garbage := ParseResponse("The method simply delegates to a helper and returns.")
	assert.Equal(t, StatusError, garbage.Status)
	assert.Contains(t, garbage.ErrorMessage, "no execution blocks")
}

func TestParseResponse_MalformedCallItemsAreDropped(t *testing.T) {
	raw := `BLOCK: Do the work
TYPE: method_call
NARRATIVE: Calls a few helpers.
CALLS:
- Helper.run(ctx) | step into | our code | runs it |
- this is not a citation at all
- 123bad.name() | external
`
	result := ParseResponse(raw)
	require.Equal(t, StatusComplete, result.Status)
	require.Len(t, result.Blocks, 1)
	// Only the well-formed citation survives; the block itself does too.
	require.Len(t, result.Blocks[0].Calls, 1)
	assert.Equal(t, "Helper", result.Blocks[0].Calls[0].TargetType)
}

func TestParseResponse_BareMethodCitation(t *testing.T) {
	raw := `BLOCK: Self delegation
CALLS:
- recalculate(totals) | step into | private helper on this class | updates totals |
`
	result := ParseResponse(raw)
	require.Equal(t, StatusComplete, result.Status)
	call := result.Blocks[0].Calls[0]
	assert.Empty(t, call.TargetType)
	assert.Equal(t, "recalculate", call.TargetMethod)
}

func TestParseResponse_MarkdownDecoratedHeaders(t *testing.T) {
	raw := "## BLOCK 1: Setup\n**TYPE:** loop\nNARRATIVE: Iterates the items.\n"
	result := ParseResponse(raw)
	require.Equal(t, StatusComplete, result.Status)
	require.Len(t, result.Blocks, 1)
	assert.Equal(t, "Setup", result.Blocks[0].Description)
	assert.Equal(t, BlockLoop, result.Blocks[0].Type)
}

func TestMapClassification(t *testing.T) {
	tests := []struct {
		phrase string
		want   Classification
	}{
		{"step into", ClassStepInto},
		{"Step-Into (application code)", ClassStepInto},
		{"expand", ClassStepInto},
		{"object lookup", ClassObjectLookup},
		{"simple getter", ClassObjectLookup},
		{"property access", ClassObjectLookup},
		{"external", ClassExternal},
		{"framework call", ClassExternal},
		{"not found", ClassNotFound},
		{"unresolved target", ClassNotFound},
		// Anything unrecognized defaults to external, never dropped.
		{"", ClassExternal},
		{"some new phrasing the model invented", ClassExternal},
	}
	for _, tt := range tests {
		if got := MapClassification(tt.phrase); got != tt.want {
			t.Errorf("MapClassification(%q) = %v, want %v", tt.phrase, got, tt.want)
		}
	}
}

func TestMapBlockType_Defaults(t *testing.T) {
	assert.Equal(t, BlockMethodCall, mapBlockType("", true))
	assert.Equal(t, BlockAssignment, mapBlockType("", false))
	assert.Equal(t, BlockShortCircuit, mapBlockType("short_circuit", false))
	assert.Equal(t, BlockException, mapBlockType("throws", false))
}
