// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"fmt"
	"regexp"
	"strings"
)

// ParseResult is the structured form of one oracle reply.
//
// Thread Safety: This type is immutable after ParseResponse returns.
type ParseResult struct {
	// Blocks are the extracted execution blocks, in reply order.
	Blocks []ExecutionBlock

	// Summary counts the parsed calls per classification bucket.
	Summary CallSummary

	// Status is StatusComplete when at least one block was extracted,
	// StatusError otherwise.
	Status Status

	// ErrorMessage describes why parsing produced no blocks.
	ErrorMessage string

	// Suggestions lists ancestor or alternative type names the oracle
	// mentioned in a method-not-found reply, in citation order.
	Suggestions []string
}

// Oracle reply pattern table. All matching is case-insensitive and
// whitespace-tolerant; the oracle is free text, not a schema.
var (
	// notFoundPatterns recognize explicit method-not-found signals.
	notFoundPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bMETHOD_NOT_FOUND\b`),
		regexp.MustCompile(`(?i)\bmethod\s+not\s+found\b`),
		regexp.MustCompile(`(?i)\bno\s+(?:such\s+)?method\s+(?:named\s+)?\x60?"?[A-Za-z_]`),
		regexp.MustCompile(`(?i)\bdoes\s+not\s+(?:exist|contain|define|declare)\b`),
		regexp.MustCompile(`(?i)\bis\s+not\s+(?:defined|declared|present)\s+in\b`),
		regexp.MustCompile(`(?i)\b(?:cannot|can't|could\s+not)\s+(?:find|locate)\s+(?:the\s+)?method\b`),
	}

	// blockPattern matches "BLOCK: description" headers, allowing an
	// optional number and markdown prefixes.
	blockPattern = regexp.MustCompile(`(?im)^\s*(?:[#*\x60]+\s*)?BLOCK(?:\s+\d+)?\s*:\s*(.*?)\s*$`)

	// blockTypePattern matches the "TYPE: tag" line within a block.
	blockTypePattern = regexp.MustCompile(`(?im)^\s*(?:[#*\x60]+\s*)?TYPE\s*:\s*(.+?)\s*$`)

	// callsHeaderPattern marks the start of a block's call list.
	callsHeaderPattern = regexp.MustCompile(`(?im)^\s*(?:[#*\x60]+\s*)?CALLS\s*:\s*$`)

	// callItemPattern matches one call list item ("- ..." or "1. ...").
	callItemPattern = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+(.+?)\s*$`)

	// citationPattern parses "Type.method(params)" or "method(params)".
	citationPattern = regexp.MustCompile(`^\x60?(?:([A-Za-z_][A-Za-z0-9_.]*)\.)?([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)`)

	// suggestionListPattern matches an explicit "SUGGESTIONS: A, B".
	suggestionListPattern = regexp.MustCompile(`(?im)^\s*(?:[#*\x60]+\s*)?SUGGESTIONS?\s*:\s*(.+?)\s*$`)

	// suggestionProsePattern catches prose hints such as "defined in
	// the parent class Base" or "try AbstractHandler".
	suggestionProsePattern = regexp.MustCompile(`(?i)(?:defined\s+in|declared\s+in|inherited\s+from|look\s+in|check|see|try)\s+(?:the\s+)?(?:parent\s+|base\s+|super)?(?:class|type|interface)?\s*\x60?"?([A-Z][A-Za-z0-9_]*)`)

	typeNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
)

// ParseResponse converts a raw oracle reply into execution blocks and
// classified calls, or recognizes a method-not-found signal.
//
// Description:
//
//	First scans for not-found markers; a hit returns StatusError with
//	any suggested alternate types, which triggers the resolver's
//	oracle-guided fallback. Otherwise blocks are extracted
//	sequentially by header marker. Unparsable call citations are
//	dropped rather than aborting the block; unrecognized
//	classification phrases default to ClassExternal so every call
//	lands in exactly one bucket.
//
// Inputs:
//
//	raw - The oracle's reply text. May be partial or malformed.
//
// Outputs:
//
//	*ParseResult - Never nil. Status is StatusComplete only if at
//	least one block was extracted.
func ParseResponse(raw string) *ParseResult {
	result := &ParseResult{}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		result.Status = StatusError
		result.ErrorMessage = "oracle returned an empty response"
		return result
	}

	if msg, found := detectNotFound(trimmed); found {
		result.Status = StatusError
		result.ErrorMessage = msg
		result.Suggestions = extractSuggestions(trimmed)
		return result
	}

	headers := blockPattern.FindAllStringSubmatchIndex(trimmed, -1)
	if len(headers) == 0 {
		result.Status = StatusError
		result.ErrorMessage = "no execution blocks found in oracle response"
		return result
	}

	callOrder := 0
	for i, h := range headers {
		segStart := h[1]
		segEnd := len(trimmed)
		if i+1 < len(headers) {
			segEnd = headers[i+1][0]
		}
		description := strings.TrimSpace(trimmed[h[2]:h[3]])
		body := trimmed[segStart:segEnd]

		block := parseBlock(i+1, description, body, &callOrder, &result.Summary)
		result.Blocks = append(result.Blocks, block)
	}

	// Link blocks forward in reply order.
	for i := range result.Blocks {
		if i+1 < len(result.Blocks) {
			result.Blocks[i].NextBlocks = []string{result.Blocks[i+1].ID}
		}
	}

	result.Status = StatusComplete
	return result
}

func detectNotFound(text string) (string, bool) {
	// Only inspect the leading portion: a legitimate narrative may
	// mention absence of other methods further down.
	head := text
	if len(head) > 600 {
		head = head[:600]
	}
	for _, p := range notFoundPatterns {
		if loc := p.FindStringIndex(head); loc != nil {
			line := head[loc[0]:]
			if nl := strings.IndexByte(line, '\n'); nl >= 0 {
				line = line[:nl]
			}
			return "oracle reported method not found: " + strings.TrimSpace(line), true
		}
	}
	return "", false
}

func extractSuggestions(text string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		name = strings.Trim(name, "`\"' .,")
		if name == "" || !typeNamePattern.MatchString(name) || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	if m := suggestionListPattern.FindStringSubmatch(text); m != nil {
		for _, part := range strings.FieldsFunc(m[1], func(r rune) bool {
			return r == ',' || r == ';' || r == ' '
		}) {
			add(part)
		}
	}
	for _, m := range suggestionProsePattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return out
}

func parseBlock(index int, description, body string, callOrder *int, summary *CallSummary) ExecutionBlock {
	block := ExecutionBlock{
		ID:          fmt.Sprintf("block-%d", index),
		Description: description,
	}

	blockType := ""
	if m := blockTypePattern.FindStringSubmatch(body); m != nil {
		blockType = m[1]
	}

	narrative := body
	callsText := ""
	if loc := callsHeaderPattern.FindStringIndex(body); loc != nil {
		narrative = body[:loc[0]]
		callsText = body[loc[1]:]
	}
	block.Narrative = cleanNarrative(narrative)

	for _, item := range callItemPattern.FindAllStringSubmatch(callsText, -1) {
		call, ok := parseCallItem(item[1])
		if !ok {
			// Drop unparsable citations; the block survives.
			continue
		}
		call.Order = *callOrder
		*callOrder++
		summary.Add(call.Classification)
		block.Calls = append(block.Calls, call)
	}

	block.Type = mapBlockType(blockType, len(block.Calls) > 0)
	return block
}

// cleanNarrative strips marker lines and collapses the remaining text.
func cleanNarrative(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || blockTypePattern.MatchString(line) {
			continue
		}
		t = strings.TrimPrefix(t, "NARRATIVE:")
		t = strings.TrimSpace(t)
		if t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, " ")
}

// parseCallItem parses one "citation | classification | reasoning |
// expected behavior | conditional note" list item. Fields beyond the
// citation are optional.
func parseCallItem(item string) (MethodCall, bool) {
	fields := strings.Split(item, "|")
	citation := strings.TrimSpace(fields[0])

	m := citationPattern.FindStringSubmatch(citation)
	if m == nil {
		return MethodCall{}, false
	}
	call := MethodCall{
		TargetType:   m[1],
		TargetMethod: m[2],
		Parameters:   strings.TrimSpace(m[3]),
	}

	classPhrase := ""
	if len(fields) > 1 {
		classPhrase = strings.TrimSpace(fields[1])
	}
	call.Classification = MapClassification(classPhrase)
	if len(fields) > 2 {
		call.Reasoning = strings.TrimSpace(fields[2])
	}
	if len(fields) > 3 {
		call.ExpectedBehavior = strings.TrimSpace(fields[3])
	}
	if len(fields) > 4 {
		call.ConditionalNote = strings.TrimSpace(fields[4])
	}
	return call, true
}

// MapClassification maps a free-form classification phrase into exactly
// one bucket, case-insensitively. Unrecognized phrases map to
// ClassExternal rather than being dropped.
func MapClassification(phrase string) Classification {
	p := strings.ToLower(strings.TrimSpace(phrase))
	switch {
	case strings.Contains(p, "step into"), strings.Contains(p, "step_into"),
		strings.Contains(p, "stepinto"), strings.Contains(p, "step-into"),
		strings.Contains(p, "expand"), strings.Contains(p, "application code"),
		strings.Contains(p, "internal code"):
		return ClassStepInto
	case strings.Contains(p, "lookup"), strings.Contains(p, "getter"),
		strings.Contains(p, "setter"), strings.Contains(p, "accessor"),
		strings.Contains(p, "data access"), strings.Contains(p, "field access"),
		strings.Contains(p, "property"):
		return ClassObjectLookup
	case strings.Contains(p, "not found"), strings.Contains(p, "not_found"),
		strings.Contains(p, "notfound"), strings.Contains(p, "unknown"),
		strings.Contains(p, "unresolved"), strings.Contains(p, "cannot determine"):
		return ClassNotFound
	default:
		return ClassExternal
	}
}

// mapBlockType maps a free-form type tag to a BlockType. Untagged
// blocks default to method_call when they carry calls, assignment
// otherwise.
func mapBlockType(tag string, hasCalls bool) BlockType {
	t := strings.ToLower(strings.TrimSpace(tag))
	switch {
	case strings.Contains(t, "assign"):
		return BlockAssignment
	case strings.Contains(t, "short"):
		return BlockShortCircuit
	case strings.Contains(t, "cond"), strings.Contains(t, "if"), strings.Contains(t, "branch"), strings.Contains(t, "switch"):
		return BlockConditional
	case strings.Contains(t, "loop"), strings.Contains(t, "for"), strings.Contains(t, "while"), strings.Contains(t, "iterat"):
		return BlockLoop
	case strings.Contains(t, "return"):
		return BlockReturn
	case strings.Contains(t, "exception"), strings.Contains(t, "throw"), strings.Contains(t, "error"):
		return BlockException
	case strings.Contains(t, "call"):
		return BlockMethodCall
	}
	if hasCalls {
		return BlockMethodCall
	}
	return BlockAssignment
}
