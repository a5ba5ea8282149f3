// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/flowtrace/services/flow/analysis"
)

// FormatFlow renders a linear execution flow as an indented plain-text
// walkthrough, one line per step, indentation tracking call depth.
func FormatFlow(flow *analysis.LinearExecutionFlow) string {
	if flow == nil || len(flow.Steps) == 0 {
		return "(empty flow)\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Execution flow of %s\n\n", flow.Root.String())
	width := numberWidth(len(flow.Steps))
	for _, step := range flow.Steps {
		fmt.Fprintf(&b, "%*d. %s%s%s\n",
			width, step.Number,
			strings.Repeat("    ", step.Depth),
			stepMarker(step.Type),
			step.Description)
	}
	return b.String()
}

// FormatStats renders a one-line summary of a finished session.
func FormatStats(stats Stats) string {
	return fmt.Sprintf("%d methods analyzed (%d complete, %d partial, %d error), %d oracle calls, %s",
		stats.MethodsAnalyzed, stats.Complete, stats.Partial, stats.Errors,
		stats.OracleCalls, stats.Duration.Round(timeRounding))
}

func stepMarker(t analysis.StepType) string {
	switch t {
	case analysis.StepMethodStart:
		return "-> "
	case analysis.StepMethodEnd:
		return "<- "
	case analysis.StepMethodCall:
		return "* "
	case analysis.StepMethodReturn:
		return "<* "
	case analysis.StepConditional:
		return "? "
	default:
		return ""
	}
}

func numberWidth(n int) int {
	w := 1
	for n >= 10 {
		n /= 10
		w++
	}
	return w
}
