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
	"log/slog"
	"regexp"
	"strings"

	"github.com/AleutianAI/flowtrace/services/flow/source"
)

// maxHierarchyHops bounds the supertype walk. Hierarchies deeper than
// this are treated as unresolvable rather than walked forever.
const maxHierarchyHops = 10

// Resolved is the outcome of locating the source that defines a
// method.
type Resolved struct {
	// DefiningType is the type whose source appears to declare the
	// method. Equal to the requested type when Declared is false.
	DefiningType string

	// File is the defining type's source.
	File *source.File

	// Declared reports whether the declaration-pattern match actually
	// found the method. When false the hierarchy walk was exhausted
	// and the caller should let the oracle decide (it may still find
	// the method, or report not-found with suggestions).
	Declared bool

	// Chain lists the types visited, requested type first.
	Chain []string
}

// Resolver locates the source defining a (typeName, methodName) pair
// by lightweight textual matching and a single-supertype walk. The
// oracle-guided fallback over suggested alternates is driven by the
// Controller, which owns the oracle.
type Resolver struct {
	provider source.Provider
	logger   *slog.Logger
}

// NewResolver creates a resolver over the given source provider.
func NewResolver(provider source.Provider, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{provider: provider, logger: logger}
}

// Resolve walks the hierarchy starting at typeName.
//
// Description:
//
//	Loads the source for typeName; if the text visibly declares
//	methodName, that type is the definer. Otherwise the immediate
//	supertype is extracted (single-inheritance assumption) and the
//	walk continues until a definer is found or no supertype remains.
//	When the walk exhausts without a declaration match, the
//	originally requested type's source is returned with Declared
//	false so the oracle gets a chance anyway.
//
// Outputs:
//
//	*Resolved - The defining (or requested) type and its source.
//	error - A *ResolutionError wrapping source.ErrTypeNotFound when
//	no source exists for the requested type at all.
func (r *Resolver) Resolve(ctx context.Context, typeName, methodName string) (*Resolved, error) {
	first, err := r.provider.ResolveSource(ctx, typeName)
	if err != nil {
		return nil, &ResolutionError{
			TypeName:   typeName,
			MethodName: methodName,
			Chain:      []string{typeName},
			Err:        err,
		}
	}

	chain := []string{typeName}
	current := typeName
	file := first
	for hop := 0; hop < maxHierarchyHops; hop++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if DeclaresMethod(file.Content, methodName) {
			r.logger.Debug("method declaration located",
				"requested", typeName, "definer", current, "method", methodName, "hops", hop)
			return &Resolved{DefiningType: current, File: file, Declared: true, Chain: chain}, nil
		}

		super := ExtractSupertype(file.Content)
		if super == "" || containsType(chain, super) {
			break
		}
		superFile, err := r.provider.ResolveSource(ctx, super)
		if err != nil {
			r.logger.Debug("supertype source unavailable, stopping walk",
				"type", super, "error", err)
			break
		}
		chain = append(chain, super)
		current = super
		file = superFile
	}

	// No visible declaration anywhere in the walk. Hand back the
	// requested type's source; the oracle's own not-found signal
	// drives the suggestion fallback from here.
	return &Resolved{DefiningType: typeName, File: first, Declared: false, Chain: chain}, nil
}

func containsType(chain []string, name string) bool {
	for _, c := range chain {
		if c == name {
			return true
		}
	}
	return false
}

// Declaration pattern table. Deliberately lightweight: the resolver
// only needs a plausible textual hit, the oracle does the real
// reading.
var declTemplates = []string{
	// def run( / func run( / function run( / fn run(
	`(?m)^\s*(?:async\s+)?(?:def|func|function|fn)\s+%s\s*\(`,
	// Go methods: func (r *T) run(
	`(?m)^\s*func\s*\([^)]*\)\s*%s\s*\(`,
	// C-family/Java/Kotlin: [modifiers] [type] run( at line start
	`(?m)^\s*(?:(?:public|private|protected|static|final|abstract|synchronized|override|virtual|internal|fun|suspend)\s+)*[\w<>\[\],.\s]*?\b%s\s*\([^;]*$`,
	// JS/TS members: run(...) { or run = (...) =>
	`(?m)^\s*(?:async\s+)?%s\s*\([^)]*\)\s*\{`,
	`(?m)^\s*%s\s*[:=]\s*(?:async\s+)?(?:function\b|\()`,
}

// DeclaresMethod reports whether the source text visibly declares
// methodName, by declaration-pattern match.
func DeclaresMethod(content, methodName string) bool {
	quoted := regexp.QuoteMeta(methodName)
	for _, tpl := range declTemplates {
		re, err := regexp.Compile(fmt.Sprintf(tpl, quoted))
		if err != nil {
			continue
		}
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// Supertype pattern table, single-inheritance per language family.
// Interface lists are intentionally ignored.
var supertypePatterns = []*regexp.Regexp{
	// Java/TS/JS/Kotlin-ish: class X extends Y
	regexp.MustCompile(`(?m)\bclass\s+\w+[\w<>,\s]*\bextends\s+([A-Za-z_][\w.]*)`),
	// Python: class X(Y, ...)
	regexp.MustCompile(`(?m)^\s*class\s+\w+\s*\(\s*([A-Za-z_][\w.]*)`),
	// C++/C#/Kotlin/Scala: class X : [public] Y
	regexp.MustCompile(`(?m)\bclass\s+\w+[\w<>,\s]*:\s*(?:public\s+|protected\s+|private\s+)?([A-Za-z_][\w.]*)`),
	// Ruby: class X < Y
	regexp.MustCompile(`(?m)^\s*class\s+\w+\s*<\s*([A-Za-z_][\w.:]*)`),
}

// nonSupertypes are base names that end every walk.
var nonSupertypes = map[string]bool{
	"object":    true,
	"Object":    true,
	"Any":       true,
	"interface": true,
}

// ExtractSupertype returns the immediate supertype named in the
// source, or "" when none is visible.
func ExtractSupertype(content string) string {
	for _, re := range supertypePatterns {
		if m := re.FindStringSubmatch(content); m != nil {
			name := strings.TrimSpace(m[1])
			// Strip generics and qualification.
			if i := strings.IndexByte(name, '<'); i >= 0 {
				name = name[:i]
			}
			if i := strings.LastIndexByte(name, '.'); i >= 0 {
				name = name[i+1:]
			}
			if name == "" || nonSupertypes[name] {
				return ""
			}
			return name
		}
	}
	return ""
}
