// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package source locates and reads the source files backing type names
// for the flow analysis resolver. Non-source and binary artifacts are
// excluded; lookups go by file basename first, then by a declaration
// scan over the indexed tree.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ErrTypeNotFound indicates no source file could be associated with
// the requested type name.
var ErrTypeNotFound = errors.New("type source not found")

// MaxSourceFileSize caps how large a file the provider will read.
// Anything bigger is treated as a non-source artifact.
const MaxSourceFileSize = 2 * 1024 * 1024

// File is one resolved source file.
type File struct {
	Path     string
	Content  string
	Language string
}

// Provider resolves a type name to its defining source file.
type Provider interface {
	// ResolveSource returns the source for typeName, or a
	// ErrTypeNotFound-wrapped error.
	ResolveSource(ctx context.Context, typeName string) (*File, error)
}

// languageByExt maps source extensions to language names passed to the
// oracle prompt.
var languageByExt = map[string]string{
	".java":  "java",
	".py":    "python",
	".ts":    "typescript",
	".tsx":   "typescript",
	".js":    "javascript",
	".jsx":   "javascript",
	".go":    "go",
	".cs":    "csharp",
	".kt":    "kotlin",
	".rb":    "ruby",
	".php":   "php",
	".scala": "scala",
	".swift": "swift",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".h":     "cpp",
}

// skipDirs are directory names excluded from indexing.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"build":        true,
	"dist":         true,
	"out":          true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
}

// FSProvider resolves type names against a project tree on disk.
//
// Thread Safety: FSProvider is safe for concurrent use.
type FSProvider struct {
	root   string
	logger *slog.Logger

	mu    sync.RWMutex
	files []string          // indexed source files, walk order
	byTyp map[string]string // resolved typeName -> path
}

// NewFSProvider indexes the project tree under root.
//
// Inputs:
//
//	root - Absolute path of the project root.
//	logger - Logger for index diagnostics. Nil uses slog.Default.
//
// Outputs:
//
//	*FSProvider - The indexed provider.
//	error - Non-nil if root is not an absolute directory path.
func NewFSProvider(root string, logger *slog.Logger) (*FSProvider, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("project root must be an absolute path: %s", root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root is not a directory: %s", root)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &FSProvider{
		root:   root,
		logger: logger,
		byTyp:  make(map[string]string),
	}
	if err := p.buildIndex(); err != nil {
		return nil, err
	}
	logger.Debug("source index built", "root", root, "files", len(p.files))
	return p, nil
}

// Root returns the indexed project root.
func (p *FSProvider) Root() string {
	return p.root
}

func (p *FSProvider) buildIndex() error {
	return filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			p.logger.Debug("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (d.Name() != "." && strings.HasPrefix(d.Name(), ".") && path != p.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := languageByExt[strings.ToLower(filepath.Ext(d.Name()))]; !ok {
			return nil
		}
		p.files = append(p.files, path)
		return nil
	})
}

// ResolveSource implements the Provider interface.
//
// Resolution order:
//  1. Previously resolved mapping (cached).
//  2. File basename equal to the type name (Child.java, child.py).
//  3. Declaration scan: first indexed file declaring the type.
func (p *FSProvider) ResolveSource(ctx context.Context, typeName string) (*File, error) {
	typeName = strings.TrimSpace(typeName)
	if typeName == "" {
		return nil, fmt.Errorf("%w: empty type name", ErrTypeNotFound)
	}
	// Oracle citations may qualify the type (pkg.Child); resolve on the
	// last segment.
	if i := strings.LastIndexByte(typeName, '.'); i >= 0 {
		typeName = typeName[i+1:]
	}

	p.mu.RLock()
	cached := p.byTyp[typeName]
	p.mu.RUnlock()
	if cached != "" {
		if f, err := p.readSource(cached); err == nil {
			return f, nil
		}
		// File disappeared since it was mapped; drop and fall through.
		p.mu.Lock()
		delete(p.byTyp, typeName)
		p.mu.Unlock()
	}

	if path := p.matchBasename(typeName); path != "" {
		if f, err := p.readSource(path); err == nil {
			p.remember(typeName, path)
			return f, nil
		}
	}

	declPattern, err := declarationPattern(typeName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, typeName)
	}
	for _, path := range p.snapshotFiles() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f, err := p.readSource(path)
		if err != nil {
			continue
		}
		if declPattern.MatchString(f.Content) {
			p.remember(typeName, path)
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, typeName)
}

func (p *FSProvider) matchBasename(typeName string) string {
	lowered := strings.ToLower(typeName)
	var caseInsensitive string
	for _, path := range p.snapshotFiles() {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if base == typeName {
			return path
		}
		if caseInsensitive == "" && strings.ToLower(base) == lowered {
			caseInsensitive = path
		}
	}
	return caseInsensitive
}

func (p *FSProvider) snapshotFiles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.files...)
}

func (p *FSProvider) remember(typeName, path string) {
	p.mu.Lock()
	p.byTyp[typeName] = path
	p.mu.Unlock()
}

// readSource reads a file, rejecting oversized and binary content.
func (p *FSProvider) readSource(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxSourceFileSize {
		return nil, fmt.Errorf("file too large: %s (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.IndexByte(string(data), 0) >= 0 {
		return nil, fmt.Errorf("binary content: %s", path)
	}
	return &File{
		Path:     path,
		Content:  string(data),
		Language: languageByExt[strings.ToLower(filepath.Ext(path))],
	}, nil
}

// declarationPattern matches a type declaration across the supported
// languages: "class X", "interface X", "trait X", "type X struct",
// "enum X", with optional modifiers in front.
func declarationPattern(typeName string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(typeName)
	return regexp.Compile(`(?m)^\s*(?:[\w@\[\]<>]+\s+)*(?:class|interface|trait|enum|record|struct|type)\s+` + quoted + `\b`)
}
