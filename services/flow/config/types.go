// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"time"
)

type FlowtraceConfig struct {
	// Oracle selects the analysis backend, e.g. "ollama:qwen2.5-coder:32b",
	// "openai:gpt-4o", "anthropic:claude-sonnet-4".
	Oracle OracleConfig `yaml:"oracle"`

	// Source: where the analyzed codebase lives.
	Source SourceConfig `yaml:"source"`

	// Analysis: session bounds.
	Analysis AnalysisConfig `yaml:"analysis"`

	// Cache: the two-tier memoization cache.
	Cache CacheConfig `yaml:"cache"`

	// Server: the HTTP surface.
	Server ServerConfig `yaml:"server"`

	// Logging: structured log output.
	Logging LoggingConfig `yaml:"logging"`
}

type OracleConfig struct {
	// Identity is "<backend>:<model>".
	Identity string `yaml:"identity"`
}

type SourceConfig struct {
	// Root is the codebase directory to index.
	Root string `yaml:"root"`

	// Watch enables fsnotify-driven cache invalidation on Root.
	Watch bool `yaml:"watch"`
}

type AnalysisConfig struct {
	MaxDepth        int           `yaml:"max_depth"`
	MaxTotalMethods int           `yaml:"max_total_methods"`
	PerCallTimeout  time.Duration `yaml:"per_call_timeout"`
}

type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir holds the durable badger store. Empty disables the durable
	// tier (the in-memory session tier still runs).
	Dir string `yaml:"dir"`

	Retention  time.Duration `yaml:"retention"`
	MaxEntries int           `yaml:"max_entries"`

	SessionTTL      time.Duration `yaml:"session_ttl"`
	SessionCapacity int           `yaml:"session_capacity"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Hard bounds. Values outside these are clamped, not rejected, so a
// hand-edited config never stops the tool from starting.
const (
	maxDepthCeiling   = 20
	maxMethodsCeiling = 200
	minCallTimeout    = 5 * time.Second
	maxCallTimeout    = 15 * time.Minute
)

func DefaultConfig() FlowtraceConfig {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".flowtrace")
	return FlowtraceConfig{
		Oracle: OracleConfig{
			Identity: "ollama:qwen2.5-coder:32b",
		},
		Source: SourceConfig{
			Root:  ".",
			Watch: false,
		},
		Analysis: AnalysisConfig{
			MaxDepth:        5,
			MaxTotalMethods: 30,
			PerCallTimeout:  2 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:         true,
			Dir:             filepath.Join(stateDir, "cache"),
			Retention:       7 * 24 * time.Hour,
			MaxEntries:      2000,
			SessionTTL:      30 * time.Minute,
			SessionCapacity: 500,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8137",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(stateDir, "logs"),
			JSON:  false,
		},
	}
}

// Normalize clamps out-of-range values back into the supported window.
func (c *FlowtraceConfig) Normalize() {
	def := DefaultConfig()
	if c.Analysis.MaxDepth <= 0 {
		c.Analysis.MaxDepth = def.Analysis.MaxDepth
	}
	if c.Analysis.MaxDepth > maxDepthCeiling {
		c.Analysis.MaxDepth = maxDepthCeiling
	}
	if c.Analysis.MaxTotalMethods <= 0 {
		c.Analysis.MaxTotalMethods = def.Analysis.MaxTotalMethods
	}
	if c.Analysis.MaxTotalMethods > maxMethodsCeiling {
		c.Analysis.MaxTotalMethods = maxMethodsCeiling
	}
	if c.Analysis.PerCallTimeout <= 0 {
		c.Analysis.PerCallTimeout = def.Analysis.PerCallTimeout
	}
	if c.Analysis.PerCallTimeout < minCallTimeout {
		c.Analysis.PerCallTimeout = minCallTimeout
	}
	if c.Analysis.PerCallTimeout > maxCallTimeout {
		c.Analysis.PerCallTimeout = maxCallTimeout
	}
	if c.Cache.Retention <= 0 {
		c.Cache.Retention = def.Cache.Retention
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = def.Cache.MaxEntries
	}
	if c.Cache.SessionTTL <= 0 {
		c.Cache.SessionTTL = def.Cache.SessionTTL
	}
	if c.Cache.SessionCapacity <= 0 {
		c.Cache.SessionCapacity = def.Cache.SessionCapacity
	}
	if c.Oracle.Identity == "" {
		c.Oracle.Identity = def.Oracle.Identity
	}
	if c.Server.Listen == "" {
		c.Server.Listen = def.Server.Listen
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}
