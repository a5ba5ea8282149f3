// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the flowtrace configuration from
// ~/.flowtrace/flowtrace.yaml, creating a default file on first run,
// then applies environment overrides and clamps values into supported
// bounds.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// Global is a singleton instance
	Global FlowtraceConfig
	once   sync.Once
)

// Load ensures the config is loaded into the Global variable.
func Load() error {
	var err error
	once.Do(func() {
		err = loadInternal()
	})
	return err
}

func loadInternal() error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read the config file: %w", err)
	}
	Global = DefaultConfig()
	if err = yaml.Unmarshal(data, &Global); err != nil {
		return fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	applyEnv(&Global)
	Global.Normalize()
	return nil
}

// configPath honors FLOWTRACE_CONFIG, falling back to the home dir.
func configPath() (string, error) {
	if p := os.Getenv("FLOWTRACE_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".flowtrace", "flowtrace.yaml"), nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnv overlays FLOWTRACE_* environment variables on a loaded
// config. Malformed values are ignored in favor of the file value.
func applyEnv(cfg *FlowtraceConfig) {
	if v := os.Getenv("FLOWTRACE_ORACLE"); v != "" {
		cfg.Oracle.Identity = v
	}
	if v := os.Getenv("FLOWTRACE_SOURCE_ROOT"); v != "" {
		cfg.Source.Root = v
	}
	if v := os.Getenv("FLOWTRACE_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.MaxDepth = n
		}
	}
	if v := os.Getenv("FLOWTRACE_MAX_METHODS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.MaxTotalMethods = n
		}
	}
	if v := os.Getenv("FLOWTRACE_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analysis.PerCallTimeout = d
		}
	}
	if v := os.Getenv("FLOWTRACE_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("FLOWTRACE_CACHE_DISABLED"); v == "1" || v == "true" {
		cfg.Cache.Enabled = false
	}
	if v := os.Getenv("FLOWTRACE_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("FLOWTRACE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
