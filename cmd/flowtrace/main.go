// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command flowtrace answers "if I call method M on type C, what
// happens, step by step?" for a codebase, using an LLM oracle to read
// the source and a recursive engine to trace application-code calls.
//
// Usage:
//
//	flowtrace analyze OrderService.submitOrder --source ./myapp
//	flowtrace analyze PaymentProcessor charge --depth 3 --json
//	flowtrace cache stats
//	flowtrace serve --listen 127.0.0.1:8137
package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/flowtrace/pkg/logging"
	"github.com/AleutianAI/flowtrace/services/flow/config"
)

var appLogger *logging.Logger

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if err := config.Load(); err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}
		appLogger = logging.New(logging.Config{
			Level:   logging.ParseLevel(config.Global.Logging.Level),
			LogDir:  config.Global.Logging.Dir,
			Service: "flowtrace",
			JSON:    config.Global.Logging.JSON,
			Quiet:   jsonOutput,
		})
		appLogger.SetAsDefault()
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if appLogger != nil {
			_ = appLogger.Close()
		}
	}
}
