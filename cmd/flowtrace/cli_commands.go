// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/flowtrace/services/flow"
	"github.com/AleutianAI/flowtrace/services/flow/analysis"
	"github.com/AleutianAI/flowtrace/services/flow/cache"
	"github.com/AleutianAI/flowtrace/services/flow/config"
	"github.com/AleutianAI/flowtrace/services/flow/source"
	"github.com/AleutianAI/flowtrace/services/llm"
)

var (
	rootCmd = &cobra.Command{
		Use:   "flowtrace",
		Short: "Trace what a method call actually does, step by step",
		Long: `Flowtrace answers "if I call method M on type C, what happens?" by
reading your source with an LLM oracle, recursively tracing the calls
that lead into your own code, and printing a numbered walkthrough.`,
	}

	sourceRoot  string
	maxDepth    int
	maxMethods  int
	noCache     bool
	jsonOutput  bool
	showStream  bool
	analyzeCmd  = &cobra.Command{
		Use:   "analyze [Type.method | Type method]",
		Short: "Trace one root method and print the execution walkthrough",
		Long: `Analyzes the given method of the given type. Accepts either a single
"Type.method" argument or two arguments "Type method".`,
		Args: cobra.RangeArgs(1, 2),
		Run:  runAnalyzeCommand,
	}

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the analysis cache",
	}
	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache hit/miss counters and entry counts",
		Run:   runCacheStats,
	}
	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached analysis",
		Run:   runCacheClear,
	}
	invalidateMethod   string
	cacheInvalidateCmd = &cobra.Command{
		Use:   "invalidate [type]",
		Short: "Drop cached analyses for a type, or one method with --method",
		Args:  cobra.ExactArgs(1),
		Run:   runCacheInvalidate,
	}

	listenAddr string
	serveCmd   = &cobra.Command{
		Use:   "serve",
		Short: "Run the flow analysis HTTP API",
		Run:   runServeCommand,
	}
)

func init() {
	analyzeCmd.Flags().StringVar(&sourceRoot, "source", "", "Codebase root to analyze (default from config)")
	analyzeCmd.Flags().IntVar(&maxDepth, "depth", 0, "Maximum call nesting depth (default from config)")
	analyzeCmd.Flags().IntVar(&maxMethods, "max-methods", 0, "Maximum methods analyzed per run (default from config)")
	analyzeCmd.Flags().BoolVar(&noCache, "no-cache", false, "Skip the analysis cache for this run")
	analyzeCmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the full flow as JSON instead of text")
	analyzeCmd.Flags().BoolVar(&showStream, "stream", false, "Print oracle output fragments as they arrive")

	cacheInvalidateCmd.Flags().StringVar(&invalidateMethod, "method", "", "Limit invalidation to one method")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cacheInvalidateCmd)

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&sourceRoot, "source", "", "Codebase root to analyze (default from config)")

	rootCmd.AddCommand(analyzeCmd, cacheCmd, serveCmd)
}

// splitRootMethod accepts "Type.method" or ["Type", "method"].
func splitRootMethod(args []string) (string, string, error) {
	if len(args) == 2 {
		return args[0], args[1], nil
	}
	i := strings.LastIndexByte(args[0], '.')
	if i <= 0 || i == len(args[0])-1 {
		return "", "", fmt.Errorf("expected Type.method, got %q", args[0])
	}
	return args[0][:i], args[0][i+1:], nil
}

func openCache() *cache.AnalysisCache {
	cfg := config.Global
	return cache.New(cache.Options{
		SessionTTL:      cfg.Cache.SessionTTL,
		SessionCapacity: cfg.Cache.SessionCapacity,
		DurablePath:     cfg.Cache.Dir,
		Retention:       cfg.Cache.Retention,
		MaxEntries:      cfg.Cache.MaxEntries,
		Logger:          appLogger.Logger,
	})
}

// buildService assembles the full analysis stack from the loaded
// config plus command-line overrides.
func buildService() (*flow.Service, error) {
	cfg := config.Global

	client, err := llm.NewClient(cfg.Oracle.Identity)
	if err != nil {
		return nil, fmt.Errorf("oracle backend: %w", err)
	}

	root := cfg.Source.Root
	if sourceRoot != "" {
		root = sourceRoot
	}
	provider, err := source.NewFSProvider(root, appLogger.Logger)
	if err != nil {
		return nil, fmt.Errorf("source root %s: %w", root, err)
	}

	var analysisCache *cache.AnalysisCache
	var watchPaths []string
	if cfg.Cache.Enabled {
		analysisCache = openCache()
		if cfg.Source.Watch {
			watchPaths = []string{root}
		}
	}

	return flow.NewService(flow.ServiceOptions{
		Oracle:     flow.NewLLMOracle(client),
		Provider:   provider,
		Cache:      analysisCache,
		WatchPaths: watchPaths,
		Logger:     appLogger.Logger,
	})
}

func sessionConfig() flow.Config {
	cfg := flow.DefaultConfig()
	cfg.MaxDepth = config.Global.Analysis.MaxDepth
	cfg.MaxTotalMethods = config.Global.Analysis.MaxTotalMethods
	cfg.PerCallTimeout = config.Global.Analysis.PerCallTimeout
	if maxDepth > 0 {
		cfg.MaxDepth = maxDepth
	}
	if maxMethods > 0 {
		cfg.MaxTotalMethods = maxMethods
	}
	if noCache {
		cfg.CacheEnabled = false
	}
	return cfg
}

func runAnalyzeCommand(cmd *cobra.Command, args []string) {
	typeName, methodName, err := splitRootMethod(args)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	svc, err := buildService()
	if err != nil {
		log.Fatalf("Error building the analysis service: %v", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var progress flow.Progress
	if showStream && !jsonOutput {
		progress.OnFragment = func(fragment string) {
			fmt.Fprint(os.Stderr, fragment)
		}
	}
	if !jsonOutput {
		progress.OnMethodComplete = func(key analysis.MethodKey, status analysis.Status) {
			fmt.Fprintf(os.Stderr, "  traced %s [%s]\n", key.String(), status)
		}
	}

	result, err := svc.RunFlowAnalysis(ctx, typeName, methodName, sessionConfig(), progress)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			log.Fatalf("Error encoding result: %v", err)
		}
		return
	}
	fmt.Print(result.FormattedSteps)
	fmt.Println()
	fmt.Println(flow.FormatStats(result.Stats))
	if result.Stats.Cancelled {
		fmt.Println("note: analysis was interrupted, the walkthrough is partial")
	}
}

func runCacheStats(cmd *cobra.Command, args []string) {
	c := openCache()
	defer c.Close()
	stats := c.Stats()
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	fmt.Println(string(data))
}

func runCacheClear(cmd *cobra.Command, args []string) {
	c := openCache()
	defer c.Close()
	c.Clear()
	fmt.Println("Cache cleared.")
}

func runCacheInvalidate(cmd *cobra.Command, args []string) {
	c := openCache()
	defer c.Close()
	removed := c.Invalidate(args[0], invalidateMethod)
	fmt.Printf("Invalidated %d cached analyses.\n", removed)
}

func runServeCommand(cmd *cobra.Command, args []string) {
	svc, err := buildService()
	if err != nil {
		log.Fatalf("Error building the analysis service: %v", err)
	}
	defer svc.Close()

	addr := config.Global.Server.Listen
	if listenAddr != "" {
		addr = listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serveAPI(ctx, addr, svc); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Server error: %v", err)
	}
}
