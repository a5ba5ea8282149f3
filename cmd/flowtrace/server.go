// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/flowtrace/services/flow"
)

// AnalyzeRequest is the POST /v1/flow/analyze body.
type AnalyzeRequest struct {
	TypeName   string `json:"type_name" binding:"required"`
	MethodName string `json:"method_name" binding:"required"`

	// Optional per-request overrides of the configured bounds.
	MaxDepth   int  `json:"max_depth,omitempty"`
	MaxMethods int  `json:"max_methods,omitempty"`
	NoCache    bool `json:"no_cache,omitempty"`
}

func serveAPI(ctx context.Context, addr string, svc *flow.Service) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1/flow")
	v1.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v1.POST("/analyze", func(c *gin.Context) {
		handleAnalyze(c, svc)
	})
	v1.GET("/cache/stats", func(c *gin.Context) {
		cacheStore := svc.Cache()
		if cacheStore == nil {
			c.JSON(http.StatusOK, gin.H{"enabled": false})
			return
		}
		c.JSON(http.StatusOK, cacheStore.Stats())
	})
	v1.POST("/cache/clear", func(c *gin.Context) {
		if cacheStore := svc.Cache(); cacheStore != nil {
			cacheStore.Clear()
		}
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info("flowtrace API listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func handleAnalyze(c *gin.Context, svc *flow.Service) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := sessionConfig()
	if req.MaxDepth > 0 {
		cfg.MaxDepth = req.MaxDepth
	}
	if req.MaxMethods > 0 {
		cfg.MaxTotalMethods = req.MaxMethods
	}
	if req.NoCache {
		cfg.CacheEnabled = false
	}

	result, err := svc.RunFlowAnalysis(c.Request.Context(), req.TypeName, req.MethodName, cfg, flow.Progress{})
	if err != nil {
		// The only error surface is an unresolvable root type.
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
