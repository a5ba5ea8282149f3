// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowtrace_analyses_total",
		Help: "Method analyses produced, by final status",
	}, []string{"status"})

	placeholdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowtrace_placeholders_total",
		Help: "Placeholder leaves produced, by policy reason",
	}, []string{"reason"})

	oracleCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowtrace_oracle_calls_total",
		Help: "Oracle invocations, by outcome",
	}, []string{"outcome"})

	oracleCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowtrace_oracle_call_duration_seconds",
		Help:    "Oracle invocation latency",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowtrace_session_duration_seconds",
		Help:    "End-to-end flow analysis session duration",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)
