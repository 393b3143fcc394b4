// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the HTTP surface of the orchestrator service.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/middleware"
)

// Dependencies are the components the routes dispatch to.
type Dependencies struct {
	Engine      handlers.WorkflowEngine
	Pipeline    []string
	Dashboard   handlers.DashboardService
	Performance handlers.PerformanceSource
	Capacity    handlers.CapacityService

	// Archive backs /v1/archive. Nil leaves the route unregistered.
	Archive handlers.ArchiveReader

	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer

	// APIToken guards mutating routes. Empty disables the check.
	APIToken string

	Logger *logging.Logger
}

// SetupRoutes registers every endpoint on router.
//
// # Description
//
// /health, /ready and /metrics stay unauthenticated. Under /v1, workflow
// submission, execution and cancellation require the bearer token when
// one is configured; read-only endpoints do not.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	var metricsHandler http.Handler = promhttp.Handler()
	if deps.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.HandleReady(deps.Engine, deps.Pipeline))
	router.GET("/metrics", gin.WrapH(metricsHandler))

	v1 := router.Group("/v1")
	{
		guarded := v1.Group("", middleware.TokenAuth(deps.APIToken))
		guarded.POST("/workflows", handlers.HandleSubmitWorkflow(deps.Engine, logger))
		guarded.POST("/workflows/execute", handlers.HandleExecuteWorkflow(deps.Engine, logger))
		guarded.DELETE("/workflows/:handle", handlers.HandleCancelWorkflow(deps.Engine, logger))

		v1.GET("/workflows/:handle", handlers.HandleGetWorkflow(deps.Engine))
		v1.GET("/workflows/:handle/watch", handlers.HandleWatchWorkflow(deps.Engine, logger))
		v1.GET("/advisories", handlers.HandleAdvisories(deps.Engine))

		v1.GET("/dashboard", handlers.HandleDashboard(deps.Dashboard))
		v1.GET("/reports/:format", handlers.HandleReport(deps.Dashboard, logger))
		v1.GET("/performance", handlers.HandlePerformance(deps.Performance))
		v1.GET("/capacity", handlers.HandleCapacity(deps.Capacity))
		v1.GET("/scaling", handlers.HandleScaling(deps.Capacity))

		if deps.Archive != nil {
			v1.GET("/archive", handlers.HandleArchive(deps.Archive, logger))
		}
	}
}
