// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/dashboard"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/metricslog"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/resources"
)

// =============================================================================
// Dependencies
// =============================================================================

// DashboardService produces snapshots and serialized reports.
type DashboardService interface {
	Snapshot(ctx context.Context, forceRefresh bool) dashboard.Snapshot
	ExportReport(ctx context.Context, format dashboard.Format) ([]byte, error)
}

// PerformanceSource summarizes the metrics log.
type PerformanceSource interface {
	Summary(window time.Duration) metricslog.PerformanceReport
}

// CapacityService answers capacity and scaling questions.
type CapacityService interface {
	PredictCapacity(ctx context.Context, n int, kind datatypes.WorkflowKind) (resources.CapacityPrediction, error)
	SuggestScaling(ctx context.Context) resources.ScalingRecommendation
}

// =============================================================================
// Handlers
// =============================================================================

// HandleDashboard returns the current snapshot. ?refresh=true bypasses
// the cache.
func HandleDashboard(dash DashboardService) gin.HandlerFunc {
	return func(c *gin.Context) {
		refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))
		c.JSON(http.StatusOK, dash.Snapshot(c.Request.Context(), refresh))
	}
}

// HandleReport serializes the snapshot as json, html or csv.
func HandleReport(dash DashboardService, logger *logging.Logger) gin.HandlerFunc {
	log := logger.Component("api")
	return func(c *gin.Context) {
		format, err := dashboard.ParseFormat(c.Param("format"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		body, err := dash.ExportReport(c.Request.Context(), format)
		if err != nil {
			if errors.Is(err, dashboard.ErrUnsupportedFormat) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			log.Error("report export failed", "format", format, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "report export failed"})
			return
		}
		c.Data(http.StatusOK, format.ContentType(), body)
	}
}

// HandlePerformance returns the metrics-log summary for ?window= (a Go
// duration, default 1h; 0 means everything retained).
func HandlePerformance(src PerformanceSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		window, err := time.ParseDuration(c.DefaultQuery("window", "1h"))
		if err != nil || window < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a non-negative duration such as 30m"})
			return
		}
		c.JSON(http.StatusOK, src.Summary(window))
	}
}

// HandleCapacity predicts whether ?count= workflows of ?kind= fit.
func HandleCapacity(capacity CapacityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := strconv.Atoi(c.DefaultQuery("count", "1"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be an integer"})
			return
		}
		kind := datatypes.WorkflowKind(c.DefaultQuery("kind", string(datatypes.KindGeneric)))
		if !kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown workflow kind", "kind": kind})
			return
		}
		pred, err := capacity.PredictCapacity(c.Request.Context(), n, kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, pred)
	}
}

// HandleScaling returns the current scaling recommendation.
func HandleScaling(capacity CapacityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, capacity.SuggestScaling(c.Request.Context()))
	}
}
