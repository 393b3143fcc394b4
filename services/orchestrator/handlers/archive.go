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
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

// ArchiveReader lists archived outcomes. archive.OutcomeArchive satisfies it.
type ArchiveReader interface {
	Recent(ctx context.Context, since time.Time, limit int) ([]datatypes.WorkflowOutcome, error)
	Count(ctx context.Context) (int, error)
	InMemory() bool
}

// ArchiveResponse is returned by the archive listing endpoint.
type ArchiveResponse struct {
	Total      int                         `json:"total"`
	Persistent bool                        `json:"persistent"`
	Outcomes   []datatypes.WorkflowOutcome `json:"outcomes"`
}

const (
	defaultArchiveSince = 24 * time.Hour
	defaultArchiveLimit = 50
	maxArchiveLimit     = 1000
)

// HandleArchive lists archived outcomes newest first.
//
// # Description
//
// ?since= is a trailing duration (default 24h, 0 for everything) and
// ?limit= caps the page (default 50, at most 1000). Total counts every
// archived outcome regardless of the filter.
func HandleArchive(reader ArchiveReader, logger *logging.Logger) gin.HandlerFunc {
	log := logger.Component("api")
	return func(c *gin.Context) {
		window, err := time.ParseDuration(c.DefaultQuery("since", defaultArchiveSince.String()))
		if err != nil || window < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative duration such as 6h"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultArchiveLimit)))
		if err != nil || limit <= 0 || limit > maxArchiveLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}

		var since time.Time
		if window > 0 {
			since = time.Now().Add(-window)
		}
		ctx := c.Request.Context()
		outcomes, err := reader.Recent(ctx, since, limit)
		if err != nil {
			log.Error("archive scan failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "archive unavailable"})
			return
		}
		total, err := reader.Count(ctx)
		if err != nil {
			log.Error("archive count failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "archive unavailable"})
			return
		}
		if outcomes == nil {
			outcomes = []datatypes.WorkflowOutcome{}
		}
		c.JSON(http.StatusOK, ArchiveResponse{
			Total:      total,
			Persistent: !reader.InMemory(),
			Outcomes:   outcomes,
		})
	}
}
