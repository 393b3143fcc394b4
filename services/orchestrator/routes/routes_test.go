// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianQuill/services/orchestrator/dashboard"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/metricslog"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/resources"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/workflow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubEngine struct{}

func (stubEngine) Submit(datatypes.WorkflowSpec) (datatypes.Handle, error) { return "h-1", nil }
func (stubEngine) Execute(context.Context, datatypes.WorkflowSpec) (datatypes.WorkflowOutcome, error) {
	return datatypes.WorkflowOutcome{Handle: "h-1", State: datatypes.StateCompleted, Success: true}, nil
}
func (stubEngine) Status(_ context.Context, h datatypes.Handle) workflow.Status {
	return workflow.Status{Handle: h, State: datatypes.StateRunning}
}
func (stubEngine) Cancel(datatypes.Handle) datatypes.WorkflowState { return datatypes.StateCancelled }
func (stubEngine) Wait(_ context.Context, h datatypes.Handle) (datatypes.WorkflowOutcome, error) {
	return datatypes.WorkflowOutcome{Handle: h, State: datatypes.StateCompleted, Success: true}, nil
}
func (stubEngine) Advisories() []workflow.Advisory { return nil }
func (stubEngine) Stats() workflow.Stats           { return workflow.Stats{} }

type stubDashboard struct{}

func (stubDashboard) Snapshot(context.Context, bool) dashboard.Snapshot {
	return dashboard.Snapshot{Status: dashboard.StatusHealthy}
}
func (stubDashboard) ExportReport(_ context.Context, f dashboard.Format) ([]byte, error) {
	return []byte(f), nil
}

type stubPerformance struct{}

func (stubPerformance) Summary(window time.Duration) metricslog.PerformanceReport {
	return metricslog.PerformanceReport{Window: window}
}

type stubCapacity struct{}

func (stubCapacity) PredictCapacity(_ context.Context, n int, kind datatypes.WorkflowKind) (resources.CapacityPrediction, error) {
	return resources.CapacityPrediction{Count: n, Kind: kind}, nil
}
func (stubCapacity) SuggestScaling(context.Context) resources.ScalingRecommendation {
	return resources.ScalingRecommendation{Action: resources.Maintain}
}

func newTestRouter(token string) *gin.Engine {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "quill_test_total", Help: "test"}))

	r := gin.New()
	SetupRoutes(r, Dependencies{
		Engine:      stubEngine{},
		Pipeline:    []string{"outline"},
		Dashboard:   stubDashboard{},
		Performance: stubPerformance{},
		Capacity:    stubCapacity{},
		Gatherer:    reg,
		APIToken:    token,
	})
	return r
}

func TestSetupRoutes_Registered(t *testing.T) {
	r := newTestRouter("")
	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/v1/workflows", http.StatusAccepted},
		{http.MethodPost, "/v1/workflows/execute", http.StatusOK},
		{http.MethodGet, "/v1/workflows/h-1", http.StatusOK},
		// No upgrade headers, so the websocket handshake is refused.
		{http.MethodGet, "/v1/workflows/h-1/watch", http.StatusBadRequest},
		{http.MethodDelete, "/v1/workflows/h-1", http.StatusAccepted},
		{http.MethodGet, "/v1/advisories", http.StatusOK},
		{http.MethodGet, "/v1/dashboard", http.StatusOK},
		{http.MethodGet, "/v1/reports/csv", http.StatusOK},
		{http.MethodGet, "/v1/performance", http.StatusOK},
		{http.MethodGet, "/v1/capacity?count=2", http.StatusOK},
		{http.MethodGet, "/v1/scaling", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestSetupRoutes_MetricsUsesGatherer(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter("").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "quill_test_total")
}

func TestSetupRoutes_TokenGuardsMutations(t *testing.T) {
	r := newTestRouter("s3cret")

	send := func(method, path, auth string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(http.MethodPost, "/v1/workflows", ""))
	assert.Equal(t, http.StatusUnauthorized, send(http.MethodDelete, "/v1/workflows/h-1", "Bearer wrong"))
	assert.Equal(t, http.StatusAccepted, send(http.MethodPost, "/v1/workflows", "Bearer s3cret"))

	// Reads stay open.
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/v1/workflows/h-1", ""))
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/v1/dashboard", ""))
}

type stubArchive struct{}

func (stubArchive) Recent(context.Context, time.Time, int) ([]datatypes.WorkflowOutcome, error) {
	return []datatypes.WorkflowOutcome{{Handle: "h-0", State: datatypes.StateCompleted}}, nil
}
func (stubArchive) Count(context.Context) (int, error) { return 1, nil }
func (stubArchive) InMemory() bool                     { return true }

func TestSetupRoutes_ArchiveOptional(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter("").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/archive", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	r := gin.New()
	SetupRoutes(r, Dependencies{
		Engine:      stubEngine{},
		Dashboard:   stubDashboard{},
		Performance: stubPerformance{},
		Capacity:    stubCapacity{},
		Archive:     stubArchive{},
	})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/archive", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"h-0"`)
}
