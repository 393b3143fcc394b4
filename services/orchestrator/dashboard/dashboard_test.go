// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dashboard

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/services/orchestrator/bottleneck"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/metricslog"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/resources"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeMetrics struct {
	report metricslog.PerformanceReport
	calls  atomic.Int32
}

func (f *fakeMetrics) Summary(window time.Duration) metricslog.PerformanceReport {
	f.calls.Add(1)
	return f.report
}

type fakeResources struct {
	mu    sync.Mutex
	util  resources.Utilization
	alloc datatypes.ResourceRequest
}

func (f *fakeResources) CurrentUtilization(ctx context.Context) resources.Utilization {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.util
}

func (f *fakeResources) Allocated() datatypes.ResourceRequest { return f.alloc }

func (f *fakeResources) SuggestScaling(ctx context.Context) resources.ScalingRecommendation {
	return resources.ScalingRecommendation{Action: resources.Maintain, Urgency: resources.UrgencyLow}
}

func (f *fakeResources) set(u resources.Utilization) {
	f.mu.Lock()
	f.util = u
	f.mu.Unlock()
}

type fakeDetector struct {
	findings  []bottleneck.Bottleneck
	analyzes  atomic.Int32
	refreshes atomic.Int32
}

func (f *fakeDetector) Analyze(window time.Duration) []bottleneck.Bottleneck {
	f.analyzes.Add(1)
	return append([]bottleneck.Bottleneck(nil), f.findings...)
}

func (f *fakeDetector) Refresh(window time.Duration) []bottleneck.Bottleneck {
	f.refreshes.Add(1)
	return append([]bottleneck.Bottleneck(nil), f.findings...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestDashboard(t *testing.T, m *fakeMetrics, r *fakeResources, b *fakeDetector) (*Dashboard, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	d, err := New(m, r, b, Config{Now: clk.now})
	require.NoError(t, err)
	return d, clk
}

func healthyReport() metricslog.PerformanceReport {
	return metricslog.PerformanceReport{
		Total:        20,
		Succeeded:    19,
		Failed:       1,
		SuccessRate:  0.95,
		MeanDuration: 12 * time.Second,
		P95Duration:  20 * time.Second,
		Steps: []metricslog.StepStats{
			{Name: "draft", Count: 20, SuccessRate: 0.95, Mean: 8 * time.Second, P95: 11 * time.Second},
		},
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresSources(t *testing.T) {
	_, err := New(nil, &fakeResources{}, &fakeDetector{}, Config{})
	assert.Error(t, err)
}

func TestSnapshot_Healthy(t *testing.T) {
	d, _ := newTestDashboard(t,
		&fakeMetrics{report: healthyReport()},
		&fakeResources{util: resources.Utilization{CPU: 0.41234567, Memory: 0.5, Disk: 0.2}},
		&fakeDetector{})

	s := d.Snapshot(context.Background(), false)
	assert.Equal(t, StatusHealthy, s.Status)
	assert.Empty(t, s.Alerts)
	assert.Equal(t, 0.4123, s.Utilization.CPU, "rounded to four places")
	assert.Equal(t, 12.0, s.MeanDurationSeconds)
	assert.Equal(t, 20, s.TotalWorkflows)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, 11.0, s.Steps[0].P95Seconds)
	assert.NotNil(t, s.Bottlenecks)
	assert.NotNil(t, s.Recommendations)
}

func TestClassify(t *testing.T) {
	high := bottleneck.Bottleneck{Category: bottleneck.CategorySlowStep, Component: "draft", Severity: 4, Impact: bottleneck.ImpactHigh, Description: "slow"}
	medium := bottleneck.Bottleneck{Category: bottleneck.CategorySlowStep, Component: "outline", Severity: 2, Impact: bottleneck.ImpactMedium}

	tests := []struct {
		name   string
		snap   Snapshot
		want   Status
		alerts int
	}{
		{"healthy", Snapshot{TotalWorkflows: 10, SuccessRate: 1}, StatusHealthy, 0},
		{"no executions ignores success rate", Snapshot{SuccessRate: 0}, StatusHealthy, 0},
		{"cpu warning", Snapshot{Utilization: Utilization{CPU: 0.81}}, StatusWarning, 1},
		{"cpu at limit is fine", Snapshot{Utilization: Utilization{CPU: 0.80}}, StatusHealthy, 0},
		{"memory warning", Snapshot{Utilization: Utilization{Memory: 0.86}}, StatusWarning, 1},
		{"disk warning", Snapshot{Utilization: Utilization{Disk: 0.9}}, StatusWarning, 1},
		{"disk critical", Snapshot{Utilization: Utilization{Disk: 0.96}}, StatusCritical, 1},
		{"success warning", Snapshot{TotalWorkflows: 10, SuccessRate: 0.85}, StatusWarning, 1},
		{"success critical", Snapshot{TotalWorkflows: 10, SuccessRate: 0.7}, StatusCritical, 1},
		{"slow mean", Snapshot{MeanDurationSeconds: 61}, StatusWarning, 1},
		{"high bottleneck", Snapshot{Bottlenecks: []bottleneck.Bottleneck{high, medium}}, StatusWarning, 1},
		{"medium bottleneck only", Snapshot{Bottlenecks: []bottleneck.Bottleneck{medium}}, StatusHealthy, 0},
		{"critical wins", Snapshot{Utilization: Utilization{CPU: 0.99, Memory: 0.9}, MeanDurationSeconds: 90}, StatusCritical, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, alerts := Classify(tt.snap, DefaultThresholds())
			assert.Equal(t, tt.want, got)
			assert.Len(t, alerts, tt.alerts)
		})
	}
}

func TestSnapshot_CachedUntilTTL(t *testing.T) {
	m := &fakeMetrics{report: healthyReport()}
	r := &fakeResources{util: resources.Utilization{CPU: 0.5}}
	d, clk := newTestDashboard(t, m, r, &fakeDetector{})

	first := d.Snapshot(context.Background(), false)
	r.set(resources.Utilization{CPU: 0.99})

	clk.advance(10 * time.Second)
	cached := d.Snapshot(context.Background(), false)
	assert.Equal(t, first.Utilization, cached.Utilization)
	assert.Equal(t, int32(1), m.calls.Load())

	forced := d.Snapshot(context.Background(), true)
	assert.Equal(t, 0.99, forced.Utilization.CPU)
	assert.Equal(t, StatusCritical, forced.Status)
	assert.Equal(t, int32(2), m.calls.Load())

	r.set(resources.Utilization{CPU: 0.1})
	clk.advance(31 * time.Second)
	expired := d.Snapshot(context.Background(), false)
	assert.Equal(t, 0.1, expired.Utilization.CPU)
}

func TestSetThresholds_DropsCache(t *testing.T) {
	d, _ := newTestDashboard(t,
		&fakeMetrics{report: healthyReport()},
		&fakeResources{util: resources.Utilization{CPU: 0.5}},
		&fakeDetector{})

	assert.Equal(t, StatusHealthy, d.Snapshot(context.Background(), false).Status)

	th := DefaultThresholds()
	th.WarningUtilization.CPU = 0.4
	d.SetThresholds(th)
	assert.Equal(t, 0.4, d.Thresholds().WarningUtilization.CPU)
	assert.Equal(t, StatusWarning, d.Snapshot(context.Background(), false).Status)

	d.SetThresholds(Thresholds{})
	assert.Equal(t, DefaultThresholds(), d.Thresholds())
}

func TestSnapshot_CopyIsIndependent(t *testing.T) {
	d, _ := newTestDashboard(t, &fakeMetrics{report: healthyReport()}, &fakeResources{},
		&fakeDetector{findings: []bottleneck.Bottleneck{{Component: "draft", Impact: bottleneck.ImpactLow, Severity: 1}}})

	s := d.Snapshot(context.Background(), false)
	s.Bottlenecks[0].Component = "mutated"
	s.Steps[0].Name = "mutated"

	again := d.Snapshot(context.Background(), false)
	assert.Equal(t, "draft", again.Bottlenecks[0].Component)
	assert.Equal(t, "draft", again.Steps[0].Name)
}

func TestSnapshot_NestedCopyIsIndependent(t *testing.T) {
	d, _ := newTestDashboard(t, &fakeMetrics{report: healthyReport()}, &fakeResources{},
		&fakeDetector{findings: []bottleneck.Bottleneck{{
			Category: bottleneck.CategorySlowStep, Component: "draft", Severity: 2, Impact: bottleneck.ImpactMedium,
			Metrics: map[string]float64{"p95_seconds": 12},
		}}})

	s := d.Snapshot(context.Background(), false)
	require.NotEmpty(t, s.Recommendations)
	require.NotEmpty(t, s.Recommendations[0].Actions)
	action := s.Recommendations[0].Actions[0]

	s.Bottlenecks[0].Metrics["p95_seconds"] = 99
	s.Recommendations[0].Actions[0] = "mutated"

	again := d.Snapshot(context.Background(), false)
	assert.Equal(t, 12.0, again.Bottlenecks[0].Metrics["p95_seconds"])
	assert.Equal(t, action, again.Recommendations[0].Actions[0])
}

func TestSnapshot_ForceRefreshBypassesAnalysisCache(t *testing.T) {
	det := &fakeDetector{}
	d, _ := newTestDashboard(t, &fakeMetrics{report: healthyReport()}, &fakeResources{}, det)

	d.Snapshot(context.Background(), false)
	assert.Equal(t, int32(1), det.analyzes.Load())
	assert.Equal(t, int32(0), det.refreshes.Load())

	d.Snapshot(context.Background(), true)
	assert.Equal(t, int32(1), det.analyzes.Load())
	assert.Equal(t, int32(1), det.refreshes.Load())
}

func TestSnapshot_RecommendationsFromFindings(t *testing.T) {
	d, _ := newTestDashboard(t, &fakeMetrics{report: healthyReport()}, &fakeResources{},
		&fakeDetector{findings: []bottleneck.Bottleneck{{
			Category: bottleneck.CategorySlowStep, Component: "draft", Severity: 4, Impact: bottleneck.ImpactHigh, Description: "Step draft is slow",
		}}})

	s := d.Snapshot(context.Background(), false)
	assert.Equal(t, StatusWarning, s.Status)
	require.NotEmpty(t, s.Recommendations)
	for _, rec := range s.Recommendations {
		assert.Equal(t, "draft", rec.Target)
	}
	require.Len(t, s.Alerts, 1)
	assert.Equal(t, "Step draft is slow", s.Alerts[0].Message)
}

// =============================================================================
// Export
// =============================================================================

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" HTML ")
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, f)

	_, err = ParseFormat("pdf")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExportReport_Unsupported(t *testing.T) {
	d, _ := newTestDashboard(t, &fakeMetrics{}, &fakeResources{}, &fakeDetector{})
	_, err := d.ExportReport(context.Background(), "xml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

// All three formats rendered from one snapshot report the same values.
func TestRender_Consistent(t *testing.T) {
	d, _ := newTestDashboard(t,
		&fakeMetrics{report: healthyReport()},
		&fakeResources{util: resources.Utilization{CPU: 0.83, Memory: 0.4, Disk: 0.1}, alloc: datatypes.ResourceRequest{CPU: 0.2}},
		&fakeDetector{findings: []bottleneck.Bottleneck{{
			Category: bottleneck.CategorySlowStep, Component: "draft", Severity: 3.5, Impact: bottleneck.ImpactHigh, Description: "Step <draft> is slow",
		}}})
	s := d.Snapshot(context.Background(), false)

	jsonOut, err := Render(s, FormatJSON)
	require.NoError(t, err)
	csvOut, err := Render(s, FormatCSV)
	require.NoError(t, err)
	htmlOut, err := Render(s, FormatHTML)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(jsonOut, &decoded))
	assert.Equal(t, s.Status, decoded.Status)
	assert.Equal(t, s.Utilization, decoded.Utilization)
	assert.Equal(t, s.SuccessRate, decoded.SuccessRate)
	assert.Len(t, decoded.Bottlenecks, 1)

	rows, err := csv.NewReader(bytes.NewReader(csvOut)).ReadAll()
	require.NoError(t, err)
	require.Equal(t, []string{"Metric", "Value"}, rows[0])
	values := map[string]string{}
	for _, row := range rows[1:] {
		require.Len(t, row, 2)
		values[row[0]] = row[1]
	}
	assert.Equal(t, "warning", values["status"])
	assert.Equal(t, "0.83", values["cpu_utilization"])
	assert.Equal(t, "0.95", values["success_rate"])
	assert.Equal(t, "12", values["mean_duration_seconds"])
	assert.Equal(t, "1", values["high_impact_bottlenecks"])
	assert.Equal(t, "2", values["alert_count"])

	html := string(htmlOut)
	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
	for _, m := range ScalarMetrics(s) {
		assert.Contains(t, html, "<td>"+m.Name+"</td><td>"+templateEscape(m.Value)+"</td>", m.Name)
	}
	assert.Contains(t, html, "Step &lt;draft&gt; is slow")
	assert.Contains(t, html, statusColors[StatusWarning])
}

// templateEscape mirrors html/template escaping for the characters that can
// appear in scalar values.
func templateEscape(s string) string {
	return strings.NewReplacer("+", "&#43;").Replace(s)
}

func TestExportReport_UsesCachedSnapshot(t *testing.T) {
	m := &fakeMetrics{report: healthyReport()}
	d, _ := newTestDashboard(t, m, &fakeResources{}, &fakeDetector{})

	for _, f := range []Format{FormatJSON, FormatHTML, FormatCSV} {
		out, err := d.ExportReport(context.Background(), f)
		require.NoError(t, err)
		assert.NotEmpty(t, out)
	}
	assert.Equal(t, int32(1), m.calls.Load())
}

// The real components satisfy the source interfaces.
func TestSnapshot_WithComponents(t *testing.T) {
	mlog := metricslog.New(metricslog.Config{})
	mgr, err := resources.NewManager(resources.Config{
		Limits:  resources.DefaultLimits(),
		Sampler: resources.NewStaticSampler(datatypes.ResourceUsage{CPU: 0.2, Memory: 0.3, Disk: 0.1}),
	})
	require.NoError(t, err)
	det := bottleneck.NewDetector(bottleneck.Config{})

	h := datatypes.NewHandle()
	mlog.WorkflowStarted(h, nil)
	now := time.Now()
	mlog.WorkflowEnded(h, datatypes.WorkflowOutcome{
		Handle: h, Success: true, State: datatypes.StateCompleted,
		StartedAt: now.Add(-2 * time.Second), CompletedAt: now, Duration: 2 * time.Second,
	})

	d, err := New(mlog, mgr, det, Config{})
	require.NoError(t, err)
	s := d.Snapshot(context.Background(), true)

	assert.Equal(t, StatusHealthy, s.Status)
	assert.Equal(t, 1, s.TotalWorkflows)
	assert.Equal(t, 1.0, s.SuccessRate)
	assert.Equal(t, 2.0, s.MeanDurationSeconds)
	assert.Equal(t, 0.2, s.Utilization.CPU)
	assert.Equal(t, resources.ScaleDown, s.Scaling.Action)
}
