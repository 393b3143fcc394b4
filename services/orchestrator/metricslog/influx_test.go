// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metricslog

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

// fakeInflux records the line protocol bodies posted to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	bodies []string
	query  []string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v2/write" {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	f.query = append(f.query, r.URL.RawQuery)
	status := f.status
	f.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	if status >= 300 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":"internal error","message":"bucket unavailable"}`))
		return
	}
	w.WriteHeader(status)
}

func (f *fakeInflux) Bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func newInflux(t *testing.T, fake *fakeInflux) *InfluxExporter {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	exp, err := NewInfluxExporter(InfluxConfig{URL: srv.URL, Token: "tok", Org: "quill", Bucket: "workflows"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = exp.Close() })
	return exp
}

func sampleExecution() Execution {
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return Execution{WorkflowOutcome: datatypes.WorkflowOutcome{
		Handle:      "h-1",
		Kind:        datatypes.KindBatch,
		Priority:    datatypes.PriorityHigh,
		State:       datatypes.StateCompleted,
		Success:     true,
		CompletedAt: at,
		Duration:    1500 * time.Millisecond,
		Allocation:  datatypes.ResourceRequest{CPU: 0.2, Memory: 0.1, Disk: 0.05},
		Steps: []datatypes.StepSample{
			{Name: "outline", Duration: 200 * time.Millisecond, Success: true, Timestamp: at.Add(-time.Second)},
			{Name: "draft", Duration: 900 * time.Millisecond, Success: true},
		},
		Revision: &datatypes.RevisionSummary{Attempts: 2, FinalScore: 8.5, TargetReached: true},
	}}
}

func TestNewInfluxExporter_Validation(t *testing.T) {
	_, err := NewInfluxExporter(InfluxConfig{})
	assert.Error(t, err)

	_, err = NewInfluxExporter(InfluxConfig{URL: "http://localhost:8086", Org: "quill"})
	assert.Error(t, err)
}

func TestInfluxConfig_Enabled(t *testing.T) {
	assert.False(t, InfluxConfig{}.Enabled())
	assert.True(t, InfluxConfig{URL: "http://localhost:8086"}.Enabled())
}

func TestInfluxExporter_WritesExecutionAndSteps(t *testing.T) {
	fake := &fakeInflux{}
	exp := newInflux(t, fake)

	require.NoError(t, exp.Export(context.Background(), sampleExecution()))

	bodies := fake.Bodies()
	require.Len(t, bodies, 1)
	body := bodies[0]
	assert.Contains(t, body, "workflow_executions,kind=batch,priority=high,state=completed")
	assert.Contains(t, body, "success=true")
	assert.Contains(t, body, "duration_ms=1500i")
	assert.Contains(t, body, "revision_attempts=2i")
	assert.Contains(t, body, "workflow_steps,kind=batch,step=outline")
	assert.Contains(t, body, "workflow_steps,kind=batch,step=draft")
	assert.Contains(t, fake.query[0], "bucket=workflows")
	assert.Contains(t, fake.query[0], "org=quill")
}

func TestInfluxExporter_ServerError(t *testing.T) {
	exp := newInflux(t, &fakeInflux{status: http.StatusInternalServerError})
	err := exp.Export(context.Background(), sampleExecution())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "h-1")
}

func TestLog_ExportsCompletedExecutions(t *testing.T) {
	fake := &fakeInflux{}
	exp := newInflux(t, fake)
	clock := newFakeClock()
	l := New(Config{Now: clock.Now, Exporters: []Exporter{exp}})

	runWorkflow(l, clock, "h-1", time.Second, true)
	runWorkflow(l, clock, "h-2", time.Second, false)

	bodies := fake.Bodies()
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], "success=true")
	assert.Contains(t, bodies[1], "state=failed")
	assert.NoError(t, l.Close())
}

func TestLog_ExportFailureKeepsMemoryState(t *testing.T) {
	exp := newInflux(t, &fakeInflux{status: http.StatusServiceUnavailable})
	clock := newFakeClock()
	l := New(Config{Now: clock.Now, Exporters: []Exporter{exp}})

	runWorkflow(l, clock, "h-1", time.Second, true)
	assert.Len(t, l.Completed(0), 1)
}
