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
	"errors"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"
)

// Format is a report serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatCSV  Format = "csv"
)

// ErrUnsupportedFormat is returned for formats other than json, html and csv.
var ErrUnsupportedFormat = errors.New("unsupported report format")

// ParseFormat accepts json, html or csv in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatHTML, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "application/json"
	}
}

// ExportReport serializes the current snapshot.
//
// # Description
//
// Takes one Snapshot (cached if fresh) and renders it in format. No extra
// computation happens during rendering.
//
// # Outputs
//
//   - []byte: The rendered report.
//   - error: ErrUnsupportedFormat or a serialization failure.
func (d *Dashboard) ExportReport(ctx context.Context, format Format) ([]byte, error) {
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}
	return Render(d.Snapshot(ctx, false), format)
}

// Render serializes s in format.
func Render(s Snapshot, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(s, "", "  ")
	case FormatCSV:
		return renderCSV(s)
	case FormatHTML:
		return renderHTML(s)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Metric is one scalar row of a report.
type Metric struct {
	Name  string
	Value string
}

// ScalarMetrics flattens the scalar fields of s in a fixed order. CSV and
// HTML both render these rows; nested structures appear only in JSON and
// in the HTML tables.
func ScalarMetrics(s Snapshot) []Metric {
	return []Metric{
		{"generated_at", s.GeneratedAt.UTC().Format(time.RFC3339)},
		{"window", s.Window},
		{"status", string(s.Status)},
		{"active_workflows", strconv.Itoa(s.ActiveWorkflows)},
		{"total_workflows", strconv.Itoa(s.TotalWorkflows)},
		{"succeeded", strconv.Itoa(s.Succeeded)},
		{"failed", strconv.Itoa(s.Failed)},
		{"success_rate", formatFloat(s.SuccessRate)},
		{"mean_duration_seconds", formatFloat(s.MeanDurationSeconds)},
		{"p95_duration_seconds", formatFloat(s.P95DurationSeconds)},
		{"cpu_utilization", formatFloat(s.Utilization.CPU)},
		{"memory_utilization", formatFloat(s.Utilization.Memory)},
		{"disk_utilization", formatFloat(s.Utilization.Disk)},
		{"cpu_allocated", formatFloat(s.Allocated.CPU)},
		{"memory_allocated", formatFloat(s.Allocated.Memory)},
		{"disk_allocated", formatFloat(s.Allocated.Disk)},
		{"scaling_action", string(s.Scaling.Action)},
		{"scaling_urgency", string(s.Scaling.Urgency)},
		{"bottleneck_count", strconv.Itoa(len(s.Bottlenecks))},
		{"high_impact_bottlenecks", strconv.Itoa(s.HighImpactBottlenecks())},
		{"recommendation_count", strconv.Itoa(len(s.Recommendations))},
		{"alert_count", strconv.Itoa(len(s.Alerts))},
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func renderCSV(s Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"Metric", "Value"}); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, m := range ScalarMetrics(s) {
		if err := w.Write([]string{m.Name, m.Value}); err != nil {
			return nil, fmt.Errorf("write csv row %s: %w", m.Name, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

var statusColors = map[Status]string{
	StatusHealthy:  "#2e7d32",
	StatusWarning:  "#f9a825",
	StatusCritical: "#c62828",
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"color":  func(s Status) string { return statusColors[s] },
	"number": formatFloat,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Quill workflow report</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 1.5em; }
td, th { border: 1px solid #ccc; padding: 4px 10px; text-align: left; }
.status { color: #fff; padding: 4px 12px; border-radius: 4px; background: {{color .Snapshot.Status}}; }
</style>
</head>
<body>
<h1>Workflow report <span class="status">{{.Snapshot.Status}}</span></h1>
<h2>Summary</h2>
<table>
<tr><th>Metric</th><th>Value</th></tr>
{{- range .Metrics}}
<tr><td>{{.Name}}</td><td>{{.Value}}</td></tr>
{{- end}}
</table>
{{- if .Snapshot.Alerts}}
<h2>Alerts</h2>
<table>
<tr><th>Level</th><th>Component</th><th>Message</th></tr>
{{- range .Snapshot.Alerts}}
<tr><td style="color: {{color .Level}}">{{.Level}}</td><td>{{.Component}}</td><td>{{.Message}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .Snapshot.Bottlenecks}}
<h2>Bottlenecks</h2>
<table>
<tr><th>Category</th><th>Component</th><th>Impact</th><th>Severity</th><th>Description</th></tr>
{{- range .Snapshot.Bottlenecks}}
<tr><td>{{.Category}}</td><td>{{.Component}}</td><td>{{.Impact}}</td><td>{{number .Severity}}</td><td>{{.Description}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .Snapshot.Recommendations}}
<h2>Recommendations</h2>
<table>
<tr><th>Type</th><th>Target</th><th>Effort</th><th>Actions</th></tr>
{{- range .Snapshot.Recommendations}}
<tr><td>{{.Type}}</td><td>{{.Target}}</td><td>{{.Effort}}</td><td>{{range $i, $a := .Actions}}{{if $i}}; {{end}}{{$a}}{{end}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .Snapshot.Steps}}
<h2>Steps</h2>
<table>
<tr><th>Step</th><th>Count</th><th>Success rate</th><th>Mean (s)</th><th>p95 (s)</th></tr>
{{- range .Snapshot.Steps}}
<tr><td>{{.Name}}</td><td>{{.Count}}</td><td>{{number .SuccessRate}}</td><td>{{number .MeanSeconds}}</td><td>{{number .P95Seconds}}</td></tr>
{{- end}}
</table>
{{- end}}
</body>
</html>
`))

func renderHTML(s Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	data := struct {
		Snapshot Snapshot
		Metrics  []Metric
	}{s, ScalarMetrics(s)}
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render html report: %w", err)
	}
	return buf.Bytes(), nil
}
