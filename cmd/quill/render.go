// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianQuill/services/orchestrator/dashboard"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/resources"
)

// Terminal palette, deep ocean teals.
var (
	colorTealBright  = lipgloss.Color("#2CD7C7")
	colorTealPrimary = lipgloss.Color("#20B9B4")
	colorTealDeep    = lipgloss.Color("#16858E")
	colorSlate       = lipgloss.Color("#2C4A54")
	colorWarning     = lipgloss.Color("#F4D03F")
	colorError       = lipgloss.Color("#E74C3C")
)

var styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Label    lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Box      lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(colorTealBright),
	Subtitle: lipgloss.NewStyle().Foreground(colorTealPrimary),
	Label:    lipgloss.NewStyle().Bold(true).Width(14),
	Muted:    lipgloss.NewStyle().Foreground(colorSlate),
	Success:  lipgloss.NewStyle().Foreground(colorTealBright),
	Warning:  lipgloss.NewStyle().Foreground(colorWarning),
	Error:    lipgloss.NewStyle().Foreground(colorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorTealDeep).
		Padding(0, 1),
}

// terminal reports whether w is an interactive terminal.
func terminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func statusStyle(s dashboard.Status) lipgloss.Style {
	switch s {
	case dashboard.StatusCritical:
		return styles.Error
	case dashboard.StatusWarning:
		return styles.Warning
	default:
		return styles.Success
	}
}

func row(label, value string) string {
	return styles.Label.Render(label) + value
}

// renderSnapshot formats a dashboard snapshot for a terminal.
func renderSnapshot(s dashboard.Snapshot) string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("Quill report"))
	b.WriteString(styles.Muted.Render(fmt.Sprintf("  window %s, generated %s",
		s.Window, s.GeneratedAt.Format("2006-01-02 15:04:05"))))
	b.WriteString("\n")

	summary := []string{
		row("Status", statusStyle(s.Status).Render(string(s.Status))),
		row("Workflows", fmt.Sprintf("%d total, %d succeeded, %d failed, %d active",
			s.TotalWorkflows, s.Succeeded, s.Failed, s.ActiveWorkflows)),
		row("Success rate", fmt.Sprintf("%.1f%%", s.SuccessRate*100)),
		row("Duration", fmt.Sprintf("mean %.2fs, p95 %.2fs", s.MeanDurationSeconds, s.P95DurationSeconds)),
		row("Utilization", fmt.Sprintf("cpu %.0f%%, memory %.0f%%, disk %.0f%%",
			s.Utilization.CPU*100, s.Utilization.Memory*100, s.Utilization.Disk*100)),
		row("Scaling", fmt.Sprintf("%s (%s)", s.Scaling.Action, s.Scaling.Urgency)),
	}
	b.WriteString(styles.Box.Render(strings.Join(summary, "\n")))
	b.WriteString("\n")

	if len(s.Bottlenecks) > 0 {
		b.WriteString(styles.Subtitle.Render("Bottlenecks"))
		b.WriteString("\n")
		for _, bn := range s.Bottlenecks {
			fmt.Fprintf(&b, "  %s %s %s\n",
				styles.Warning.Render(fmt.Sprintf("[%s %.1f]", bn.Impact, bn.Severity)),
				styles.Label.UnsetWidth().Render(bn.Component),
				bn.Description)
		}
	}
	if len(s.Recommendations) > 0 {
		b.WriteString(styles.Subtitle.Render("Recommendations"))
		b.WriteString("\n")
		for _, r := range s.Recommendations {
			fmt.Fprintf(&b, "  %d. %s %s\n", r.Priority, r.Description,
				styles.Muted.Render(fmt.Sprintf("(%s effort, ~%.0f%%)", r.Effort, r.ExpectedImprovement*100)))
		}
	}
	if len(s.Alerts) > 0 {
		b.WriteString(styles.Subtitle.Render("Alerts"))
		b.WriteString("\n")
		for _, a := range s.Alerts {
			fmt.Fprintf(&b, "  %s %s\n", styles.Error.Render("!"), a.Message)
		}
	}
	return b.String()
}

// renderCapacity formats a capacity prediction and scaling advice for a
// terminal.
func renderCapacity(p resources.CapacityPrediction, scaling resources.ScalingRecommendation) string {
	verdict := styles.Success.Render("fits")
	if !p.CanAccommodate {
		verdict = styles.Error.Render("does not fit")
		if p.BottleneckResource != "" {
			verdict += styles.Muted.Render(fmt.Sprintf(" (limited by %s)", p.BottleneckResource))
		}
	}
	lines := []string{
		row("Request", fmt.Sprintf("%d x %s", p.Count, p.Kind)),
		row("Verdict", verdict),
		row("Needs", fmt.Sprintf("cpu %.2f, memory %.2f, disk %.2f",
			p.Requirements.CPU, p.Requirements.Memory, p.Requirements.Disk)),
		row("Available", fmt.Sprintf("cpu %.2f, memory %.2f, disk %.2f",
			p.Available.CPU, p.Available.Memory, p.Available.Disk)),
		row("Max count", fmt.Sprintf("%d", p.MaxCount)),
		row("Scaling", fmt.Sprintf("%s (%s)", scaling.Action, scaling.Urgency)),
	}
	if scaling.Reason != "" {
		lines = append(lines, row("", styles.Muted.Render(scaling.Reason)))
	}
	return styles.Title.Render("Quill capacity") + "\n" + styles.Box.Render(strings.Join(lines, "\n")) + "\n"
}
