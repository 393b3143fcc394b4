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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/dashboard"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/resources"
)

// flags shared by every subcommand.
type rootFlags struct {
	configPath string
	verbose    bool
}

// newRootCmd builds the command tree. Each call returns a fresh tree so
// tests can execute commands independently.
func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "quill",
		Short: "Orchestrate essay-generation workflows",
		Long: `Quill runs essay-generation pipelines under resource admission control,
revises drafts until they reach a target score, and reports on throughput,
bottlenecks and capacity.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("QUILL_CONFIG"), "path to the YAML config file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log to stderr at debug level")

	root.AddCommand(
		newServeCmd(flags),
		newRunCmd(flags),
		newReportCmd(flags),
		newCapacityCmd(flags),
	)
	return root
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := orchestrator.LoadConfig(flags.configPath)
			if err != nil {
				return err
			}
			svc, err := orchestrator.New(cfg, &orchestrator.Options{ConfigPath: flags.configPath})
			if err != nil {
				return err
			}
			return svc.Run(cmd.Context())
		},
	}
}

// =============================================================================
// run
// =============================================================================

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		prompt   string
		kind     string
		priority string
		revise   bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one workflow and print its outcome as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cliConfig(flags)
			if err != nil {
				return err
			}
			svc, err := orchestrator.New(cfg, cliOptions(flags, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer svc.Close()

			spec := datatypes.WorkflowSpec{
				Kind:     datatypes.WorkflowKind(kind),
				Priority: datatypes.Priority(priority),
				Input:    map[string]any{"prompt": prompt},
				Timeout:  timeout,
				Revise:   revise,
			}
			out, err := svc.Engine().Execute(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !out.Success {
				return fmt.Errorf("workflow %s %s: %s", out.Handle, out.State, out.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "essay question")
	cmd.Flags().StringVarP(&kind, "kind", "k", string(datatypes.KindGeneric), "workflow kind: generic, batch or analysis")
	cmd.Flags().StringVar(&priority, "priority", string(datatypes.PriorityNormal), "priority: low, normal or high")
	cmd.Flags().BoolVarP(&revise, "revise", "r", false, "run the evaluate/revise loop after drafting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall timeout (default from config)")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

// =============================================================================
// report
// =============================================================================

func newReportCmd(flags *rootFlags) *cobra.Command {
	var (
		format     string
		metricsDir string
		window     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Replay persisted metrics and print a dashboard report",
		Long: `Replay persisted metrics and print a dashboard report. On a terminal the
report is a styled summary unless --format is given; otherwise it is written
in the requested format (json by default).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := dashboard.ParseFormat(format)
			if err != nil {
				return err
			}
			cfg, err := cliConfig(flags)
			if err != nil {
				return err
			}
			if metricsDir != "" {
				cfg.Metrics.Dir = metricsDir
			}
			if cfg.Metrics.Dir == "" {
				return fmt.Errorf("a metrics directory is required (--metrics-dir or metrics.dir)")
			}
			if window > 0 {
				cfg.Dashboard.Window = window
				cfg.Metrics.ReplayWindow = window
			}

			svc, err := orchestrator.New(cfg, cliOptions(flags, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer svc.Close()

			if !cmd.Flags().Changed("format") && terminal(cmd.OutOrStdout()) {
				_, err = io.WriteString(cmd.OutOrStdout(), renderSnapshot(svc.Dashboard().Snapshot(cmd.Context(), true)))
				return err
			}
			body, err := svc.Dashboard().ExportReport(cmd.Context(), f)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", string(dashboard.FormatJSON), "report format: json, html or csv")
	cmd.Flags().StringVar(&metricsDir, "metrics-dir", "", "directory holding the JSONL metrics partitions")
	cmd.Flags().DurationVar(&window, "window", 0, "trailing window to report (default from config)")
	return cmd
}

// =============================================================================
// capacity
// =============================================================================

func newCapacityCmd(flags *rootFlags) *cobra.Command {
	var (
		count int
		kind  string
	)
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Predict whether this host can take more workflows",
		Long:  "Predict whether this host can take more workflows. Prints a styled summary on a terminal and JSON otherwise.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cliConfig(flags)
			if err != nil {
				return err
			}
			mgr, err := resources.NewManager(resources.Config{
				Limits:       cfg.Resources.Limits,
				Requirements: cfg.Resources.Requirements,
				Sampler:      resources.NewHostSampler(cfg.Resources.DiskPath),
				Logger:       cliLogger(flags, cmd.ErrOrStderr()),
			})
			if err != nil {
				return err
			}
			pred, err := mgr.PredictCapacity(cmd.Context(), count, datatypes.WorkflowKind(kind))
			if err != nil {
				return err
			}
			scaling := mgr.SuggestScaling(cmd.Context())
			if terminal(cmd.OutOrStdout()) {
				_, err = io.WriteString(cmd.OutOrStdout(), renderCapacity(pred, scaling))
				return err
			}
			return writeJSON(cmd.OutOrStdout(), struct {
				Prediction resources.CapacityPrediction    `json:"prediction"`
				Scaling    resources.ScalingRecommendation `json:"scaling"`
			}{pred, scaling})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of workflows to place")
	cmd.Flags().StringVarP(&kind, "kind", "k", string(datatypes.KindGeneric), "workflow kind: generic, batch or analysis")
	return cmd
}

// =============================================================================
// Helpers
// =============================================================================

// cliConfig loads the config for one-shot commands. Telemetry exporters
// are turned off so a CLI run never dials a collector.
func cliConfig(flags *rootFlags) (orchestrator.Config, error) {
	cfg, err := orchestrator.LoadConfig(flags.configPath)
	if err != nil {
		return cfg, err
	}
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	return cfg, nil
}

// cliLogger writes text to a terminal and JSON when stderr is redirected
// to a file or pipe.
func cliLogger(flags *rootFlags, stderr io.Writer) *logging.Logger {
	level := logging.LevelWarn
	if flags.verbose {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{
		Level:   level,
		Service: "quill",
		Writer:  stderr,
		JSON:    redirected(stderr),
	})
}

func redirected(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func cliOptions(flags *rootFlags, stderr io.Writer) *orchestrator.Options {
	return &orchestrator.Options{
		Logger:   cliLogger(flags, stderr),
		Registry: prometheus.NewRegistry(),
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
