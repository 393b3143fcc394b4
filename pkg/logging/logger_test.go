// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(-1), slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := tt.level.toSlogLevel(); got != tt.want {
			t.Errorf("Level(%d).toSlogLevel() = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_WithLogDir(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{LogDir: tmpDir, Service: "test", Quiet: true})
	defer logger.Close()

	if logger.file == nil {
		t.Fatal("logger.file is nil when LogDir specified")
	}

	files, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	if len(files) != 1 || !strings.HasPrefix(files[0].Name(), "test_") {
		t.Errorf("expected one test_ log file, got %v", files)
	}
}

func TestNew_WithLogDir_NoService(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{LogDir: tmpDir, Quiet: true})
	defer logger.Close()

	files, _ := os.ReadDir(tmpDir)
	if len(files) != 1 || !strings.HasPrefix(files[0].Name(), "quill_") {
		t.Errorf("expected one quill_ log file, got %v", files)
	}
}

func TestNew_WriterOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Service: "svc"})
	defer logger.Close()

	logger.Info("admitted", "handle", "h1")

	out := buf.String()
	for _, want := range []string{"admitted", "handle=h1", "service=svc"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestNew_LevelFiltersConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: LevelWarn})
	defer logger.Close()

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message should be written")
	}
}

// =============================================================================
// Sink Tests
// =============================================================================

func TestLogger_SinkReceivesComponentEvents(t *testing.T) {
	sink := NewBufferedSink()
	logger := New(Config{Quiet: true, Service: "quill", Sink: sink})

	logger.Component("resources").Warn("sampler unavailable", "error", errors.New("boom"), "cpu", 0.4)
	logger.Sync()

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Component != "resources" {
		t.Errorf("Component = %q, want resources", e.Component)
	}
	if e.Level != LevelWarn {
		t.Errorf("Level = %v, want WARN", e.Level)
	}
	if e.Service != "quill" {
		t.Errorf("Service = %q, want quill", e.Service)
	}
	if e.Attrs["error"] != "boom" {
		t.Errorf("error attr = %v, want boom", e.Attrs["error"])
	}
	if e.Attrs["cpu"] != 0.4 {
		t.Errorf("cpu attr = %v, want 0.4", e.Attrs["cpu"])
	}
	if _, ok := e.Attrs["component"]; ok {
		t.Error("component should not be duplicated in attrs")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestLogger_SinkRespectsLevel(t *testing.T) {
	sink := NewBufferedSink()
	logger := New(Config{Quiet: true, Level: LevelWarn, Sink: sink})
	defer logger.Close()

	logger.Debug("d")
	logger.Info("i")
	logger.Error("e")
	logger.Sync()

	events := sink.Events()
	if len(events) != 1 || events[0].Message != "e" {
		t.Errorf("expected only the error event, got %+v", events)
	}
}

func TestLogger_WithInheritsAttrs(t *testing.T) {
	sink := NewBufferedSink()
	logger := New(Config{Quiet: true, Sink: sink})
	defer logger.Close()

	child := logger.Component("workflow").With("handle", "abc")
	child.Info("running")
	logger.Info("root")
	logger.Sync()

	wf := sink.Filter("workflow")
	if len(wf) != 1 || wf[0].Attrs["handle"] != "abc" {
		t.Errorf("workflow events = %+v", wf)
	}
	if root := sink.Filter(""); len(root) != 1 || root[0].Attrs["handle"] != nil {
		t.Errorf("root logger must not see child attrs: %+v", root)
	}
}

type failingSink struct{ NopSink }

func (failingSink) Flush(ctx context.Context) error { return errors.New("flush failed") }

func TestLogger_CloseReportsSinkError(t *testing.T) {
	logger := New(Config{Quiet: true, Sink: failingSink{}})
	err := logger.Close()
	if err == nil || !strings.Contains(err.Error(), "flush sink") {
		t.Errorf("Close() error = %v, want flush sink error", err)
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Sink: NewWriterSink(&buf)})
	logger.Component("dashboard").Info("snapshot refreshed")
	logger.Sync()
	_ = logger.Close()

	if !strings.Contains(buf.String(), "INFO dashboard: snapshot refreshed") {
		t.Errorf("unexpected sink output %q", buf.String())
	}
}

func TestArgsToMap_OddArgs(t *testing.T) {
	got := argsToMap([]any{"a", 1, 2, "b", "dangling"})
	if len(got) != 1 || got["a"] != 1 {
		t.Errorf("argsToMap = %v", got)
	}
}
