// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
)

func thresholdsConfig(critical float64) string {
	return fmt.Sprintf("dashboard:\n  thresholds:\n    critical_utilization: %v\n", critical)
}

// rewriteUntil keeps rewriting path with body until cond holds. The first
// writes may land before the watcher is registered.
func rewriteUntil(t *testing.T, path, body string, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			return false
		}
		return cond()
	}, 5*time.Second, 100*time.Millisecond)
}

func TestWatchConfig_AppliesValidChanges(t *testing.T) {
	path := writeConfig(t, thresholdsConfig(0.95))
	got := make(chan Config, 64)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watchConfig(ctx, path, 20*time.Millisecond, logging.Discard(), func(c Config) { got <- c })
	}()

	var last Config
	rewriteUntil(t, path, thresholdsConfig(0.9), func() bool {
		for {
			select {
			case c := <-got:
				last = c
				if c.Dashboard.Thresholds.CriticalUtilization == 0.9 {
					return true
				}
			default:
				return false
			}
		}
	})
	assert.Equal(t, 0.9, last.Dashboard.Thresholds.CriticalUtilization)

	// Let trailing reloads of the valid file settle, then drain them.
	time.Sleep(200 * time.Millisecond)
	for len(got) > 0 {
		<-got
	}

	require.NoError(t, os.WriteFile(path, []byte("port: [\n"), 0o600))
	assert.Never(t, func() bool { return len(got) > 0 }, 300*time.Millisecond, 20*time.Millisecond,
		"an invalid file must not be applied")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watchConfig did not stop")
	}
}

func TestWatchConfig_IgnoresSiblingFiles(t *testing.T) {
	path := writeConfig(t, thresholdsConfig(0.95))
	sibling := filepath.Join(filepath.Dir(path), "other.yaml")
	got := make(chan Config, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = watchConfig(ctx, path, 20*time.Millisecond, logging.Discard(), func(c Config) { got <- c })
	}()

	// Wait for the watch to be live using the real file, then drain.
	rewriteUntil(t, path, thresholdsConfig(0.95), func() bool { return len(got) > 0 })
	time.Sleep(200 * time.Millisecond)
	for len(got) > 0 {
		<-got
	}

	require.NoError(t, os.WriteFile(sibling, []byte(thresholdsConfig(0.5)), 0o600))
	assert.Never(t, func() bool { return len(got) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestWatchConfig_MissingDirectory(t *testing.T) {
	err := watchConfig(context.Background(), filepath.Join(t.TempDir(), "gone", "quill.yaml"),
		time.Millisecond, logging.Discard(), func(Config) {})
	assert.Error(t, err)
}

func TestService_RunReloadsThresholds(t *testing.T) {
	path := writeConfig(t, thresholdsConfig(0.95))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.GinMode = "test"
	cfg.Port = freePort(t)
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "prometheus"

	opts := testOptions()
	opts.ConfigPath = path
	svc, err := New(cfg, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	rewriteUntil(t, path, thresholdsConfig(0.9), func() bool {
		return svc.Dashboard().Thresholds().CriticalUtilization == 0.9
	})

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
