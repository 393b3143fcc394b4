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
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
)

// configDebounce lets editors finish their write/rename sequence.
const configDebounce = 250 * time.Millisecond

// watchConfig reloads path whenever it changes and passes each valid
// config to apply.
//
// # Description
//
// The parent directory is watched rather than the file so that editors
// which save through a temporary file and a rename are still seen. Bursts
// of events are collapsed into one reload after debounce. A file that no
// longer loads or validates is logged and skipped; the last good config
// stays in effect.
//
// # Inputs
//
//   - ctx: Watching stops when ctx is done.
//   - path: Config file to watch.
//   - debounce: Quiet period before a reload.
//   - logger: Receives reload results.
//   - apply: Called on the watching goroutine with each reloaded config.
//
// # Outputs
//
//   - error: Non-nil only when the watch could not be established.
func watchConfig(ctx context.Context, path string, debounce time.Duration, logger *logging.Logger, apply func(Config)) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %q: %w", filepath.Dir(target), err)
	}
	logger.Info("watching config for changes", "path", target)

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			fire = time.After(debounce)

		case <-fire:
			fire = nil
			cfg, err := LoadConfig(target)
			if err != nil {
				logger.Warn("config reload rejected", "path", target, "error", err)
				continue
			}
			apply(cfg)
			logger.Info("config reloaded", "path", target)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "path", target, "error", err)
		}
	}
}

// applyReload applies the hot-reloadable subset of cfg. Everything else
// takes effect on restart.
func (s *service) applyReload(cfg Config) {
	s.dashboard.SetThresholds(cfg.Dashboard.Thresholds)
}
