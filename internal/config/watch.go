// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/logging"
)

// WatchDebounce coalesces the bursts of events editors produce on save.
const WatchDebounce = 200 * time.Millisecond

// Watch reloads the config file at path whenever it changes and passes each
// valid result to onChange. Edits that fail to load or validate are logged
// and skipped. Watch blocks until ctx ends.
//
// The parent directory is watched rather than the file so that editors and
// AtomicWriteFile, which replace the file by rename, keep being observed.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Config)) error {
	logger = logging.OrNop(logger)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fire = time.After(WatchDebounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			cfg, err := LoadFromPath(target)
			if err != nil {
				logger.Warn("ignoring invalid config change", zap.String("path", target), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("path", target))
			onChange(cfg)
		}
	}
}
