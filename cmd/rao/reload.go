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
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/gridrao/services/rao/config"
)

// reloadDebounce groups the events of one save.
const reloadDebounce = 200 * time.Millisecond

// watchConfig reloads the parameters file when it changes.
//
// Description:
//
//	The directory is watched rather than the file, so editors that save
//	by renaming are seen. Events are debounced. A file that fails to load
//	or validate is logged and ignored; the previous parameters stay in
//	effect. Runs already started keep the parameters they started with.
//
// Inputs:
//   - ctx: Stops the watcher when cancelled.
//   - onReload: Called with the new parameters after they are in effect.
//     May be nil.
//
// Outputs:
//   - stop: Stops the watcher. Safe to call more than once.
//   - error: Non-nil if the watcher cannot be created.
func (a *app) watchConfig(ctx context.Context, onReload func(config.Parameters)) (stop func(), err error) {
	path, err := filepath.Abs(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Warn("config watcher error", slog.String("error", err.Error()))
			case <-fire:
				fire = nil
				a.reload(path, onReload)
			}
		}
	}()

	a.logger.Info("watching config", slog.String("path", path))
	return func() {
		cancel()
		<-done
	}, nil
}

// reload loads path and swaps the parameters in.
func (a *app) reload(path string, onReload func(config.Parameters)) {
	params, err := config.Load(path, a.logger)
	if err != nil {
		a.logger.Warn("config reload rejected, keeping previous parameters",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	// the log level flag wins over the file, as at startup
	if a.logLevel != "" {
		params.Observability.LogLevel = a.logLevel
	}
	a.setParams(params)
	if onReload != nil {
		onReload(params)
	}
	a.logger.Info("config reloaded",
		slog.String("path", path),
		slog.String("cost_policy", string(params.CostPolicy)),
		slog.Int("max_depth", params.Search.Budget.MaxDepth))
}
