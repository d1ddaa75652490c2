// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeOp is the kind of change seen on an item file.
type ChangeOp string

const (
	ChangeWritten ChangeOp = "written"
	ChangeRemoved ChangeOp = "removed"
)

// ChangeEvent reports that an item document changed on disk.
type ChangeEvent struct {
	ID string   `json:"id"`
	Op ChangeOp `json:"op"`
}

// Watch reports changes to item files in a FileBackend directory.
//
// # Description
//
// Blocks until ctx is cancelled, calling fn for every create, write,
// rename-away or removal of an <id>.json file. Temp files, hidden files and
// the processed sidecar are ignored. Because items are written by rename,
// an update usually arrives as a create of the target name.
//
// fn runs on the watcher goroutine and should return quickly.
//
// # Inputs
//
//   - ctx: Cancels the watch.
//   - dir: The queue directory.
//   - logger: Receives watcher errors. Nil discards them.
//   - fn: Change callback.
//
// # Outputs
//
//   - error: Non-nil if the watcher cannot be created; nil on cancellation.
//
// # Example
//
//	go queue.Watch(ctx, backend.Dir(), logger, func(ev queue.ChangeEvent) {
//	    refresh(ev.ID)
//	})
func Watch(ctx context.Context, dir string, logger *slog.Logger, fn func(ChangeEvent)) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create queue watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch queue directory %s: %w", dir, err)
	}
	logger.Debug("watching queue directory", slog.String("dir", dir))

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev, ok := changeFromEvent(event); ok {
				fn(ev)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("queue watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			return nil
		}
	}
}

// changeFromEvent maps an fsnotify event to a ChangeEvent. Chmod-only
// events and non-item files are dropped.
func changeFromEvent(event fsnotify.Event) (ChangeEvent, bool) {
	id, ok := itemIDFromName(filepath.Base(event.Name))
	if !ok {
		return ChangeEvent{}, false
	}
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return ChangeEvent{ID: id, Op: ChangeRemoved}, true
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return ChangeEvent{ID: id, Op: ChangeWritten}, true
	}
	return ChangeEvent{}, false
}
