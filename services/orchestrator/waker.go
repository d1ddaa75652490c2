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
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrWakerRunning is returned by Start on a running waker.
var ErrWakerRunning = errors.New("snooze waker is already running")

// SnoozeStore is the part of *queue.Store the waker needs.
type SnoozeStore interface {
	WakeExpiredSnoozes() (int, error)
}

// SnoozeWaker periodically clears expired snoozes.
//
// # Description
//
// Runs one pass immediately on Start, then every interval until Stop is
// called or ctx ends. Failed passes are logged and retried on the next
// tick.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use.
type SnoozeWaker struct {
	store    SnoozeStore
	interval time.Duration
	logger   *slog.Logger
	onWake   func(n int)

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewSnoozeWaker creates a waker. Intervals <= 0 default to one minute.
func NewSnoozeWaker(store SnoozeStore, interval time.Duration, logger *slog.Logger) *SnoozeWaker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SnoozeWaker{store: store, interval: interval, logger: logger}
}

// OnWake registers fn to receive the count of every pass that woke at
// least one item. Call before Start.
func (w *SnoozeWaker) OnWake(fn func(n int)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onWake = fn
}

// Start launches the wake loop.
func (w *SnoozeWaker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWakerRunning
	}
	w.running = true
	w.done = make(chan struct{})
	w.stopped = make(chan struct{})

	w.logger.Info("snooze waker starting", slog.Duration("interval", w.interval))
	go w.runLoop(ctx, w.done, w.stopped)
	return nil
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (w *SnoozeWaker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.done)
	stopped := w.stopped
	w.mu.Unlock()

	<-stopped
}

// RunNow performs one pass and returns the number of items woken.
func (w *SnoozeWaker) RunNow() (int, error) {
	return w.store.WakeExpiredSnoozes()
}

func (w *SnoozeWaker) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)
	defer w.release(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.wake()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("snooze waker stopped (context cancelled)")
			return
		case <-done:
			w.logger.Info("snooze waker stopped")
			return
		case <-ticker.C:
			w.wake()
		}
	}
}

// release clears running when the loop that owns done exits on its own,
// so a cancelled waker can be started again.
func (w *SnoozeWaker) release(done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == done {
		w.running = false
	}
}

func (w *SnoozeWaker) wake() {
	n, err := w.RunNow()
	if err != nil {
		w.logger.Error("snooze wake pass failed", slog.String("error", err.Error()))
		return
	}
	if n == 0 {
		return
	}
	w.logger.Info("woke snoozed items", slog.Int("count", n))
	w.mu.Lock()
	fn := w.onWake
	w.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}
