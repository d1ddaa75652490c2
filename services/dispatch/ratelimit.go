// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"sync"
	"time"
)

// minRateWait keeps a waiting caller from spinning when the oldest entry
// is about to expire.
const minRateWait = time.Millisecond

// RateLimitStatus is a point-in-time view of the rate window.
type RateLimitStatus struct {
	Current int     `json:"current"`
	Max     int     `json:"max"`
	Percent float64 `json:"percent"`
}

// RateLimiter admits at most MaxRequests calls in any trailing window.
//
// # Description
//
// Keeps the timestamps of admitted calls in FIFO order. Every access first
// evicts entries that have aged out of the window, then admits the caller
// only if fewer than MaxRequests remain. Eviction and check-then-append
// happen under one lock, so concurrent callers cannot overshoot.
//
// A call is counted in the window (now-window, now]; an entry exactly one
// window old has expired.
//
// # Thread Safety
//
// Safe for concurrent use. The lock is never held while waiting.
type RateLimiter struct {
	maxRequests int
	window      time.Duration

	mu         sync.Mutex
	timestamps []time.Time

	now func() time.Time
}

// NewRateLimiter creates a limiter admitting maxRequests per window.
//
// # Inputs
//
//   - maxRequests: Admissions per window. Values < 1 are treated as 1.
//   - window: Window length. Values <= 0 default to one minute.
//
// # Outputs
//
//   - *RateLimiter: Ready to use, with an empty window.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		timestamps:  make([]time.Time, 0, maxRequests),
		now:         time.Now,
	}
}

// Acquire waits for a slot in the window.
//
// # Description
//
// Returns true once the call has been admitted and recorded. When the
// window is full it sleeps until the oldest entry expires (never past the
// remaining timeout) and tries again. Returns false when timeout elapses
// or ctx ends first; in that case nothing was recorded.
//
// # Inputs
//
//   - ctx: Cancels the wait.
//   - timeout: Maximum time to wait. Zero means try once.
//
// # Outputs
//
//   - bool: True if admitted.
func (r *RateLimiter) Acquire(ctx context.Context, timeout time.Duration) bool {
	deadline := r.now().Add(timeout)

	for {
		if ctx.Err() != nil {
			return false
		}

		r.mu.Lock()
		now := r.now()
		r.evictLocked(now)
		if len(r.timestamps) < r.maxRequests {
			r.timestamps = append(r.timestamps, now)
			r.mu.Unlock()
			return true
		}
		wait := r.timestamps[0].Add(r.window).Sub(now)
		r.mu.Unlock()

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return false
		}
		if wait > remaining {
			wait = remaining
		}
		if wait < minRateWait {
			wait = minRateWait
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// Usage returns the current occupancy after evicting expired entries.
func (r *RateLimiter) Usage() RateLimitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked(r.now())
	current := len(r.timestamps)
	return RateLimitStatus{
		Current: current,
		Max:     r.maxRequests,
		Percent: float64(current) / float64(r.maxRequests) * 100,
	}
}

// evictLocked drops entries at least one window old. Must be called with
// the lock held.
func (r *RateLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.timestamps) && !r.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.timestamps = append(r.timestamps[:0], r.timestamps[i:]...)
	}
}
