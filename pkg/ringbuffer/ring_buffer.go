// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ringbuffer provides a bounded, thread-safe circular buffer.
//
// The dispatcher keeps its most recent latency observations here so that
// percentiles are computed over a fixed window and memory never grows with
// traffic.
package ringbuffer

import (
	"sync"
	"sync/atomic"
)

// RingBuffer is a thread-safe, fixed-size circular buffer.
//
// # Description
//
// Push appends at the tail. When the buffer is full the oldest item is
// overwritten and DroppedCount is incremented. Snapshot returns the items
// oldest-first without consuming them.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
//
// # Example
//
//	latencies := ringbuffer.New[float64](1000)
//	latencies.Push(123.4)
//	window := latencies.Snapshot()
//
// # Limitations
//
//   - Capacity is fixed at construction
//   - Items are stored by value
type RingBuffer[T any] struct {
	buffer   []T
	head     int
	tail     int
	size     int
	capacity int
	dropped  int64
	mu       sync.Mutex
}

// New creates an empty ring buffer holding at most capacity items.
//
// # Inputs
//
//   - capacity: Maximum number of items. Must be > 0.
//
// # Outputs
//
//   - *RingBuffer[T]: Empty buffer with memory pre-allocated.
//
// # Panics
//
// Panics if capacity <= 0.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{
		buffer:   make([]T, capacity),
		capacity: capacity,
	}
}

// Push adds an item, evicting the oldest one when full.
//
// # Outputs
//
//   - bool: true if an item was evicted to make room.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if r.size == r.capacity {
		r.head = (r.head + 1) % r.capacity
		r.size--
		atomic.AddInt64(&r.dropped, 1)
		evicted = true
	}

	r.buffer[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.size++
	return evicted
}

// Snapshot returns a copy of all items, oldest first, or nil when empty.
// The buffer is not modified.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	out := make([]T, r.size)
	idx := r.head
	for i := 0; i < r.size; i++ {
		out[i] = r.buffer[idx]
		idx = (idx + 1) % r.capacity
	}
	return out
}

// Len returns the current number of items.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *RingBuffer[T]) Capacity() int {
	return r.capacity
}

// DroppedCount returns how many items have been evicted since creation.
func (r *RingBuffer[T]) DroppedCount() int64 {
	return atomic.LoadInt64(&r.dropped)
}
