// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_TrailingWindowBound(t *testing.T) {
	const (
		maxRequests = 5
		window      = 10 * time.Second
	)
	clock := newFakeClock()
	limiter := NewRateLimiter(maxRequests, window)
	limiter.now = clock.Now

	rng := rand.New(rand.NewSource(42))
	var admitted []time.Time
	for i := 0; i < 2000; i++ {
		clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
		if limiter.Acquire(context.Background(), 0) {
			admitted = append(admitted, clock.Now())
		}
	}
	require.NotEmpty(t, admitted)

	// Every trailing window (t-window, t] ending at an admission holds at
	// most maxRequests admissions.
	for i, end := range admitted {
		count := 0
		for j := i; j >= 0 && end.Sub(admitted[j]) < window; j-- {
			count++
		}
		assert.LessOrEqual(t, count, maxRequests, "window ending at admission %d", i)
	}
}

func TestRateLimiter_EntryExpiresAtWindowBoundary(t *testing.T) {
	clock := newFakeClock()
	limiter := NewRateLimiter(1, time.Second)
	limiter.now = clock.Now

	require.True(t, limiter.Acquire(context.Background(), 0))
	clock.Advance(999 * time.Millisecond)
	assert.False(t, limiter.Acquire(context.Background(), 0))
	clock.Advance(time.Millisecond)
	assert.True(t, limiter.Acquire(context.Background(), 0))
}

func TestRateLimiter_WaitsForCapacity(t *testing.T) {
	limiter := NewRateLimiter(1, 50*time.Millisecond)
	require.True(t, limiter.Acquire(context.Background(), 0))

	start := time.Now()
	ok := limiter.Acquire(context.Background(), 2*time.Second)
	elapsed := time.Since(start)

	assert.True(t, ok)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestRateLimiter_TimeoutReturnsFalse(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour)
	require.True(t, limiter.Acquire(context.Background(), 0))

	assert.False(t, limiter.Acquire(context.Background(), 20*time.Millisecond))
	assert.Equal(t, 1, limiter.Usage().Current, "timed-out caller must not be recorded")
}

func TestRateLimiter_ContextCanceled(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour)
	require.True(t, limiter.Acquire(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	assert.False(t, limiter.Acquire(ctx, time.Minute))
}

func TestRateLimiter_ConcurrentAdmission(t *testing.T) {
	limiter := NewRateLimiter(10, time.Hour)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Acquire(context.Background(), 0) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
}

func TestRateLimiter_Usage(t *testing.T) {
	clock := newFakeClock()
	limiter := NewRateLimiter(4, time.Minute)
	limiter.now = clock.Now

	limiter.Acquire(context.Background(), 0)
	clock.Advance(30 * time.Second)
	limiter.Acquire(context.Background(), 0)

	assert.Equal(t, RateLimitStatus{Current: 2, Max: 4, Percent: 50}, limiter.Usage())

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, limiter.Usage().Current, "usage evicts expired entries first")
}
