// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTriage/services/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("fake", CircuitBreakerConfig{FailureThreshold: threshold, OpenTimeout: timeout})
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, clock := newTestBreaker(3, 30*time.Second)
	failing := classErr(llm.ClassTransport)

	calls := 0
	fn := func() error {
		calls++
		return failing
	}

	for i := 0; i < 2; i++ {
		assert.Same(t, failing, cb.Execute(fn))
		assert.Equal(t, CircuitClosed, cb.State())
	}
	assert.Same(t, failing, cb.Execute(fn))
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, 3, calls)

	clock.Advance(10 * time.Second)
	err := cb.Execute(fn)
	assert.Equal(t, 3, calls, "open breaker must not invoke fn")

	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 20*time.Second, openErr.Remaining)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, llm.ClassCircuitOpen, llm.ClassOf(err))
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(2, 30*time.Second)
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return classErr(llm.ClassUpstreamInternal) })
	}
	require.Equal(t, CircuitOpen, cb.State())

	clock.Advance(31 * time.Second)
	v, err := Call(cb, func() (string, error) { return "ok", nil })

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, 30*time.Second)
	_ = cb.Execute(func() error { return classErr(llm.ClassTransport) })
	require.Equal(t, CircuitOpen, cb.State())

	clock.Advance(31 * time.Second)
	_ = cb.Execute(func() error { return classErr(llm.ClassTransport) })
	assert.Equal(t, CircuitOpen, cb.State())

	// The open timeout restarts from the probe failure.
	clock.Advance(10 * time.Second)
	err := cb.Execute(func() error { return nil })
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 20*time.Second, openErr.Remaining)
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	_ = cb.Execute(func() error { return classErr(llm.ClassTransport) })
	clock.Advance(2 * time.Second)

	var inner error
	err := cb.Execute(func() error {
		assert.Equal(t, CircuitHalfOpen, cb.State())
		inner = cb.Execute(func() error {
			t.Error("second call must not run while probe is in flight")
			return nil
		})
		return nil
	})

	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrCircuitOpen)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_CallerFaultsDoNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	for _, class := range []llm.ErrorClass{
		llm.ClassAuthentication, llm.ClassPermissionDenied, llm.ClassInvalidRequest, llm.ClassCanceled,
		llm.ClassAuthentication, llm.ClassInvalidRequest,
	} {
		_ = cb.Execute(func() error { return classErr(class) })
	}
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	_ = cb.Execute(func() error { return classErr(llm.ClassTransport) })
	_ = cb.Execute(func() error { return classErr(llm.ClassTransport) })
	require.Equal(t, 2, cb.Failures())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, 0, cb.Failures())

	_ = cb.Execute(func() error { return errors.New("unclassified") })
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var changes []string
	cb := NewCircuitBreaker("p", CircuitBreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      time.Second,
		OnStateChange: func(name string, from, to CircuitState) {
			mu.Lock()
			changes = append(changes, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	})
	cb.now = clock.Now

	_ = cb.Execute(func() error { return classErr(llm.ClassTransport) })
	clock.Advance(2 * time.Second)
	_ = cb.Execute(func() error { return nil })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"p:closed->open",
		"p:open->half_open",
		"p:half_open->closed",
	}, changes)
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	_ = cb.Execute(func() error { return classErr(llm.ClassTransport) })
	_ = cb.Execute(func() error { return nil })

	stats := cb.Stats()
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, int64(2), stats.TotalCalls)
	assert.Equal(t, int64(1), stats.TotalFailures)
	assert.Equal(t, int64(1), stats.TotalRejections)

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerRegistry(t *testing.T) {
	reg := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	a := reg.Get("openai")
	b := reg.Get("anthropic")

	assert.Same(t, a, reg.Get("openai"))
	assert.NotSame(t, a, b)

	stats := reg.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "anthropic", stats[0].Name)
	assert.Equal(t, map[string]CircuitState{"openai": CircuitClosed, "anthropic": CircuitClosed}, reg.States())
}
