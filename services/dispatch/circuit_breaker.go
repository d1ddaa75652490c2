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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTriage/services/llm"
)

// CircuitState represents the state of a circuit breaker.
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │
//	   │                              │
//	   └───[success]◄── HALF_OPEN ◄──┘
//	                    [timeout]
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means the circuit has tripped and calls fail fast.
	CircuitOpen

	// CircuitHalfOpen lets one probe through to test recovery.
	CircuitHalfOpen
)

// String returns the state name used in logs and metrics.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CircuitOpenError is returned when the breaker rejects a call without
// invoking it.
type CircuitOpenError struct {
	// Name is the breaker name (the provider).
	Name string

	// Remaining is the time until a probe will be allowed. Zero while a
	// half-open probe is already in flight.
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry in %s)", e.Name, e.Remaining.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrCircuitOpen) true.
func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// ErrorClass implements llm.Classified.
func (e *CircuitOpenError) ErrorClass() llm.ErrorClass { return llm.ClassCircuitOpen }

// CircuitBreakerConfig configures circuit breaker behavior.
//
// # Example
//
//	config := CircuitBreakerConfig{
//	    FailureThreshold: 5,               // Open after 5 consecutive failures
//	    OpenTimeout:      60*time.Second,  // Stay open for 60s
//	}
type CircuitBreakerConfig struct {
	// FailureThreshold is consecutive failures before opening the circuit.
	// Default: 5
	FailureThreshold int

	// OpenTimeout is how long after the last failure the circuit stays open
	// before a probe is allowed.
	// Default: 60 seconds
	OpenTimeout time.Duration

	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
	}
}

// CircuitBreakerStats contains circuit breaker statistics.
type CircuitBreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	CurrentFailures int       `json:"current_failures"`
	LastFailure     time.Time `json:"last_failure,omitzero"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreaker implements the circuit breaker pattern around one provider.
//
// # Description
//
// Closed: calls pass through and consecutive failures are counted. Open:
// calls fail fast with *CircuitOpenError until OpenTimeout has passed since
// the last failure. HalfOpen: exactly one probe runs; success closes the
// circuit and clears the failure count, failure reopens it.
//
// Only failures that say something about provider health are counted.
// Authentication, permission, invalid-request, and parse failures mean the
// provider answered, so they count as successes. A canceled call is
// neither.
//
// # Thread Safety
//
// Safe for concurrent use. The wrapped function runs outside the lock.
//
// # Example
//
//	cb := NewCircuitBreaker("anthropic", DefaultCircuitBreakerConfig())
//
//	resp, err := Call(cb, func() (llm.CallResponse, error) {
//	    return provider.Call(ctx, req)
//	})
//	if errors.Is(err, ErrCircuitOpen) {
//	    // provider is known to be down, fail fast
//	}
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failures        int
	lastFailure     time.Time
	lastStateChange time.Time
	probeInFlight   bool

	totalCalls      int64
	totalFailures   int64
	totalRejections int64

	now func() time.Time
}

type stateChange struct {
	from, to CircuitState
}

// NewCircuitBreaker creates a closed breaker. Zero config values take defaults.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the circuit allows it and records the outcome.
//
// # Outputs
//
//   - error: *CircuitOpenError if rejected, otherwise the error from fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := Call(cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Call runs fn through cb and returns its result.
//
// # Description
//
// Generic form of Execute. fn is never invoked when the breaker rejects
// the call; the zero T and a *CircuitOpenError are returned instead.
func Call[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T

	probe, err := cb.allow()
	if err != nil {
		return zero, err
	}

	result, err := fn()
	cb.record(err, probe)
	return result, err
}

// allow decides whether a call may proceed. probe is true when the call is
// the half-open probe.
func (cb *CircuitBreaker) allow() (probe bool, err error) {
	var change *stateChange

	cb.mu.Lock()
	cb.totalCalls++
	now := cb.now()

	switch cb.state {
	case CircuitOpen:
		elapsed := now.Sub(cb.lastFailure)
		if elapsed <= cb.config.OpenTimeout {
			cb.totalRejections++
			remaining := cb.config.OpenTimeout - elapsed
			cb.mu.Unlock()
			return false, &CircuitOpenError{Name: cb.name, Remaining: remaining}
		}
		change = cb.transitionLocked(CircuitHalfOpen, now)
		cb.probeInFlight = true
		probe = true

	case CircuitHalfOpen:
		if cb.probeInFlight {
			cb.totalRejections++
			cb.mu.Unlock()
			return false, &CircuitOpenError{Name: cb.name}
		}
		cb.probeInFlight = true
		probe = true
	}
	cb.mu.Unlock()

	cb.notify(change)
	return probe, nil
}

// record updates state from the outcome of an allowed call.
func (cb *CircuitBreaker) record(err error, probe bool) {
	var change *stateChange

	cb.mu.Lock()
	now := cb.now()
	if probe {
		cb.probeInFlight = false
	}

	switch outcomeOf(err) {
	case outcomeFailure:
		cb.totalFailures++
		cb.failures++
		cb.lastFailure = now
		switch cb.state {
		case CircuitClosed:
			if cb.failures >= cb.config.FailureThreshold {
				change = cb.transitionLocked(CircuitOpen, now)
			}
		case CircuitHalfOpen:
			change = cb.transitionLocked(CircuitOpen, now)
		}

	case outcomeSuccess:
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			change = cb.transitionLocked(CircuitClosed, now)
		}
	}
	cb.mu.Unlock()

	cb.notify(change)
}

// transitionLocked changes state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionLocked(to CircuitState, now time.Time) *stateChange {
	if cb.state == to {
		return nil
	}
	from := cb.state
	cb.state = to
	cb.lastStateChange = now
	return &stateChange{from: from, to: to}
}

func (cb *CircuitBreaker) notify(change *stateChange) {
	if change != nil && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, change.from, change.to)
	}
}

type callOutcome int

const (
	outcomeSuccess callOutcome = iota
	outcomeFailure
	outcomeNeutral
)

// outcomeOf decides how a call result affects the breaker.
func outcomeOf(err error) callOutcome {
	if err == nil {
		return outcomeSuccess
	}
	switch llm.ClassOf(err) {
	case llm.ClassAuthentication, llm.ClassPermissionDenied, llm.ClassInvalidRequest, llm.ClassParse:
		return outcomeSuccess
	case llm.ClassCanceled:
		return outcomeNeutral
	default:
		return outcomeFailure
	}
}

// State returns the current circuit state.
//
// An open circuit whose timeout has passed still reports CircuitOpen until
// the next call moves it to half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state.String(),
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		CurrentFailures: cb.failures,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset forces the circuit to closed and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	now := cb.now()
	change := cb.transitionLocked(CircuitClosed, now)
	cb.failures = 0
	cb.probeInFlight = false
	cb.mu.Unlock()

	cb.notify(change)
}

// CircuitBreakerRegistry manages one breaker per provider.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
//	cb := registry.Get("anthropic")
type CircuitBreakerRegistry struct {
	defaultConfig CircuitBreakerConfig
	breakers      map[string]*CircuitBreaker
	mu            sync.RWMutex
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry(defaultConfig CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	cb = NewCircuitBreaker(name, r.defaultConfig)
	r.breakers[name] = cb
	return cb
}

// States returns the current state of every breaker, keyed by name.
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}

// Stats returns statistics for every breaker, sorted by name.
func (r *CircuitBreakerRegistry) Stats() []CircuitBreakerStats {
	r.mu.RLock()
	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// ResetAll resets every breaker in the registry.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
