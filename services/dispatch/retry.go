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
	"log/slog"
	"math"
	"time"

	"github.com/AleutianAI/AleutianTriage/services/llm"
)

// RetryPolicy is what the retrier does after a failure of one class.
type RetryPolicy struct {
	// Retry is false for classes that fail immediately.
	Retry bool

	// Cap bounds the exponential delay.
	Cap time.Duration

	// Fixed, when non-zero, replaces the exponential delay.
	Fixed time.Duration

	// MaxRetries bounds retries for this class regardless of the overall
	// attempt budget. Zero means no class-specific bound.
	MaxRetries int
}

// PolicyFor returns the retry policy for an error class.
//
// | Class                                        | Policy                     |
// |----------------------------------------------|----------------------------|
// | rate_limited                                 | backoff, cap 60s           |
// | transport, upstream_internal                 | backoff, cap 30s           |
// | provider                                     | backoff, cap 10s           |
// | unknown                                      | once, fixed 1s             |
// | everything else                              | fail immediately           |
func PolicyFor(class llm.ErrorClass) RetryPolicy {
	switch class {
	case llm.ClassRateLimited:
		return RetryPolicy{Retry: true, Cap: 60 * time.Second}
	case llm.ClassTransport, llm.ClassUpstreamInternal:
		return RetryPolicy{Retry: true, Cap: 30 * time.Second}
	case llm.ClassProvider:
		return RetryPolicy{Retry: true, Cap: 10 * time.Second}
	case llm.ClassUnknown:
		return RetryPolicy{Retry: true, Fixed: time.Second, MaxRetries: 1}
	default:
		// authentication, permission_denied, invalid_request, circuit_open,
		// parse, canceled, rate_limit_exceeded
		return RetryPolicy{}
	}
}

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryConfig configures a Retrier.
type RetryConfig struct {
	// MaxAttempts bounds total attempts, the first included. Default: 3
	MaxAttempts int

	// Base is the exponential base in seconds. The delay after failed
	// attempt n is Base^n seconds, so the first retry waits Base seconds.
	// 1 gives a constant one second. Default: 2
	Base float64

	// Sleep replaces the real sleep in tests.
	Sleep SleepFunc
}

// Retrier applies the per-class retry policy.
//
// # Description
//
// After a failed attempt n (1-based) of a retryable class, the retrier
// sleeps min(Base^n, Cap) seconds and tries again, up to MaxAttempts
// attempts in total. The last error is returned unchanged when the budget
// runs out or when the class is not retryable, so callers can still
// errors.As it into *llm.Error, *CircuitOpenError, or *ParseError.
//
// # Thread Safety
//
// Safe for concurrent use. No lock is held while sleeping.
type Retrier struct {
	maxAttempts int
	base        float64
	sleep       SleepFunc
	logger      *slog.Logger
}

// NewRetrier creates a retrier. Zero config values take defaults.
func NewRetrier(cfg RetryConfig, logger *slog.Logger) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Base < 1 {
		cfg.Base = 2
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Retrier{
		maxAttempts: cfg.MaxAttempts,
		base:        cfg.Base,
		sleep:       cfg.Sleep,
		logger:      logger,
	}
}

// Backoff returns the delay after failed attempt n (1-based) of a class
// with policy p: Base^n seconds capped at p.Cap, or p.Fixed when set.
func (r *Retrier) Backoff(p RetryPolicy, attempt int) time.Duration {
	if p.Fixed > 0 {
		return p.Fixed
	}
	secs := math.Pow(r.base, float64(attempt))
	if math.IsInf(secs, 0) || secs*float64(time.Second) >= float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(secs * float64(time.Second))
}

// Do runs fn under the retry policy. See Retry.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry runs fn until it succeeds, fails with a non-retryable class, or
// the attempt budget is spent.
//
// # Outputs
//
//   - T: The result of the successful attempt.
//   - error: The last error, unwrapped. A ctx that ends during a backoff
//     sleep stops the loop with the last error as well.
func Retry[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	retriesByClass := make(map[llm.ErrorClass]int)

	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		class := llm.ClassOf(err)
		policy := PolicyFor(class)
		if !policy.Retry {
			return zero, err
		}
		if attempt >= r.maxAttempts {
			r.logger.Warn("retry budget exhausted",
				"class", string(class), "attempts", attempt, "error", err)
			return zero, err
		}
		if policy.MaxRetries > 0 && retriesByClass[class] >= policy.MaxRetries {
			return zero, err
		}
		retriesByClass[class]++

		delay := r.Backoff(policy, attempt)
		r.logger.Info("retrying after failure",
			"class", string(class), "attempt", attempt, "delay", delay, "error", err)

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return zero, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
