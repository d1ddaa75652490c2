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
	"errors"

	"github.com/AleutianAI/AleutianTriage/services/llm"
)

// classedError is a sentinel that carries an error class.
type classedError struct {
	class llm.ErrorClass
	msg   string
}

func (e *classedError) Error() string               { return e.msg }
func (e *classedError) ErrorClass() llm.ErrorClass { return e.class }

var (
	// ErrRateLimitExceeded is returned when the local rate limiter could not
	// admit the request before the acquire timeout. No request was sent.
	ErrRateLimitExceeded error = &classedError{
		class: llm.ClassRateLimitExceeded,
		msg:   "dispatch: rate limit exceeded waiting for capacity",
	}

	// ErrCircuitOpen matches any *CircuitOpenError via errors.Is.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNoProvider is returned when a tier names an unregistered provider.
	ErrNoProvider = errors.New("dispatch: provider not configured")
)
