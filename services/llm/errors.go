// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// =============================================================================
// Error Classes
// =============================================================================

// ErrorClass tags a failure with the policy the retry layer applies to it.
//
// Providers translate their SDK or HTTP failures into an *Error carrying one
// of these classes, so nothing above this package needs to know which SDK
// produced the failure.
type ErrorClass string

const (
	// ClassRateLimitExceeded means the local rate limiter timed out before
	// a request was sent. Nothing reached the provider.
	ClassRateLimitExceeded ErrorClass = "rate_limit_exceeded"

	// ClassRateLimited is a capacity or throttling signal from the provider
	// (HTTP 429, Anthropic 529 overloaded).
	ClassRateLimited ErrorClass = "rate_limited"

	// ClassAuthentication is a rejected or missing credential (HTTP 401).
	ClassAuthentication ErrorClass = "authentication"

	// ClassPermissionDenied is a valid credential without access (HTTP 403).
	ClassPermissionDenied ErrorClass = "permission_denied"

	// ClassInvalidRequest is a malformed request (HTTP 400, 404, 413, 422).
	ClassInvalidRequest ErrorClass = "invalid_request"

	// ClassTransport is a connection, DNS, TLS, or timeout failure.
	ClassTransport ErrorClass = "transport"

	// ClassUpstreamInternal is a provider-side 5xx.
	ClassUpstreamInternal ErrorClass = "upstream_internal"

	// ClassProvider is any other provider-reported error.
	ClassProvider ErrorClass = "provider"

	// ClassCircuitOpen means the circuit breaker rejected the call.
	ClassCircuitOpen ErrorClass = "circuit_open"

	// ClassParse means the model answered but the answer was not usable JSON.
	ClassParse ErrorClass = "parse"

	// ClassCanceled means the caller's context ended.
	ClassCanceled ErrorClass = "canceled"

	// ClassUnknown is anything that could not be classified.
	ClassUnknown ErrorClass = "unknown"
)

// AllClasses lists every class, in a stable order, for metrics output.
var AllClasses = []ErrorClass{
	ClassRateLimitExceeded,
	ClassRateLimited,
	ClassAuthentication,
	ClassPermissionDenied,
	ClassInvalidRequest,
	ClassTransport,
	ClassUpstreamInternal,
	ClassProvider,
	ClassCircuitOpen,
	ClassParse,
	ClassCanceled,
	ClassUnknown,
}

// Classified is implemented by errors that know their own class. Errors
// defined outside this package (circuit open, parse failures) implement it
// so ClassOf can see them without an import cycle.
type Classified interface {
	ErrorClass() ErrorClass
}

// =============================================================================
// Error Type
// =============================================================================

// Error is a provider failure tagged with its class.
//
// # Example
//
//	var perr *llm.Error
//	if errors.As(err, &perr) && perr.Class == llm.ClassAuthentication {
//	    // rotate the key, do not retry
//	}
type Error struct {
	// Class drives retry policy.
	Class ErrorClass

	// Provider names the adapter that produced the error.
	Provider string

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Message is the provider's error message, if any.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error formats as "provider: class (status N): message".
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Class, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Class, msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// ErrorClass implements Classified.
func (e *Error) ErrorClass() ErrorClass { return e.Class }

var _ Classified = (*Error)(nil)

// =============================================================================
// Classification Helpers
// =============================================================================

// ClassOf returns the class of err. Untagged errors are inspected for
// context cancellation and network failures before falling back to
// ClassUnknown.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var c Classified
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransport
	}
	return ClassUnknown
}

// ClassFromStatus maps an HTTP status code to a class.
func ClassFromStatus(code int) ErrorClass {
	switch {
	case code == http.StatusUnauthorized:
		return ClassAuthentication
	case code == http.StatusForbidden:
		return ClassPermissionDenied
	case code == http.StatusBadRequest,
		code == http.StatusNotFound,
		code == http.StatusRequestEntityTooLarge,
		code == http.StatusUnprocessableEntity:
		return ClassInvalidRequest
	case code == http.StatusRequestTimeout:
		return ClassTransport
	case code == http.StatusTooManyRequests, code == 529:
		return ClassRateLimited
	case code >= 500 && code <= 599:
		return ClassUpstreamInternal
	default:
		return ClassProvider
	}
}

// classifyTransport wraps a failure that happened before any response
// arrived. A context error from the caller stays ClassCanceled.
func classifyTransport(provider string, ctx context.Context, err error) *Error {
	class := ClassTransport
	if ctx.Err() != nil {
		class = ClassCanceled
	}
	return &Error{Class: class, Provider: provider, Err: err}
}
