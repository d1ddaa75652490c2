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

import "errors"

// Sentinel errors. Callers match them with errors.Is; the store wraps them
// with the item id and detail.
var (
	// ErrNotFound is returned when no item exists for an id.
	ErrNotFound = errors.New("queue item not found")

	// ErrDuplicate is returned by Save when the dedup key (or id) was seen before.
	ErrDuplicate = errors.New("duplicate queue item")

	// ErrInvalidTransition is returned when the transition table forbids a move.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvariant is returned when an item violates the state invariant.
	ErrInvariant = errors.New("queue item invariant violated")

	// ErrTerminal is returned for operations not allowed on processed items.
	ErrTerminal = errors.New("queue item is processed")

	// ErrInvalidID is returned for ids that cannot name a stored item.
	ErrInvalidID = errors.New("invalid queue item id")

	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("corrupt queue record")
)
