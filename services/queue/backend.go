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

import (
	"fmt"
	"strings"
)

// Backend persists raw item documents and the processed dedup-key set.
//
// # Description
//
// Backends store bytes, not Items, so legacy records stay readable for
// migration. Each Write replaces the whole document atomically: a
// concurrent Read sees either the old or the new version, never a mix.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The Store serializes
// its own writes, but readers run in parallel with them.
type Backend interface {
	// Read returns the document for id, or an error wrapping ErrNotFound.
	Read(id string) ([]byte, error)

	// Write atomically replaces the document for id.
	Write(id string, data []byte) error

	// Delete removes the document for id. Deleting a missing id wraps ErrNotFound.
	Delete(id string) error

	// IDs lists every stored id in ascending order.
	IDs() ([]string, error)

	// ProcessedKeys returns the dedup keys of items that reached processed.
	ProcessedKeys() ([]string, error)

	// AddProcessedKey records key as processed. Adding a known key is a no-op.
	AddProcessedKey(key string) error

	// Quarantine moves an unreadable document out of the live set.
	Quarantine(id string) error

	// Close releases resources.
	Close() error
}

// validateID rejects ids that could escape a directory or collide with
// internal files.
func validateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty id", ErrNotFound)
	case strings.ContainsAny(id, `/\`), strings.HasPrefix(id, "."):
		return fmt.Errorf("%w %q", ErrInvalidID, id)
	}
	return nil
}
