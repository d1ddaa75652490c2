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
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the version stamped on every item written by this package.
// Legacy records carry no version and no state.
const SchemaVersion = 2

// =============================================================================
// State
// =============================================================================

// State is the lifecycle position of a queue item.
type State string

const (
	StateQueued         State = "queued"
	StateAnalyzing      State = "analyzing"
	StateAwaitingReview State = "awaiting_review"
	StateProcessed      State = "processed"
	StateError          State = "error"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateQueued, StateAnalyzing, StateAwaitingReview, StateProcessed, StateError}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether s is terminal. Processed items may be reopened
// but cannot be snoozed or edited into another resolution in place.
func (s State) IsTerminal() bool {
	return s == StateProcessed
}

// ResolutionType records how a processed item was resolved.
type ResolutionType string

const (
	ResolutionAutoApplied    ResolutionType = "auto_applied"
	ResolutionManualApproved ResolutionType = "manual_approved"
	ResolutionManualModified ResolutionType = "manual_modified"
	ResolutionManualRejected ResolutionType = "manual_rejected"
	ResolutionManualSkipped  ResolutionType = "manual_skipped"
)

// AllResolutionTypes lists every resolution type.
var AllResolutionTypes = []ResolutionType{
	ResolutionAutoApplied,
	ResolutionManualApproved,
	ResolutionManualModified,
	ResolutionManualRejected,
	ResolutionManualSkipped,
}

// Valid reports whether r is a known resolution type.
func (r ResolutionType) Valid() bool {
	for _, known := range AllResolutionTypes {
		if r == known {
			return true
		}
	}
	return false
}

// Source identifies where an item came from.
type Source string

const (
	SourceEmail Source = "email"
	SourceChat  Source = "chat"
)

// =============================================================================
// Item
// =============================================================================

// Resolution describes how an item left the review queue.
type Resolution struct {
	Type                   ResolutionType `json:"type"`
	ActionTaken            string         `json:"action_taken,omitempty"`
	ResolvedAt             time.Time      `json:"resolved_at"`
	ResolvedBy             string         `json:"resolved_by,omitempty"`
	ConfidenceAtResolution *float64       `json:"confidence_at_resolution,omitempty"`
}

// Snooze hides an item from its normal tab until Until.
type Snooze struct {
	Until       time.Time `json:"until"`
	CreatedAt   time.Time `json:"created_at"`
	Reason      string    `json:"reason,omitempty"`
	SnoozeCount int       `json:"snooze_count"`
}

// Active reports whether the snooze still hides the item at now.
func (s *Snooze) Active(now time.Time) bool {
	return s != nil && s.Until.After(now)
}

// ItemError records why analysis failed.
type ItemError struct {
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Timestamps are lifecycle marks. Present values are non-decreasing in
// field order.
type Timestamps struct {
	QueuedAt            *time.Time `json:"queued_at,omitempty"`
	AnalysisStartedAt   *time.Time `json:"analysis_started_at,omitempty"`
	AnalysisCompletedAt *time.Time `json:"analysis_completed_at,omitempty"`
	ReviewedAt          *time.Time `json:"reviewed_at,omitempty"`
}

// ordered returns the timestamps in lifecycle order with their names.
func (ts Timestamps) ordered() []struct {
	name string
	at   *time.Time
} {
	return []struct {
		name string
		at   *time.Time
	}{
		{"queued_at", ts.QueuedAt},
		{"analysis_started_at", ts.AnalysisStartedAt},
		{"analysis_completed_at", ts.AnalysisCompletedAt},
		{"reviewed_at", ts.ReviewedAt},
	}
}

// Item is one unit of work in the triage queue.
//
// # Description
//
// State, Resolution and Error are coupled: Resolution is set exactly when
// State is processed and Error exactly when State is error. Snooze is
// orthogonal to State but never set on a processed item. The store only
// changes these fields through Transition values, and Validate checks the
// coupling before every write and after every read.
//
// DedupKey, Source, SourceMetadata, AnalysisPayload and ContentPreview are
// opaque to the state machine.
type Item struct {
	SchemaVersion   int             `json:"schema_version"`
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id,omitempty"`
	DedupKey        string          `json:"dedup_key,omitempty"`
	Source          Source          `json:"source,omitempty"`
	State           State           `json:"state"`
	Resolution      *Resolution     `json:"resolution,omitempty"`
	Snooze          *Snooze         `json:"snooze,omitempty"`
	Error           *ItemError      `json:"error,omitempty"`
	Timestamps      Timestamps      `json:"timestamps"`
	SourceMetadata  json.RawMessage `json:"source_metadata,omitempty"`
	AnalysisPayload json.RawMessage `json:"analysis_payload,omitempty"`
	ContentPreview  string          `json:"content_preview,omitempty"`
}

// Validate checks the state invariant.
//
// # Outputs
//
//   - error: Wraps ErrInvariant describing the first violation, or nil.
func (it *Item) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvariant)
	}
	if !it.State.Valid() {
		return fmt.Errorf("%w: item %s has unknown state %q", ErrInvariant, it.ID, it.State)
	}

	switch {
	case it.State == StateProcessed && it.Resolution == nil:
		return fmt.Errorf("%w: processed item %s has no resolution", ErrInvariant, it.ID)
	case it.State != StateProcessed && it.Resolution != nil:
		return fmt.Errorf("%w: %s item %s carries a resolution", ErrInvariant, it.State, it.ID)
	case it.State == StateError && it.Error == nil:
		return fmt.Errorf("%w: error item %s has no error record", ErrInvariant, it.ID)
	case it.State != StateError && it.Error != nil:
		return fmt.Errorf("%w: %s item %s carries an error record", ErrInvariant, it.State, it.ID)
	case it.State == StateProcessed && it.Snooze != nil:
		return fmt.Errorf("%w: processed item %s is snoozed", ErrInvariant, it.ID)
	}
	if it.Resolution != nil && !it.Resolution.Type.Valid() {
		return fmt.Errorf("%w: item %s has unknown resolution type %q", ErrInvariant, it.ID, it.Resolution.Type)
	}

	var prev *time.Time
	var prevName string
	for _, mark := range it.Timestamps.ordered() {
		if mark.at == nil {
			continue
		}
		if prev != nil && mark.at.Before(*prev) {
			return fmt.Errorf("%w: item %s has %s before %s", ErrInvariant, it.ID, mark.name, prevName)
		}
		prev, prevName = mark.at, mark.name
	}
	return nil
}

// Tab returns the view the item belongs to at now.
func (it *Item) Tab(now time.Time) Tab {
	return TabOf(it.State, it.Snooze.Active(now))
}

// clone returns a deep copy so callers never share pointers with the store.
func (it *Item) clone() *Item {
	out := *it
	if it.Resolution != nil {
		r := *it.Resolution
		if r.ConfidenceAtResolution != nil {
			c := *r.ConfidenceAtResolution
			r.ConfidenceAtResolution = &c
		}
		out.Resolution = &r
	}
	if it.Snooze != nil {
		s := *it.Snooze
		out.Snooze = &s
	}
	if it.Error != nil {
		e := *it.Error
		out.Error = &e
	}
	out.Timestamps = Timestamps{
		QueuedAt:            copyTime(it.Timestamps.QueuedAt),
		AnalysisStartedAt:   copyTime(it.Timestamps.AnalysisStartedAt),
		AnalysisCompletedAt: copyTime(it.Timestamps.AnalysisCompletedAt),
		ReviewedAt:          copyTime(it.Timestamps.ReviewedAt),
	}
	out.SourceMetadata = append(json.RawMessage(nil), it.SourceMetadata...)
	out.AnalysisPayload = append(json.RawMessage(nil), it.AnalysisPayload...)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// =============================================================================
// Tabs
// =============================================================================

// Tab is a UI grouping derived from state and snooze.
type Tab string

const (
	TabToProcess  Tab = "to_process"
	TabInProgress Tab = "in_progress"
	TabSnoozed    Tab = "snoozed"
	TabHistory    Tab = "history"
	TabErrors     Tab = "errors"
)

// AllTabs lists every tab.
var AllTabs = []Tab{TabToProcess, TabInProgress, TabSnoozed, TabHistory, TabErrors}

// TabOf maps (state, snoozed) to exactly one tab. Queued items without an
// active snooze are shown as in progress.
func TabOf(state State, snoozed bool) Tab {
	if snoozed && state != StateProcessed {
		return TabSnoozed
	}
	switch state {
	case StateAwaitingReview:
		return TabToProcess
	case StateProcessed:
		return TabHistory
	case StateError:
		return TabErrors
	default:
		return TabInProgress
	}
}

// =============================================================================
// Transitions
// =============================================================================

// validTransitions lists allowed moves. Self-transitions are absent.
var validTransitions = map[State]map[State]bool{
	StateQueued: {
		StateAnalyzing:      true,
		StateAwaitingReview: true,
		StateError:          true,
		StateProcessed:      true,
	},
	StateAnalyzing: {
		StateAwaitingReview: true,
		StateError:          true,
		StateProcessed:      true,
	},
	StateAwaitingReview: {
		StateProcessed: true,
		StateAnalyzing: true,
		StateError:     true,
	},
	StateError: {
		StateQueued:    true,
		StateAnalyzing: true,
	},
	StateProcessed: {
		StateAwaitingReview: true,
	},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}

// Transition is a requested state change. Build one with the To* constructors;
// the zero value is rejected by the store.
type Transition struct {
	to         State
	resolution *Resolution
	err        *ItemError
}

// To returns the target state.
func (t Transition) To() State { return t.to }

// ToQueued moves an errored item back to the queue for retry.
func ToQueued() Transition { return Transition{to: StateQueued} }

// ToAnalyzing marks analysis as started.
func ToAnalyzing() Transition { return Transition{to: StateAnalyzing} }

// ToAwaitingReview marks analysis as complete, or reopens a processed item.
func ToAwaitingReview() Transition { return Transition{to: StateAwaitingReview} }

// ToProcessed resolves an item. A zero ResolvedAt is stamped by the store.
func ToProcessed(res Resolution) Transition {
	return Transition{to: StateProcessed, resolution: &res}
}

// ToError records an analysis failure. A zero OccurredAt is stamped by the store.
func ToError(e ItemError) Transition {
	return Transition{to: StateError, err: &e}
}

// apply moves it to t's target state and stamps timestamps with now. The
// caller has already checked CanTransition.
func (t Transition) apply(it *Item, now time.Time) {
	from := it.State
	it.State = t.to
	it.Resolution = nil
	it.Error = nil

	ts := &it.Timestamps
	switch t.to {
	case StateQueued:
		ts.AnalysisStartedAt = nil
		ts.AnalysisCompletedAt = nil
		ts.ReviewedAt = nil
	case StateAnalyzing:
		ts.AnalysisStartedAt = timePtr(now)
		ts.AnalysisCompletedAt = nil
		ts.ReviewedAt = nil
	case StateAwaitingReview:
		if from == StateProcessed {
			ts.ReviewedAt = nil
		} else {
			ts.AnalysisCompletedAt = timePtr(now)
		}
	case StateError:
		if from == StateAnalyzing {
			ts.AnalysisCompletedAt = timePtr(now)
		}
		e := *t.err
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}
		it.Error = &e
	case StateProcessed:
		ts.ReviewedAt = timePtr(now)
		r := *t.resolution
		if r.ResolvedAt.IsZero() {
			r.ResolvedAt = now
		}
		it.Resolution = &r
		it.Snooze = nil
	}

	// A clock step backwards must not break ordering.
	var prev *time.Time
	for _, mark := range ts.ordered() {
		if mark.at == nil {
			continue
		}
		if prev != nil && mark.at.Before(*prev) {
			*mark.at = *prev
		}
		prev = mark.at
	}
}
