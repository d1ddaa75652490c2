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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Legacy record mapping
// =============================================================================

// legacyRecord is the pre-state-machine document layout. Timestamps were
// written either as ISO-8601 strings or unix seconds, so they decode as any.
type legacyRecord struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Account         string          `json:"account"`
	MessageID       string          `json:"message_id"`
	DedupKey        string          `json:"dedup_key"`
	Source          string          `json:"source"`
	Status          string          `json:"status"`
	QueuedAt        any             `json:"queued_at"`
	CreatedAt       any             `json:"created_at"`
	Timestamp       any             `json:"timestamp"`
	ReviewedAt      any             `json:"reviewed_at"`
	ResolvedAt      any             `json:"resolved_at"`
	ProcessedAt     any             `json:"processed_at"`
	ResolvedBy      string          `json:"resolved_by"`
	ActionTaken     string          `json:"action_taken"`
	Action          string          `json:"action"`
	Confidence      any             `json:"confidence"`
	Error           any             `json:"error"`
	ErrorMessage    string          `json:"error_message"`
	SnoozedUntil    any             `json:"snoozed_until"`
	SnoozeReason    string          `json:"snooze_reason"`
	SnoozeCount     int             `json:"snooze_count"`
	Analysis        json.RawMessage `json:"analysis"`
	AnalysisPayload json.RawMessage `json:"analysis_payload"`
	SourceMetadata  json.RawMessage `json:"source_metadata"`
	Metadata        json.RawMessage `json:"metadata"`
	ContentPreview  string          `json:"content_preview"`
	Preview         string          `json:"preview"`
	Subject         string          `json:"subject"`
}

// legacyStatus maps a legacy status to its state and resolution type.
var legacyStatus = map[string]struct {
	state      State
	resolution ResolutionType
}{
	"pending":      {StateAwaitingReview, ""},
	"approved":     {StateProcessed, ResolutionManualApproved},
	"rejected":     {StateProcessed, ResolutionManualRejected},
	"skipped":      {StateProcessed, ResolutionManualSkipped},
	"modified":     {StateProcessed, ResolutionManualModified},
	"auto_applied": {StateProcessed, ResolutionAutoApplied},
	"error":        {StateError, ""},
	"failed":       {StateError, ""},
}

// legacyResolver is recorded as ResolvedBy when a legacy record names nobody.
const legacyResolver = "legacy-migration"

// Migration is the result of MigrateLegacy for one document.
type Migration struct {
	Item Item

	// Migrated is false when the document already had a state.
	Migrated bool

	// FromStatus is the normalized legacy status, if any.
	FromStatus string

	// UnknownStatus is set when FromStatus had no mapping and the item was
	// placed in awaiting_review.
	UnknownStatus bool
}

// MigrateLegacy converts a stored document to the current schema.
//
// # Description
//
// Documents that already carry a state decode as-is, so applying the
// function to its own output is a no-op. Legacy documents are mapped by
// status:
//
//	pending              -> awaiting_review
//	approved             -> processed / manual_approved
//	rejected             -> processed / manual_rejected
//	skipped              -> processed / manual_skipped
//	modified             -> processed / manual_modified
//	auto_applied         -> processed / auto_applied
//	error, failed        -> error
//	anything else        -> awaiting_review (UnknownStatus set)
//
// queued_at comes from queued_at, created_at or timestamp (first present).
// analysis_completed_at is back-filled with queued_at; the real completion
// time was never recorded, so this is an approximation. Later timestamps
// are clamped so they never precede earlier ones.
//
// The result depends only on raw: no clock is read.
//
// # Inputs
//
//   - raw: The stored JSON document.
//
// # Outputs
//
//   - Migration: The converted item. Item.ID may be empty if the document
//     had none; callers fill it from the storage key.
//   - error: Wraps ErrCorrupt if raw is not a JSON object.
func MigrateLegacy(raw []byte) (Migration, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Migration{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if probe == nil {
		return Migration{}, fmt.Errorf("%w: document is null", ErrCorrupt)
	}

	if _, ok := probe["state"]; ok {
		var it Item
		if err := json.Unmarshal(raw, &it); err != nil {
			return Migration{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if it.SchemaVersion == 0 {
			it.SchemaVersion = SchemaVersion
		}
		return Migration{Item: it}, nil
	}

	var rec legacyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Migration{}, fmt.Errorf("%w: legacy record: %v", ErrCorrupt, err)
	}
	return migrateRecord(rec), nil
}

func migrateRecord(rec legacyRecord) Migration {
	status := strings.ToLower(strings.TrimSpace(rec.Status))
	mapping, known := legacyStatus[status]
	if !known {
		mapping.state = StateAwaitingReview
	}

	it := Item{
		SchemaVersion:   SchemaVersion,
		ID:              rec.ID,
		AccountID:       firstNonEmpty(rec.AccountID, rec.Account),
		DedupKey:        firstNonEmpty(rec.DedupKey, rec.MessageID),
		Source:          Source(rec.Source),
		State:           mapping.state,
		SourceMetadata:  firstRaw(rec.SourceMetadata, rec.Metadata),
		AnalysisPayload: firstRaw(rec.AnalysisPayload, rec.Analysis),
		ContentPreview:  firstNonEmpty(rec.ContentPreview, rec.Preview, rec.Subject),
	}

	base, haveBase := firstTime(rec.QueuedAt, rec.CreatedAt, rec.Timestamp)
	if haveBase {
		it.Timestamps.QueuedAt = timePtr(base)
		it.Timestamps.AnalysisCompletedAt = timePtr(base)
	}
	reviewed, haveReviewed := firstTime(rec.ReviewedAt, rec.ResolvedAt, rec.ProcessedAt)
	if haveReviewed && haveBase && reviewed.Before(base) {
		reviewed = base
	}

	switch mapping.state {
	case StateProcessed:
		if !haveReviewed {
			reviewed, haveReviewed = base, haveBase
		}
		if haveReviewed {
			it.Timestamps.ReviewedAt = timePtr(reviewed)
		}
		it.Resolution = &Resolution{
			Type:                   mapping.resolution,
			ActionTaken:            firstNonEmpty(rec.ActionTaken, rec.Action),
			ResolvedAt:             reviewed,
			ResolvedBy:             firstNonEmpty(rec.ResolvedBy, legacyResolver),
			ConfidenceAtResolution: legacyConfidence(rec.Confidence),
		}
	case StateError:
		msg, kind := legacyError(rec.Error)
		it.Error = &ItemError{
			Type:       firstNonEmpty(kind, "legacy"),
			Message:    firstNonEmpty(msg, rec.ErrorMessage, "migrated from legacy status "+status),
			OccurredAt: base,
		}
	}

	if until, ok := parseLegacyTime(rec.SnoozedUntil); ok && mapping.state != StateProcessed {
		it.Snooze = &Snooze{
			Until:       until,
			CreatedAt:   base,
			Reason:      rec.SnoozeReason,
			SnoozeCount: max(rec.SnoozeCount, 1),
		}
	}

	return Migration{
		Item:          it,
		Migrated:      true,
		FromStatus:    status,
		UnknownStatus: !known,
	}
}

// legacyTimeLayouts are tried in order for string timestamps.
var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseLegacyTime accepts ISO-8601 strings and unix seconds. Zone-less
// strings are read as UTC.
func parseLegacyTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range legacyTimeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
	case float64:
		if t <= 0 || math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, false
		}
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3).UTC(), true
	}
	return time.Time{}, false
}

func firstTime(values ...any) (time.Time, bool) {
	for _, v := range values {
		if t, ok := parseLegacyTime(v); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func legacyConfidence(v any) *float64 {
	if f, ok := v.(float64); ok {
		return &f
	}
	return nil
}

// legacyError reads the error field, which was either a message string or
// an object with message and type.
func legacyError(v any) (msg, kind string) {
	switch e := v.(type) {
	case string:
		return e, ""
	case map[string]any:
		msg, _ = e["message"].(string)
		kind, _ = e["type"].(string)
	}
	return msg, kind
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstRaw(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(v) > 0 && !bytes.Equal(v, []byte("null")) {
			return v
		}
	}
	return nil
}

// =============================================================================
// Migration runner
// =============================================================================

// MigrationOutcome is the per-item result of a migration run.
type MigrationOutcome string

const (
	OutcomeMigrated        MigrationOutcome = "migrated"
	OutcomeAlreadyMigrated MigrationOutcome = "already_migrated"
	OutcomeFailed          MigrationOutcome = "failed"
)

// MigrateOptions controls a migration run.
type MigrateOptions struct {
	// DryRun reports what would change without writing.
	DryRun bool

	// ItemID restricts the run to one item.
	ItemID string

	// Concurrency bounds parallel reads. Default 4.
	Concurrency int
}

// MigrationResult reports one item.
type MigrationResult struct {
	ID         string           `json:"id"`
	Outcome    MigrationOutcome `json:"outcome"`
	FromStatus string           `json:"from_status,omitempty"`
	ToState    State            `json:"to_state,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// MigrationReport summarizes a run. Results are in id order.
type MigrationReport struct {
	DryRun          bool              `json:"dry_run"`
	Results         []MigrationResult `json:"results"`
	Migrated        int               `json:"migrated"`
	AlreadyMigrated int               `json:"already_migrated"`
	Failed          int               `json:"failed"`
}

// Migrator rewrites legacy documents in a store.
type Migrator struct {
	store  *Store
	logger *slog.Logger
}

// NewMigrator returns a migrator for store.
func NewMigrator(store *Store, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Migrator{store: store, logger: logger}
}

// Run migrates every legacy document, or only opts.ItemID.
//
// # Description
//
// Documents are read and converted in parallel, bounded by
// opts.Concurrency. Writes go through the store's write lock and are
// skipped if the document changed since it was read. Per-item failures
// are reported, not returned.
//
// # Outputs
//
//   - MigrationReport: Per-item outcomes and totals.
//   - error: Non-nil only if listing fails or ctx is cancelled.
func (m *Migrator) Run(ctx context.Context, opts MigrateOptions) (MigrationReport, error) {
	report := MigrationReport{DryRun: opts.DryRun}

	ids := []string{opts.ItemID}
	if opts.ItemID == "" {
		var err error
		if ids, err = m.store.backend.IDs(); err != nil {
			return report, err
		}
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 4
	}

	results := make([]MigrationResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = m.migrateOne(id, opts.DryRun)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.Results = results
	for _, r := range results {
		switch r.Outcome {
		case OutcomeMigrated:
			report.Migrated++
		case OutcomeAlreadyMigrated:
			report.AlreadyMigrated++
		case OutcomeFailed:
			report.Failed++
		}
	}
	m.logger.Info("queue migration finished",
		slog.Bool("dry_run", opts.DryRun),
		slog.Int("migrated", report.Migrated),
		slog.Int("already_migrated", report.AlreadyMigrated),
		slog.Int("failed", report.Failed))
	return report, nil
}

func (m *Migrator) migrateOne(id string, dryRun bool) MigrationResult {
	result := MigrationResult{ID: id}
	fail := func(err error) MigrationResult {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		m.logger.Warn("queue migration failed", slog.String("item_id", id), slog.String("error", err.Error()))
		return result
	}

	raw, err := m.store.backend.Read(id)
	if err != nil {
		return fail(err)
	}
	mig, err := MigrateLegacy(raw)
	if err != nil {
		return fail(err)
	}
	mig.Item.ID = id
	result.ToState = mig.Item.State
	if !mig.Migrated {
		result.Outcome = OutcomeAlreadyMigrated
		return result
	}
	result.FromStatus = mig.FromStatus
	if mig.UnknownStatus {
		m.logger.Warn("unknown legacy status, item moved to awaiting_review",
			slog.String("item_id", id), slog.String("status", mig.FromStatus))
	}
	if err := mig.Item.Validate(); err != nil {
		return fail(err)
	}
	if !dryRun {
		if err := m.store.replaceLegacy(raw, &mig.Item); err != nil {
			return fail(err)
		}
	}
	result.Outcome = OutcomeMigrated
	return result
}

// errChangedDuringMigration is reported when a document was rewritten
// between the migration read and write.
var errChangedDuringMigration = errors.New("item changed during migration")
