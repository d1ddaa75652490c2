// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue provides the durable triage queue.
//
// Items move through a fixed lifecycle:
//
//	            +--------------------------------------------+
//	            |                                            v
//	queued --> analyzing --> awaiting_review --> processed (resolution)
//	   ^           |               |    ^             |
//	   |           v               v    +---- reopen -+
//	   +------- error <------------+
//
// Snoozes hide an item from its tab until a deadline and are orthogonal to
// state. Documents live behind a Backend (one JSON file per item by
// default, or BadgerDB). Records written before the state machine existed
// are converted by MigrateLegacy on read and rewritten by Migrator.
package queue

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the queue's public API.
//
// # Description
//
// Every operation is atomic per item. Mutations are serialized by one
// write lock, so updates to the same id are linearized. Reads (Get, List,
// Stats) do not take the lock and see a point-in-time view of each
// document; a List or Stats running beside writers is eventually
// consistent, not transactional.
//
// The store assumes it is the only writer to its backend. Dedup lookups use
// an index built from the backend on first use.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu        sync.Mutex
	dedup     map[string]string
	processed map[string]struct{}
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides uuid generation for new items.
func WithIDGenerator(fn func() string) StoreOption {
	return func(s *Store) { s.newID = fn }
}

// NewStore returns a store over backend. A nil logger discards logs.
func NewStore(backend Backend, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the storage backend.
func (s *Store) Backend() Backend { return s.backend }

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// =============================================================================
// Single-item operations
// =============================================================================

// Save creates a new item and returns its id.
//
// # Description
//
// New items start in queued (the default) or analyzing. An empty ID is
// filled with a uuid. queued_at (and analysis_started_at for analyzing)
// are stamped when absent.
//
// # Outputs
//
//   - string: The item id, or "" on error.
//   - error: Wraps ErrDuplicate if the dedup key belongs to a live item or
//     was processed before, or if the id exists. Wraps ErrInvalidTransition
//     for any other starting state.
func (s *Store) Save(item Item) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.State == "" {
		item.State = StateQueued
	}
	if item.State != StateQueued && item.State != StateAnalyzing {
		return "", fmt.Errorf("%w: new items start queued or analyzing, not %s", ErrInvalidTransition, item.State)
	}
	if err := s.ensureIndexLocked(); err != nil {
		return "", err
	}
	if key := item.DedupKey; key != "" {
		if _, ok := s.processed[key]; ok {
			return "", fmt.Errorf("%w: dedup key %q was already processed", ErrDuplicate, key)
		}
		if owner, ok := s.dedup[key]; ok {
			return "", fmt.Errorf("%w: dedup key %q is held by item %s", ErrDuplicate, key, owner)
		}
	}

	if item.ID == "" {
		item.ID = s.newID()
	} else if _, err := s.backend.Read(item.ID); err == nil {
		return "", fmt.Errorf("%w: item %s exists", ErrDuplicate, item.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	now := s.now()
	item.SchemaVersion = SchemaVersion
	if item.Timestamps.QueuedAt == nil {
		item.Timestamps.QueuedAt = timePtr(now)
	}
	if item.State == StateAnalyzing && item.Timestamps.AnalysisStartedAt == nil {
		started := now
		if started.Before(*item.Timestamps.QueuedAt) {
			started = *item.Timestamps.QueuedAt
		}
		item.Timestamps.AnalysisStartedAt = &started
	}

	if err := s.writeLocked(&item); err != nil {
		return "", err
	}
	if item.DedupKey != "" {
		s.dedup[item.DedupKey] = item.ID
	}
	s.logger.Debug("queue item saved", slog.String("item_id", item.ID), slog.String("state", string(item.State)))
	return item.ID, nil
}

// Get returns a copy of the item.
//
// # Outputs
//
//   - error: Wraps ErrNotFound, ErrCorrupt or ErrInvariant.
func (s *Store) Get(id string) (*Item, error) {
	return s.load(id)
}

// Patch lists the fields Update may change. Nil fields are left alone.
// State, resolution, error and snooze change only through SetState and
// SetSnooze.
type Patch struct {
	AccountID       *string
	Source          *Source
	ContentPreview  *string
	SourceMetadata  json.RawMessage
	AnalysisPayload json.RawMessage
}

// Update applies patch to an item and returns the result.
func (s *Store) Update(id string, patch Patch) (*Item, error) {
	return s.mutate(id, func(it *Item, _ time.Time) error {
		if patch.AccountID != nil {
			it.AccountID = *patch.AccountID
		}
		if patch.Source != nil {
			it.Source = *patch.Source
		}
		if patch.ContentPreview != nil {
			it.ContentPreview = *patch.ContentPreview
		}
		if patch.SourceMetadata != nil {
			it.SourceMetadata = patch.SourceMetadata
		}
		if patch.AnalysisPayload != nil {
			it.AnalysisPayload = patch.AnalysisPayload
		}
		return nil
	})
}

// Remove deletes an item. Its dedup key stays recorded if the item was
// ever processed; otherwise the key becomes free again.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(id); err != nil {
		return err
	}
	for key, owner := range s.dedup {
		if owner == id {
			delete(s.dedup, key)
		}
	}
	s.logger.Debug("queue item removed", slog.String("item_id", id))
	return nil
}

// SetState applies a transition.
//
// # Description
//
// The move must be allowed by the transition table. Timestamps are
// stamped as the item moves: analysis_started_at on analyzing,
// analysis_completed_at on awaiting_review and on error from analyzing,
// reviewed_at on processed. Moving to processed clears any snooze and
// records the dedup key as processed.
//
// # Outputs
//
//   - *Item: The updated item.
//   - error: Wraps ErrInvalidTransition (and ErrTerminal when leaving
//     processed for anything but awaiting_review) or ErrNotFound.
func (s *Store) SetState(id string, t Transition) (*Item, error) {
	if !t.to.Valid() {
		return nil, fmt.Errorf("%w: empty transition", ErrInvalidTransition)
	}
	if (t.to == StateProcessed && t.resolution == nil) || (t.to == StateError && t.err == nil) {
		return nil, fmt.Errorf("%w: transition to %s built without its record", ErrInvalidTransition, t.to)
	}

	var from State
	it, err := s.mutateThen(id, func(it *Item, now time.Time) error {
		from = it.State
		if !CanTransition(it.State, t.to) {
			if it.State.IsTerminal() {
				return fmt.Errorf("%w: %w: item %s %s -> %s", ErrInvalidTransition, ErrTerminal, id, it.State, t.to)
			}
			return fmt.Errorf("%w: item %s %s -> %s", ErrInvalidTransition, id, it.State, t.to)
		}
		t.apply(it, now)
		return nil
	}, func(it *Item) error {
		if it.State == StateProcessed && it.DedupKey != "" {
			return s.markProcessedLocked(it.DedupKey)
		}
		return nil
	})
	if err != nil {
		return it, err
	}

	s.logger.Info("queue item state changed",
		slog.String("item_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(it.State)))
	return it, nil
}

// SetSnooze hides an item until until. Re-snoozing increments the count.
//
// # Outputs
//
//   - error: Wraps ErrTerminal for processed items.
func (s *Store) SetSnooze(id string, until time.Time, reason string) (*Item, error) {
	return s.mutate(id, func(it *Item, now time.Time) error {
		if it.State.IsTerminal() {
			return fmt.Errorf("%w: cannot snooze item %s", ErrTerminal, id)
		}
		count := 1
		if it.Snooze != nil {
			count = it.Snooze.SnoozeCount + 1
		}
		it.Snooze = &Snooze{Until: until, CreatedAt: now, Reason: reason, SnoozeCount: count}
		return nil
	})
}

// ClearSnooze removes any snooze. Clearing an unsnoozed item is a no-op.
func (s *Store) ClearSnooze(id string) (*Item, error) {
	return s.mutate(id, func(it *Item, _ time.Time) error {
		it.Snooze = nil
		return nil
	})
}

// mutate loads id under the write lock, applies fn and writes the result.
func (s *Store) mutate(id string, fn func(it *Item, now time.Time) error) (*Item, error) {
	return s.mutateThen(id, fn, nil)
}

// mutateThen is mutate with a hook that runs after the write, still under
// the lock. A hook error is returned with the written item.
func (s *Store) mutateThen(id string, fn func(it *Item, now time.Time) error, after func(it *Item) error) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if err := fn(it, s.now()); err != nil {
		return nil, err
	}
	if err := s.writeLocked(it); err != nil {
		return nil, err
	}
	if after != nil {
		if err := after(it); err != nil {
			return it.clone(), err
		}
	}
	return it.clone(), nil
}

// =============================================================================
// Collection operations
// =============================================================================

// Filter selects items for List. Zero fields match everything.
//
// IncludeSnoozed=false hides items with an active snooze, except when Tab
// is TabSnoozed, which selects exactly those.
type Filter struct {
	State          State
	Tab            Tab
	Account        string
	IncludeSnoozed bool
}

func (f Filter) match(it *Item, now time.Time) bool {
	if f.State != "" && it.State != f.State {
		return false
	}
	if f.Account != "" && it.AccountID != f.Account {
		return false
	}
	if f.Tab != "" {
		return it.Tab(now) == f.Tab
	}
	return f.IncludeSnoozed || !it.Snooze.Active(now)
}

// List returns matching items sorted by queued_at, ties broken by id.
// Unreadable documents are logged and skipped.
func (s *Store) List(f Filter) ([]*Item, error) {
	items, err := s.scan()
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := items[:0]
	for _, it := range items {
		if f.match(it, now) {
			out = append(out, it)
		}
	}
	slices.SortFunc(out, func(a, b *Item) int {
		return cmp.Or(
			queuedAt(a).Compare(queuedAt(b)),
			strings.Compare(a.ID, b.ID),
		)
	})
	return out, nil
}

func queuedAt(it *Item) time.Time {
	if it.Timestamps.QueuedAt == nil {
		return time.Time{}
	}
	return *it.Timestamps.QueuedAt
}

// Stats is a point-in-time count of the queue. Every state and tab key is
// present; tab counts sum to Total.
type Stats struct {
	Total        int                    `json:"total"`
	ByState      map[State]int          `json:"by_state"`
	ByResolution map[ResolutionType]int `json:"by_resolution"`
	ByAccount    map[string]int         `json:"by_account"`
	ByTab        map[Tab]int            `json:"by_tab"`
	GeneratedAt  time.Time              `json:"generated_at"`
}

// Stats counts items by state, resolution type, account and tab.
//
// # Thread Safety
//
// Stats does not take the write lock. Each item is counted as of its last
// committed write, so a snapshot taken during writes may mix older and
// newer items, but it never loses or double counts one. Counts match the
// stored state once writers stop.
func (s *Store) Stats() (Stats, error) {
	items, err := s.scan()
	if err != nil {
		return Stats{}, err
	}
	now := s.now()
	st := Stats{
		ByState:      make(map[State]int, len(AllStates)),
		ByResolution: make(map[ResolutionType]int, len(AllResolutionTypes)),
		ByAccount:    make(map[string]int),
		ByTab:        make(map[Tab]int, len(AllTabs)),
		GeneratedAt:  now,
	}
	for _, state := range AllStates {
		st.ByState[state] = 0
	}
	for _, tab := range AllTabs {
		st.ByTab[tab] = 0
	}
	for _, it := range items {
		st.Total++
		st.ByState[it.State]++
		st.ByTab[it.Tab(now)]++
		if it.Resolution != nil {
			st.ByResolution[it.Resolution.Type]++
		}
		if it.AccountID != "" {
			st.ByAccount[it.AccountID]++
		}
	}
	return st, nil
}

// WakeExpiredSnoozes clears every snooze whose deadline is at or before now
// and returns how many were cleared.
func (s *Store) WakeExpiredSnoozes() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.backend.IDs()
	if err != nil {
		return 0, err
	}
	now := s.now()
	woken := 0
	for _, id := range ids {
		it, err := s.load(id)
		if err != nil {
			s.skipUnreadable(id, err)
			continue
		}
		if it.Snooze == nil || it.Snooze.Until.After(now) {
			continue
		}
		it.Snooze = nil
		if err := s.writeLocked(it); err != nil {
			return woken, err
		}
		woken++
	}
	if woken > 0 {
		s.logger.Info("woke snoozed queue items", slog.Int("count", woken))
	}
	return woken, nil
}

// scan loads every readable item. Corrupt documents are quarantined.
func (s *Store) scan() ([]*Item, error) {
	ids, err := s.backend.IDs()
	if err != nil {
		return nil, err
	}
	items := make([]*Item, 0, len(ids))
	for _, id := range ids {
		it, err := s.load(id)
		if err != nil {
			s.skipUnreadable(id, err)
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

func (s *Store) skipUnreadable(id string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		// Removed between listing and reading.
	case errors.Is(err, ErrCorrupt):
		s.logger.Warn("quarantining unreadable queue item", slog.String("item_id", id), slog.String("error", err.Error()))
		if qerr := s.backend.Quarantine(id); qerr != nil && !errors.Is(qerr, ErrNotFound) {
			s.logger.Error("quarantine failed", slog.String("item_id", id), slog.String("error", qerr.Error()))
		}
	default:
		s.logger.Warn("skipping invalid queue item", slog.String("item_id", id), slog.String("error", err.Error()))
	}
}

// =============================================================================
// Persistence helpers
// =============================================================================

// load reads and decodes id, converting legacy documents in memory.
func (s *Store) load(id string) (*Item, error) {
	raw, err := s.backend.Read(id)
	if err != nil {
		return nil, err
	}
	mig, err := MigrateLegacy(raw)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", id, err)
	}
	it := &mig.Item
	it.ID = id
	if err := it.Validate(); err != nil {
		return nil, err
	}
	return it, nil
}

// writeLocked validates and persists it. Caller holds s.mu.
func (s *Store) writeLocked(it *Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return fmt.Errorf("encode item %s: %w", it.ID, err)
	}
	return s.backend.Write(it.ID, data)
}

// markProcessedLocked records key as processed. Caller holds s.mu.
func (s *Store) markProcessedLocked(key string) error {
	if err := s.backend.AddProcessedKey(key); err != nil {
		return err
	}
	if s.processed != nil {
		s.processed[key] = struct{}{}
	}
	return nil
}

// ensureIndexLocked builds the dedup index on first use. Caller holds s.mu.
func (s *Store) ensureIndexLocked() error {
	if s.dedup != nil {
		return nil
	}
	keys, err := s.backend.ProcessedKeys()
	if err != nil {
		return err
	}
	processed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		processed[k] = struct{}{}
	}

	items, err := s.scan()
	if err != nil {
		return err
	}
	dedup := make(map[string]string, len(items))
	for _, it := range items {
		if it.DedupKey != "" {
			dedup[it.DedupKey] = it.ID
		}
	}
	s.dedup, s.processed = dedup, processed
	return nil
}

// replaceLegacy writes a migrated item if its stored bytes still equal raw.
func (s *Store) replaceLegacy(raw []byte, it *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.backend.Read(it.ID)
	if err != nil {
		return err
	}
	if !bytes.Equal(current, raw) {
		return fmt.Errorf("%w: %s", errChangedDuringMigration, it.ID)
	}
	if err := s.writeLocked(it); err != nil {
		return err
	}
	if it.State == StateProcessed && it.DedupKey != "" {
		if err := s.backend.AddProcessedKey(it.DedupKey); err != nil {
			return err
		}
	}
	if s.processed != nil && it.State == StateProcessed && it.DedupKey != "" {
		s.processed[it.DedupKey] = struct{}{}
	}
	return nil
}
