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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes. Quarantined documents keep their bytes under their own
// prefix so they drop out of IDs without being lost.
const (
	itemPrefix       = "item/"
	processedPrefix  = "processed/"
	quarantinePrefix = "quarantine/"
)

// BadgerConfig holds configuration for a BadgerBackend.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults for path.
//
// Description:
//
//	SyncWrites on, value log GC every 5 minutes at a 0.5 discard ratio.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration with no disk I/O and no GC.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerBackend stores items in an embedded BadgerDB.
//
// Description:
//
//	Keys are item/<id> for documents and processed/<key> for the dedup
//	set. Each Backend call is a single Badger transaction, which gives
//	the same whole-document atomicity as the file backend's rename.
//
// Thread Safety: Safe for concurrent use.
type BadgerBackend struct {
	db       *badger.DB
	gc       *gcRunner
	closeMux sync.Once
	closeErr error
}

// OpenBadgerBackend opens (or creates) a BadgerDB for queue storage.
//
// Description:
//
//	Creates Path if needed and starts the value log GC runner when
//	GCInterval is set and the database is on disk.
//
// Inputs:
//
//	cfg - Backend configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*BadgerBackend - The open backend. Caller must call Close().
//	error - Non-nil if the database cannot be opened.
func OpenBadgerBackend(cfg BadgerConfig) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent queue")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &BadgerBackend{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		b.gc = newGCRunner(db, cfg.GCInterval, ratio, cfg.Logger)
		b.gc.start()
	}
	return b, nil
}

// Read implements Backend.
func (b *BadgerBackend) Read(id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(itemPrefix + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read item %s: %w", id, err)
	}
	return data, nil
}

// Write implements Backend.
func (b *BadgerBackend) Write(id string, data []byte) error {
	if err := validateID(id); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(itemPrefix+id), data)
	})
	if err != nil {
		return fmt.Errorf("write item %s: %w", id, err)
	}
	return nil
}

// Delete implements Backend.
func (b *BadgerBackend) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	key := []byte(itemPrefix + id)
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return nil
}

// IDs implements Backend. Badger iterates keys in byte order.
func (b *BadgerBackend) IDs() ([]string, error) {
	keys, err := b.keysWithPrefix(itemPrefix)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return keys, nil
}

// ProcessedKeys implements Backend.
func (b *BadgerBackend) ProcessedKeys() ([]string, error) {
	keys, err := b.keysWithPrefix(processedPrefix)
	if err != nil {
		return nil, fmt.Errorf("list processed keys: %w", err)
	}
	return keys, nil
}

// AddProcessedKey implements Backend.
func (b *BadgerBackend) AddProcessedKey(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(processedPrefix+key), nil)
	})
	if err != nil {
		return fmt.Errorf("add processed key: %w", err)
	}
	return nil
}

// Quarantine implements Backend.
func (b *BadgerBackend) Quarantine(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		key := []byte(itemPrefix + id)
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(quarantinePrefix+id), data); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("quarantine item %s: %w", id, err)
	}
	return nil
}

// Close stops the GC runner and closes the database. Safe to call twice.
func (b *BadgerBackend) Close() error {
	b.closeMux.Do(func() {
		if b.gc != nil {
			b.gc.stop()
		}
		b.closeErr = b.db.Close()
	})
	return b.closeErr
}

func (b *BadgerBackend) keysWithPrefix(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

// gcRunner runs periodic value log garbage collection.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *gcRunner) start() { go r.run() }

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing was worth collecting.
			err := r.db.RunValueLogGC(r.ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
				r.logger.Warn("queue value log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}
