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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// ProcessedSidecar is the file holding processed dedup keys.
	ProcessedSidecar = "processed_ids.json"

	// QuarantineDir is the subdirectory corrupt documents are moved to.
	QuarantineDir = "quarantine"

	itemExt    = ".json"
	tempPrefix = ".tmp-"
)

// processedFile is the sidecar document layout.
type processedFile struct {
	MessageIDs []string `json:"message_ids"`
}

// FileBackend stores one JSON document per item in a directory.
//
// # Description
//
// Layout:
//
//	<dir>/<id>.json             one item per file
//	<dir>/processed_ids.json    {"message_ids": [...]}
//	<dir>/quarantine/           corrupt files, renamed with a timestamp
//
// Every write goes to a temp file in the same directory, is fsynced and
// then renamed over the target, so readers never observe a partial file.
//
// # Thread Safety
//
// Safe for concurrent use. Sidecar updates are serialized by an internal
// mutex; item files rely on rename atomicity.
type FileBackend struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileBackend creates dir if needed and returns a backend rooted there.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("queue directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &FileBackend{dir: dir, now: time.Now}, nil
}

// Dir returns the queue directory.
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) path(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	if id+itemExt == ProcessedSidecar {
		return "", fmt.Errorf("%w %q", ErrInvalidID, id)
	}
	return filepath.Join(b.dir, id+itemExt), nil
}

// Read implements Backend.
func (b *FileBackend) Read(id string) ([]byte, error) {
	path, err := b.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read item %s: %w", id, err)
	}
	return data, nil
}

// Write implements Backend.
func (b *FileBackend) Write(id string, data []byte) error {
	path, err := b.path(id)
	if err != nil {
		return err
	}
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("write item %s: %w", id, err)
	}
	return nil
}

// Delete implements Backend.
func (b *FileBackend) Delete(id string) error {
	path, err := b.path(id)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return nil
}

// IDs implements Backend. Temp files, hidden files and the sidecar are skipped.
func (b *FileBackend) IDs() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if id, ok := itemIDFromName(entry.Name()); ok && !entry.IsDir() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// itemIDFromName returns the item id for a file name in the queue directory.
func itemIDFromName(name string) (string, bool) {
	if !strings.HasSuffix(name, itemExt) || strings.HasPrefix(name, ".") || name == ProcessedSidecar {
		return "", false
	}
	return strings.TrimSuffix(name, itemExt), true
}

// ProcessedKeys implements Backend. A missing sidecar is an empty set.
func (b *FileBackend) ProcessedKeys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.readSidecar()
	if err != nil {
		return nil, err
	}
	return doc.MessageIDs, nil
}

// AddProcessedKey implements Backend.
func (b *FileBackend) AddProcessedKey(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.readSidecar()
	if err != nil {
		return err
	}
	if slices.Contains(doc.MessageIDs, key) {
		return nil
	}
	doc.MessageIDs = append(doc.MessageIDs, key)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode processed ids: %w", err)
	}
	if err := atomicWrite(filepath.Join(b.dir, ProcessedSidecar), data); err != nil {
		return fmt.Errorf("write processed ids: %w", err)
	}
	return nil
}

func (b *FileBackend) readSidecar() (processedFile, error) {
	var doc processedFile
	data, err := os.ReadFile(filepath.Join(b.dir, ProcessedSidecar))
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read processed ids: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: processed ids: %v", ErrCorrupt, err)
	}
	return doc, nil
}

// Quarantine implements Backend. The file is renamed to
// quarantine/<id>.json.<timestamp>.corrupt.
func (b *FileBackend) Quarantine(id string) error {
	path, err := b.path(id)
	if err != nil {
		return err
	}
	qdir := filepath.Join(b.dir, QuarantineDir)
	if err := os.MkdirAll(qdir, 0o750); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	stamp := b.now().UTC().Format("20060102T150405")
	dest := filepath.Join(qdir, fmt.Sprintf("%s%s.%s.corrupt", id, itemExt, stamp))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("quarantine item %s: %w", id, err)
	}
	return nil
}

// Close implements Backend.
func (b *FileBackend) Close() error { return nil }

// atomicWrite writes data to a temp file in the target directory, fsyncs it
// and renames it over path. The temp file is removed on any failure.
func atomicWrite(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*"+itemExt)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, 0o640); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
