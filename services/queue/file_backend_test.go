// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend_ReadWriteDelete(t *testing.T) {
	b, err := NewFileBackend(filepath.Join(t.TempDir(), "nested", "queue"))
	require.NoError(t, err)

	_, err = b.Read("a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Write("a", []byte(`{"v":1}`)))
	require.NoError(t, b.Write("a", []byte(`{"v":2}`)))
	data, err := b.Read("a")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	require.NoError(t, b.Delete("a"))
	assert.ErrorIs(t, b.Delete("a"), ErrNotFound)
}

func TestFileBackend_RejectsUnsafeIDs(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"../escape", `a\b`, ".hidden", "processed_ids"} {
		assert.ErrorIs(t, b.Write(id, []byte(`{}`)), ErrInvalidID, id)
	}
	_, err = b.Read("")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackend_IDsSkipsInternalFiles(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	require.NoError(t, b.Write("b", []byte(`{}`)))
	require.NoError(t, b.Write("a", []byte(`{}`)))
	require.NoError(t, b.AddProcessedKey("k"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-123.json"), []byte(`{`), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o640))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o750))

	ids, err := b.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestFileBackend_WriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Write("item", []byte(`{"n": 1}`)))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "item.json", entries[0].Name())
}

func TestFileBackend_ProcessedSidecar(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	keys, err := b.ProcessedKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, b.AddProcessedKey("m-1"))
	require.NoError(t, b.AddProcessedKey("m-2"))
	require.NoError(t, b.AddProcessedKey("m-1"))

	data, err := os.ReadFile(filepath.Join(dir, ProcessedSidecar))
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_ids": ["m-1", "m-2"]}`, string(data))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ProcessedSidecar), []byte(`{"message_ids": [`), 0o640))
	_, err = b.ProcessedKeys()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileBackend_Quarantine(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	b.now = func() time.Time { return t0 }

	require.NoError(t, b.Write("bad", []byte(`garbage`)))
	require.NoError(t, b.Quarantine("bad"))

	_, err = b.Read("bad")
	assert.ErrorIs(t, err, ErrNotFound)
	data, err := os.ReadFile(filepath.Join(dir, QuarantineDir, "bad.json.20250601T090000.corrupt"))
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(data))
}
