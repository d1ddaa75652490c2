// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBadger(t *testing.T) *BadgerBackend {
	t.Helper()
	b, err := OpenBadgerBackend(InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBadgerBackend_ReadWriteDelete(t *testing.T) {
	b := openTestBadger(t)

	_, err := b.Read("a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Write("a", []byte(`{"v":1}`)))
	require.NoError(t, b.Write("b", []byte(`{"v":2}`)))
	data, err := b.Read("a")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	ids, err := b.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, b.Delete("a"))
	assert.ErrorIs(t, b.Delete("a"), ErrNotFound)
}

func TestBadgerBackend_ProcessedKeysAreSeparate(t *testing.T) {
	b := openTestBadger(t)

	require.NoError(t, b.Write("item-1", []byte(`{}`)))
	require.NoError(t, b.AddProcessedKey("m-1"))
	require.NoError(t, b.AddProcessedKey("m-1"))

	keys, err := b.ProcessedKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1"}, keys)

	ids, err := b.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"item-1"}, ids)
}

func TestBadgerBackend_Quarantine(t *testing.T) {
	b := openTestBadger(t)

	require.NoError(t, b.Write("bad", []byte(`garbage`)))
	require.NoError(t, b.Quarantine("bad"))

	_, err := b.Read("bad")
	assert.ErrorIs(t, err, ErrNotFound)
	ids, err := b.IDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.ErrorIs(t, b.Quarantine("bad"), ErrNotFound)
}

func TestBadgerBackend_PersistsAcrossReopen(t *testing.T) {
	cfg := DefaultBadgerConfig(t.TempDir())
	cfg.GCInterval = time.Hour

	b, err := OpenBadgerBackend(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Write("a", []byte(`{"v":1}`)))
	require.NoError(t, b.AddProcessedKey("m-1"))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")

	b, err = OpenBadgerBackend(cfg)
	require.NoError(t, err)
	defer b.Close()

	data, err := b.Read("a")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))
	keys, err := b.ProcessedKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1"}, keys)
}

func TestOpenBadgerBackend_RequiresPath(t *testing.T) {
	_, err := OpenBadgerBackend(BadgerConfig{})
	assert.Error(t, err)
}
