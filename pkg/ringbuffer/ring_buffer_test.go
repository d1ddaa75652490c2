// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ringbuffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_PanicsOnNonPositiveCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
	assert.Panics(t, func() { New[int](-3) })
}

func TestPush_EvictsOldestWhenFull(t *testing.T) {
	rb := New[int](3)

	for i := 1; i <= 3; i++ {
		assert.False(t, rb.Push(i))
	}
	assert.True(t, rb.Push(4))
	assert.True(t, rb.Push(5))

	assert.Equal(t, []int{3, 4, 5}, rb.Snapshot())
	assert.Equal(t, int64(2), rb.DroppedCount())
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, 3, rb.Capacity())
}

func TestSnapshot_EmptyIsNil(t *testing.T) {
	rb := New[string](2)
	assert.Nil(t, rb.Snapshot())
}

func TestSnapshot_DoesNotConsume(t *testing.T) {
	rb := New[int](4)
	rb.Push(1)
	rb.Push(2)

	first := rb.Snapshot()
	first[0] = 99

	assert.Equal(t, []int{1, 2}, rb.Snapshot())
}

func TestPush_Concurrent(t *testing.T) {
	rb := New[int](100)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				rb.Push(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, rb.Len())
	assert.Equal(t, int64(400), rb.DroppedCount())
}
