/*
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package mempool_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekxide/iceoryx/internal/mempool"
)

// newIndexQueue allocates aligned backing memory on the Go heap and returns
// an empty queue over it.
func newIndexQueue(t *testing.T, capacity uint32) *mempool.LockFreeIndexQueue {
	t.Helper()
	size := mempool.RequiredIndexMemorySize(capacity)
	backing := make([]byte, size+mempool.ChunkMemoryAlignment)
	alloc := mempool.NewBumpAllocator(backing)
	mem, err := alloc.Allocate(size, mempool.ChunkMemoryAlignment)
	require.NoError(t, err)
	q := mempool.NewLockFreeIndexQueue(mem, capacity)
	q.Init()
	return q
}

func TestIndexQueue_RequiredIndexMemorySize(t *testing.T) {
	testCases := []struct {
		capacity uint32
		expected uint64
	}{
		{1, 64 + 8 + 8},      // head line + one padded link word + one bitmap word
		{2, 64 + 8 + 8},      // two links pack into the same padded word
		{16, 64 + 64 + 8},    //
		{64, 64 + 256 + 8},   // exactly one bitmap word
		{65, 64 + 260 + 4 + 16}, // second bitmap word, link area padded to 8
		{1024, 64 + 4096 + 128},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("capacity_%d", tc.capacity), func(t *testing.T) {
			actual := mempool.RequiredIndexMemorySize(tc.capacity)
			if actual != tc.expected {
				t.Errorf("RequiredIndexMemorySize(%d) = %d, want %d", tc.capacity, actual, tc.expected)
			}
		})
	}
}

func TestIndexQueue_PopFromEmpty(t *testing.T) {
	q := newIndexQueue(t, 8)

	_, ok := q.Pop()
	assert.False(t, ok, "pop from an empty queue must fail")
	assert.Equal(t, uint32(0), q.Size())
}

func TestIndexQueue_PushPopSingle(t *testing.T) {
	q := newIndexQueue(t, 8)

	require.True(t, q.Push(5))
	assert.Equal(t, uint32(1), q.Size())

	index, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, uint32(5), index)
	assert.Equal(t, uint32(0), q.Size())
}

func TestIndexQueue_PushOutOfRange(t *testing.T) {
	q := newIndexQueue(t, 8)

	assert.False(t, q.Push(8))
	assert.False(t, q.Push(12345))
}

func TestIndexQueue_DoublePushDetected(t *testing.T) {
	q := newIndexQueue(t, 8)

	require.True(t, q.Push(3))
	assert.False(t, q.Push(3), "second push of the same index must fail")

	index, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, uint32(3), index)

	assert.True(t, q.Push(3), "after popping, the index may be pushed again")
}

func TestIndexQueue_FullQueueRejectsEverything(t *testing.T) {
	const capacity = 16
	q := newIndexQueue(t, capacity)

	for i := uint32(0); i < capacity; i++ {
		require.True(t, q.Push(i), "push of index %d into a non-full queue", i)
	}
	require.Equal(t, uint32(capacity), q.Size())

	for i := uint32(0); i < capacity; i++ {
		assert.False(t, q.Push(i), "push of index %d into a full queue", i)
	}
}

func TestIndexQueue_InitWithAllIndices(t *testing.T) {
	const capacity = 32
	q := newIndexQueue(t, capacity)
	q.InitWithAllIndices()

	require.Equal(t, uint32(capacity), q.Size())

	seen := make(map[uint32]bool)
	for i := 0; i < capacity; i++ {
		index, ok := q.Pop()
		require.True(t, ok)
		require.Less(t, index, uint32(capacity))
		require.False(t, seen[index], "index %d popped twice", index)
		seen[index] = true
	}

	_, ok := q.Pop()
	assert.False(t, ok, "queue must be empty after popping all indices")
}

func TestIndexQueue_DrainRefillCycles(t *testing.T) {
	const capacity = 8
	q := newIndexQueue(t, capacity)
	q.InitWithAllIndices()

	for cycle := 0; cycle < 100; cycle++ {
		var indices []uint32
		for {
			index, ok := q.Pop()
			if !ok {
				break
			}
			indices = append(indices, index)
		}
		require.Len(t, indices, capacity)
		for _, index := range indices {
			require.True(t, q.Push(index))
		}
	}
	assert.Equal(t, uint32(capacity), q.Size())
}

func TestIndexQueue_ConcurrentConservation(t *testing.T) {
	const (
		capacity = 128
		workers  = 8
		rounds   = 5000
	)
	q := newIndexQueue(t, capacity)
	q.InitWithAllIndices()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				index, ok := q.Pop()
				if !ok {
					continue
				}
				if !q.Push(index) {
					t.Errorf("push of a held index %d failed", index)
					return
				}
			}
		}()
	}
	wg.Wait()

	// All indices are back; every one must be present exactly once.
	require.Equal(t, uint32(capacity), q.Size())
	seen := make(map[uint32]bool)
	for i := 0; i < capacity; i++ {
		index, ok := q.Pop()
		require.True(t, ok)
		require.False(t, seen[index], "index %d present twice after concurrent churn", index)
		seen[index] = true
	}
}
