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
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekxide/iceoryx/internal/mempool"
)

const headerSize = uint32(unsafe.Sizeof(mempool.ChunkHeader{}))

// newChunk returns 32-byte aligned chunk memory of the given size.
func newChunk(t *testing.T, size uint32) unsafe.Pointer {
	t.Helper()
	alloc := mempool.NewBumpAllocator(make([]byte, uint64(size)+mempool.ChunkMemoryAlignment))
	mem, err := alloc.Allocate(uint64(size), mempool.ChunkMemoryAlignment)
	require.NoError(t, err)
	return mem
}

// expectFault runs fn and asserts that it takes the fatal path with the given
// fault tag.
func expectFault(t *testing.T, want mempool.Fault, fn func()) {
	t.Helper()
	prev := mempool.SetFaultHandler(func(mempool.Fault, string) {})
	defer mempool.SetFaultHandler(prev)
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected fault %v, got none", want)
		fe, ok := r.(*mempool.FaultError)
		require.True(t, ok, "panic value %v is not a *FaultError", r)
		assert.Equal(t, want, fe.Fault)
	}()
	fn()
}

func TestChunkHeader_InitializedMembers(t *testing.T) {
	chunkSize := 2 * headerSize
	chunk := newChunk(t, chunkSize)

	h := mempool.InitChunkHeader(chunk, chunkSize, 8,
		mempool.DefaultPayloadAlignment, mempool.NoUserHeaderSize, mempool.NoUserHeaderAlignment)

	// deliberately a magic number so this fails when the format changes
	assert.Equal(t, uint8(1), h.Version())

	assert.Equal(t, chunkSize, h.ChunkSize())
	assert.Equal(t, uint32(8), h.PayloadSize())
	assert.Equal(t, mempool.InvalidOriginID, h.OriginID())
	assert.Equal(t, uint64(0), h.SequenceNumber())

	// a freshly initialized header without a user header has an adjacent payload
	assert.Equal(t, headerSize, h.PayloadOffset())
}

func TestChunkHeader_PayloadPointer(t *testing.T) {
	chunk := newChunk(t, 128)
	h := mempool.InitChunkHeader(chunk, 128, 32,
		mempool.DefaultPayloadAlignment, mempool.NoUserHeaderSize, mempool.NoUserHeaderAlignment)

	want := uintptr(chunk) + uintptr(headerSize)
	assert.Equal(t, want, uintptr(h.Payload()))
}

func TestChunkHeader_FromPayloadRoundTrip(t *testing.T) {
	chunk := newChunk(t, 128)
	h := mempool.InitChunkHeader(chunk, 128, 32,
		mempool.DefaultPayloadAlignment, mempool.NoUserHeaderSize, mempool.NoUserHeaderAlignment)

	assert.Same(t, h, mempool.FromPayload(h.Payload()))
}

func TestChunkHeader_FromPayloadNil(t *testing.T) {
	assert.Nil(t, mempool.FromPayload(nil))
	assert.Nil(t, mempool.FromPayloadWithUserHeader(nil))
}

func TestChunkHeader_ChunkHeaderAt(t *testing.T) {
	chunk := newChunk(t, 128)
	h := mempool.InitChunkHeader(chunk, 128, 8,
		mempool.DefaultPayloadAlignment, mempool.NoUserHeaderSize, mempool.NoUserHeaderAlignment)

	assert.Same(t, h, mempool.ChunkHeaderAt(chunk))
}

func TestChunkHeader_UserHeaderLayout(t *testing.T) {
	testCases := []struct {
		name                string
		userHeaderSize      uint32
		userHeaderAlignment uint32
		payloadAlignment    uint32
	}{
		{"u64_header_byte_payload", 8, 8, 1},
		{"u64_header_u64_payload", 8, 8, 8},
		{"small_header_wide_payload", 4, 4, 32},
		{"large_header", 64, 8, 16},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			chunk := newChunk(t, 512)
			h := mempool.InitChunkHeader(chunk, 512, 16,
				tc.payloadAlignment, tc.userHeaderSize, tc.userHeaderAlignment)

			// user header directly behind the chunk header
			assert.Equal(t, uintptr(chunk)+uintptr(headerSize), uintptr(h.UserHeader()))

			// payload honors its alignment and leaves room for the back-offset word
			payload := uintptr(h.Payload())
			assert.Zero(t, payload%uintptr(tc.payloadAlignment), "payload not aligned to %d", tc.payloadAlignment)
			assert.GreaterOrEqual(t, h.PayloadOffset(), headerSize+tc.userHeaderSize+4)

			// the back-offset word recovers the header from the payload pointer
			assert.Same(t, h, mempool.FromPayloadWithUserHeader(h.Payload()))
		})
	}
}

func TestChunkHeader_UsedSizeOfChunk(t *testing.T) {
	chunkSize := 2 * headerSize
	chunk := newChunk(t, chunkSize)

	t.Run("zero_payload", func(t *testing.T) {
		h := mempool.InitChunkHeader(chunk, chunkSize, 0,
			mempool.DefaultPayloadAlignment, mempool.NoUserHeaderSize, mempool.NoUserHeaderAlignment)
		assert.Equal(t, headerSize, h.UsedSizeOfChunk())
	})

	t.Run("one_byte_payload", func(t *testing.T) {
		h := mempool.InitChunkHeader(chunk, chunkSize, 1,
			mempool.DefaultPayloadAlignment, mempool.NoUserHeaderSize, mempool.NoUserHeaderAlignment)
		assert.Equal(t, headerSize+1, h.UsedSizeOfChunk())
	})

	t.Run("payload_overflows_chunk", func(t *testing.T) {
		h := mempool.InitChunkHeader(chunk, chunkSize, math.MaxUint32,
			mempool.DefaultPayloadAlignment, mempool.NoUserHeaderSize, mempool.NoUserHeaderAlignment)
		expectFault(t, mempool.FaultChunkOverflow, func() {
			h.UsedSizeOfChunk()
		})
	})
}

func TestChunkHeader_OriginAndSequence(t *testing.T) {
	chunk := newChunk(t, 128)
	h := mempool.InitChunkHeader(chunk, 128, 8,
		mempool.DefaultPayloadAlignment, mempool.NoUserHeaderSize, mempool.NoUserHeaderAlignment)

	h.SetOriginID(42)
	h.SetSequenceNumber(7)
	assert.Equal(t, uint64(42), h.OriginID())
	assert.Equal(t, uint64(7), h.SequenceNumber())
}
