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

package mempool

import "unsafe"

// Chunk header constants.
const (
	// ChunkHeaderVersion is the format discriminator written into every
	// chunk header.
	ChunkHeaderVersion = uint8(1)

	// InvalidOriginID marks a chunk that has not been stamped by a
	// publisher port yet.
	InvalidOriginID = uint64(0)

	// NoUserHeaderSize requests a layout without a user header.
	NoUserHeaderSize = uint32(0)

	// NoUserHeaderAlignment is the alignment to pass alongside
	// NoUserHeaderSize.
	NoUserHeaderAlignment = uint32(1)

	// DefaultPayloadAlignment places the payload directly behind the
	// preceding header with no padding.
	DefaultPayloadAlignment = uint32(1)

	// payloadOffsetSize is the width of the back-offset word stored
	// immediately in front of the payload when a user header is present.
	payloadOffsetSize = uint32(4)
)

// ChunkHeader is the inline metadata prefix at offset 0 of every chunk. It
// makes a raw chunk self-describing: all stored quantities are offsets or
// sizes relative to the header itself, never absolute addresses, so any
// process mapping the region can navigate between a chunk, its optional user
// header, and its payload.
//
// Reference layout, pinned by TestChunkHeader_Layout:
//
//	offset  size  field
//	 0      4     chunkSize
//	 4      1     chunkHeaderVersion = 1
//	 5      1     reserved1 = 0
//	 6      2     reserved2 = 0
//	 8      4     reserved3 = 0
//	12      4     payloadSize
//	16      4     payloadOffset
//	20      4     reserved4 = 0 (keeps the 64-bit fields naturally aligned)
//	24      8     originID
//	32      8     sequenceNumber
//
// All fields other than originID and sequenceNumber are written once at
// initialization; the publisher stamps originID and sequenceNumber before the
// chunk pointer is forwarded, and the forwarding queue provides the
// happens-before edge for subscribers.
type ChunkHeader struct {
	chunkSize          uint32
	chunkHeaderVersion uint8
	reserved1          uint8
	reserved2          uint16
	reserved3          uint32
	payloadSize        uint32
	payloadOffset      uint32
	reserved4          uint32
	originID           uint64
	sequenceNumber     uint64
}

// chunkHeaderSize is the in-memory header size; payloadOffset equals it for
// adjacent layouts.
const chunkHeaderSize = uint32(unsafe.Sizeof(ChunkHeader{}))

// InitChunkHeader initializes a ChunkHeader in place at the start of a chunk
// and returns it.
//
// For userHeaderSize == 0 the payload is adjacent: payloadOffset equals the
// header size and no back-offset word exists. Otherwise the user header
// follows the chunk header directly and the payload starts at the smallest
// payloadAlignment-aligned offset that leaves room for the back-offset word
// in front of it; the back-offset word stores the distance from header start
// to payload so FromPayloadWithUserHeader can recover the header regardless
// of padding. payloadAlignment and userHeaderAlignment must be powers of two;
// the user header sits directly at the header's end, so userHeaderAlignment
// must divide the header size (at most 8).
//
// The caller guarantees that the computed layout fits the chunk;
// UsedSizeOfChunk enforces it fatally on use.
func InitChunkHeader(chunk unsafe.Pointer, chunkSize, payloadSize, payloadAlignment, userHeaderSize, userHeaderAlignment uint32) *ChunkHeader {
	h := (*ChunkHeader)(chunk)
	*h = ChunkHeader{
		chunkSize:          chunkSize,
		chunkHeaderVersion: ChunkHeaderVersion,
		payloadSize:        payloadSize,
		originID:           InvalidOriginID,
	}

	if userHeaderSize == NoUserHeaderSize {
		h.payloadOffset = chunkHeaderSize
		return h
	}

	unaligned := chunkHeaderSize + userHeaderSize + payloadOffsetSize
	h.payloadOffset = uint32(align(uint64(unaligned), uint64(payloadAlignment)))

	// Back-offset word immediately in front of the payload.
	backOffsetPtr := (*uint32)(unsafe.Add(chunk, h.payloadOffset-payloadOffsetSize))
	*backOffsetPtr = h.payloadOffset

	return h
}

// ChunkHeaderAt reattaches a header view to a chunk pointer.
func ChunkHeaderAt(chunk unsafe.Pointer) *ChunkHeader {
	return (*ChunkHeader)(chunk)
}

// FromPayload returns the header owning an adjacent-layout payload pointer,
// or nil for a nil payload. For chunks built with a user header use
// FromPayloadWithUserHeader; the publisher knows which layout it constructed.
func FromPayload(payload unsafe.Pointer) *ChunkHeader {
	if payload == nil {
		return nil
	}
	return (*ChunkHeader)(unsafe.Add(payload, -int(chunkHeaderSize)))
}

// FromPayloadWithUserHeader returns the header owning a payload pointer in a
// user-header layout by reading the back-offset word in front of the payload,
// or nil for a nil payload.
func FromPayloadWithUserHeader(payload unsafe.Pointer) *ChunkHeader {
	if payload == nil {
		return nil
	}
	offset := *(*uint32)(unsafe.Add(payload, -int(payloadOffsetSize)))
	return (*ChunkHeader)(unsafe.Add(payload, -int(offset)))
}

// Payload returns a pointer to the user payload.
func (h *ChunkHeader) Payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), h.payloadOffset)
}

// UserHeader returns a pointer to the user-defined header between the chunk
// header and the payload. It is only meaningful for chunks initialized with a
// nonzero userHeaderSize.
func (h *ChunkHeader) UserHeader() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), chunkHeaderSize)
}

// UsedSizeOfChunk returns payloadOffset + payloadSize, the number of chunk
// bytes in use. A result exceeding the chunk size is corruption and takes the
// fatal path.
func (h *ChunkHeader) UsedSizeOfChunk() uint32 {
	used := uint64(h.payloadOffset) + uint64(h.payloadSize)
	if used > uint64(h.chunkSize) {
		raise(FaultChunkOverflow, "used size %d exceeds chunk size %d", used, h.chunkSize)
	}
	return uint32(used)
}

// ChunkSize returns the total byte size of the chunk.
func (h *ChunkHeader) ChunkSize() uint32 { return h.chunkSize }

// Version returns the header format version.
func (h *ChunkHeader) Version() uint8 { return h.chunkHeaderVersion }

// PayloadSize returns the user payload byte count.
func (h *ChunkHeader) PayloadSize() uint32 { return h.payloadSize }

// PayloadOffset returns the byte offset from header start to the payload.
func (h *ChunkHeader) PayloadOffset() uint32 { return h.payloadOffset }

// OriginID returns the publisher port identity, InvalidOriginID if unset.
func (h *ChunkHeader) OriginID() uint64 { return h.originID }

// SetOriginID stamps the publisher port identity. Must happen before the
// chunk pointer is forwarded to subscribers.
func (h *ChunkHeader) SetOriginID(id uint64) { h.originID = id }

// SequenceNumber returns the publisher-assigned sequence number.
func (h *ChunkHeader) SequenceNumber() uint64 { return h.sequenceNumber }

// SetSequenceNumber assigns the sequence number. Must happen before the chunk
// pointer is forwarded to subscribers.
func (h *ChunkHeader) SetSequenceNumber(seq uint64) { h.sequenceNumber = seq }
