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

import (
	"errors"
	"fmt"
	"unsafe"
)

// Bump allocator errors.
var (
	// ErrOutOfSpace indicates the remaining region cannot satisfy the
	// alignment-adjusted request.
	ErrOutOfSpace = errors.New("bump allocator: out of space")

	// ErrInvalidAlignment indicates a requested alignment that is zero or not
	// a power of two.
	ErrInvalidAlignment = errors.New("bump allocator: alignment must be a power of two")

	// ErrZeroSize indicates a zero-byte allocation request.
	ErrZeroSize = errors.New("bump allocator: zero size requested")
)

// BumpAllocator hands out successively higher sub-regions of an externally
// owned memory region. Individual allocations cannot be freed; the region is
// reclaimed wholesale by discarding it. It is used only while shared
// resources are constructed and is not safe for concurrent use.
type BumpAllocator struct {
	mem    []byte // keeps the backing region reachable
	offset uint64
}

// NewBumpAllocator returns an allocator carving the given region.
func NewBumpAllocator(mem []byte) *BumpAllocator {
	return &BumpAllocator{mem: mem}
}

// Allocate returns a pointer to size bytes aligned to alignment, or an error
// if the remaining space cannot satisfy the request. Alignment must be a
// power of two.
func (a *BumpAllocator) Allocate(size, alignment uint64) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, ErrZeroSize
	}
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAlignment, alignment)
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
	aligned := align(uint64(base)+a.offset, alignment) - uint64(base)
	if aligned+size < aligned || aligned+size > uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: %d bytes requested with alignment %d, %d of %d used",
			ErrOutOfSpace, size, alignment, a.offset, len(a.mem))
	}

	a.offset = aligned + size
	return unsafe.Pointer(base + uintptr(aligned)), nil
}

// Used returns the number of bytes consumed so far, including alignment
// padding.
func (a *BumpAllocator) Used() uint64 {
	return a.offset
}

// Remaining returns the number of bytes not yet handed out. Alignment padding
// of future requests may reduce what is actually satisfiable.
func (a *BumpAllocator) Remaining() uint64 {
	return uint64(len(a.mem)) - a.offset
}
