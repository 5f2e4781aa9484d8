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
	"math"
	"sync/atomic"
	"unsafe"

	"google.golang.org/grpc/grpclog"
)

// ChunkMemoryAlignment is the alignment of the chunk area and of every chunk
// within it. Chunk sizes must be a multiple of it.
const ChunkMemoryAlignment = uint64(32)

// poolStateSize reserves a cache line in the management area for the shared
// usage counters so that all mapping processes observe the same statistics.
const poolStateSize = uint64(64)

// poolState is the shared counter block. usedChunks and minFree are
// statistics, not synchronization: the free-index queue provides the sole
// happens-before edge between a release and a subsequent acquire of the same
// chunk, so relaxed-style atomic access is sufficient here.
type poolState struct {
	usedChunks uint32
	minFree    uint32
}

// RequiredManagementMemorySize returns the number of management-area bytes a
// pool of chunkCount chunks consumes: the counter block followed by the
// free-index storage. The figure assumes the management allocator starts
// ChunkMemoryAlignment-aligned, as a region's management area does.
func RequiredManagementMemorySize(chunkCount uint32) uint64 {
	return poolStateSize + RequiredIndexMemorySize(chunkCount)
}

// PoolInfo is an immutable snapshot of pool usage for diagnostics.
type PoolInfo struct {
	UsedChunks uint32 // chunks currently held by callers
	MinFree    uint32 // minimum ever observed of ChunkCount - UsedChunks
	ChunkCount uint32
	ChunkSize  uint64
}

// MemPool hands out fixed-size, ChunkMemoryAlignment-aligned chunks from a
// contiguous chunk area and takes them back, lock-free and across processes.
// The struct itself is a process-local view; everything shared (the free
// indices, the usage counters, the chunks) lives in the memory carved from
// the two construction allocators.
//
// A chunk index is either inside the free queue exactly once or held by
// exactly one caller, never both and never neither; Release enforces the
// "never both" half fatally as a double-free.
type MemPool struct {
	chunkSize   uint64
	chunkCount  uint32
	rawMemory   unsafe.Pointer
	freeIndices *LockFreeIndexQueue
	state       *poolState
}

// NewMemPool constructs a pool and initializes its shared state: the chunk
// area is allocated from chunkMemoryAlloc, the counter block and free-index
// storage from managementAlloc, and the free queue is pre-loaded with every
// index. Exactly one process per region may construct; others must use
// AttachMemPool over allocators carving the same region.
//
// Construction takes the fatal path when chunkSize is not a multiple of
// ChunkMemoryAlignment, when chunkCount is zero, when chunkSize * chunkCount
// overflows, or when an allocator cannot satisfy its request.
func NewMemPool(chunkSize uint64, chunkCount uint32, managementAlloc, chunkMemoryAlloc *BumpAllocator) *MemPool {
	p := carveMemPool(chunkSize, chunkCount, managementAlloc, chunkMemoryAlloc)
	p.freeIndices.InitWithAllIndices()
	atomic.StoreUint32(&p.state.usedChunks, 0)
	atomic.StoreUint32(&p.state.minFree, chunkCount)
	return p
}

// AttachMemPool rebuilds a process-local pool view over an already
// initialized region. The allocators must carve the same sub-regions in the
// same order as the creator's did; no shared state is touched.
func AttachMemPool(chunkSize uint64, chunkCount uint32, managementAlloc, chunkMemoryAlloc *BumpAllocator) *MemPool {
	return carveMemPool(chunkSize, chunkCount, managementAlloc, chunkMemoryAlloc)
}

func carveMemPool(chunkSize uint64, chunkCount uint32, managementAlloc, chunkMemoryAlloc *BumpAllocator) *MemPool {
	if chunkSize%ChunkMemoryAlignment != 0 {
		raise(FaultChunkSizeAlignment,
			"chunk size must be a multiple of %d, requested %d for %d chunks",
			ChunkMemoryAlignment, chunkSize, chunkCount)
	}
	if chunkCount == 0 {
		raise(FaultCapacityOverflow, "chunk count must be at least one")
	}
	if chunkSize > math.MaxUint64/uint64(chunkCount) {
		raise(FaultCapacityOverflow,
			"chunk size %d times chunk count %d exceeds the 64-bit range", chunkSize, chunkCount)
	}

	rawMemory, err := chunkMemoryAlloc.Allocate(chunkSize*uint64(chunkCount), ChunkMemoryAlignment)
	if err != nil {
		raise(FaultAllocationFailed, "chunk area: %v", err)
	}
	stateMem, err := managementAlloc.Allocate(poolStateSize, ChunkMemoryAlignment)
	if err != nil {
		raise(FaultAllocationFailed, "counter block: %v", err)
	}
	indexMem, err := managementAlloc.Allocate(RequiredIndexMemorySize(chunkCount), ChunkMemoryAlignment)
	if err != nil {
		raise(FaultAllocationFailed, "free-index storage: %v", err)
	}

	return &MemPool{
		chunkSize:   chunkSize,
		chunkCount:  chunkCount,
		rawMemory:   rawMemory,
		freeIndices: NewLockFreeIndexQueue(indexMem, chunkCount),
		state:       (*poolState)(stateMem),
	}
}

// Acquire pops a free chunk and returns a pointer to its zeroed memory, or
// nil if the pool is exhausted. Exhaustion is not fatal; the caller decides
// whether to back off or drop. Acquire never waits.
func (p *MemPool) Acquire() unsafe.Pointer {
	index, ok := p.freeIndices.Pop()
	if !ok {
		grpclog.Warningf("mempool [chunkSize = %d, chunkCount = %d, usedChunks = %d] has no more space left",
			p.chunkSize, p.chunkCount, p.UsedChunks())
		return nil
	}

	atomic.AddUint32(&p.state.usedChunks, 1)
	p.adjustMinFree()

	chunk := p.IndexToPointer(index)
	clear(unsafe.Slice((*byte)(chunk), p.chunkSize))
	return chunk
}

// Release returns a chunk to the pool. The pointer must be one previously
// returned by Acquire of this pool: releasing a pointer outside the chunk
// area, a misaligned one, or the same chunk twice is corruption and takes the
// fatal path.
func (p *MemPool) Release(chunk unsafe.Pointer) {
	base := uintptr(p.rawMemory)
	last := base + uintptr(p.chunkSize)*uintptr(p.chunkCount-1)
	if uintptr(chunk) < base || uintptr(chunk) > last {
		raise(FaultForeignChunkReleased,
			"pointer %#x is outside the chunk area [%#x, %#x]", chunk, base, last)
	}
	if (uintptr(chunk)-base)%uintptr(p.chunkSize) != 0 {
		raise(FaultForeignChunkReleased,
			"pointer %#x is not aligned to the chunk grid of size %d", chunk, p.chunkSize)
	}

	if !p.freeIndices.Push(p.PointerToIndex(chunk)) {
		raise(FaultPossibleDoubleFree,
			"chunk %#x was already free; possible double free", chunk)
	}
	atomic.AddUint32(&p.state.usedChunks, ^uint32(0))
}

// adjustMinFree lowers the free-chunk high-water mark. The CAS loop
// guarantees the mark never moves up: a plain store could resurrect a stale
// higher value under contention.
func (p *MemPool) adjustMinFree() {
	free := p.chunkCount - atomic.LoadUint32(&p.state.usedChunks)
	for {
		observed := atomic.LoadUint32(&p.state.minFree)
		if free >= observed || atomic.CompareAndSwapUint32(&p.state.minFree, observed, free) {
			return
		}
	}
}

// IndexToPointer returns the chunk pointer for an index in [0, ChunkCount).
func (p *MemPool) IndexToPointer(index uint32) unsafe.Pointer {
	return unsafe.Add(p.rawMemory, uintptr(index)*uintptr(p.chunkSize))
}

// PointerToIndex returns the chunk index for a chunk-aligned pointer inside
// the chunk area.
func (p *MemPool) PointerToIndex(chunk unsafe.Pointer) uint32 {
	return uint32((uintptr(chunk) - uintptr(p.rawMemory)) / uintptr(p.chunkSize))
}

// ChunkData returns the chunk's memory as a byte slice without copying.
func (p *MemPool) ChunkData(chunk unsafe.Pointer) []byte {
	return unsafe.Slice((*byte)(chunk), p.chunkSize)
}

// ChunkSize returns the configured chunk size in bytes.
func (p *MemPool) ChunkSize() uint64 { return p.chunkSize }

// ChunkCount returns the number of chunks in the pool.
func (p *MemPool) ChunkCount() uint32 { return p.chunkCount }

// UsedChunks returns the number of chunks currently held by callers.
func (p *MemPool) UsedChunks() uint32 {
	return atomic.LoadUint32(&p.state.usedChunks)
}

// MinFree returns the minimum ever observed number of free chunks. The value
// only decreases over time.
func (p *MemPool) MinFree() uint32 {
	return atomic.LoadUint32(&p.state.minFree)
}

// Info returns a snapshot of the pool's usage statistics.
func (p *MemPool) Info() PoolInfo {
	return PoolInfo{
		UsedChunks: p.UsedChunks(),
		MinFree:    p.MinFree(),
		ChunkCount: p.chunkCount,
		ChunkSize:  p.chunkSize,
	}
}
