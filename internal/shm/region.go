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

// Package shm maps named shared-memory regions and lays a chunk pool into
// them. One process creates and initializes a region under the protection of
// a crash-safe file lock; any number of processes attach to it afterwards and
// obtain a pool view over the same memory.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"github.com/ekxide/iceoryx/internal/filelock"
	"github.com/ekxide/iceoryx/internal/mempool"
)

// Region memory layout constants.
const (
	// RegionMagic identifies a pool region file.
	RegionMagic = "IOXPOOL\x00"

	// RegionVersion is the current region format version.
	RegionVersion = uint32(1)

	// RegionHeaderSize is the region header size, aligned to 128 bytes.
	RegionHeaderSize = 128

	// regionFilePrefix prefixes every region's backing file name.
	regionFilePrefix = "iox_pool_"
)

// unmapMemory unmaps a memory-mapped region; set by the platform file.
var unmapMemory func([]byte) error

// RegionHeader is the shared header at offset 0 of a region. All quantities
// are offsets and sizes relative to the mapping base, never absolute
// addresses, so processes may map the region at different addresses.
type RegionHeader struct {
	magic        [8]byte  // 0x00: "IOXPOOL\0"
	version      uint32   // 0x08: region format version
	flags        uint32   // 0x0C: reserved flags
	totalSize    uint64   // 0x10: total region size
	mgmtOffset   uint64   // 0x18: offset to the pool management area
	mgmtSize     uint64   // 0x20: management area size
	chunkAreaOff uint64   // 0x28: offset to the 32-byte aligned chunk area
	chunkSize    uint64   // 0x30: configured chunk size
	chunkCount   uint32   // 0x38: configured chunk count
	creatorPID   uint32   // 0x3C: creating process ID
	ready        uint32   // 0x40: creator initialization complete (0->1)
	pad          uint32   // 0x44: padding
	reserved     [56]byte // 0x48-0x7F: reserved/padding to 128B
}

// Magic returns the magic bytes.
func (h *RegionHeader) Magic() [8]byte { return h.magic }

// SetMagic sets the magic bytes.
func (h *RegionHeader) SetMagic(magic [8]byte) { h.magic = magic }

// Version returns the region format version.
func (h *RegionHeader) Version() uint32 { return atomic.LoadUint32(&h.version) }

// SetVersion sets the region format version.
func (h *RegionHeader) SetVersion(v uint32) { atomic.StoreUint32(&h.version, v) }

// TotalSize returns the total region size.
func (h *RegionHeader) TotalSize() uint64 { return atomic.LoadUint64(&h.totalSize) }

// SetTotalSize sets the total region size.
func (h *RegionHeader) SetTotalSize(s uint64) { atomic.StoreUint64(&h.totalSize, s) }

// ManagementOffset returns the offset to the pool management area.
func (h *RegionHeader) ManagementOffset() uint64 { return atomic.LoadUint64(&h.mgmtOffset) }

// SetManagementOffset sets the offset to the pool management area.
func (h *RegionHeader) SetManagementOffset(o uint64) { atomic.StoreUint64(&h.mgmtOffset, o) }

// ManagementSize returns the management area size.
func (h *RegionHeader) ManagementSize() uint64 { return atomic.LoadUint64(&h.mgmtSize) }

// SetManagementSize sets the management area size.
func (h *RegionHeader) SetManagementSize(s uint64) { atomic.StoreUint64(&h.mgmtSize, s) }

// ChunkAreaOffset returns the offset to the chunk area.
func (h *RegionHeader) ChunkAreaOffset() uint64 { return atomic.LoadUint64(&h.chunkAreaOff) }

// SetChunkAreaOffset sets the offset to the chunk area.
func (h *RegionHeader) SetChunkAreaOffset(o uint64) { atomic.StoreUint64(&h.chunkAreaOff, o) }

// ChunkSize returns the configured chunk size.
func (h *RegionHeader) ChunkSize() uint64 { return atomic.LoadUint64(&h.chunkSize) }

// SetChunkSize sets the configured chunk size.
func (h *RegionHeader) SetChunkSize(s uint64) { atomic.StoreUint64(&h.chunkSize, s) }

// ChunkCount returns the configured chunk count.
func (h *RegionHeader) ChunkCount() uint32 { return atomic.LoadUint32(&h.chunkCount) }

// SetChunkCount sets the configured chunk count.
func (h *RegionHeader) SetChunkCount(c uint32) { atomic.StoreUint32(&h.chunkCount, c) }

// CreatorPID returns the creating process ID.
func (h *RegionHeader) CreatorPID() uint32 { return atomic.LoadUint32(&h.creatorPID) }

// SetCreatorPID sets the creating process ID.
func (h *RegionHeader) SetCreatorPID(pid uint32) { atomic.StoreUint32(&h.creatorPID, pid) }

// Ready returns whether the creator finished initializing the region.
func (h *RegionHeader) Ready() bool { return atomic.LoadUint32(&h.ready) != 0 }

// SetReady marks the region as initialized.
func (h *RegionHeader) SetReady(ready bool) {
	var v uint32
	if ready {
		v = 1
	}
	atomic.StoreUint32(&h.ready, v)
}

// RegionLayout describes where a pool's parts live inside a region.
type RegionLayout struct {
	TotalSize        uint64
	ManagementOffset uint64
	ManagementSize   uint64
	ChunkAreaOffset  uint64
}

// CalculateRegionLayout computes the memory layout for a region holding a
// pool of chunkCount chunks of chunkSize bytes: header, then the management
// area, then the chunk area aligned to mempool.ChunkMemoryAlignment.
func CalculateRegionLayout(chunkSize uint64, chunkCount uint32) (RegionLayout, error) {
	if chunkSize == 0 || chunkSize%mempool.ChunkMemoryAlignment != 0 {
		return RegionLayout{}, fmt.Errorf("chunk size %d is not a positive multiple of %d",
			chunkSize, mempool.ChunkMemoryAlignment)
	}
	if chunkCount == 0 {
		return RegionLayout{}, fmt.Errorf("chunk count must be at least 1")
	}
	if chunkSize > ^uint64(0)/uint64(chunkCount) {
		return RegionLayout{}, fmt.Errorf("chunk size %d times chunk count %d overflows", chunkSize, chunkCount)
	}

	l := RegionLayout{
		ManagementOffset: RegionHeaderSize,
		ManagementSize:   mempool.RequiredManagementMemorySize(chunkCount),
	}
	l.ChunkAreaOffset = alignUp(l.ManagementOffset+l.ManagementSize, mempool.ChunkMemoryAlignment)
	l.TotalSize = l.ChunkAreaOffset + chunkSize*uint64(chunkCount)
	return l, nil
}

// ValidateRegionHeader checks a mapped header for consistency against the
// layout its configuration implies.
func ValidateRegionHeader(h *RegionHeader) error {
	if string(h.magic[:]) != RegionMagic {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != RegionVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), RegionVersion)
	}

	expected, err := CalculateRegionLayout(h.ChunkSize(), h.ChunkCount())
	if err != nil {
		return fmt.Errorf("invalid pool configuration: %w", err)
	}
	if h.TotalSize() != expected.TotalSize {
		return fmt.Errorf("total size mismatch: got %d, expected %d", h.TotalSize(), expected.TotalSize)
	}
	if h.ManagementOffset() != expected.ManagementOffset {
		return fmt.Errorf("management offset mismatch: got %d, expected %d",
			h.ManagementOffset(), expected.ManagementOffset)
	}
	if h.ManagementSize() != expected.ManagementSize {
		return fmt.Errorf("management size mismatch: got %d, expected %d",
			h.ManagementSize(), expected.ManagementSize)
	}
	if h.ChunkAreaOffset() != expected.ChunkAreaOffset {
		return fmt.Errorf("chunk area offset mismatch: got %d, expected %d",
			h.ChunkAreaOffset(), expected.ChunkAreaOffset)
	}
	return nil
}

// Region is a mapped shared-memory region holding one chunk pool. The
// creating process additionally owns the region's file lock for the region's
// lifetime, which is what enforces the single-creator contract.
type Region struct {
	file *os.File
	mem  []byte
	path string
	lock *filelock.FileLock // non-nil only in the creator
	pool *mempool.MemPool
}

// Pool returns the pool living in this region.
func (r *Region) Pool() *mempool.MemPool {
	return r.pool
}

// Header returns the region's shared header.
func (r *Region) Header() *RegionHeader {
	return (*RegionHeader)(unsafe.Pointer(unsafe.SliceData(r.mem)))
}

// Path returns the backing file path.
func (r *Region) Path() string {
	return r.path
}

// Close unmaps the region, closes the backing file and, in the creator,
// releases the region's file lock. The backing file stays on disk; use
// RemoveRegion to delete it.
func (r *Region) Close() error {
	var firstErr error

	if r.mem != nil {
		if err := unmapMemory(r.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.mem = nil
		r.pool = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.file = nil
	}
	if r.lock != nil {
		if err := r.lock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.lock = nil
	}

	return firstErr
}

// regionPath generates the backing file path for a named region.
func regionPath(name string) string {
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", regionFilePrefix+name)
	}
	return filepath.Join(os.TempDir(), regionFilePrefix+name)
}

// isDevShmAvailable checks if /dev/shm is available.
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// RemoveRegion removes a region's backing file.
func RemoveRegion(name string) error {
	paths := []string{
		filepath.Join("/dev/shm", regionFilePrefix+name),
		filepath.Join(os.TempDir(), regionFilePrefix+name),
	}

	var lastErr error
	for _, path := range paths {
		if err := os.Remove(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return lastErr
	}
	return os.ErrNotExist
}

// RegionExists checks whether a region's backing file exists.
func RegionExists(name string) bool {
	paths := []string{
		filepath.Join("/dev/shm", regionFilePrefix+name),
		filepath.Join(os.TempDir(), regionFilePrefix+name),
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// alignUp rounds v up to the next multiple of a, which must be a power of two.
func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
