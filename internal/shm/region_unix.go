//go:build linux || darwin

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

package shm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ekxide/iceoryx/internal/filelock"
	"github.com/ekxide/iceoryx/internal/mempool"
)

func init() {
	unmapMemory = munmapImpl
}

// CreateRegion creates, maps and initializes a named region holding a pool of
// chunkCount chunks of chunkSize bytes. It first acquires the region's file
// lock; if another process already created the region the lock request fails
// with filelock.ErrLockedByOtherProcess. The lock is held until Close so that
// exactly one creator exists per name system-wide, surviving creator crashes.
func CreateRegion(name string, chunkSize uint64, chunkCount uint32) (*Region, error) {
	layout, err := CalculateRegionLayout(chunkSize, chunkCount)
	if err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}

	lock, err := filelock.Create(name)
	if err != nil {
		return nil, fmt.Errorf("failed to lock region %q: %w", name, err)
	}

	// A stale file from a crashed creator is replaced; we hold the lock, so
	// nobody else can be mapping it for creation.
	path := regionPath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		lock.Close()
		return nil, fmt.Errorf("failed to remove stale region file %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("failed to create region file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
		lock.Close()
	}

	if err := file.Truncate(int64(layout.TotalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize region file: %w", err)
	}

	mem, err := mmapFile(file, int(layout.TotalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap region: %w", err)
	}

	hdr := (*RegionHeader)(unsafe.Pointer(unsafe.SliceData(mem)))
	var magic [8]byte
	copy(magic[:], RegionMagic)
	hdr.SetMagic(magic)
	hdr.SetVersion(RegionVersion)
	hdr.SetTotalSize(layout.TotalSize)
	hdr.SetManagementOffset(layout.ManagementOffset)
	hdr.SetManagementSize(layout.ManagementSize)
	hdr.SetChunkAreaOffset(layout.ChunkAreaOffset)
	hdr.SetChunkSize(chunkSize)
	hdr.SetChunkCount(chunkCount)
	hdr.SetCreatorPID(uint32(os.Getpid()))

	managementAlloc := mempool.NewBumpAllocator(mem[layout.ManagementOffset:layout.ChunkAreaOffset])
	chunkMemoryAlloc := mempool.NewBumpAllocator(mem[layout.ChunkAreaOffset:layout.TotalSize])
	pool := mempool.NewMemPool(chunkSize, chunkCount, managementAlloc, chunkMemoryAlloc)

	hdr.SetReady(true)

	return &Region{
		file: file,
		mem:  mem,
		path: path,
		lock: lock,
		pool: pool,
	}, nil
}

// OpenRegion maps an existing named region and rebuilds a process-local pool
// view over it without touching the pool's shared state. It fails if the
// region does not exist, is malformed, or its creator has not finished
// initialization yet; retrying is the caller's decision.
func OpenRegion(name string) (*Region, error) {
	path := regionPath(name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open region file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat region file: %w", err)
	}

	size := info.Size()
	if size < RegionHeaderSize {
		file.Close()
		return nil, fmt.Errorf("region file too small: %d bytes", size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap region: %w", err)
	}

	hdr := (*RegionHeader)(unsafe.Pointer(unsafe.SliceData(mem)))
	if err := ValidateRegionHeader(hdr); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("invalid region header: %w", err)
	}
	if !hdr.Ready() {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("region %q is not initialized yet", name)
	}
	if uint64(size) != hdr.TotalSize() {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("region file size %d does not match header total size %d", size, hdr.TotalSize())
	}

	layout := RegionLayout{
		TotalSize:        hdr.TotalSize(),
		ManagementOffset: hdr.ManagementOffset(),
		ManagementSize:   hdr.ManagementSize(),
		ChunkAreaOffset:  hdr.ChunkAreaOffset(),
	}
	managementAlloc := mempool.NewBumpAllocator(mem[layout.ManagementOffset:layout.ChunkAreaOffset])
	chunkMemoryAlloc := mempool.NewBumpAllocator(mem[layout.ChunkAreaOffset:layout.TotalSize])
	pool := mempool.AttachMemPool(hdr.ChunkSize(), hdr.ChunkCount(), managementAlloc, chunkMemoryAlloc)

	return &Region{
		file: file,
		mem:  mem,
		path: path,
		pool: pool,
	}, nil
}

// mmapFile memory maps a file shared and read-write.
func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

// munmapImpl unmaps a memory-mapped region.
func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
