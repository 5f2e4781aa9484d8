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
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc/grpclog"
)

// Fault identifies a fatal pool violation. Each fault indicates corruption
// whose continued execution would propagate across processes via shared
// memory, so the fault path never returns to the caller.
type Fault uint32

const (
	// FaultChunkSizeAlignment: the requested chunk size is not a multiple of
	// ChunkMemoryAlignment.
	FaultChunkSizeAlignment Fault = iota + 1

	// FaultCapacityOverflow: chunkSize * chunkCount exceeds the 64-bit range,
	// or the chunk count is zero.
	FaultCapacityOverflow

	// FaultAllocationFailed: a construction-time allocation from the
	// management or chunk-memory allocator failed.
	FaultAllocationFailed

	// FaultForeignChunkReleased: a released pointer lies outside the pool's
	// chunk area or is not chunk-aligned.
	FaultForeignChunkReleased

	// FaultPossibleDoubleFree: a released index was already present in the
	// free queue.
	FaultPossibleDoubleFree

	// FaultChunkOverflow: a chunk header describes a payload that does not
	// fit its chunk.
	FaultChunkOverflow
)

// String returns the fault tag name.
func (f Fault) String() string {
	switch f {
	case FaultChunkSizeAlignment:
		return "CHUNK_SIZE_ALIGNMENT"
	case FaultCapacityOverflow:
		return "CAPACITY_OVERFLOW"
	case FaultAllocationFailed:
		return "ALLOCATION_FAILED"
	case FaultForeignChunkReleased:
		return "FOREIGN_CHUNK_RELEASED"
	case FaultPossibleDoubleFree:
		return "POSSIBLE_DOUBLE_FREE"
	case FaultChunkOverflow:
		return "CHUNK_OVERFLOW"
	default:
		return fmt.Sprintf("UNKNOWN_FAULT(%d)", uint32(f))
	}
}

// FaultError is the value the fault path panics with after the installed
// handler has run.
type FaultError struct {
	Fault Fault
	Msg   string
}

// Error implements the error interface.
func (e *FaultError) Error() string {
	return fmt.Sprintf("mempool fault %s: %s", e.Fault, e.Msg)
}

// FaultHandler observes a fatal fault before the process is torn down. The
// handler may itself panic or terminate the process; if it returns, the fault
// path panics with a *FaultError.
type FaultHandler func(fault Fault, msg string)

// faultHandler holds the process-wide FaultHandler.
var faultHandler atomic.Value

func init() {
	faultHandler.Store(FaultHandler(defaultFaultHandler))
}

func defaultFaultHandler(fault Fault, msg string) {
	grpclog.Errorf("mempool fault %s: %s", fault, msg)
}

// SetFaultHandler installs a process-wide fault handler and returns the
// previously installed one. Passing nil restores the default handler.
func SetFaultHandler(h FaultHandler) FaultHandler {
	if h == nil {
		h = defaultFaultHandler
	}
	prev := faultHandler.Swap(FaultHandler(h))
	return prev.(FaultHandler)
}

// raise invokes the installed fault handler and does not return.
func raise(fault Fault, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	faultHandler.Load().(FaultHandler)(fault, msg)
	panic(&FaultError{Fault: fault, Msg: msg})
}
