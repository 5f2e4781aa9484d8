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

// Package mempool implements the shared-memory chunk distribution core: a
// bounded, fixed-chunk-size, lock-free allocator that hands out memory chunks
// to publishers and takes them back from the last subscriber, across process
// boundaries.
//
// The pool operates on memory it does not own. A creator process carves a
// mapped shared region with a BumpAllocator into a management area (free-index
// storage and usage counters) and a chunk area, then constructs the MemPool.
// Attaching processes rebuild a process-local MemPool view over the same
// region without re-initializing it. All shared state is manipulated through
// atomic operations only, so no participant can block another and a crashed
// participant at worst leaks the chunks it held until the region is rebuilt.
//
// Every chunk starts with an inline ChunkHeader that stores only offsets and
// sizes, never absolute addresses, which keeps it navigable from processes
// that map the region at different base addresses.
package mempool
