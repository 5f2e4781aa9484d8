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

// pool-stats creates a throwaway shared-memory region, runs a concurrent
// acquire/release workload against its pool and prints usage statistics.
package main

import (
	"flag"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/ekxide/iceoryx/internal/mempool"
	"github.com/ekxide/iceoryx/internal/shm"
)

func main() {
	chunkSize := flag.Uint64("chunk-size", 128, "chunk size in bytes, multiple of 32")
	chunkCount := flag.Uint("chunk-count", 64, "number of chunks in the pool")
	workers := flag.Int("workers", 4, "concurrent workers")
	rounds := flag.Int("rounds", 10000, "acquire/release rounds per worker")
	flag.Parse()

	name := "pool-stats-" + uuid.NewString()
	region, err := shm.CreateRegion(name, *chunkSize, uint32(*chunkCount))
	if err != nil {
		log.Fatalf("Failed to create region: %v", err)
	}
	defer func() {
		region.Close()
		shm.RemoveRegion(name)
	}()

	pool := region.Pool()
	fmt.Printf("=== Region ===\n")
	fmt.Printf("Path:        %s\n", region.Path())
	fmt.Printf("Chunk size:  %d bytes\n", pool.ChunkSize())
	fmt.Printf("Chunk count: %d\n", pool.ChunkCount())

	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			var seq uint64
			for i := 0; i < *rounds; i++ {
				chunk := pool.Acquire()
				if chunk == nil {
					continue // exhausted, drop this round
				}
				hdr := mempool.InitChunkHeader(chunk, uint32(pool.ChunkSize()), 8,
					mempool.DefaultPayloadAlignment, mempool.NoUserHeaderSize, mempool.NoUserHeaderAlignment)
				hdr.SetOriginID(uint64(worker) + 1)
				hdr.SetSequenceNumber(seq)
				seq++
				pool.Release(chunk)
			}
		}(w)
	}
	wg.Wait()

	info := pool.Info()
	fmt.Printf("\n=== Pool statistics ===\n")
	fmt.Printf("Used chunks: %d\n", info.UsedChunks)
	fmt.Printf("Min free:    %d\n", info.MinFree)

	if info.UsedChunks != 0 {
		log.Fatalf("pool reports %d chunks still in use after all workers finished", info.UsedChunks)
	}
}
