//go:build !linux && !darwin

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

import "errors"

// ErrNotSupported indicates that shared-memory regions are not available on
// this platform.
var ErrNotSupported = errors.New("shm: shared memory regions are not supported on this platform")

func init() {
	unmapMemory = func([]byte) error { return ErrNotSupported }
}

// CreateRegion is not available on this platform.
func CreateRegion(name string, chunkSize uint64, chunkCount uint32) (*Region, error) {
	return nil, ErrNotSupported
}

// OpenRegion is not available on this platform.
func OpenRegion(name string) (*Region, error) {
	return nil, ErrNotSupported
}
