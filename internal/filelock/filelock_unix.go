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

package filelock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// openAndLock opens (creating if necessary) the lock file and takes a
// non-blocking exclusive flock on its descriptor.
func openAndLock(path string, perm os.FileMode) (int, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, uint32(perm))
	if err != nil {
		return invalidFd, convertErrno(err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return invalidFd, ErrLockedByOtherProcess
		}
		return invalidFd, convertErrno(err)
	}

	return fd, nil
}

// unlockAndClose drops the flock and closes the descriptor.
func unlockAndClose(fd int) error {
	if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
		unix.Close(fd)
		return convertErrno(err)
	}
	if err := unix.Close(fd); err != nil {
		return convertErrno(err)
	}
	return nil
}

// convertErrno maps an OS error onto the closed FileLockError taxonomy.
func convertErrno(err error) FileLockError {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return ErrInternal
	}

	switch errno {
	case unix.EACCES, unix.EPERM:
		return ErrAccessDenied
	case unix.EDQUOT, unix.ENOSPC:
		return ErrQuotaExhausted
	case unix.EFBIG, unix.EOVERFLOW:
		return ErrFileTooLarge
	case unix.ETXTBSY, unix.EBUSY:
		return ErrFileInUse
	case unix.EWOULDBLOCK:
		return ErrLockedByOtherProcess
	case unix.EMFILE:
		return ErrProcessLimit
	case unix.ENFILE:
		return ErrSystemLimit
	case unix.ELOOP:
		return ErrInvalidFilePath
	case unix.ENAMETOOLONG:
		return ErrFilePathTooLong
	case unix.ENOENT, unix.ENOTDIR:
		return ErrNoSuchDirectory
	case unix.EISDIR, unix.ENXIO, unix.ENODEV:
		return ErrSpecialFile
	case unix.ENOMEM:
		return ErrOutOfMemory
	case unix.EIO, unix.EINTR:
		return ErrIOError
	case unix.ENOSYS:
		return ErrNotImplemented
	default:
		return ErrInternal
	}
}
