// SPDX-License-Identifier: GPL-2.0-or-later

//go:build unix

package filelock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func (l *FileLock) lockFile() error {
	fd, err := unix.Open(l.path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o666)
	if err != nil {
		return fmt.Errorf("open lock file %v: %w", l.path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("flock %v: %w", l.path, err)
	}
	l.fd = fd
	return nil
}

func (l *FileLock) unlockFile() error {
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1

	// Closing the descriptor releases the flock.
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}
