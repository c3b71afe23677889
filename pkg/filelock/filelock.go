// SPDX-License-Identifier: GPL-2.0-or-later

// Package filelock provides a cooperative inter-process lock backed by a
// lock file. Within one process the lock is also a mutex.
package filelock

import (
	"errors"
	"sync"
	"time"
)

// ErrLocked the lock is held by someone else.
var ErrLocked = errors.New("locked")

const retryInterval = 5 * time.Millisecond

// FileLock .
type FileLock struct {
	path string
	mu   sync.Mutex

	// Platform lock state, guarded by mu.
	fd int
}

// New returns a lock using the file at path. The file is
// created on first lock and left in place on unlock.
func New(path string) *FileLock {
	return &FileLock{path: path, fd: -1}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Lock blocks until the lock is acquired.
func (l *FileLock) Lock() error {
	for {
		err := l.TryLock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLocked) {
			return err
		}
		time.Sleep(retryInterval)
	}
}

// TryLock acquires the lock without blocking,
// returns ErrLocked if it is already held.
func (l *FileLock) TryLock() error {
	if !l.mu.TryLock() {
		return ErrLocked
	}
	if err := l.lockFile(); err != nil {
		l.mu.Unlock()
		return err
	}
	return nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	err := l.unlockFile()
	l.mu.Unlock()
	return err
}
