// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !unix

package filelock

// Only the process local mutex protects the file on these platforms.

func (l *FileLock) lockFile() error { return nil }

func (l *FileLock) unlockFile() error { return nil }
