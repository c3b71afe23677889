// SPDX-License-Identifier: GPL-2.0-or-later

package attributes

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"irvideo/pkg/filelock"
)

// File attribute trailer of a file on disk. The payload in front of
// the trailer is never modified. Not safe for concurrent use, other
// processes are excluded with a lock file while the trailer is written.
type File struct {
	path string
	file *os.File
	lock *filelock.FileLock

	trailer *Trailer

	// Payload size, the trailer starts here.
	payloadSize int64
	// Size of the trailer currently on disk.
	diskTrailerSize int64

	dirty bool
}

// Open opens the file at path, creating it if needed. An existing
// trailer is loaded, a missing or corrupt one results in an empty trailer.
func Open(path string) (*File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	f := &File{
		path:    path,
		file:    file,
		lock:    filelock.New(path + ".lock"),
		trailer: NewTrailer(),
	}

	if err := f.lock.Lock(); err != nil {
		file.Close()
		return nil, err
	}
	defer f.lock.Unlock() //nolint:errcheck

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	f.payloadSize = stat.Size()

	trailer, size, err := ReadTrailer(file, stat.Size())
	if err != nil {
		if !errors.Is(err, ErrCorruptTrailer) {
			file.Close()
			return nil, err
		}
		return f, nil
	}

	f.trailer = trailer
	f.payloadSize = stat.Size() - size
	f.diskTrailerSize = size
	return f, nil
}

// OpenReader reads the trailer from r without keeping a reference to it.
func OpenReader(r io.ReaderAt, size int64) (*Trailer, error) {
	t, _, err := ReadTrailer(r, size)
	return t, err
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// PayloadSize returns the number of bytes before the trailer.
func (f *File) PayloadSize() int64 {
	return f.payloadSize
}

// Trailer returns the in memory trailer. Modifications
// through this pointer must be followed by MarkDirty.
func (f *File) Trailer() *Trailer {
	return f.trailer
}

// MarkDirty forces the next Flush to write.
func (f *File) MarkDirty() {
	f.dirty = true
}

// Len returns the number of frames.
func (f *File) Len() int {
	return f.trailer.Len()
}

// Resize changes the number of frames.
func (f *File) Resize(n int) {
	if n != f.trailer.Len() {
		f.trailer.Resize(n)
		f.dirty = true
	}
}

// Global returns the global attributes.
func (f *File) Global() Map {
	return f.trailer.Global
}

// SetGlobal sets a global attribute.
func (f *File) SetGlobal(key, value string) {
	f.trailer.Global[key] = value
	f.dirty = true
}

// Frame returns the attributes of frame i, nil if out of range.
func (f *File) Frame(i int) Map {
	if i < 0 || i >= len(f.trailer.Frames) {
		return nil
	}
	return f.trailer.Frames[i]
}

// SetFrame replaces the attributes of frame i.
func (f *File) SetFrame(i int, m Map) {
	if i < 0 || i >= len(f.trailer.Frames) {
		return
	}
	if m == nil {
		m = Map{}
	}
	f.trailer.Frames[i] = m
	f.dirty = true
}

// Timestamps returns the frame timestamps.
func (f *File) Timestamps() []int64 {
	return f.trailer.Timestamps
}

// SetTimestamp sets the timestamp of frame i.
func (f *File) SetTimestamp(i int, ts int64) {
	if i < 0 || i >= len(f.trailer.Timestamps) {
		return
	}
	f.trailer.Timestamps[i] = ts
	f.dirty = true
}

// Flush writes the trailer if it changed. The body is written first
// and synced, the footer that makes the trailer valid is written last.
// On error the in memory state is kept and Flush can be retried.
func (f *File) Flush() error {
	if !f.dirty {
		return nil
	}
	if f.file == nil {
		return os.ErrClosed
	}

	if err := f.lock.Lock(); err != nil {
		return err
	}
	defer f.lock.Unlock() //nolint:errcheck

	data := f.trailer.Marshal()
	newSize := int64(len(data))

	if newSize < f.diskTrailerSize {
		if err := f.file.Truncate(f.payloadSize + newSize); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	body := data[:len(data)-FooterSize]
	footer := data[len(data)-FooterSize:]

	if _, err := f.file.WriteAt(body, f.payloadSize); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if _, err := f.file.WriteAt(footer, f.payloadSize+int64(len(body))); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	f.diskTrailerSize = newSize
	f.dirty = false
	return nil
}

// Close flushes and closes the file. The file is closed even if
// the flush fails, the flush error is returned.
func (f *File) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.Flush()
	if err2 := f.file.Close(); err == nil && err2 != nil {
		err = err2
	}
	f.file = nil
	return err
}

// Discard drops the in memory state and closes the file without writing.
func (f *File) Discard() error {
	f.trailer = NewTrailer()
	f.dirty = false
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func sortedKeys(m Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
