// SPDX-License-Identifier: GPL-2.0-or-later

// Package chunkfile reads files through fixed size chunks fetched
// from an arbitrary source, optionally cached in a local file.
package chunkfile

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize .
const DefaultChunkSize = 4096

// Errors.
var (
	ErrInvalidSeek  = errors.New("invalid seek")
	ErrInvalidChunk = errors.New("invalid chunk")
)

// Access random access to a source.
type Access interface {
	// Size returns the source size in bytes.
	Size() int64

	// ReadChunk reads len(p) bytes at off, fewer only at the end of the source.
	ReadChunk(off int64, p []byte) (int, error)
}

// FileAccess Access backed by a local file.
type FileAccess struct {
	file *os.File
	size int64
}

// OpenFile opens the file at path.
func OpenFile(path string) (*FileAccess, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &FileAccess{file: file, size: stat.Size()}, nil
}

// Size returns the file size.
func (a *FileAccess) Size() int64 {
	return a.size
}

// ReadChunk reads at off.
func (a *FileAccess) ReadChunk(off int64, p []byte) (int, error) {
	n, err := a.file.ReadAt(p, off)
	if errors.Is(err, io.EOF) && off+int64(n) == a.size {
		err = nil
	}
	return n, err
}

// Close closes the file.
func (a *FileAccess) Close() error {
	return a.file.Close()
}

// Reader buffers one chunk of an Access. Implements
// io.ReadSeeker and io.ReaderAt, not safe for concurrent use.
type Reader struct {
	access    Access
	size      int64
	chunkSize int64

	pos     int64
	current int64
	buf     []byte
}

// NewReader returns a reader with the given chunk size,
// DefaultChunkSize if chunkSize is not positive.
func NewReader(access Access, chunkSize int) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Reader{
		access:    access,
		size:      access.Size(),
		chunkSize: int64(chunkSize),
		current:   -1,
		buf:       make([]byte, chunkSize),
	}
}

// Size returns the source size.
func (r *Reader) Size() int64 {
	return r.size
}

// Chunks returns the number of chunks in the source.
func (r *Reader) Chunks() int64 {
	return (r.size + r.chunkSize - 1) / r.chunkSize
}

func (r *Reader) loadChunk(chunk int64) ([]byte, error) {
	off := chunk * r.chunkSize
	n := r.chunkSize
	if off+n > r.size {
		n = r.size - off
	}
	if r.current == chunk {
		return r.buf[:n], nil
	}
	read, err := r.access.ReadChunk(off, r.buf[:n])
	if err != nil {
		r.current = -1
		return nil, fmt.Errorf("read chunk %d: %w", chunk, err)
	}
	if int64(read) != n {
		r.current = -1
		return nil, fmt.Errorf("%w: chunk %d: %d bytes, expected %d", ErrInvalidChunk, chunk, read, n)
	}
	r.current = chunk
	return r.buf[:n], nil
}

// ReadAt reads len(p) bytes at off, does not move the read position.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidSeek
	}
	total := 0
	for total < len(p) {
		if off >= r.size {
			return total, io.EOF
		}
		chunk := off / r.chunkSize
		data, err := r.loadChunk(chunk)
		if err != nil {
			return total, err
		}
		n := copy(p[total:], data[off-chunk*r.chunkSize:])
		total += n
		off += int64(n)
	}
	return total, nil
}

// Read reads from the current position.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}
	if rem := r.size - r.pos; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := r.ReadAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

// Seek sets the read position, the position must be inside [0,size].
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = r.pos + offset
	case io.SeekEnd:
		pos = r.size + offset
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidSeek, whence)
	}
	if pos < 0 || pos > r.size {
		return 0, fmt.Errorf("%w: position %d", ErrInvalidSeek, pos)
	}
	r.pos = pos
	return pos, nil
}
