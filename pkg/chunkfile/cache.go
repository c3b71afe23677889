// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfile

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"irvideo/pkg/filelock"

	"github.com/zeebo/blake3"
)

// Cache file layout, integers are little-endian.
//
// chunk data, appended in fetch order
// table {
//     entries  [count]{start int64, len int64, pos int64}
//     count    int64
//     size     int64  // Size of the entries in bytes.
//     chunk    int64  // Chunk size.
//     marker   [9]byte "CHUNKFILE"
// }

// Marker ends every cache file.
const Marker = "CHUNKFILE"

const (
	entrySize  = 24
	footerSize = 3*8 + len(Marker)
)

// ErrCorruptCache the cache file has no valid chunk table.
var ErrCorruptCache = errors.New("corrupt chunk cache")

type chunkKey struct {
	start  int64
	length int64
}

// Cache Access that keeps every chunk read from the source
// in a local file. Safe for concurrent use.
type Cache struct {
	source    Access
	chunkSize int64

	path string
	file *os.File
	lock *filelock.FileLock

	mu     sync.Mutex
	chunks map[chunkKey]int64
	// Chunk data ends and the table starts here.
	dataEnd int64
}

// CacheName returns the cache file name for a source name.
func CacheName(source string) string {
	sum := blake3.Sum256([]byte(source))
	return hex.EncodeToString(sum[:]) + ".chunks"
}

// OpenCache opens or creates the cache file for name in dir. An existing
// file with a different chunk size or a broken table is started over.
func OpenCache(dir, name string, source Access, chunkSize int) (*Cache, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("make cache dir: %w", err)
	}
	path := filepath.Join(dir, CacheName(name))

	c := &Cache{
		source:    source,
		chunkSize: int64(chunkSize),
		path:      path,
		lock:      filelock.New(path + ".lock"),
		chunks:    map[chunkKey]int64{},
	}
	if err := c.lock.Lock(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		c.lock.Unlock() //nolint:errcheck
		return nil, fmt.Errorf("open cache: %w", err)
	}
	c.file = file

	if err := c.readTable(); err != nil {
		if !errors.Is(err, ErrCorruptCache) {
			c.Close()
			return nil, err
		}
		c.chunks = map[chunkKey]int64{}
		c.dataEnd = 0
		if err := c.writeTable(); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Path returns the cache file path.
func (c *Cache) Path() string {
	return c.path
}

// Size returns the source size.
func (c *Cache) Size() int64 {
	return c.source.Size()
}

// Cached returns the number of cached chunks.
func (c *Cache) Cached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

// ReadChunk reads from the cache, fetching from the source on a miss.
func (c *Cache) ReadChunk(off int64, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := chunkKey{start: off, length: int64(len(p))}
	if pos, exist := c.chunks[key]; exist {
		return c.file.ReadAt(p, pos)
	}

	n, err := c.source.ReadChunk(off, p)
	if err != nil {
		return n, err
	}
	key.length = int64(n)
	if err := c.writeChunk(key, p[:n]); err != nil {
		return n, err
	}
	return n, nil
}

func (c *Cache) writeChunk(key chunkKey, data []byte) error {
	if _, err := c.file.WriteAt(data, c.dataEnd); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	c.chunks[key] = c.dataEnd
	c.dataEnd += int64(len(data))
	return c.writeTable()
}

func (c *Cache) writeTable() error {
	keys := make([]chunkKey, 0, len(c.chunks))
	for key := range c.chunks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].start != keys[j].start {
			return keys[i].start < keys[j].start
		}
		return keys[i].length < keys[j].length
	})

	buf := make([]byte, 0, len(keys)*entrySize+footerSize)
	for _, key := range keys {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(key.start))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(key.length))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(c.chunks[key]))
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(keys)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(keys)*entrySize))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(c.chunkSize))
	buf = append(buf, Marker...)

	if _, err := c.file.WriteAt(buf, c.dataEnd); err != nil {
		return fmt.Errorf("write chunk table: %w", err)
	}
	if err := c.file.Truncate(c.dataEnd + int64(len(buf))); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

func (c *Cache) readTable() error {
	stat, err := c.file.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	size := stat.Size()
	if size < int64(footerSize) {
		return ErrCorruptCache
	}

	footer := make([]byte, footerSize)
	if _, err := c.file.ReadAt(footer, size-int64(footerSize)); err != nil {
		return fmt.Errorf("read footer: %w", err)
	}
	if string(footer[24:]) != Marker {
		return ErrCorruptCache
	}
	count := int64(binary.LittleEndian.Uint64(footer))
	tableSize := int64(binary.LittleEndian.Uint64(footer[8:]))
	chunkSize := int64(binary.LittleEndian.Uint64(footer[16:]))
	if count < 0 || tableSize != count*entrySize || chunkSize != c.chunkSize ||
		tableSize > size-int64(footerSize) {
		return ErrCorruptCache
	}

	dataEnd := size - int64(footerSize) - tableSize
	table := make([]byte, tableSize)
	if _, err := c.file.ReadAt(table, dataEnd); err != nil {
		return fmt.Errorf("read chunk table: %w", err)
	}
	for i := int64(0); i < count; i++ {
		entry := table[i*entrySize:]
		key := chunkKey{
			start:  int64(binary.LittleEndian.Uint64(entry)),
			length: int64(binary.LittleEndian.Uint64(entry[8:])),
		}
		pos := int64(binary.LittleEndian.Uint64(entry[16:]))
		if key.start < 0 || key.length < 0 || pos < 0 || pos+key.length > dataEnd {
			return ErrCorruptCache
		}
		c.chunks[key] = pos
	}
	c.dataEnd = dataEnd
	return nil
}

// Close closes the cache file, the source is not closed.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.file != nil {
		err = c.file.Close()
		c.file = nil
	}
	if err2 := c.lock.Unlock(); err == nil {
		err = err2
	}
	return err
}
