// SPDX-License-Identifier: GPL-2.0-or-later

package chunkfile

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Counts the reads that reach the source.
type memAccess struct {
	data  []byte
	reads int
}

func (a *memAccess) Size() int64 {
	return int64(len(a.data))
}

func (a *memAccess) ReadChunk(off int64, p []byte) (int, error) {
	a.reads++
	return copy(p, a.data[off:]), nil
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestReader(t *testing.T) {
	data := testData(1000)
	access := &memAccess{data: data}
	r := NewReader(access, 64)
	require.Equal(t, int64(16), r.Chunks())

	t.Run("readAt", func(t *testing.T) {
		cases := []struct {
			off int64
			n   int
		}{
			{0, 10},
			{60, 10},
			{63, 130},
			{990, 10},
			{0, 1000},
		}
		for _, tc := range cases {
			p := make([]byte, tc.n)
			n, err := r.ReadAt(p, tc.off)
			require.NoError(t, err)
			require.Equal(t, tc.n, n)
			require.Equal(t, data[tc.off:tc.off+int64(tc.n)], p)
		}

		p := make([]byte, 20)
		n, err := r.ReadAt(p, 990)
		require.ErrorIs(t, err, io.EOF)
		require.Equal(t, 10, n)
	})
	t.Run("read", func(t *testing.T) {
		_, err := r.Seek(0, io.SeekStart)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, data, got)
	})
	t.Run("seek", func(t *testing.T) {
		pos, err := r.Seek(-10, io.SeekEnd)
		require.NoError(t, err)
		require.Equal(t, int64(990), pos)

		pos, err = r.Seek(5, io.SeekCurrent)
		require.NoError(t, err)
		require.Equal(t, int64(995), pos)

		_, err = r.Seek(10, io.SeekCurrent)
		require.ErrorIs(t, err, ErrInvalidSeek)
		_, err = r.Seek(-1, io.SeekStart)
		require.ErrorIs(t, err, ErrInvalidSeek)
	})
	t.Run("sameChunk", func(t *testing.T) {
		p := make([]byte, 4)
		_, err := r.ReadAt(p, 128)
		require.NoError(t, err)
		reads := access.reads
		_, err = r.ReadAt(p, 132)
		require.NoError(t, err)
		require.Equal(t, reads, access.reads)
	})
}

func TestFileAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	data := testData(300)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	a, err := OpenFile(path)
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, int64(300), a.Size())

	r := NewReader(a, 0)
	p := make([]byte, 300)
	_, err = r.ReadAt(p, 0)
	require.NoError(t, err)
	require.Equal(t, data, p)
}

func TestCache(t *testing.T) {
	dir := t.TempDir()
	data := testData(500)

	source := &memAccess{data: data}
	c, err := OpenCache(dir, "http://host/video.pcr", source, 128)
	require.NoError(t, err)

	read := func(c *Cache) []byte {
		got, err := io.ReadAll(NewReader(c, 128))
		require.NoError(t, err)
		return got
	}
	require.Equal(t, data, read(c))
	require.Equal(t, 4, c.Cached())
	require.Equal(t, 4, source.reads)

	// Hits do not reach the source.
	require.Equal(t, data, read(c))
	require.Equal(t, 4, source.reads)
	require.NoError(t, c.Close())

	stat, err := os.Stat(c.Path())
	require.NoError(t, err)
	require.Equal(t, int64(500+4*entrySize+footerSize), stat.Size())

	t.Run("reopen", func(t *testing.T) {
		source := &memAccess{data: data}
		c, err := OpenCache(dir, "http://host/video.pcr", source, 128)
		require.NoError(t, err)
		defer c.Close()
		require.Equal(t, 4, c.Cached())
		require.Equal(t, data, read(c))
		require.Equal(t, 0, source.reads)
	})
	t.Run("chunkSizeChanged", func(t *testing.T) {
		source := &memAccess{data: data}
		c, err := OpenCache(dir, "http://host/video.pcr", source, 256)
		require.NoError(t, err)
		defer c.Close()
		require.Equal(t, 0, c.Cached())
	})
	t.Run("corrupt", func(t *testing.T) {
		path := filepath.Join(dir, CacheName("other"))
		require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

		c, err := OpenCache(dir, "other", &memAccess{data: data}, 128)
		require.NoError(t, err)
		defer c.Close()
		require.Equal(t, 0, c.Cached())
		require.Equal(t, data, read(c))
	})
}

func TestCacheName(t *testing.T) {
	require.Equal(t, CacheName("a"), CacheName("a"))
	require.NotEqual(t, CacheName("a"), CacheName("b"))
	require.Len(t, CacheName("a"), 64+len(".chunks"))
}
