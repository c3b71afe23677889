// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"irvideo/pkg/log"
	"irvideo/pkg/lossy"

	"github.com/stretchr/testify/require"
)

func TestWalkUsage(t *testing.T) {
	fsys := fstest.MapFS{
		"a":       {Data: []byte("12")},
		"dir/b":   {Data: []byte("345")},
		"dir/c/d": {Data: []byte("6")},
	}
	used, files := walkUsage(fsys)
	require.Equal(t, int64(6), used)
	require.Equal(t, 3, files)
}

func TestDiskUsage(t *testing.T) {
	cases := []struct {
		name     string
		used     float64 // Bytes.
		space    float64 // Bytes.
		expected DiskUsage
	}{
		{"formatMB", 10 * megabyte, 0.1 * gigabyte, DiskUsage{10000000, 4, 10, 0, "10MB"}},
		{"formatGB2", 2 * gigabyte, 10 * gigabyte, DiskUsage{2000000000, 4, 20, 10, "2.00GB"}},
		{"formatGB1", 20 * gigabyte, 100 * gigabyte, DiskUsage{20000000000, 4, 20, 100, "20.0GB"}},
		{"formatGB0", 200 * gigabyte, 1000 * gigabyte, DiskUsage{200000000000, 4, 20, 1000, "200GB"}},
		{"formatTB2", 2 * terabyte, 10 * terabyte, DiskUsage{2000000000000, 4, 20, 10000, "2.00TB"}},
		{"formatTB1", 20 * terabyte, 100 * terabyte, DiskUsage{20000000000000, 4, 20, 100000, "20.0TB"}},
		{"formatTB0", 200 * terabyte, 1000 * terabyte, DiskUsage{200000000000000, 4, 20, 1000000, "200TB"}},
		{"unlimited", 1000, 0, DiskUsage{1000, 4, 0, 0, "0MB"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newDiskCache(int64(tc.space), nil)
			d.walk = func(fs.FS) (int64, int) { return int64(tc.used), 4 }
			require.Equal(t, tc.expected, d.get(time.Hour))
		})
	}
}

func TestDiskUsageCache(t *testing.T) {
	walks := 0
	d := newDiskCache(100, nil)
	d.walk = func(fs.FS) (int64, int) {
		walks++
		return int64(walks), 1
	}

	require.Equal(t, int64(1), d.get(time.Hour).Used)
	require.Equal(t, int64(1), d.get(time.Hour).Used)

	cached, age := d.cached()
	require.Equal(t, int64(1), cached.Used)
	require.Less(t, age, time.Hour)

	require.Equal(t, int64(2), d.get(0).Used)

	d.invalidate()
	require.Equal(t, int64(3), d.get(time.Hour).Used)
}

func writeVideos(t *testing.T, dir string, sizes ...int) {
	t.Helper()
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, size := range sizes {
		path := filepath.Join(dir, string(rune('a'+i))+".h264")
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
		modTime := start.Add(time.Duration(len(sizes)-i) * time.Hour)
		require.NoError(t, os.Chtimes(path, modTime, modTime))
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPurge(t *testing.T) {
	cases := []struct {
		name      string
		diskSpace int64
		expected  []string
	}{
		{"belowLimit", 1000, []string{"a.h264", "b.h264", "c.h264"}},
		// c is the oldest, then b.
		{"deleteOldest", 60, []string{"a.h264", "b.h264"}},
		{"deleteTwo", 25, []string{"a.h264"}},
		{"unlimited", 0, []string{"a.h264", "b.h264", "c.h264"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeVideos(t, dir, 10, 20, 30)

			m := NewManager(dir, tc.diskSpace, log.NewMockLogger())
			n, err := m.purge()
			require.NoError(t, err)
			require.Equal(t, 3-len(tc.expected), n)
			require.Equal(t, tc.expected, listDir(t, dir))
			require.Equal(t, len(tc.expected), m.DiskUsage(time.Hour).Videos)
		})
	}
}

func TestPurgeRemoveError(t *testing.T) {
	dir := t.TempDir()
	writeVideos(t, dir, 10)

	m := NewManager(dir, 5, log.NewMockLogger())
	m.remove = func(string) error { return os.ErrPermission }
	_, err := m.purge()
	require.ErrorIs(t, err, os.ErrPermission)
}

func TestNewConfigEnv(t *testing.T) {
	envPath := "/home/irvideo/env.yaml"

	t.Run("defaults", func(t *testing.T) {
		env, err := NewConfigEnv(envPath, nil)
		require.NoError(t, err)
		expected := &ConfigEnv{
			StorageDir:     "/home/irvideo/storage",
			CacheDir:       "/home/irvideo/storage/cache",
			WatchDir:       "/home/irvideo/storage/incoming",
			CalibrationDir: "/home/irvideo/calibrations",
			LogDB:          "/home/irvideo/storage/logs.db",
			Encoder:        lossy.DefaultParams(),
			ConfigDir:      "/home/irvideo",
		}
		require.Equal(t, expected, env)
		require.Equal(t, "/home/irvideo/storage/videos", env.VideosDir())
	})
	t.Run("values", func(t *testing.T) {
		envYAML := []byte(`
storageDir: /data
threads: 3
diskSpace: 1.5
encoder:
  lowValueError: 10
  codec: lz4
`)
		env, err := NewConfigEnv(envPath, envYAML)
		require.NoError(t, err)
		require.Equal(t, "/data", env.StorageDir)
		require.Equal(t, "/data/cache", env.CacheDir)
		require.Equal(t, 3, env.Threads)
		require.Equal(t, int64(1500000000), env.DiskSpaceBytes())

		expected := lossy.DefaultParams()
		expected.LowValueError = 10
		expected.Codec = "lz4"
		require.Equal(t, expected, env.Encoder)
	})

	cases := []struct {
		name     string
		envYAML  string
		expected error
	}{
		{"relativeStorage", "storageDir: data", ErrPathNotAbsolute},
		{"relativeCache", "cacheDir: cache", ErrPathNotAbsolute},
		{"relativeLogDB", "logDB: logs.db", ErrPathNotAbsolute},
		{"threads", "threads: -1", ErrInvalidEnv},
		{"diskSpace", "diskSpace: -1", ErrInvalidEnv},
		{"encoder", "encoder:\n  compressionLevel: 9", lossy.ErrInvalidParam},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfigEnv(envPath, []byte(tc.envYAML))
			require.ErrorIs(t, err, tc.expected)
		})
	}

	t.Run("unmarshalErr", func(t *testing.T) {
		_, err := NewConfigEnv(envPath, []byte("storageDir: ["))
		require.Error(t, err)
	})
}

func TestPrepareEnvironment(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, "env.yaml")
	require.NoError(t, os.WriteFile(envPath, []byte("threads: 2\n"), 0o600))

	env, err := ReadConfigEnv(envPath)
	require.NoError(t, err)
	require.NoError(t, env.PrepareEnvironment())

	for _, dir := range []string{env.VideosDir(), env.CacheDir, env.WatchDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}

	_, err = ReadConfigEnv(filepath.Join(tempDir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
