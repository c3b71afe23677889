// SPDX-License-Identifier: GPL-2.0-or-later

// Package storage holds the environment config and keeps the
// videos directory within its disk space.
package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"irvideo/pkg/log"
)

// Manager keeps the videos directory within its disk space.
type Manager struct {
	videosDir string
	fsys      fs.FS
	disk      *diskCache
	remove    func(string) error

	logger *log.Logger
}

// NewManager returns a manager for videosDir. diskSpace is in
// bytes, 0 disables purging.
func NewManager(videosDir string, diskSpace int64, logger *log.Logger) *Manager {
	fsys := os.DirFS(videosDir)
	return &Manager{
		videosDir: videosDir,
		fsys:      fsys,
		disk:      newDiskCache(diskSpace, fsys),
		remove:    os.Remove,
		logger:    logger,
	}
}

// DiskUsageCached returns the cached usage and its age.
func (s *Manager) DiskUsageCached() (DiskUsage, time.Duration) {
	return s.disk.cached()
}

// DiskUsage returns the cached usage if it is newer than maxAge,
// otherwise the videos directory is walked again.
func (s *Manager) DiskUsage(maxAge time.Duration) DiskUsage {
	return s.disk.get(maxAge)
}

// Deletes the oldest videos until usage is below 99% of the disk
// space. Returns the number of deleted videos.
func (s *Manager) purge() (int, error) {
	usage := s.DiskUsage(0)
	if usage.Percent < 99 {
		return 0, nil
	}

	videos, err := oldestFirst(s.fsys)
	if err != nil {
		return 0, fmt.Errorf("list videos: %w", err)
	}
	defer s.disk.invalidate()

	limit := s.disk.space * 99 / 100
	used := usage.Used
	deleted := 0
	for _, v := range videos {
		if used < limit {
			break
		}
		if err := s.remove(filepath.Join(s.videosDir, v.name)); err != nil {
			return deleted, fmt.Errorf("remove video: %w", err)
		}
		used -= v.size
		deleted++
		s.logger.Info().Src("storage").Video(v.name).Msgf("purged, freed %v", formatBytes(float64(v.size)))
	}
	return deleted, nil
}

type videoFile struct {
	name    string
	size    int64
	modTime time.Time
}

// Regular files of the top directory, oldest first.
func oldestFirst(fsys fs.FS) ([]videoFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var videos []videoFile
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		videos = append(videos, videoFile{
			name:    e.Name(),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	sort.SliceStable(videos, func(i, j int) bool {
		if videos[i].modTime.Equal(videos[j].modTime) {
			return videos[i].name < videos[j].name
		}
		return videos[i].modTime.Before(videos[j].modTime)
	})
	return videos, nil
}

// PurgeLoop purges every interval until ctx is canceled.
func (s *Manager) PurgeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.purge()
			if err != nil {
				s.logger.Error().Src("storage").Msgf("could not purge storage: %v", err)
				continue
			}
			if n != 0 {
				usage := s.DiskUsage(0)
				s.logger.Info().Src("storage").Msgf("purged %v videos, %v used by %v videos",
					n, usage.Formatted, usage.Videos)
			}
		}
	}
}

// DiskUsage of the videos directory.
type DiskUsage struct {
	Used      int64 // Bytes.
	Videos    int
	Percent   int
	Max       int64 // GB.
	Formatted string
}

// Caches the walk of the videos directory. Concurrent
// callers wait for a single walk.
type diskCache struct {
	space int64
	fsys  fs.FS
	walk  func(fs.FS) (int64, int)

	mu      sync.Mutex
	usage   DiskUsage
	updated time.Time
}

func newDiskCache(space int64, fsys fs.FS) *diskCache {
	return &diskCache{
		space: space,
		fsys:  fsys,
		walk:  walkUsage,
	}
}

func (d *diskCache) cached() (DiskUsage, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usage, time.Since(d.updated)
}

func (d *diskCache) invalidate() {
	d.mu.Lock()
	d.updated = time.Time{}
	d.mu.Unlock()
}

func (d *diskCache) get(maxAge time.Duration) DiskUsage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.updated) < maxAge {
		return d.usage
	}

	used, videos := d.walk(d.fsys)
	percent := 0
	if d.space > 0 {
		percent = int(used * 100 / d.space)
	}
	d.usage = DiskUsage{
		Used:      used,
		Videos:    videos,
		Percent:   percent,
		Max:       d.space / int64(gigabyte),
		Formatted: formatBytes(float64(used)),
	}
	d.updated = time.Now()
	return d.usage
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

// Three significant digits, MB or larger.
func formatBytes(n float64) string {
	unit, suffix := megabyte, "MB"
	switch {
	case n >= terabyte:
		unit, suffix = terabyte, "TB"
	case n >= 1000*megabyte:
		unit, suffix = gigabyte, "GB"
	}
	v := n / unit
	switch {
	case suffix == "MB" || v >= 100:
		return fmt.Sprintf("%.0f%v", v, suffix)
	case v >= 10:
		return fmt.Sprintf("%.1f%v", v, suffix)
	default:
		return fmt.Sprintf("%.2f%v", v, suffix)
	}
}

// Total size and count of the regular files under fsys.
func walkUsage(fsys fs.FS) (int64, int) {
	var used int64
	var files int
	fs.WalkDir(fsys, ".", func(_ string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			used += info.Size()
			files++
		}
		return nil
	})
	return used, files
}
