// SPDX-License-Identifier: GPL-2.0-or-later

package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"irvideo/pkg/container"
	"irvideo/pkg/log"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle time without writes before a file is transcoded.
const DefaultSettle = 2 * time.Second

// Watcher transcodes files written to a directory.
type Watcher struct {
	dir        string
	transcoder *Transcoder
	logger     *log.Logger
	settle     time.Duration

	// Modification time of pending files by path.
	pending map[string]time.Time
	done    map[string]struct{}

	// Called after each transcoded file, used for testing.
	onDone func(src, dst string, err error)
}

// NewWatcher returns a watcher of dir.
func NewWatcher(dir string, transcoder *Transcoder, logger *log.Logger, settle time.Duration) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		dir:        dir,
		transcoder: transcoder,
		logger:     logger,
		settle:     settle,
		pending:    make(map[string]time.Time),
		done:       make(map[string]struct{}),
		onDone:     func(string, string, error) {},
	}
}

// Run watches the directory until the context is canceled. Files
// already in the directory without an up to date output are
// transcoded first.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %v: %w", w.dir, err)
	}
	if err := w.scan(); err != nil {
		return err
	}
	w.logger.Info().Src("ingest").Msgf("watching %v", w.dir)

	ticker := time.NewTicker(w.settle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Src("ingest").Msgf("watcher: %v", err)
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read %v: %w", w.dir, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || skipName(e.Name()) {
			continue
		}
		src := filepath.Join(w.dir, e.Name())
		if w.upToDate(src) {
			w.done[src] = struct{}{}
			continue
		}
		// Existing files are settled.
		w.pending[src] = time.Time{}
	}
	return nil
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, OutputExt) ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".lock")
}

// Output exists and is newer than src.
func (w *Watcher) upToDate(src string) bool {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false
	}
	dstInfo, err := os.Stat(w.transcoder.OutputPath(src))
	if err != nil {
		return false
	}
	return !dstInfo.ModTime().Before(srcInfo.ModTime())
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if skipName(filepath.Base(event.Name)) {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		delete(w.done, event.Name)
		w.pending[event.Name] = time.Now()
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		delete(w.pending, event.Name)
		delete(w.done, event.Name)
	}
}

// Transcode the files that were not written to for the settle time.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var ready []string
	for src, modified := range w.pending {
		if now.Sub(modified) >= w.settle {
			ready = append(ready, src)
		}
	}
	sort.Strings(ready)

	for _, src := range ready {
		if ctx.Err() != nil {
			return
		}
		delete(w.pending, src)
		if _, exist := w.done[src]; exist {
			continue
		}
		w.done[src] = struct{}{}

		name := filepath.Base(src)
		dst, err := w.transcoder.Transcode(ctx, src)
		switch {
		case errors.Is(err, ErrNotLegacy), errors.Is(err, container.ErrFormatUnrecognized):
			w.logger.Debug().Src("ingest").Video(name).Msgf("skipped: %v", err)
		case err != nil:
			w.logger.Error().Src("ingest").Video(name).Msgf("transcode: %v", err)
		default:
			w.logger.Info().Src("ingest").Video(name).Msgf("transcoded to %v", filepath.Base(dst))
		}
		w.onDone(src, dst, err)
	}
}
