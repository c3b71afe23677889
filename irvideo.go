// SPDX-License-Identifier: GPL-2.0-or-later

// Package irvideo wires the thermal video packages into an application.
package irvideo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"irvideo/pkg/calib"
	"irvideo/pkg/chunkfile"
	"irvideo/pkg/codec"
	"irvideo/pkg/container"
	"irvideo/pkg/handle"
	"irvideo/pkg/ingest"
	"irvideo/pkg/log"
	"irvideo/pkg/storage"
	"irvideo/pkg/system"
)

// Log sources.
var logSources = []string{"app", "handle", "ingest", "storage"}

// App is the main application struct.
type App struct {
	WG       *sync.WaitGroup
	Env      storage.ConfigEnv
	Logger   *log.Logger
	logDB    *log.DB
	System   *system.System
	Registry *container.Registry
	Handles  *handle.Table
	Storage  *storage.Manager

	logDBOpen bool
}

// ErrLogDBClosed log database could not be opened.
var ErrLogDBClosed = errors.New("log database is not open")

// NewApp builds the application from the env file at envPath.
// A missing env file means the defaults next to envPath.
func NewApp(envPath string, wg *sync.WaitGroup) (*App, error) {
	envYAML, err := os.ReadFile(envPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("could not read env.yaml: %w", err)
	}

	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}

	logger := log.NewLogger(wg, logSources)
	logDB := log.NewDB(env.LogDB, wg)

	sys := system.New()
	registry := container.NewRegistry(calib.NewRegistry(), codec.NewRegistry())
	registry.SetThreads(sys.Threads)

	if err := loadCalibrations(registry.Calibrations(), env.CalibrationDir); err != nil {
		return nil, err
	}

	return &App{
		WG:       wg,
		Env:      *env,
		Logger:   logger,
		logDB:    logDB,
		System:   sys,
		Registry: registry,
		Handles:  handle.NewTable(registry, logger, env.Encoder),
		Storage:  storage.NewManager(env.VideosDir(), env.DiskSpaceBytes(), logger),
	}, nil
}

// Calibration files are *.yaml or *.yml, a missing directory is empty.
func loadCalibrations(registry *calib.Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read calibration directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.Type().IsRegular() && (ext == ".yaml" || ext == ".yml") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		if _, err := registry.Load(path); err != nil {
			return fmt.Errorf("load calibration: %w", err)
		}
	}
	return nil
}

// Start starts the logger and the log database and prepares the
// storage directories. Logs at consoleLevel or more severe are
// written to console if it is not nil. Everything stops when ctx
// is canceled.
func (app *App) Start(ctx context.Context, console io.Writer, consoleLevel log.Level) error {
	app.Logger.Start(ctx)
	if console != nil {
		app.WG.Add(1)
		go func() {
			defer app.WG.Done()
			app.Logger.LogTo(ctx, console, consoleLevel)
		}()
	}

	if err := app.Env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("could not prepare environment: %w", err)
	}

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
		return nil
	}
	app.logDBOpen = true
	go app.logDB.SaveLogs(ctx, app.Logger)
	time.Sleep(10 * time.Millisecond)
	return nil
}

// Watch transcodes the files written to the watch directory into
// the videos directory until ctx is canceled.
func (app *App) Watch(ctx context.Context, settle time.Duration) error {
	transcoder := ingest.NewTranscoder(app.Registry, app.Env.Encoder, app.Env.VideosDir(), app.Logger)
	watcher := ingest.NewWatcher(app.Env.WatchDir, transcoder, app.Logger, settle)

	app.logStatus(ctx)
	go app.Storage.PurgeLoop(ctx, 10*time.Minute)
	return watcher.Run(ctx)
}

func (app *App) logStatus(ctx context.Context) {
	status, err := app.System.Status(ctx)
	if err != nil {
		app.Logger.Error().Src("app").Msgf("system status: %v", err)
		return
	}
	app.Logger.Info().Src("app").Msgf("cpu %v%%, ram %v%%, %v threads",
		status.CPUUsage, status.RAMUsage, status.Threads)
}

// QueryLogs queries the log database, the app must be started.
func (app *App) QueryLogs(q log.Query) ([]log.Log, error) {
	if !app.logDBOpen {
		return nil, ErrLogDBClosed
	}
	return app.logDB.Query(q)
}

// Source file read through a chunk cache.
type cachedFile struct {
	*chunkfile.Cache
	source *chunkfile.FileAccess
}

func (c cachedFile) Close() error {
	return errors.Join(c.Cache.Close(), c.source.Close())
}

// OpenCached opens the video at path through a chunk cache in
// the cache directory. Used for files on slow or remote mounts.
func (app *App) OpenCached(path string) (*container.Reader, error) {
	source, err := chunkfile.OpenFile(path)
	if err != nil {
		return nil, err
	}
	cache, err := chunkfile.OpenCache(app.Env.CacheDir, path, source, chunkfile.DefaultChunkSize)
	if err != nil {
		source.Close()
		return nil, err
	}
	access := cachedFile{Cache: cache, source: source}
	r, err := app.Registry.OpenAccess(path, access, chunkfile.DefaultChunkSize)
	if err != nil {
		access.Close()
		return nil, err
	}
	return r, nil
}

// Close closes every open handle.
func (app *App) Close() error {
	err := app.Handles.CloseAll()
	if err != nil {
		app.Logger.Error().Src("app").Msgf("close handles: %v", err)
	}
	return err
}
