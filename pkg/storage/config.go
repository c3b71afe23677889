// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"irvideo/pkg/lossy"

	"gopkg.in/yaml.v3"
)

// ConfigEnv stores system configuration.
//
//	storageDir: /var/lib/irvideo
//	threads: 4
//	diskSpace: 100
//	encoder:
//	  lowValueError: 6
//	  highValueError: 2
//	  codec: zstd
type ConfigEnv struct {
	StorageDir     string `yaml:"storageDir"`
	CacheDir       string `yaml:"cacheDir"`
	WatchDir       string `yaml:"watchDir"`
	CalibrationDir string `yaml:"calibrationDir"`
	LogDB          string `yaml:"logDB"`

	// Worker count, 0 is one per cpu.
	Threads int `yaml:"threads"`

	// Size of the videos directory in GB before the oldest
	// videos are purged, 0 disables purging.
	DiskSpace float64 `yaml:"diskSpace"`

	Encoder lossy.Params `yaml:"encoder"`

	ConfigDir string `yaml:"-"`
}

// Errors.
var (
	ErrPathNotAbsolute = errors.New("path is not absolute")
	ErrInvalidEnv      = errors.New("invalid env")
)

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	env := ConfigEnv{Encoder: lossy.DefaultParams()}

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.ConfigDir, "storage")
	}
	if env.CacheDir == "" {
		env.CacheDir = filepath.Join(env.StorageDir, "cache")
	}
	if env.WatchDir == "" {
		env.WatchDir = filepath.Join(env.StorageDir, "incoming")
	}
	if env.CalibrationDir == "" {
		env.CalibrationDir = filepath.Join(env.ConfigDir, "calibrations")
	}
	if env.LogDB == "" {
		env.LogDB = filepath.Join(env.StorageDir, "logs.db")
	}

	paths := []struct {
		name string
		path string
	}{
		{"storageDir", env.StorageDir},
		{"cacheDir", env.CacheDir},
		{"watchDir", env.WatchDir},
		{"calibrationDir", env.CalibrationDir},
		{"logDB", env.LogDB},
	}
	for _, p := range paths {
		if !filepath.IsAbs(p.path) {
			return nil, fmt.Errorf("%v '%v': %w", p.name, p.path, ErrPathNotAbsolute)
		}
	}

	if env.Threads < 0 {
		return nil, fmt.Errorf("%w: threads %d", ErrInvalidEnv, env.Threads)
	}
	if env.DiskSpace < 0 {
		return nil, fmt.Errorf("%w: diskSpace %v", ErrInvalidEnv, env.DiskSpace)
	}
	if err := env.Encoder.Validate(); err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}

	return &env, nil
}

// ReadConfigEnv reads and parses the env file at path.
func ReadConfigEnv(path string) (*ConfigEnv, error) {
	envYAML, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read env.yaml: %w", err)
	}
	return NewConfigEnv(path, envYAML)
}

// VideosDir returns the directory of compressed videos.
func (env ConfigEnv) VideosDir() string {
	return filepath.Join(env.StorageDir, "videos")
}

// DiskSpaceBytes returns the configured disk space in bytes.
func (env ConfigEnv) DiskSpaceBytes() int64 {
	return int64(env.DiskSpace * gigabyte)
}

// PrepareEnvironment prepares directories.
func (env ConfigEnv) PrepareEnvironment() error {
	dirs := []string{
		env.VideosDir(),
		env.CacheDir,
		env.WatchDir,
		filepath.Dir(env.LogDB),
	}
	for _, dir := range dirs {
		err := os.MkdirAll(dir, 0o700)
		if err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create directory: %v: %w", dir, err)
		}
	}
	return nil
}
