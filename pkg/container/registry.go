// SPDX-License-Identifier: GPL-2.0-or-later

package container

import (
	"fmt"
	"io"
	"os"
	"sync"

	"irvideo/pkg/calib"
	"irvideo/pkg/chunkfile"
	"irvideo/pkg/codec"
)

// ThreadsFunc resolves a requested thread count, 0 means automatic.
type ThreadsFunc func(requested int) int

// Registry plugins, calibrations and codecs used to open videos.
type Registry struct {
	calibs  *calib.Registry
	codecs  *codec.Registry
	threads ThreadsFunc

	plugins []Plugin
	mu      sync.Mutex
}

// NewRegistry returns a registry without plugins.
func NewRegistry(calibs *calib.Registry, codecs *codec.Registry) *Registry {
	return &Registry{
		calibs: calibs,
		codecs: codecs,
		threads: func(requested int) int {
			if requested < 1 {
				return 1
			}
			return requested
		},
	}
}

// SetThreads sets the function resolving the encoder thread count.
func (r *Registry) SetThreads(fn ThreadsFunc) {
	r.threads = fn
}

// RegisterPlugin adds a plugin, plugins are tried in order
// before the built in formats.
func (r *Registry) RegisterPlugin(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

// Calibrations returns the calibration registry.
func (r *Registry) Calibrations() *calib.Registry {
	return r.calibs
}

// Codecs returns the codec registry.
func (r *Registry) Codecs() *codec.Registry {
	return r.codecs
}

// Detect is like the package level Detect but consults the plugins first.
func (r *Registry) Detect(head []byte, size int64) Info {
	if p := r.pluginFor(head); p != nil {
		return Info{Format: Other, Plugin: p.Name()}
	}
	return Detect(head, size)
}

func (r *Registry) pluginFor(head []byte) Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plugins {
		if p.Probe(head) {
			return p
		}
	}
	return nil
}

// Open opens the video at path.
func (r *Registry) Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	reader, err := r.open(path, file, stat.Size(), file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return reader, nil
}

// OpenAccess opens a video read through a chunked access, a
// remote file or a cache. The access is closed with the reader
// when it implements io.Closer.
func (r *Registry) OpenAccess(name string, access chunkfile.Access, chunkSize int) (*Reader, error) {
	src := chunkfile.NewReader(access, chunkSize)
	closer, _ := access.(io.Closer)
	return r.open(name, src, access.Size(), closer)
}

// OpenReaderAt opens a video of size bytes.
func (r *Registry) OpenReaderAt(name string, src io.ReaderAt, size int64) (*Reader, error) {
	return r.open(name, src, size, nil)
}

func (r *Registry) open(name string, src io.ReaderAt, size int64, closer io.Closer) (*Reader, error) {
	head := make([]byte, DetectSize)
	n, err := src.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read head: %w", err)
	}
	head = head[:n]

	var backend Backend
	info := Info{Format: Other}
	if p := r.pluginFor(head); p != nil {
		info.Plugin = p.Name()
		backend, err = p.Open(src, size)
	} else {
		info = Detect(head, size)
		backend, err = r.openBuiltin(src, size, info)
	}
	if err != nil {
		return nil, fmt.Errorf("open %v: %w", name, err)
	}
	return newReader(name, info, backend, r.calibs, closer), nil
}

func (r *Registry) openBuiltin(src io.ReaderAt, size int64, info Info) (Backend, error) {
	switch info.Format {
	case PCR, PCREncapsulated, BINWest:
		return openRaw(src, size, info)
	case ZCompressed:
		return openZ(src, size, info)
	case HCC:
		return openHCC(src, size)
	case H264:
		return openVideo(src, size, r.codecs)
	}
	return nil, ErrFormatUnrecognized
}

// Create creates a compressed video at path.
func (r *Registry) Create(path string, cfg WriterConfig) (*Writer, error) {
	return newWriter(path, cfg, r.codecs, r.threads)
}
