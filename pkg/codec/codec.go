// SPDX-License-Identifier: GPL-2.0-or-later

// Package codec stores fixed size 16 bit frames losslessly in
// a box structured file with periodic key frames.
package codec

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"irvideo/pkg/blockcodec"
	"irvideo/pkg/parallel"
)

// Errors.
var (
	ErrCodec        = errors.New("codec failure")
	ErrUnknownCodec = errors.New("unknown codec")
	ErrOutOfRange   = errors.New("frame index out of range")
)

// Config encoder configuration.
type Config struct {
	Width  int
	Height int
	// Key frame interval.
	GOP int
	// Block compressor level in [0,8].
	Level int
	// Horizontal bands compressed independently.
	Slices int
	// Store an integration time plane next to every frame.
	StoreIT bool
	// Compresses slices in parallel, may be nil.
	Pool *parallel.Pool
}

func (c Config) validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: invalid size %dx%d", ErrCodec, c.Width, c.Height)
	case c.GOP < 1:
		return fmt.Errorf("%w: invalid GOP %d", ErrCodec, c.GOP)
	case c.Level < 0 || c.Level > blockcodec.MaxLevel:
		return fmt.Errorf("%w: invalid level %d", ErrCodec, c.Level)
	}
	return nil
}

// Encoder writes frames. Not safe for concurrent use.
type Encoder interface {
	// AddFrame encodes img and the optional integration time
	// plane. key forces a key frame.
	AddFrame(img []uint16, it []uint8, key bool) error

	// Count returns the number of frames written.
	Count() int

	// Positions returns the byte offset of every frame box.
	Positions() []int64

	// Size returns the number of bytes written.
	Size() int64

	// Close finishes the stream, the writer is not closed.
	Close() error
}

// Decoder reads frames. Not safe for concurrent use.
type Decoder interface {
	Count() int
	ImageSize() (int, int)
	HasIT() bool
	Positions() []int64

	// ReadFrame decodes frame index into img, and into it
	// when it is not nil and the stream has the plane.
	ReadFrame(index int, img []uint16, it []uint8) error
}

// Codec creates encoders and decoders.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer, cfg Config) (Encoder, error)

	// NewDecoder opens a stream of size bytes. Frames are found
	// from positions when it is valid, otherwise by scanning.
	NewDecoder(r io.ReaderAt, size int64, positions []int64) (Decoder, error)
}

// Registry codecs by name.
type Registry struct {
	codecs map[string]Codec
	mu     sync.Mutex
}

// NewRegistry returns a registry with the planar codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: map[string]Codec{}}
	r.Register(NewPlanar("zstd", blockcodec.Zstd))
	r.Register(NewPlanar("lz4", blockcodec.LZ4))
	r.Register(NewPlanar("raw", blockcodec.None))
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Name()] = c
}

// Get returns the codec with name.
func (r *Registry) Get(name string) (Codec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exist := r.codecs[name]
	if !exist {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

// Names returns the sorted codec names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open reads the stream header and opens it with the codec named there.
func (r *Registry) Open(src io.ReaderAt, size int64, positions []int64) (Decoder, error) {
	header, _, err := ReadHeader(src, size)
	if err != nil {
		return nil, err
	}
	c, err := r.Get(header.Codec)
	if err != nil {
		return nil, err
	}
	return c.NewDecoder(src, size, positions)
}

// ReadHeader reads the ftyp and irhd boxes at the start of a
// stream. Returns the header and the offset of the first frame.
func ReadHeader(r io.ReaderAt, size int64) (*Irhd, int64, error) {
	var off int64
	var ftyp Ftyp
	if err := readBox(r, size, &off, TypeFtyp, ftyp.Unmarshal); err != nil {
		return nil, 0, err
	}
	if ftyp.MajorBrand != MajorBrand {
		return nil, 0, fmt.Errorf("%w: brand %q", ErrCodec, ftyp.MajorBrand[:])
	}

	var header Irhd
	if err := readBox(r, size, &off, TypeIrhd, header.Unmarshal); err != nil {
		return nil, 0, err
	}
	return &header, off, nil
}

func readBox(r io.ReaderAt, size int64, off *int64, typ BoxType, unmarshal func([]byte) error) error {
	if size-*off < BoxHeaderSize {
		return fmt.Errorf("%w: missing %v box", ErrCodec, typ)
	}
	boxSize, boxType, err := ReadBoxInfo(r, *off)
	if err != nil {
		return fmt.Errorf("read %v box: %w", typ, err)
	}
	if boxType != typ {
		return fmt.Errorf("%w: expected %v box, got %v", ErrCodec, typ, boxType)
	}
	if int64(boxSize) > size-*off {
		return fmt.Errorf("%w: truncated %v box", ErrCodec, typ)
	}
	buf := make([]byte, boxSize-BoxHeaderSize)
	if _, err := r.ReadAt(buf, *off+BoxHeaderSize); err != nil {
		return fmt.Errorf("read %v box: %w", typ, err)
	}
	if err := unmarshal(buf); err != nil {
		return fmt.Errorf("unmarshal %v box: %w", typ, err)
	}
	*off += int64(boxSize)
	return nil
}
