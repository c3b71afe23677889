// SPDX-License-Identifier: GPL-2.0-or-later

// Package blockcodec wraps the general purpose block compressors
// used by the trailer, the Z file format and the planar codec.
package blockcodec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies a block compressor.
type Tag uint8

// Tags are stored in frame headers, changing them breaks files.
const (
	None Tag = 0
	Zstd Tag = 1
	LZ4  Tag = 2
)

func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ErrUnknownTag unknown compression tag.
var ErrUnknownTag = errors.New("unknown compression tag")

// ParseTag parses a tag from its name.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTag, name)
	}
}

// ErrIncompressible compressed output is not smaller than the input.
var ErrIncompressible = errors.New("incompressible")

// MaxLevel highest compression level.
const MaxLevel = 8

// DefaultLevel .
const DefaultLevel = 3

// Compress compresses data with the given algorithm and level in [0,8].
// Returns ErrIncompressible if the result would not be smaller.
func Compress(data []byte, tag Tag, level int) ([]byte, error) {
	switch tag {
	case None:
		return data, nil
	case Zstd:
		compressed := zstdEncoder(level).EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, ErrIncompressible
		}
		return compressed, nil
	case LZ4:
		return compressLZ4(data, level)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

// Decompress decompresses data, the result must be exactly size bytes.
func Decompress(compressed []byte, tag Tag, size int) ([]byte, error) {
	switch tag {
	case None:
		if len(compressed) != size {
			return nil, fmt.Errorf("stored block: size %d, expected %d", len(compressed), size)
		}
		return compressed, nil
	case Zstd:
		result, err := getZstdDecoder().DecodeAll(compressed, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	case LZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(compressed, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

func compressLZ4(data []byte, level int) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))

	var n int
	var err error
	if level > 4 {
		n, err = lz4.CompressBlockHC(data, dst, lz4.Level9, nil, nil)
	} else {
		n, err = lz4.CompressBlock(data, dst, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, ErrIncompressible
	}
	return dst[:n], nil
}

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdMu       sync.Mutex
	zstdEncoders = map[zstd.EncoderLevel]*zstd.Encoder{}

	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
)

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 4:
		return zstd.SpeedDefault
	case level <= 6:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func zstdEncoder(level int) *zstd.Encoder {
	l := zstdLevel(level)

	zstdMu.Lock()
	defer zstdMu.Unlock()
	if enc, exist := zstdEncoders[l]; exist {
		return enc
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(l))
	if err != nil {
		panic("zstd encoder initialization failed: " + err.Error())
	}
	zstdEncoders[l] = enc
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		var err error
		zstdDecoder, err = zstd.NewReader(nil)
		if err != nil {
			panic("zstd decoder initialization failed: " + err.Error())
		}
	})
	return zstdDecoder
}

// GroupBytes16 splits little-endian 16-bit samples into a plane of
// low bytes followed by a plane of high bytes.
func GroupBytes16(samples []uint16, out []byte) []byte {
	n := len(samples)
	if cap(out) < 2*n {
		out = make([]byte, 2*n)
	}
	out = out[:2*n]
	for i, v := range samples {
		out[i] = byte(v)
		out[n+i] = byte(v >> 8)
	}
	return out
}

// UngroupBytes16 reverses GroupBytes16.
func UngroupBytes16(data []byte, out []uint16) {
	n := len(out)
	for i := range out {
		out[i] = uint16(data[i]) | uint16(data[n+i])<<8
	}
}
