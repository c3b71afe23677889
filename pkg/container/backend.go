// SPDX-License-Identifier: GPL-2.0-or-later

// Package container reads thermal videos stored in several
// legacy formats and writes compressed videos.
package container

import (
	"encoding/binary"
	"errors"
	"io"

	"irvideo/pkg/attributes"
)

// Errors.
var (
	ErrFormatUnrecognized = errors.New("unrecognized format")
	ErrInvalidFile        = errors.New("invalid file")
	ErrOutOfRange         = errors.New("frame index out of range")
	ErrBufferTooSmall     = errors.New("buffer too small")
	ErrMonotonicity       = errors.New("timestamp not after previous frame")
	ErrNoCalibration      = errors.New("no calibration")
	ErrClosed             = errors.New("closed")
	ErrStarted            = errors.New("encoding already started")
	ErrModeMixed          = errors.New("lossless and lossy frames mixed")
)

// Global attribute keys.
const (
	AttrPositions   = "positions"
	AttrCodec       = "CODEC"
	AttrLossy       = "LOSSY"
	AttrGOP         = "GOP"
	AttrCalibration = "CALIBRATION"
)

// Backend reads the frames of one format. Frame indexes
// are checked by the caller.
type Backend interface {
	Size() int
	ImageSize() (int, int)
	// Timestamps in nanoseconds, one per frame.
	Timestamps() []int64
	// ReadImage decodes the stored frame into img,
	// img has exactly width*height pixels.
	ReadImage(index int, img []uint16) error
	GlobalAttributes() attributes.Map
	FrameAttributes(index int) (attributes.Map, error)
	Close() error
}

// Plugin opens formats the built in detector does not know.
type Plugin interface {
	Name() string
	// Probe reports whether the stream starting with head is supported.
	Probe(head []byte) bool
	Open(src io.ReaderAt, size int64) (Backend, error)
}

type invalidPixelFixer interface {
	SetInvalidPixelsFixed(bool)
}

type itReader interface {
	HasIT() bool
	ReadIT(index int, it []uint8) error
}

func decodeSamples(buf []byte, img []uint16) {
	for i := range img {
		img[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
}

func encodeSamples(img []uint16, buf []byte) []byte {
	buf = buf[:0]
	for _, v := range img {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	return buf
}

// Trailer at the end of src if there is one. Returns
// the payload size, the whole stream without trailer.
func readOptionalTrailer(src io.ReaderAt, size int64) (*attributes.Trailer, int64, error) {
	trailer, trailerSize, err := attributes.ReadTrailer(src, size)
	if err != nil {
		if errors.Is(err, attributes.ErrCorruptTrailer) {
			return nil, size, nil
		}
		return nil, 0, err
	}
	return trailer, size - trailerSize, nil
}

func frameAttributes(trailer *attributes.Trailer, index int) attributes.Map {
	if trailer == nil || index >= len(trailer.Frames) {
		return attributes.Map{}
	}
	return trailer.Frames[index].Clone()
}

func globalAttributes(trailer *attributes.Trailer) attributes.Map {
	if trailer == nil {
		return attributes.Map{}
	}
	return trailer.Global.Clone()
}
