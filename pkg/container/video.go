// SPDX-License-Identifier: GPL-2.0-or-later

package container

import (
	"fmt"
	"io"

	"irvideo/pkg/attributes"
	"irvideo/pkg/codec"
	"irvideo/pkg/lossy"
)

// Compressed video written by Writer.
type videoBackend struct {
	decoder    codec.Decoder
	lossy      *lossy.Decoder
	trailer    *attributes.Trailer
	timestamps []int64
	storeIT    bool
}

func openVideo(src io.ReaderAt, size int64, codecs *codec.Registry) (*videoBackend, error) {
	trailer, payload, err := readOptionalTrailer(src, size)
	if err != nil {
		return nil, err
	}
	if trailer == nil {
		trailer = attributes.NewTrailer()
	}

	positions := decodePositions(trailer.Global[AttrPositions])
	decoder, err := codecs.Open(src, payload, positions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	if decoder.Count() == 0 {
		return nil, fmt.Errorf("%w: video without frames", ErrInvalidFile)
	}

	width, _ := decoder.ImageSize()
	lossyDecoder, err := lossy.NewDecoder(trailer.Global, width)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	b := &videoBackend{
		decoder: decoder,
		lossy:   lossyDecoder,
		trailer: trailer,
		storeIT: trailer.Global[lossy.AttrStoreIT] == "1" && decoder.HasIT(),
	}
	if trailer.Len() == decoder.Count() {
		b.timestamps = append([]int64{}, trailer.Timestamps...)
	} else {
		b.timestamps = syntheticTimestamps(decoder.Count(), DefaultRate)
	}
	return b, nil
}

func (b *videoBackend) Size() int {
	return b.decoder.Count()
}

func (b *videoBackend) ImageSize() (int, int) {
	return b.decoder.ImageSize()
}

func (b *videoBackend) Timestamps() []int64 {
	return b.timestamps
}

func (b *videoBackend) ReadImage(index int, img []uint16) error {
	if err := b.decoder.ReadFrame(index, img, nil); err != nil {
		return err
	}
	b.lossy.Decode(index, img)
	return nil
}

// HasIT reports whether frames are stored calibrated with
// their integration time plane.
func (b *videoBackend) HasIT() bool {
	return b.storeIT
}

func (b *videoBackend) ReadIT(index int, it []uint8) error {
	img := make([]uint16, len(it))
	return b.decoder.ReadFrame(index, img, it)
}

func (b *videoBackend) GlobalAttributes() attributes.Map {
	global := b.trailer.Global.Clone()
	delete(global, AttrPositions)
	delete(global, lossy.AttrLocalMins)
	return global
}

func (b *videoBackend) FrameAttributes(index int) (attributes.Map, error) {
	return frameAttributes(b.trailer, index), nil
}

func (b *videoBackend) Close() error {
	return nil
}
