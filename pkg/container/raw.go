// SPDX-License-Identifier: GPL-2.0-or-later

package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"irvideo/pkg/attributes"
)

// DefaultRate frame rate used when a file has none.
const DefaultRate = 50

// Uncompressed frames at a fixed stride, PCR and BIN files.
type rawBackend struct {
	src        io.ReaderAt
	info       Info
	count      int
	timestamps []int64
	trailer    *attributes.Trailer
	buf        []byte
}

func openRaw(src io.ReaderAt, size int64, info Info) (*rawBackend, error) {
	trailer, payload, err := readOptionalTrailer(src, size)
	if err != nil {
		return nil, err
	}
	count := rawFrames(payload, info.Start, info.TransferSize)
	if count == 0 {
		return nil, fmt.Errorf("%w: %v without frames", ErrInvalidFile, info.Format)
	}

	b := &rawBackend{
		src:     src,
		info:    info,
		count:   count,
		trailer: trailer,
		buf:     make([]byte, info.Width*info.Height*2),
	}
	if trailer != nil && trailer.Len() == count {
		b.timestamps = append([]int64{}, trailer.Timestamps...)
		return b, nil
	}

	times, found, err := readRawTimestamps(src, info.Start, info.TransferSize, count)
	if err != nil {
		return nil, err
	}
	if !found {
		times = syntheticTimestamps(count, info.Rate)
	} else {
		normalizeTimestamps(times)
	}
	b.timestamps = times
	return b, nil
}

// Recent files store a timestamp in the last 8 bytes of each frame.
// Only accepted when strictly increasing.
func readRawTimestamps(src io.ReaderAt, start, transfer int64, count int) ([]int64, bool, error) {
	if transfer < 8 {
		return nil, false, nil
	}
	times := make([]int64, count)
	var buf [8]byte
	for i := range times {
		if _, err := src.ReadAt(buf[:], start+transfer*int64(i+1)-8); err != nil {
			return nil, false, fmt.Errorf("read timestamp %d: %w", i, err)
		}
		times[i] = int64(binary.LittleEndian.Uint64(buf[:]))
		if i > 0 && times[i] <= times[i-1] {
			return nil, false, nil
		}
	}
	return times, true, nil
}

func syntheticTimestamps(count, rate int) []int64 {
	if rate <= 0 {
		rate = DefaultRate
	}
	period := 1e9 / float64(rate)
	times := make([]int64, count)
	for i := range times {
		times[i] = int64(float64(i) * period)
	}
	return times
}

// Stored timestamps are milliseconds, either since the acquisition
// origin or absolute. Converted in place to nanoseconds.
func normalizeTimestamps(times []int64) {
	t0 := times[0]
	last := times[len(times)-1]
	switch {
	case t0 > 28000 && t0 < 32000:
		for i := range times {
			times[i] *= 1e6
		}
	case t0 >= -1e9 && last <= 1e9:
		for i := range times {
			times[i] = (times[i] - t0) * 1e6
		}
	}
	// Acquisition origin is 32s after the trigger.
	if times[0] > 28e9 && times[0] < 32e9 {
		for i := range times {
			times[i] -= 32e9
		}
	}
}

func (b *rawBackend) Size() int {
	return b.count
}

func (b *rawBackend) ImageSize() (int, int) {
	return b.info.Width, b.info.Height
}

func (b *rawBackend) Timestamps() []int64 {
	return b.timestamps
}

func (b *rawBackend) ReadImage(index int, img []uint16) error {
	off := b.info.Start + b.info.TransferSize*int64(index)
	if _, err := b.src.ReadAt(b.buf, off); err != nil {
		return fmt.Errorf("read frame %d: %w", index, err)
	}
	decodeSamples(b.buf, img)
	return nil
}

func (b *rawBackend) GlobalAttributes() attributes.Map {
	global := globalAttributes(b.trailer)
	if b.info.Rate > 0 {
		global["Frequency"] = strconv.Itoa(b.info.Rate)
	}
	if b.info.Format == BINWest {
		global["Date"] = strconv.FormatInt(b.info.Date, 10)
	}
	return global
}

func (b *rawBackend) FrameAttributes(index int) (attributes.Map, error) {
	return frameAttributes(b.trailer, index), nil
}

func (b *rawBackend) Close() error {
	return nil
}
