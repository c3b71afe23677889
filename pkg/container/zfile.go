// SPDX-License-Identifier: GPL-2.0-or-later

package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"irvideo/pkg/attributes"
	"irvideo/pkg/blockcodec"
)

// Z files are a BIN header and trigger followed by frames.
//
// Frame.
//   0  Timestamp       int64
//   8  CompressedSize  uint32
//  12  Payload
//
// A payload of exactly width*height*2 bytes is stored.

// Z compression methods.
const (
	ZZstd   = 1
	ZLZ4    = 2
	ZStored = 3
)

const zFrameHeaderSize = 12

func zTag(compression uint8) (blockcodec.Tag, error) {
	switch compression {
	case ZZstd:
		return blockcodec.Zstd, nil
	case ZLZ4:
		return blockcodec.LZ4, nil
	case ZStored:
		return blockcodec.None, nil
	}
	return 0, fmt.Errorf("%w: z compression %d", ErrInvalidFile, compression)
}

type zBackend struct {
	src        io.ReaderAt
	info       Info
	tag        blockcodec.Tag
	positions  []int64
	timestamps []int64
	trailer    *attributes.Trailer
	buf        []byte
}

func openZ(src io.ReaderAt, size int64, info Info) (*zBackend, error) {
	tag, err := zTag(info.Compression)
	if err != nil {
		return nil, err
	}
	trailer, payload, err := readOptionalTrailer(src, size)
	if err != nil {
		return nil, err
	}

	b := &zBackend{
		src:     src,
		info:    info,
		tag:     tag,
		trailer: trailer,
	}
	if trailer != nil {
		positions := decodePositions(trailer.Global[AttrPositions])
		if len(positions) > 0 && len(positions) == trailer.Len() {
			b.positions = positions
			b.timestamps = append([]int64{}, trailer.Timestamps...)
		}
	}
	if b.positions == nil {
		if err := b.scan(payload); err != nil {
			return nil, err
		}
	}
	if len(b.positions) == 0 {
		return nil, fmt.Errorf("%w: z file without frames", ErrInvalidFile)
	}
	return b, nil
}

func (b *zBackend) scan(payload int64) error {
	var header [zFrameHeaderSize]byte
	pos := b.info.Start
	for pos+zFrameHeaderSize <= payload {
		if b.info.Frames > 0 && len(b.positions) == b.info.Frames {
			break
		}
		if _, err := b.src.ReadAt(header[:], pos); err != nil {
			return fmt.Errorf("read frame header: %w", err)
		}
		ts := int64(binary.LittleEndian.Uint64(header[:8]))
		csize := int64(binary.LittleEndian.Uint32(header[8:]))
		if pos+zFrameHeaderSize+csize > payload {
			break
		}
		b.positions = append(b.positions, pos)
		b.timestamps = append(b.timestamps, ts)
		pos += zFrameHeaderSize + csize
	}
	return nil
}

func (b *zBackend) Size() int {
	return len(b.positions)
}

func (b *zBackend) ImageSize() (int, int) {
	return b.info.Width, b.info.Height
}

func (b *zBackend) Timestamps() []int64 {
	return b.timestamps
}

func (b *zBackend) ReadImage(index int, img []uint16) error {
	var header [zFrameHeaderSize]byte
	pos := b.positions[index]
	if _, err := b.src.ReadAt(header[:], pos); err != nil {
		return fmt.Errorf("read frame header %d: %w", index, err)
	}
	csize := int(binary.LittleEndian.Uint32(header[8:]))
	if cap(b.buf) < csize {
		b.buf = make([]byte, csize)
	}
	b.buf = b.buf[:csize]
	if _, err := b.src.ReadAt(b.buf, pos+zFrameHeaderSize); err != nil {
		return fmt.Errorf("read frame %d: %w", index, err)
	}

	rawSize := len(img) * 2
	tag := b.tag
	if csize == rawSize {
		tag = blockcodec.None
	}
	raw, err := blockcodec.Decompress(b.buf, tag, rawSize)
	if err != nil {
		return fmt.Errorf("frame %d: %w", index, err)
	}
	if b.tag == blockcodec.LZ4 && tag != blockcodec.None {
		blockcodec.UngroupBytes16(raw, img)
		return nil
	}
	decodeSamples(raw, img)
	return nil
}

func (b *zBackend) GlobalAttributes() attributes.Map {
	global := globalAttributes(b.trailer)
	delete(global, AttrPositions)
	return global
}

func (b *zBackend) FrameAttributes(index int) (attributes.Map, error) {
	return frameAttributes(b.trailer, index), nil
}

func (b *zBackend) Close() error {
	return nil
}

// ZWriter writes Z files.
type ZWriter struct {
	path        string
	file        *os.File
	trigger     BINTrigger
	compression uint8
	tag         blockcodec.Tag
	level       int

	pos        int64
	positions  []int64
	timestamps []int64
	raw        []byte
	closed     bool
}

// NewZWriter creates a Z file at path.
func NewZWriter(path string, width, height, rate int, compression uint8, level int) (*ZWriter, error) {
	tag, err := zTag(compression)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidFile, width, height)
	}
	if rate <= 0 {
		rate = DefaultRate
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	w := &ZWriter{
		path: path,
		file: file,
		trigger: BINTrigger{
			Rate:      int64(rate),
			DataSizeX: int64(width),
			DataSizeY: int64(height),
		},
		compression: compression,
		tag:         tag,
		level:       level,
		pos:         binStart,
	}

	header := BINHeader{Version: 1, Triggers: 1, Compression: compression}.Marshal()
	header = append(header, w.trigger.Marshal()...)
	if _, err := file.Write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	return w, nil
}

// AddFrame appends img. ts must be after the previous timestamp.
func (w *ZWriter) AddFrame(img []uint16, ts int64) error {
	if w.closed {
		return ErrClosed
	}
	size := int(w.trigger.DataSizeX * w.trigger.DataSizeY)
	if len(img) < size {
		return fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, len(img), size)
	}
	if n := len(w.timestamps); n > 0 && ts <= w.timestamps[n-1] {
		return fmt.Errorf("%w: %d <= %d", ErrMonotonicity, ts, w.timestamps[n-1])
	}
	img = img[:size]

	var data []byte
	if w.tag == blockcodec.LZ4 {
		data = blockcodec.GroupBytes16(img, w.raw)
	} else {
		data = encodeSamples(img, w.raw)
	}
	w.raw = data

	payload, err := blockcodec.Compress(data, w.tag, w.level)
	if errors.Is(err, blockcodec.ErrIncompressible) {
		payload = encodeSamples(img, nil)
	} else if err != nil {
		return err
	}

	frame := make([]byte, zFrameHeaderSize, zFrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(frame, uint64(ts))
	binary.LittleEndian.PutUint32(frame[8:], uint32(len(payload)))
	frame = append(frame, payload...)
	if _, err := w.file.WriteAt(frame, w.pos); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	w.positions = append(w.positions, w.pos)
	w.timestamps = append(w.timestamps, ts)
	w.pos += int64(len(frame))
	return nil
}

// Count returns the number of frames written.
func (w *ZWriter) Count() int {
	return len(w.positions)
}

// Close updates the sample count and writes the attribute trailer.
func (w *ZWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.trigger.Samples = int64(len(w.positions))
	_, err := w.file.WriteAt(w.trigger.Marshal(), BINHeaderSize)
	if err != nil {
		err = fmt.Errorf("write trigger: %w", err)
	}
	if err2 := w.file.Close(); err == nil && err2 != nil {
		err = fmt.Errorf("close: %w", err2)
	}
	if err != nil {
		return err
	}

	global := attributes.Map{AttrPositions: encodePositions(w.positions)}
	return writeTrailer(w.path, w.timestamps, nil, global)
}

func encodePositions(positions []int64) string {
	buf := make([]byte, 0, len(positions)*8)
	for _, p := range positions {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p))
	}
	return string(buf)
}

func decodePositions(v string) []int64 {
	if v == "" || len(v)%8 != 0 {
		return nil
	}
	positions := make([]int64, len(v)/8)
	for i := range positions {
		positions[i] = int64(binary.LittleEndian.Uint64([]byte(v[i*8 : i*8+8])))
	}
	return positions
}

// Appends or replaces the attribute trailer of the file at path.
func writeTrailer(path string, timestamps []int64, frames []attributes.Map, global attributes.Map) error {
	f, err := attributes.Open(path)
	if err != nil {
		return err
	}
	f.Resize(len(timestamps))
	for i, ts := range timestamps {
		f.SetTimestamp(i, ts)
		if i < len(frames) {
			f.SetFrame(i, frames[i])
		}
	}
	for k, v := range global {
		f.SetGlobal(k, v)
	}
	return f.Close()
}
