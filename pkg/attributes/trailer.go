// SPDX-License-Identifier: GPL-2.0-or-later

// Package attributes stores global and per frame key/value attributes
// and frame timestamps in a trailer appended to a video file.
package attributes

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"irvideo/pkg/blockcodec"
)

// trailer {
//     global    map
//     frames    [count]map
//     times     [count]int64
//     count     uint64
//     size      uint64  // Whole trailer including this footer.
//     marker    [14]byte "H264ATTRIBUTES"
// }
//
// map {
//     count     uint64
//     [count]{key string, value string}
// }
//
// string {
//     size      uint64  // High bit set if compressed.
//     rawSize   uint64  // Only if compressed.
//     data      [size]byte
// }
//
// Integers are little-endian.

// Marker ends every trailer.
const Marker = "H264ATTRIBUTES"

// FooterSize size of count, size and marker.
const FooterSize = 8 + 8 + len(Marker)

// Values at least this long are compressed if it helps.
const compressMinSize = 1000

const compressedFlag = uint64(1) << 63

// ErrCorruptTrailer the trailer is missing, truncated or invalid.
var ErrCorruptTrailer = errors.New("corrupt trailer")

// Map attribute map, keys and values are binary safe.
type Map map[string]string

// Clone returns a copy of the map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Trailer in memory representation.
type Trailer struct {
	Global     Map
	Frames     []Map
	Timestamps []int64
}

// NewTrailer returns an empty trailer.
func NewTrailer() *Trailer {
	return &Trailer{Global: Map{}}
}

// Len returns the number of frames.
func (t *Trailer) Len() int {
	return len(t.Timestamps)
}

// Resize changes the frame count, existing entries below
// n are kept and new entries are empty.
func (t *Trailer) Resize(n int) {
	if n < 0 {
		n = 0
	}
	if n <= len(t.Timestamps) {
		t.Timestamps = t.Timestamps[:n]
		t.Frames = t.Frames[:n]
		return
	}
	for len(t.Timestamps) < n {
		t.Timestamps = append(t.Timestamps, 0)
		t.Frames = append(t.Frames, Map{})
	}
}

// Marshal trailer.
func (t *Trailer) Marshal() []byte {
	var out []byte

	out = marshalMap(out, t.Global)
	for _, m := range t.Frames {
		out = marshalMap(out, m)
	}
	for _, ts := range t.Timestamps {
		out = binary.LittleEndian.AppendUint64(out, uint64(ts))
	}

	size := len(out) + FooterSize
	out = binary.LittleEndian.AppendUint64(out, uint64(len(t.Timestamps)))
	out = binary.LittleEndian.AppendUint64(out, uint64(size))
	return append(out, Marker...)
}

func marshalMap(out []byte, m Map) []byte {
	out = binary.LittleEndian.AppendUint64(out, uint64(len(m)))
	for _, k := range sortedKeys(m) {
		out = marshalString(out, k)
		out = marshalString(out, m[k])
	}
	return out
}

func marshalString(out []byte, s string) []byte {
	if len(s) >= compressMinSize {
		compressed, err := blockcodec.Compress([]byte(s), blockcodec.Zstd, blockcodec.DefaultLevel)
		// The raw size field costs 8 bytes.
		if err == nil && len(compressed)+8 < len(s) {
			out = binary.LittleEndian.AppendUint64(out, uint64(len(compressed)+8)|compressedFlag)
			out = binary.LittleEndian.AppendUint64(out, uint64(len(s)))
			return append(out, compressed...)
		}
	}
	out = binary.LittleEndian.AppendUint64(out, uint64(len(s)))
	return append(out, s...)
}

// ParseFooter parses the last FooterSize bytes of a file,
// returns the frame count and trailer size.
func ParseFooter(footer []byte) (count uint64, size uint64, err error) {
	if len(footer) != FooterSize {
		return 0, 0, fmt.Errorf("%w: footer size %d", ErrCorruptTrailer, len(footer))
	}
	if string(footer[16:]) != Marker {
		return 0, 0, fmt.Errorf("%w: marker mismatch", ErrCorruptTrailer)
	}
	count = binary.LittleEndian.Uint64(footer[0:8])
	size = binary.LittleEndian.Uint64(footer[8:16])
	if size < uint64(FooterSize) {
		return 0, 0, fmt.Errorf("%w: trailer size %d", ErrCorruptTrailer, size)
	}
	// Every frame needs at least a map count and a timestamp.
	if count > (size-uint64(FooterSize))/16 {
		return 0, 0, fmt.Errorf("%w: frame count %d", ErrCorruptTrailer, count)
	}
	return count, size, nil
}

// Unmarshal a complete trailer, data must end with the marker.
// Every byte must be consumed.
func (t *Trailer) Unmarshal(data []byte) error {
	if len(data) < FooterSize {
		return fmt.Errorf("%w: too short", ErrCorruptTrailer)
	}
	count, size, err := ParseFooter(data[len(data)-FooterSize:])
	if err != nil {
		return err
	}
	if size != uint64(len(data)) {
		return fmt.Errorf("%w: size %d, got %d bytes", ErrCorruptTrailer, size, len(data))
	}

	body := data[:len(data)-FooterSize]
	pos := 0

	global, err := unmarshalMap(body, &pos)
	if err != nil {
		return fmt.Errorf("global attributes: %w", err)
	}

	frames := make([]Map, count)
	for i := range frames {
		frames[i], err = unmarshalMap(body, &pos)
		if err != nil {
			return fmt.Errorf("frame %d attributes: %w", i, err)
		}
	}

	if uint64(len(body)-pos) != count*8 {
		return fmt.Errorf("%w: timestamps size", ErrCorruptTrailer)
	}
	timestamps := make([]int64, count)
	for i := range timestamps {
		timestamps[i] = int64(binary.LittleEndian.Uint64(body[pos:]))
		pos += 8
	}

	t.Global = global
	t.Frames = frames
	t.Timestamps = timestamps
	return nil
}

func unmarshalUint64(data []byte, pos *int) (uint64, error) {
	if len(data)-*pos < 8 {
		return 0, fmt.Errorf("%w: unexpected end", ErrCorruptTrailer)
	}
	v := binary.LittleEndian.Uint64(data[*pos:])
	*pos += 8
	return v, nil
}

func unmarshalMap(data []byte, pos *int) (Map, error) {
	count, err := unmarshalUint64(data, pos)
	if err != nil {
		return nil, err
	}
	// Each entry needs two size fields.
	if count > uint64(len(data)-*pos)/16 {
		return nil, fmt.Errorf("%w: map count %d", ErrCorruptTrailer, count)
	}

	m := make(Map, count)
	for i := uint64(0); i < count; i++ {
		key, err := unmarshalString(data, pos)
		if err != nil {
			return nil, err
		}
		value, err := unmarshalString(data, pos)
		if err != nil {
			return nil, err
		}
		m[key] = value
	}
	return m, nil
}

func unmarshalString(data []byte, pos *int) (string, error) {
	size, err := unmarshalUint64(data, pos)
	if err != nil {
		return "", err
	}
	compressed := size&compressedFlag != 0
	size &^= compressedFlag

	if size > uint64(len(data)-*pos) {
		return "", fmt.Errorf("%w: string size %d", ErrCorruptTrailer, size)
	}
	raw := data[*pos : *pos+int(size)]
	*pos += int(size)

	if !compressed {
		return string(raw), nil
	}

	if len(raw) < 8 {
		return "", fmt.Errorf("%w: compressed string", ErrCorruptTrailer)
	}
	rawSize := binary.LittleEndian.Uint64(raw)
	// zstd cannot expand more than this.
	if rawSize > uint64(len(raw))*1024+1024 {
		return "", fmt.Errorf("%w: uncompressed size %d", ErrCorruptTrailer, rawSize)
	}
	value, err := blockcodec.Decompress(raw[8:], blockcodec.Zstd, int(rawSize))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptTrailer, err)
	}
	return string(value), nil
}

// ReadTrailer reads the trailer at the end of r. Returns the trailer
// and its size, or ErrCorruptTrailer if there is no valid trailer.
func ReadTrailer(r io.ReaderAt, fileSize int64) (*Trailer, int64, error) {
	if fileSize < int64(FooterSize) {
		return nil, 0, fmt.Errorf("%w: file too small", ErrCorruptTrailer)
	}

	footer := make([]byte, FooterSize)
	if _, err := r.ReadAt(footer, fileSize-int64(FooterSize)); err != nil {
		return nil, 0, fmt.Errorf("read footer: %w", err)
	}
	_, size, err := ParseFooter(footer)
	if err != nil {
		return nil, 0, err
	}
	if size > uint64(fileSize) {
		return nil, 0, fmt.Errorf("%w: trailer larger than file", ErrCorruptTrailer)
	}

	data := make([]byte, size)
	if _, err := r.ReadAt(data, fileSize-int64(size)); err != nil {
		return nil, 0, fmt.Errorf("read trailer: %w", err)
	}

	t := NewTrailer()
	if err := t.Unmarshal(data); err != nil {
		return nil, 0, err
	}
	return t, int64(size), nil
}
