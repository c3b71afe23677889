// SPDX-License-Identifier: GPL-2.0-or-later

package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"irvideo/pkg/blockcodec"

	"github.com/icza/bitio"
)

// Planar codec. Key frames store pixels, other frames the wrapping
// difference to the previous frame. Samples are split into a low
// and a high byte plane before block compression.
type Planar struct {
	name string
	tag  blockcodec.Tag
}

// NewPlanar returns a planar codec using the block compressor tag.
func NewPlanar(name string, tag blockcodec.Tag) *Planar {
	return &Planar{name: name, tag: tag}
}

// Name returns the codec name.
func (p *Planar) Name() string {
	return p.name
}

// NewEncoder writes the stream header to w.
func (p *Planar) NewEncoder(w io.Writer, cfg Config) (Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Slices < 1 {
		cfg.Slices = 1
	}
	if cfg.Slices > cfg.Height {
		cfg.Slices = cfg.Height
	}

	header := &Irhd{
		Width:  uint32(cfg.Width),
		Height: uint32(cfg.Height),
		GOP:    uint32(cfg.GOP),
		Level:  uint8(cfg.Level),
		Codec:  p.name,
	}
	if cfg.StoreIT {
		header.Flags |= headerFlagIT
	}
	ftyp := &Ftyp{
		MajorBrand:       MajorBrand,
		MinorVersion:     1,
		CompatibleBrands: [][4]byte{MajorBrand, {'i', 's', 'o', 'm'}},
	}
	buf, err := MarshalBoxes(ftyp, header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	size := cfg.Width * cfg.Height
	return &planarEncoder{
		w:      w,
		cfg:    cfg,
		tag:    p.tag,
		offset: int64(len(buf)),
		prev:   make([]uint16, size),
		delta:  make([]uint16, size),
	}, nil
}

type planarEncoder struct {
	w   io.Writer
	cfg Config
	tag blockcodec.Tag

	offset    int64
	positions []int64
	prev      []uint16
	delta     []uint16
	err       error
	closed    bool
}

func (e *planarEncoder) AddFrame(img []uint16, it []uint8, key bool) error {
	if e.closed {
		return fmt.Errorf("%w: encoder closed", ErrCodec)
	}
	if e.err != nil {
		return e.err
	}
	size := e.cfg.Width * e.cfg.Height
	if len(img) < size {
		return fmt.Errorf("%w: frame has %d pixels, expected %d", ErrCodec, len(img), size)
	}
	if e.cfg.StoreIT && len(it) < size {
		return fmt.Errorf("%w: integration time plane has %d pixels, expected %d", ErrCodec, len(it), size)
	}
	img = img[:size]

	key = key || len(e.positions)%e.cfg.GOP == 0
	samples := img
	if !key {
		for i, v := range img {
			e.delta[i] = v - e.prev[i]
		}
		samples = e.delta
	}

	frame := &Frme{Slices: make([]Block, e.cfg.Slices)}
	if key {
		frame.Flags |= frameFlagKey
	}

	errs := make([]error, e.cfg.Slices)
	e.cfg.Pool.Range(e.cfg.Slices, func(start, end int) {
		for s := start; s < end; s++ {
			first, last := sliceBounds(s, e.cfg.Slices, e.cfg.Height)
			band := samples[first*e.cfg.Width : last*e.cfg.Width]
			raw := blockcodec.GroupBytes16(band, nil)
			frame.Slices[s], errs[s] = e.compress(raw)
		}
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	if e.cfg.StoreIT {
		packed, err := packIT(it[:size])
		if err != nil {
			return fmt.Errorf("%w: pack integration time: %v", ErrCodec, err)
		}
		block, err := e.compress(packed)
		if err != nil {
			return err
		}
		frame.IT = &block
	}

	buf, err := MarshalBoxes(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	n, err := e.w.Write(buf)
	if err != nil {
		// The stream is broken after a partial write.
		e.err = fmt.Errorf("write frame: %w", err)
		e.offset += int64(n)
		return e.err
	}

	e.positions = append(e.positions, e.offset)
	e.offset += int64(n)
	copy(e.prev, img)
	return nil
}

func (e *planarEncoder) compress(raw []byte) (Block, error) {
	data, err := blockcodec.Compress(raw, e.tag, e.cfg.Level)
	if errors.Is(err, blockcodec.ErrIncompressible) {
		return Block{Tag: blockcodec.None, RawSize: uint32(len(raw)), Data: raw}, nil
	}
	if err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return Block{Tag: e.tag, RawSize: uint32(len(raw)), Data: data}, nil
}

func (e *planarEncoder) Count() int {
	return len(e.positions)
}

func (e *planarEncoder) Positions() []int64 {
	return e.positions
}

func (e *planarEncoder) Size() int64 {
	return e.offset
}

func (e *planarEncoder) Close() error {
	e.closed = true
	return e.err
}

// Rows [first,last) of slice s.
func sliceBounds(s, slices, height int) (int, int) {
	return s * height / slices, (s + 1) * height / slices
}

// NewDecoder reads the header and locates every frame.
func (p *Planar) NewDecoder(r io.ReaderAt, size int64, positions []int64) (Decoder, error) {
	header, start, err := ReadHeader(r, size)
	if err != nil {
		return nil, err
	}
	if header.Codec != p.name {
		return nil, fmt.Errorf("%w: stream codec %q, expected %q", ErrCodec, header.Codec, p.name)
	}
	if header.Width == 0 || header.Height == 0 || uint64(header.Width)*uint64(header.Height) > 1<<28 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrCodec, header.Width, header.Height)
	}

	if !validPositions(positions, start, size) {
		positions, err = scanFrames(r, start, size)
		if err != nil {
			return nil, err
		}
	}

	pixels := int(header.Width) * int(header.Height)
	return &planarDecoder{
		r:         r,
		tag:       p.tag,
		header:    header,
		positions: positions,
		cur:       make([]uint16, pixels),
		samples:   make([]uint16, pixels),
		last:      -1,
	}, nil
}

func validPositions(positions []int64, start, size int64) bool {
	if len(positions) == 0 {
		return false
	}
	prev := start - 1
	for _, pos := range positions {
		if pos <= prev || pos+BoxHeaderSize > size {
			return false
		}
		prev = pos
	}
	return positions[0] == start
}

// Frame boxes back to back from start, stops at the
// first thing that is not a complete frame box.
func scanFrames(r io.ReaderAt, start, size int64) ([]int64, error) {
	var positions []int64
	off := start
	for size-off >= BoxHeaderSize {
		boxSize, typ, err := ReadBoxInfo(r, off)
		if err != nil {
			if errors.Is(err, ErrCodec) {
				break
			}
			return nil, fmt.Errorf("scan frames: %w", err)
		}
		if typ != TypeFrme || int64(boxSize) > size-off {
			break
		}
		positions = append(positions, off)
		off += int64(boxSize)
	}
	return positions, nil
}

type planarDecoder struct {
	r         io.ReaderAt
	tag       blockcodec.Tag
	header    *Irhd
	positions []int64

	// Last decoded frame.
	cur  []uint16
	last int

	samples []uint16
	buf     []byte
}

func (d *planarDecoder) Count() int {
	return len(d.positions)
}

func (d *planarDecoder) ImageSize() (int, int) {
	return int(d.header.Width), int(d.header.Height)
}

func (d *planarDecoder) HasIT() bool {
	return d.header.HasIT()
}

func (d *planarDecoder) Positions() []int64 {
	return d.positions
}

func (d *planarDecoder) ReadFrame(index int, img []uint16, it []uint8) error {
	if index < 0 || index >= len(d.positions) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	size := len(d.cur)
	if len(img) < size {
		return fmt.Errorf("%w: output has %d pixels, expected %d", ErrCodec, len(img), size)
	}

	key, err := d.findKey(index)
	if err != nil {
		return err
	}
	start := key
	if d.last >= key && d.last <= index {
		start = d.last + 1
	}

	var frame Frme
	for i := start; i <= index; i++ {
		if err := d.readFrame(i, &frame); err != nil {
			d.last = -1
			return err
		}
		if err := d.decodeSlices(&frame); err != nil {
			d.last = -1
			return fmt.Errorf("frame %d: %w", i, err)
		}
		d.last = i
	}
	if start > index {
		// Same frame again, the box is only needed for the plane.
		if it != nil && d.HasIT() {
			if err := d.readFrame(index, &frame); err != nil {
				return err
			}
		}
	}

	copy(img, d.cur)
	if it != nil && d.HasIT() {
		if len(it) < size {
			return fmt.Errorf("%w: integration time output too small", ErrCodec)
		}
		raw, err := d.decompress(frame.IT)
		if err != nil {
			return fmt.Errorf("frame %d integration time: %w", index, err)
		}
		if err := unpackIT(raw, it[:size]); err != nil {
			return fmt.Errorf("%w: unpack integration time: %v", ErrCodec, err)
		}
	}
	return nil
}

// Closest key frame at or before index.
func (d *planarDecoder) findKey(index int) (int, error) {
	var flags [1]byte
	for i := index; i >= 0; i-- {
		if i == d.last && i != index {
			// Decoding can continue from the cached frame.
			return i, nil
		}
		if _, err := d.r.ReadAt(flags[:], d.positions[i]+BoxHeaderSize); err != nil {
			return 0, fmt.Errorf("read frame %d flags: %w", i, err)
		}
		if flags[0]&frameFlagKey != 0 {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: no key frame before %d", ErrCodec, index)
}

func (d *planarDecoder) readFrame(i int, frame *Frme) error {
	boxSize, typ, err := ReadBoxInfo(d.r, d.positions[i])
	if err != nil {
		return fmt.Errorf("frame %d: %w", i, err)
	}
	if typ != TypeFrme {
		return fmt.Errorf("%w: frame %d: unexpected box %v", ErrCodec, i, typ)
	}
	n := int(boxSize) - BoxHeaderSize
	if cap(d.buf) < n {
		d.buf = make([]byte, n)
	}
	d.buf = d.buf[:n]
	if _, err := d.r.ReadAt(d.buf, d.positions[i]+BoxHeaderSize); err != nil {
		return fmt.Errorf("read frame %d: %w", i, err)
	}
	if err := frame.Unmarshal(d.buf, d.HasIT()); err != nil {
		return fmt.Errorf("frame %d: %w", i, err)
	}
	return nil
}

func (d *planarDecoder) decodeSlices(frame *Frme) error {
	width, height := d.ImageSize()
	slices := len(frame.Slices)
	if slices < 1 || slices > height {
		return fmt.Errorf("%w: %d slices", ErrCodec, slices)
	}
	for s := range frame.Slices {
		first, last := sliceBounds(s, slices, height)
		band := d.samples[first*width : last*width]
		raw, err := d.decompress(&frame.Slices[s])
		if err != nil {
			return err
		}
		if len(raw) != 2*len(band) {
			return fmt.Errorf("%w: slice %d has %d bytes, expected %d", ErrCodec, s, len(raw), 2*len(band))
		}
		blockcodec.UngroupBytes16(raw, band)
	}

	if frame.IsKey() {
		copy(d.cur, d.samples)
		return nil
	}
	if d.last < 0 {
		return fmt.Errorf("%w: delta frame without reference", ErrCodec)
	}
	for i, v := range d.samples {
		d.cur[i] += v
	}
	return nil
}

func (d *planarDecoder) decompress(b *Block) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: missing block", ErrCodec)
	}
	if b.Tag != blockcodec.None && b.Tag != d.tag {
		return nil, fmt.Errorf("%w: block tag %v", ErrCodec, b.Tag)
	}
	raw, err := blockcodec.Decompress(b.Data, b.Tag, int(b.RawSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return raw, nil
}

// Integration time values are 3 bits.
const itBits = 3

func packIT(it []uint8) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow((len(it)*itBits + 7) / 8)
	w := bitio.NewWriter(&buf)
	for _, v := range it {
		w.TryWriteBits(uint64(v), itBits)
	}
	if w.TryError != nil {
		return nil, w.TryError
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unpackIT(data []byte, it []uint8) error {
	r := bitio.NewReader(bytes.NewReader(data))
	for i := range it {
		it[i] = uint8(r.TryReadBits(itBits))
	}
	return r.TryError
}
