// SPDX-License-Identifier: GPL-2.0-or-later

package codec

import (
	"fmt"

	"irvideo/pkg/blockcodec"

	"github.com/icza/bitio"
)

// File layout, integers are big-endian.
//
// ftyp {
//     majorBrand    [4]byte "irvp"
//     minorVersion  uint32
//     compatible    [n][4]byte
// }
//
// irhd {
//     width   uint32
//     height  uint32
//     gop     uint32
//     flags   uint8   // 1: integration time plane.
//     level   uint8
//     codec   [8]byte // Zero padded name.
// }
//
// frme {
//     flags   uint8   // 1: key frame.
//     count   uint16
//     slices  [count]block
//     it      block   // Only if the header has the flag.
// }
//
// block {
//     tag      uint8  // blockcodec.Tag
//     rawSize  uint32
//     size     uint32
//     data     [size]byte
// }

// Box types.
var (
	TypeFtyp = BoxType{'f', 't', 'y', 'p'}
	TypeIrhd = BoxType{'i', 'r', 'h', 'd'}
	TypeFrme = BoxType{'f', 'r', 'm', 'e'}
)

// MajorBrand of every file written by this package.
var MajorBrand = [4]byte{'i', 'r', 'v', 'p'}

const (
	headerFlagIT = 1
	frameFlagKey = 1

	codecNameSize = 8
)

/*************************** ftyp ****************************/

// Ftyp is ISOBMFF ftyp box type.
type Ftyp struct {
	MajorBrand       [4]byte
	MinorVersion     uint32
	CompatibleBrands [][4]byte
}

// Type returns the BoxType.
func (*Ftyp) Type() BoxType {
	return TypeFtyp
}

// Size returns the marshaled size in bytes.
func (b *Ftyp) Size() int {
	return 8 + len(b.CompatibleBrands)*4
}

// Marshal box to writer.
func (b *Ftyp) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.MajorBrand[:])
	w.TryWriteBits(uint64(b.MinorVersion), 32)
	for _, brand := range b.CompatibleBrands {
		w.TryWrite(brand[:])
	}
	return w.TryError
}

// Unmarshal box payload.
func (b *Ftyp) Unmarshal(buf []byte) error {
	pos := 0
	brand, err := readBytes(buf, &pos, 4)
	if err != nil {
		return err
	}
	copy(b.MajorBrand[:], brand)
	if b.MinorVersion, err = readUint32(buf, &pos); err != nil {
		return err
	}
	b.CompatibleBrands = nil
	for len(buf)-pos >= 4 {
		var compatible [4]byte
		copy(compatible[:], buf[pos:])
		b.CompatibleBrands = append(b.CompatibleBrands, compatible)
		pos += 4
	}
	return nil
}

/*************************** irhd ****************************/

// Irhd stream header.
type Irhd struct {
	Width  uint32
	Height uint32
	GOP    uint32
	Flags  uint8
	Level  uint8
	Codec  string
}

// Type returns the BoxType.
func (*Irhd) Type() BoxType {
	return TypeIrhd
}

// Size returns the marshaled size in bytes.
func (*Irhd) Size() int {
	return 14 + codecNameSize
}

// Marshal box to writer.
func (b *Irhd) Marshal(w *bitio.Writer) error {
	if len(b.Codec) > codecNameSize {
		return fmt.Errorf("%w: codec name too long: %q", ErrCodec, b.Codec)
	}
	w.TryWriteBits(uint64(b.Width), 32)
	w.TryWriteBits(uint64(b.Height), 32)
	w.TryWriteBits(uint64(b.GOP), 32)
	w.TryWriteByte(b.Flags)
	w.TryWriteByte(b.Level)
	var name [codecNameSize]byte
	copy(name[:], b.Codec)
	w.TryWrite(name[:])
	return w.TryError
}

// Unmarshal box payload.
func (b *Irhd) Unmarshal(buf []byte) error {
	pos := 0
	var err error
	if b.Width, err = readUint32(buf, &pos); err != nil {
		return err
	}
	if b.Height, err = readUint32(buf, &pos); err != nil {
		return err
	}
	if b.GOP, err = readUint32(buf, &pos); err != nil {
		return err
	}
	if b.Flags, err = readUint8(buf, &pos); err != nil {
		return err
	}
	if b.Level, err = readUint8(buf, &pos); err != nil {
		return err
	}
	name, err := readBytes(buf, &pos, codecNameSize)
	if err != nil {
		return err
	}
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	b.Codec = string(name[:n])
	return nil
}

// HasIT reports whether frames carry an integration time plane.
func (b *Irhd) HasIT() bool {
	return b.Flags&headerFlagIT != 0
}

/*************************** frme ****************************/

// Block compressed data.
type Block struct {
	Tag     blockcodec.Tag
	RawSize uint32
	Data    []byte
}

func (b *Block) size() int {
	return 9 + len(b.Data)
}

func (b *Block) marshal(w *bitio.Writer) {
	w.TryWriteByte(uint8(b.Tag))
	w.TryWriteBits(uint64(b.RawSize), 32)
	w.TryWriteBits(uint64(len(b.Data)), 32)
	w.TryWrite(b.Data)
}

func (b *Block) unmarshal(buf []byte, pos *int) error {
	tag, err := readUint8(buf, pos)
	if err != nil {
		return err
	}
	b.Tag = blockcodec.Tag(tag)
	if b.RawSize, err = readUint32(buf, pos); err != nil {
		return err
	}
	size, err := readUint32(buf, pos)
	if err != nil {
		return err
	}
	b.Data, err = readBytes(buf, pos, int(size))
	return err
}

// Frme frame box.
type Frme struct {
	Flags  uint8
	Slices []Block
	// Nil without integration time plane.
	IT *Block
}

// Type returns the BoxType.
func (*Frme) Type() BoxType {
	return TypeFrme
}

// Size returns the marshaled size in bytes.
func (b *Frme) Size() int {
	total := 3
	for i := range b.Slices {
		total += b.Slices[i].size()
	}
	if b.IT != nil {
		total += b.IT.size()
	}
	return total
}

// Marshal box to writer.
func (b *Frme) Marshal(w *bitio.Writer) error {
	w.TryWriteByte(b.Flags)
	w.TryWriteBits(uint64(len(b.Slices)), 16)
	for i := range b.Slices {
		b.Slices[i].marshal(w)
	}
	if b.IT != nil {
		b.IT.marshal(w)
	}
	return w.TryError
}

// Unmarshal box payload. Blocks reference buf.
func (b *Frme) Unmarshal(buf []byte, hasIT bool) error {
	pos := 0
	var err error
	if b.Flags, err = readUint8(buf, &pos); err != nil {
		return err
	}
	count, err := readUint16(buf, &pos)
	if err != nil {
		return err
	}
	b.Slices = make([]Block, count)
	for i := range b.Slices {
		if err := b.Slices[i].unmarshal(buf, &pos); err != nil {
			return err
		}
	}
	b.IT = nil
	if hasIT {
		b.IT = &Block{}
		if err := b.IT.unmarshal(buf, &pos); err != nil {
			return err
		}
	}
	if pos != len(buf) {
		return fmt.Errorf("%w: %d trailing bytes in frame", ErrCodec, len(buf)-pos)
	}
	return nil
}

// IsKey reports whether the frame decodes without the previous one.
func (b *Frme) IsKey() bool {
	return b.Flags&frameFlagKey != 0
}
