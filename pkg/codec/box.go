// SPDX-License-Identifier: GPL-2.0-or-later

package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/icza/bitio"
)

// BoxType is a four character box type.
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

// ImmutableBox is common interface of box.
type ImmutableBox interface {
	// Type returns the BoxType.
	Type() BoxType

	// Size returns the marshaled size in bytes.
	// The size must be known before marshaling
	// since the box header contains the size.
	Size() int

	// Marshal box to writer.
	Marshal(w *bitio.Writer) error
}

// BoxHeaderSize size and type fields.
const BoxHeaderSize = 8

func writeBoxInfo(w *bitio.Writer, size uint32, typ BoxType) error {
	w.TryWriteBits(uint64(size), 32)
	w.TryWrite(typ[:])
	return w.TryError
}

// WriteSingleBox write a single box.
func WriteSingleBox(w *bitio.Writer, b ImmutableBox) (int, error) {
	size := BoxHeaderSize + b.Size()

	err := writeBoxInfo(w, uint32(size), b.Type())
	if err != nil {
		return 0, err
	}

	// The size of a empty box is 8 bytes.
	if size != BoxHeaderSize {
		err := b.Marshal(w)
		if err != nil {
			return 0, err
		}
	}
	return size, nil
}

// MarshalBoxes returns the boxes marshaled back to back.
func MarshalBoxes(boxes ...ImmutableBox) ([]byte, error) {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	for _, b := range boxes {
		if _, err := WriteSingleBox(w, b); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadBoxInfo reads the size and type of the box at off.
func ReadBoxInfo(r io.ReaderAt, off int64) (uint32, BoxType, error) {
	var buf [BoxHeaderSize]byte
	if _, err := r.ReadAt(buf[:], off); err != nil {
		return 0, BoxType{}, err
	}
	var typ BoxType
	copy(typ[:], buf[4:])
	size := binary.BigEndian.Uint32(buf[:4])
	if size < BoxHeaderSize {
		return 0, BoxType{}, fmt.Errorf("%w: box %v size %d", ErrCodec, typ, size)
	}
	return size, typ, nil
}

func readUint8(buf []byte, pos *int) (uint8, error) {
	if len(buf)-*pos < 1 {
		return 0, fmt.Errorf("%w: unexpected end of box", ErrCodec)
	}
	v := buf[*pos]
	*pos++
	return v, nil
}

func readUint16(buf []byte, pos *int) (uint16, error) {
	if len(buf)-*pos < 2 {
		return 0, fmt.Errorf("%w: unexpected end of box", ErrCodec)
	}
	v := binary.BigEndian.Uint16(buf[*pos:])
	*pos += 2
	return v, nil
}

func readUint32(buf []byte, pos *int) (uint32, error) {
	if len(buf)-*pos < 4 {
		return 0, fmt.Errorf("%w: unexpected end of box", ErrCodec)
	}
	v := binary.BigEndian.Uint32(buf[*pos:])
	*pos += 4
	return v, nil
}

func readBytes(buf []byte, pos *int, n int) ([]byte, error) {
	if n < 0 || len(buf)-*pos < n {
		return nil, fmt.Errorf("%w: unexpected end of box", ErrCodec)
	}
	v := buf[*pos : *pos+n]
	*pos += n
	return v, nil
}
