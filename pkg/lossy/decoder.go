// SPDX-License-Identifier: GPL-2.0-or-later

package lossy

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"irvideo/pkg/attributes"
)

// Decoder undoes the minimum subtraction of decoded frames.
// Everything else the encoder did is already in the pixels.
type Decoder struct {
	width     int
	minT      uint16
	minHeight int
	localMins []uint16
}

// NewDecoder reads MIN_T, MIN_T_HEIGHT and LOCAL_MINS from
// the global attributes of a video.
func NewDecoder(global attributes.Map, width int) (*Decoder, error) {
	d := &Decoder{width: width}

	if v, exist := global[AttrMinT]; exist {
		minT, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parse %v: %w", AttrMinT, err)
		}
		d.minT = uint16(minT)

		height, err := strconv.Atoi(global[AttrMinTHeight])
		if err != nil {
			return nil, fmt.Errorf("parse %v: %w", AttrMinTHeight, err)
		}
		d.minHeight = height
	}

	if v, exist := global[AttrLocalMins]; exist {
		raw := []byte(v)
		d.localMins = make([]uint16, len(raw)/2)
		for i := range d.localMins {
			d.localMins[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
	}
	return d, nil
}

// Active reports whether Decode changes anything.
func (d *Decoder) Active() bool {
	return d.minHeight > 0
}

// Decode adds the minimum of frame index back to img in place.
func (d *Decoder) Decode(index int, img []uint16) {
	if !d.Active() {
		return
	}
	offset := d.minT
	if index >= 0 && index < len(d.localMins) {
		offset = d.localMins[index]
	}
	if offset == 0 {
		return
	}

	size := d.width * d.minHeight
	if size > len(img) {
		size = len(img)
	}
	for i := 0; i < size; i++ {
		v := uint32(img[i]) + uint32(offset)
		if v > 65535 {
			v = 65535
		}
		img[i] = uint16(v)
	}
}
